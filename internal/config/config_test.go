package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Automated {
		t.Error("automated should default off")
	}
	if cfg.DownloadWorkers != DefaultDownloadWorkers || cfg.UploadWorkers != DefaultUploadWorkers {
		t.Errorf("worker defaults = %d/%d", cfg.DownloadWorkers, cfg.UploadWorkers)
	}
	if cfg.SessionTTL != DefaultSessionTTL {
		t.Errorf("session ttl = %v", cfg.SessionTTL)
	}
	if cfg.CheckInterval != DefaultCheckInterval {
		t.Errorf("check interval = %v", cfg.CheckInterval)
	}
	if cfg.APIPort != 0 {
		t.Errorf("api should default off, port = %d", cfg.APIPort)
	}
	if cfg.DeliveryEnabled() {
		t.Error("delivery enabled without a token")
	}
}

func TestFlagsWinOverEnv(t *testing.T) {
	t.Setenv("SIPHON_DOWNLOADS", "5")
	t.Setenv("SIPHON_SESSION_TTL", "10m")

	cfg, err := Load([]string{"-downloads", "7"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DownloadWorkers != 7 {
		t.Errorf("downloads = %d, want flag value 7", cfg.DownloadWorkers)
	}
	if cfg.SessionTTL != 10*time.Minute {
		t.Errorf("session ttl = %v, want env value 10m", cfg.SessionTTL)
	}
}

func TestBareNumberDurationsAreMinutes(t *testing.T) {
	t.Setenv("SIPHON_CHECK_INTERVAL", "15")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CheckInterval != 15*time.Minute {
		t.Errorf("check interval = %v, want 15m", cfg.CheckInterval)
	}
}

func TestWorkerClamps(t *testing.T) {
	cfg, err := Load([]string{"-downloads", "0", "-uploads", "-3"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DownloadWorkers != 1 {
		t.Errorf("downloads clamped to %d, want 1", cfg.DownloadWorkers)
	}
	if cfg.UploadWorkers != 0 {
		t.Errorf("uploads clamped to %d, want 0", cfg.UploadWorkers)
	}

	cfg, err = Load([]string{"-downloads", "50"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DownloadWorkers != 10 {
		t.Errorf("downloads clamped to %d, want 10", cfg.DownloadWorkers)
	}
}

func TestDeliveryNeedsAllThreeOptions(t *testing.T) {
	cfg, err := Load([]string{"-telegram-token", "tok", "-telegram-chat", ""})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeliveryEnabled() {
		t.Error("delivery enabled with missing chat id")
	}

	cfg, err = Load([]string{"-telegram-token", "tok", "-telegram-chat", "123"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.DeliveryEnabled() {
		t.Error("delivery disabled with token+chat+default base url")
	}
}

func TestEmptyDownloadDirRejected(t *testing.T) {
	if _, err := Load([]string{"-download-dir", ""}); err == nil {
		t.Fatal("expected error for empty download dir")
	}
}
