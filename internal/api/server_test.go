package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siphon/internal/pipeline"
	"siphon/internal/storage"
)

type savedChannel struct {
	url      string
	interval int
}

type fakeStore struct {
	videos   []storage.Video
	channels []storage.Channel
	saved    []savedChannel
	fail     bool
}

func (s *fakeStore) GetAllVideos() ([]storage.Video, error) {
	if s.fail {
		return nil, errors.New("db gone")
	}
	return s.videos, nil
}

func (s *fakeStore) GetActiveChannels() ([]storage.Channel, error) {
	return s.channels, nil
}

func (s *fakeStore) SaveChannel(name, url string, checkIntervalMinutes int) error {
	s.saved = append(s.saved, savedChannel{url: url, interval: checkIntervalMinutes})
	return nil
}

type fakeSnapshotter struct{ snap pipeline.Snapshot }

func (f *fakeSnapshotter) Snapshot() pipeline.Snapshot { return f.snap }

func newTestServer(store *fakeStore, trigger func(full bool)) *Server {
	return NewServer(0, store, &fakeSnapshotter{snap: pipeline.Snapshot{QueuedDownloads: 4}}, trigger,
		60*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(&fakeStore{}, nil)
	rec := do(t, s, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap pipeline.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 4, snap.QueuedDownloads)
}

func TestVideosEndpoint(t *testing.T) {
	store := &fakeStore{videos: []storage.Video{{URL: "https://example/post/X1"}}}
	rec := do(t, newTestServer(store, nil), http.MethodGet, "/v1/videos", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var videos []storage.Video
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &videos))
	assert.Len(t, videos, 1)

	store.fail = true
	rec = do(t, newTestServer(store, nil), http.MethodGet, "/v1/videos", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChannelsEndpoint(t *testing.T) {
	store := &fakeStore{channels: []storage.Channel{{ID: 1, Name: "alpha", URL: "https://example/ch/alpha.html"}}}
	rec := do(t, newTestServer(store, nil), http.MethodGet, "/v1/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var channels []storage.Channel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &channels))
	assert.Len(t, channels, 1)
}

func TestSaveChannelValidation(t *testing.T) {
	store := &fakeStore{}
	s := newTestServer(store, nil)

	rec := do(t, s, http.MethodPost, "/v1/channels", []byte(`{"name":"alpha"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing url must be rejected")

	rec = do(t, s, http.MethodPost, "/v1/channels", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/channels", []byte(`{"name":"alpha","url":"https://example/ch/alpha.html"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, store.saved, 1)
	assert.Equal(t, "https://example/ch/alpha.html", store.saved[0].url)
}

func TestSaveChannelDefaultsCheckInterval(t *testing.T) {
	store := &fakeStore{}
	s := NewServer(0, store, &fakeSnapshotter{}, nil, 30*time.Minute,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Omitted interval falls back to the configured default.
	rec := do(t, s, http.MethodPost, "/v1/channels", []byte(`{"name":"alpha","url":"https://example/ch/alpha.html"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, store.saved, 1)
	assert.Equal(t, 30, store.saved[0].interval)

	// An explicit interval is kept as given.
	rec = do(t, s, http.MethodPost, "/v1/channels", []byte(`{"name":"beta","url":"https://example/ch/beta.html","check_interval_minutes":5}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, store.saved, 2)
	assert.Equal(t, 5, store.saved[1].interval)
}

func TestScanTrigger(t *testing.T) {
	var triggered, full bool
	s := newTestServer(&fakeStore{}, func(f bool) { triggered, full = true, f })

	rec := do(t, s, http.MethodPost, "/v1/scan", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, triggered)
	assert.False(t, full, "empty body must request a regular monitoring scan")

	rec = do(t, s, http.MethodPost, "/v1/scan", []byte(`{"full":true}`))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, full, "full flag not forwarded to the automation loop")
	assert.Contains(t, rec.Body.String(), "full scan requested")

	s = newTestServer(&fakeStore{}, nil)
	rec = do(t, s, http.MethodPost, "/v1/scan", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "scan without an automation loop must 409")
}

func TestServerBindsLoopbackOnly(t *testing.T) {
	s := newTestServer(&fakeStore{}, nil)
	assert.Equal(t, "127.0.0.1:0", s.http.Addr)
}
