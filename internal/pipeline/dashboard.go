package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const (
	dashboardForceEvery = 30 * time.Second
	maxShownDownloads   = 5
	maxShownUploads     = 3
)

// dashboard renders pipeline state to an append-only stream every 2 s,
// skipping renders identical to the previous one but never going quiet for
// more than 30 s.
type dashboard struct {
	orch        *Orchestrator
	downloadDir string
	out         io.Writer

	lastRender string
	lastEmit   time.Time

	// now is swapped in tests to pin elapsed/ETA values.
	now func() time.Time
}

func newDashboard(orch *Orchestrator, downloadDir string) *dashboard {
	return &dashboard{
		orch:        orch,
		downloadDir: downloadDir,
		out:         os.Stdout,
		now:         time.Now,
	}
}

func (d *dashboard) loop(ctx context.Context) {
	ticker := time.NewTicker(dashboardTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *dashboard) tick() {
	render := d.render(d.orch.Snapshot())
	if render == d.lastRender && d.now().Sub(d.lastEmit) < dashboardForceEvery {
		return
	}
	fmt.Fprint(d.out, render)
	d.lastRender = render
	d.lastEmit = d.now()
}

// render builds the status block. Item lists are sorted so equal state always
// produces equal text.
func (d *dashboard) render(snap Snapshot) string {
	var b strings.Builder

	total := len(snap.ActiveDownloads) + len(snap.ActiveUploads) +
		snap.QueuedDownloads + snap.QueuedUploads +
		snap.CompletedDownloads + snap.CompletedUploads
	done := snap.CompletedUploads
	if !snap.UploadsEnabled {
		done = snap.CompletedDownloads
	}
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}

	b.WriteString("\n==================== PIPELINE ====================\n")
	fmt.Fprintf(&b, "Progress: %.1f%% | Elapsed: %s | ETA: %s\n",
		pct, formatElapsed(snap.Elapsed), eta(snap.Elapsed, done, total))
	if snap.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", snap.Status)
	}

	writeActiveDownloads(&b, snap.ActiveDownloads, d.now())
	writeActiveUploads(&b, snap.ActiveUploads, d.now())

	b.WriteString("Stage      Active  Queued  Completed  Workers\n")
	fmt.Fprintf(&b, "Download   %-7d %-7d %-10d %d\n",
		len(snap.ActiveDownloads), snap.QueuedDownloads, snap.CompletedDownloads, snap.DownloadWorkers)
	fmt.Fprintf(&b, "Upload     %-7d %-7d %-10d %d\n",
		len(snap.ActiveUploads), snap.QueuedUploads, snap.CompletedUploads, snap.UploadWorkers)

	if usage, err := disk.Usage(d.downloadDir); err == nil {
		fmt.Fprintf(&b, "Disk: %.1f%% used, %s free\n", usage.UsedPercent, formatBytes(usage.Free))
	}
	b.WriteString("==================================================\n")
	return b.String()
}

func writeActiveDownloads(b *strings.Builder, active map[string]DownloadProgress, now time.Time) {
	if len(active) == 0 {
		return
	}
	urls := sortedKeys(active)
	b.WriteString("Active downloads:\n")
	for i, url := range urls {
		if i >= maxShownDownloads {
			fmt.Fprintf(b, "  ... and %d more\n", len(urls)-maxShownDownloads)
			break
		}
		p := active[url]
		fmt.Fprintf(b, "  [w%d] %s  %s  %s\n",
			p.Worker, truncateTitle(p.Title), progressBytes(p.BytesRead, p.BytesTotal),
			formatElapsed(now.Sub(p.StartedAt)))
	}
}

func writeActiveUploads(b *strings.Builder, active map[string]UploadProgress, now time.Time) {
	if len(active) == 0 {
		return
	}
	urls := sortedKeys(active)
	b.WriteString("Active uploads:\n")
	for i, url := range urls {
		if i >= maxShownUploads {
			fmt.Fprintf(b, "  ... and %d more\n", len(urls)-maxShownUploads)
			break
		}
		p := active[url]
		fmt.Fprintf(b, "  [w%d] %s  %s\n",
			p.Worker, truncateTitle(p.Title), formatElapsed(now.Sub(p.StartedAt)))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// eta extrapolates linearly from completed items over elapsed time.
func eta(elapsed time.Duration, done, total int) string {
	if done == 0 || total <= done {
		return "--"
	}
	perItem := elapsed / time.Duration(done)
	return formatElapsed(perItem * time.Duration(total-done))
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func progressBytes(read, total int64) string {
	if total <= 0 {
		return formatBytes(uint64(read))
	}
	return fmt.Sprintf("%s/%s (%.0f%%)", formatBytes(uint64(read)), formatBytes(uint64(total)),
		float64(read)/float64(total)*100)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncateTitle(s string) string {
	const max = 40
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
