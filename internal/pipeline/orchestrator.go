// Package pipeline owns the bounded download/upload worker pools, the FIFO
// queues feeding them and the live status dashboard.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"siphon/internal/download"
	"siphon/internal/storage"
)

const (
	idleSleep    = 500 * time.Millisecond
	drainPoll    = 200 * time.Millisecond
	stopGrace    = 10 * time.Second
	dashboardTTL = 2 * time.Second
)

// Downloader is the stage-1 engine contract.
type Downloader interface {
	DownloadVideo(ctx context.Context, video storage.Video, onProgress download.ProgressFunc) (string, error)
}

// Uploader is the stage-2 delivery contract. A nil Uploader disables stage 2.
type Uploader interface {
	UploadVideo(ctx context.Context, video storage.Video) error
}

// DownloadProgress is one in-flight download's mutable record. Each record is
// written only by its owning worker.
type DownloadProgress struct {
	Worker     int
	Title      string
	BytesRead  int64
	BytesTotal int64
	StartedAt  time.Time
}

// UploadProgress mirrors DownloadProgress for stage 2.
type UploadProgress struct {
	Worker    int
	Title     string
	StartedAt time.Time
}

// Orchestrator runs D download workers, U upload workers and the dashboard
// under a single cancellation context.
type Orchestrator struct {
	downloader Downloader
	uploader   Uploader
	logger     *slog.Logger

	downloadWorkers int
	uploadWorkers   int

	downloadQueue *fifoQueue
	uploadQueue   *fifoQueue
	downloadSem   chan struct{}
	uploadSem     chan struct{}

	downloadProgress sync.Map // url -> *DownloadProgress
	uploadProgress   sync.Map // url -> *UploadProgress

	completedMu        sync.Mutex
	completedDownloads []string
	completedUploads   []string

	inflightDownloads atomic.Int64
	inflightUploads   atomic.Int64

	statusMu   sync.Mutex
	statusLine string

	dashboard *dashboard
	startedAt time.Time

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewOrchestrator sizes the pools. uploader may be nil, in which case no
// upload workers are spawned and completed downloads are terminal.
func NewOrchestrator(downloader Downloader, uploader Uploader, downloadWorkers, uploadWorkers int, downloadDir string, logger *slog.Logger) *Orchestrator {
	if uploader == nil {
		uploadWorkers = 0
	}
	o := &Orchestrator{
		downloader:      downloader,
		uploader:        uploader,
		logger:          logger,
		downloadWorkers: downloadWorkers,
		uploadWorkers:   uploadWorkers,
		downloadQueue:   newFifoQueue(),
		uploadQueue:     newFifoQueue(),
		downloadSem:     make(chan struct{}, downloadWorkers),
	}
	if uploadWorkers > 0 {
		o.uploadSem = make(chan struct{}, uploadWorkers)
	}
	o.dashboard = newDashboard(o, downloadDir)
	return o
}

// Start spawns the worker pools and the dashboard. Call Stop to unwind.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.group, ctx = errgroup.WithContext(ctx)
	o.startedAt = time.Now()

	for i := 1; i <= o.downloadWorkers; i++ {
		worker := i
		o.group.Go(func() error {
			o.downloadLoop(ctx, worker)
			return nil
		})
	}
	for i := 1; i <= o.uploadWorkers; i++ {
		worker := i
		o.group.Go(func() error {
			o.uploadLoop(ctx, worker)
			return nil
		})
	}
	o.group.Go(func() error {
		o.dashboard.loop(ctx)
		return nil
	})

	o.logger.Info("pipeline started", "download_workers", o.downloadWorkers, "upload_workers", o.uploadWorkers)
}

// Enqueue appends items to the download queue without blocking. Duplicate
// URLs across batches are tolerated: the engine's pre-existing-file check
// makes the second pass a no-op.
func (o *Orchestrator) Enqueue(videos []storage.Video) {
	items := make([]workItem, 0, len(videos))
	for _, v := range videos {
		items = append(items, newWorkItem(v))
	}
	o.downloadQueue.Enqueue(items...)
}

// EnqueueUploads appends already-downloaded items straight to the upload
// queue, bypassing stage 1. Used to resume pending deliveries after a restart.
func (o *Orchestrator) EnqueueUploads(videos []storage.Video) {
	if o.uploader == nil {
		return
	}
	items := make([]workItem, 0, len(videos))
	for _, v := range videos {
		items = append(items, newWorkItem(v))
	}
	o.uploadQueue.Enqueue(items...)
}

// ProcessBlocking enqueues and waits until both queues are empty and no
// worker is mid-item, or the context is cancelled.
func (o *Orchestrator) ProcessBlocking(ctx context.Context, videos []storage.Video) {
	o.Enqueue(videos)
	for {
		if o.downloadQueue.Len() == 0 && o.uploadQueue.Len() == 0 &&
			o.inflightDownloads.Load() == 0 && o.inflightUploads.Load() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPoll):
		}
	}
}

// UpdateStatus sets the dashboard's current-activity line. Last writer wins.
func (o *Orchestrator) UpdateStatus(text string) {
	o.statusMu.Lock()
	o.statusLine = text
	o.statusMu.Unlock()
}

func (o *Orchestrator) status() string {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.statusLine
}

// Stop cancels every worker and waits out the grace period.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()

	done := make(chan struct{})
	go func() {
		_ = o.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("pipeline stopped")
	case <-time.After(stopGrace):
		o.logger.Warn("pipeline stop grace period elapsed with workers still running")
	}
}

func (o *Orchestrator) downloadLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := o.downloadQueue.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
			continue
		}
		// In-flight from the moment it leaves the queue: the drain check
		// must never observe the item in neither place.
		o.inflightDownloads.Add(1)
		o.runDownload(ctx, worker, item)
	}
}

func (o *Orchestrator) runDownload(ctx context.Context, worker int, item workItem) {
	defer o.inflightDownloads.Add(-1)

	select {
	case o.downloadSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-o.downloadSem }()

	url := item.Video.URL
	started := time.Now()
	o.downloadProgress.Store(url, &DownloadProgress{Worker: worker, Title: item.Video.Title, StartedAt: started})
	defer o.downloadProgress.Delete(url)

	// Each chunk stores a fresh record so dashboard reads never race the
	// owning worker's writes.
	path, err := o.downloader.DownloadVideo(ctx, item.Video, func(read, total int64) {
		o.downloadProgress.Store(url, &DownloadProgress{
			Worker:     worker,
			Title:      item.Video.Title,
			BytesRead:  read,
			BytesTotal: total,
			StartedAt:  started,
		})
	})
	if err != nil {
		o.logger.Error("download failed", "item", item.ID, "post", url, "worker", worker, "error", err)
		return
	}

	o.completedMu.Lock()
	o.completedDownloads = append(o.completedDownloads, url)
	o.completedMu.Unlock()
	o.logger.Info("download complete", "item", item.ID, "post", url, "path", path)

	if o.uploader != nil {
		item.Video.DownloadPath = path
		item.Video.Downloaded = true
		o.uploadQueue.Enqueue(item)
	}
}

func (o *Orchestrator) uploadLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := o.uploadQueue.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
			continue
		}
		o.inflightUploads.Add(1)
		o.runUpload(ctx, worker, item)
	}
}

func (o *Orchestrator) runUpload(ctx context.Context, worker int, item workItem) {
	defer o.inflightUploads.Add(-1)

	select {
	case o.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-o.uploadSem }()

	url := item.Video.URL
	o.uploadProgress.Store(url, &UploadProgress{Worker: worker, Title: item.Video.Title, StartedAt: time.Now()})
	defer o.uploadProgress.Delete(url)

	if err := o.uploader.UploadVideo(ctx, item.Video); err != nil {
		o.logger.Error("upload failed", "item", item.ID, "post", url, "worker", worker, "error", err)
		return
	}

	o.completedMu.Lock()
	o.completedUploads = append(o.completedUploads, url)
	o.completedMu.Unlock()
	o.logger.Info("upload complete", "item", item.ID, "post", url)
}

// Snapshot is a point-in-time view of the pipeline for the dashboard and the
// control API.
type Snapshot struct {
	Status             string                      `json:"status"`
	Elapsed            time.Duration               `json:"elapsed"`
	ActiveDownloads    map[string]DownloadProgress `json:"active_downloads"`
	ActiveUploads      map[string]UploadProgress   `json:"active_uploads"`
	QueuedDownloads    int                         `json:"queued_downloads"`
	QueuedUploads      int                         `json:"queued_uploads"`
	CompletedDownloads int                         `json:"completed_downloads"`
	CompletedUploads   int                         `json:"completed_uploads"`
	DownloadWorkers    int                         `json:"download_workers"`
	UploadWorkers      int                         `json:"upload_workers"`
	UploadsEnabled     bool                        `json:"uploads_enabled"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	snap := Snapshot{
		Status:          o.status(),
		Elapsed:         time.Since(o.startedAt),
		ActiveDownloads: map[string]DownloadProgress{},
		ActiveUploads:   map[string]UploadProgress{},
		QueuedDownloads: o.downloadQueue.Len(),
		QueuedUploads:   o.uploadQueue.Len(),
		DownloadWorkers: o.downloadWorkers,
		UploadWorkers:   o.uploadWorkers,
		UploadsEnabled:  o.uploader != nil,
	}
	o.downloadProgress.Range(func(k, v any) bool {
		snap.ActiveDownloads[k.(string)] = *v.(*DownloadProgress)
		return true
	})
	o.uploadProgress.Range(func(k, v any) bool {
		snap.ActiveUploads[k.(string)] = *v.(*UploadProgress)
		return true
	})
	o.completedMu.Lock()
	snap.CompletedDownloads = len(o.completedDownloads)
	snap.CompletedUploads = len(o.completedUploads)
	o.completedMu.Unlock()
	return snap
}
