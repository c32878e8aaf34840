// Package automation drives the periodic scan-resolve-enqueue schedule across
// active channels.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"siphon/internal/scanner"
	"siphon/internal/storage"
)

const (
	// monitorCandidateCap bounds how many candidates a periodic scan collects
	// per channel.
	monitorCandidateCap = 20

	defaultIdleWait    = 45 * time.Second
	defaultChannelWait = 2 * time.Second
	defaultCycleWait   = 60 * time.Second

	// defaultPostWait spaces out per-post resolution work during full scans.
	defaultPostWait = time.Second
)

// Store is the persistence surface the loop reads and writes.
type Store interface {
	GetActiveChannels() ([]storage.Channel, error)
	VideoExists(url string) (bool, error)
	UpsertVideos(videos []storage.Video) error
	UpdateMediaURL(url, mediaURL string) error
	TouchChannelLastChecked(id int) error
	GetUndownloadedVideos() ([]storage.Video, error)
}

// ChannelScanner walks one channel's listings.
type ChannelScanner interface {
	Scan(ctx context.Context, channelURL string, maxNew int, fullScan bool) ([]scanner.Candidate, error)
}

// Resolver turns a post page into a direct media URL.
type Resolver interface {
	ResolveMediaURL(ctx context.Context, postURL, postID string) (string, error)
}

// Pipeline is the slice of the orchestrator the loop feeds.
type Pipeline interface {
	Enqueue(videos []storage.Video)
	UpdateStatus(text string)
}

// Loop never blocks on downloads: scanning hands work to the pipeline's
// non-blocking enqueue and moves on.
type Loop struct {
	store    Store
	scanner  ChannelScanner
	resolver Resolver
	pipeline Pipeline
	logger   *slog.Logger

	idleWait    time.Duration
	channelWait time.Duration
	cycleWait   time.Duration
	postWait    time.Duration
}

func NewLoop(store Store, sc ChannelScanner, resolver Resolver, pipeline Pipeline, logger *slog.Logger) *Loop {
	return &Loop{
		store:       store,
		scanner:     sc,
		resolver:    resolver,
		pipeline:    pipeline,
		logger:      logger,
		idleWait:    defaultIdleWait,
		channelWait: defaultChannelWait,
		cycleWait:   defaultCycleWait,
		postWait:    defaultPostWait,
	}
}

// Run loops until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("automation loop started")
	for {
		if ctx.Err() != nil {
			l.logger.Info("automation loop stopped")
			return
		}

		scanned, err := l.RunCycle(ctx, false, false)
		if err != nil {
			l.logger.Error("cycle failed", "error", err)
		}

		wait := l.cycleWait
		if scanned == 0 {
			wait = l.idleWait
		}
		if !sleepCtx(ctx, wait) {
			l.logger.Info("automation loop stopped")
			return
		}
	}
}

// RunCycle scans every due channel once and enqueues everything downloadable.
// force treats every active channel as due (used by one-shot mode and the
// control API); full lifts the page cap to the channel's whole history and
// paces per-post work. Returns the number of channels scanned.
func (l *Loop) RunCycle(ctx context.Context, force, full bool) (int, error) {
	channels, err := l.store.GetActiveChannels()
	if err != nil {
		return 0, fmt.Errorf("load channels: %w", err)
	}

	now := time.Now()
	scanned := 0
	for _, ch := range channels {
		if ctx.Err() != nil {
			return scanned, ctx.Err()
		}
		if !force && !due(ch, now) {
			continue
		}
		if scanned > 0 {
			if !sleepCtx(ctx, l.channelWait) {
				return scanned, ctx.Err()
			}
		}

		l.scanChannel(ctx, ch, full)

		// Exactly one stamp per due channel per cycle, found posts or not.
		if err := l.store.TouchChannelLastChecked(ch.ID); err != nil {
			l.logger.Error("could not stamp channel", "channel", ch.Name, "error", err)
		}
		scanned++
	}

	if scanned > 0 {
		pending, err := l.store.GetUndownloadedVideos()
		if err != nil {
			return scanned, fmt.Errorf("load pending downloads: %w", err)
		}
		if len(pending) > 0 {
			l.logger.Info("enqueueing pending downloads", "count", len(pending))
			l.pipeline.Enqueue(pending)
		}
	}
	l.pipeline.UpdateStatus("idle")
	return scanned, nil
}

func (l *Loop) scanChannel(ctx context.Context, ch storage.Channel, full bool) {
	l.pipeline.UpdateStatus("scanning " + ch.Name)
	limit := monitorCandidateCap
	if full {
		limit = 0
	}
	candidates, err := l.scanner.Scan(ctx, ch.URL, limit, full)
	if err != nil {
		l.logger.Error("channel scan failed", "channel", ch.Name, "error", err)
		return
	}

	newPosts := 0
	for i, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		if full && i > 0 {
			if !sleepCtx(ctx, l.postWait) {
				return
			}
		}
		exists, err := l.store.VideoExists(c.URL)
		if err != nil {
			l.logger.Error("store lookup failed, skipping candidate", "url", c.URL, "error", err)
			continue
		}
		if exists {
			continue
		}

		if err := l.store.UpsertVideos([]storage.Video{{
			URL:    c.URL,
			Title:  c.Title,
			PostID: c.PostID,
		}}); err != nil {
			l.logger.Error("could not persist post", "url", c.URL, "error", err)
			continue
		}
		newPosts++

		l.pipeline.UpdateStatus(fmt.Sprintf("resolving %s", c.PostID))
		mediaURL, err := l.resolver.ResolveMediaURL(ctx, c.URL, c.PostID)
		if err != nil {
			l.logger.Warn("media resolution failed, will retry next cycle", "url", c.URL, "error", err)
			continue
		}
		if mediaURL == "" {
			l.logger.Warn("no media request observed", "url", c.URL)
			continue
		}
		if err := l.store.UpdateMediaURL(c.URL, mediaURL); err != nil {
			l.logger.Error("could not persist media url", "url", c.URL, "error", err)
		}
	}

	l.logger.Info("channel scanned", "channel", ch.Name, "candidates", len(candidates), "new", newPosts)
}

func due(ch storage.Channel, now time.Time) bool {
	if ch.LastChecked == nil {
		return true
	}
	interval := time.Duration(ch.CheckIntervalMinutes) * time.Minute
	return now.Sub(*ch.LastChecked) >= interval
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
