// Package fetch layers retry and session-renewal policy on top of the solver.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"siphon/internal/session"
	"siphon/internal/solver"
)

const (
	defaultMaxRetries = 2
	defaultRetryWait  = 2 * time.Second
)

// Fetcher is the high-level "give me this page" interface the scanner and the
// automation loop use. Every retry goes through a fresh solver session.
type Fetcher struct {
	sessions *session.Manager
	logger   *slog.Logger

	maxRetries int
	retryWait  time.Duration
}

func NewFetcher(sessions *session.Manager, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		sessions:   sessions,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		retryWait:  defaultRetryWait,
	}
}

// FetchHTML fetches a URL through the solver session and returns the solved
// page. On failure the session is renewed and the call retried.
func (f *Fetcher) FetchHTML(ctx context.Context, url string) (*solver.PageResult, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Warn("page fetch failed, renewing session", "url", url, "attempt", attempt, "error", lastErr)
			if err := f.sessions.Renew(ctx); err != nil {
				lastErr = err
				continue
			}
			if !sleepCtx(ctx, f.retryWait) {
				return nil, ctx.Err()
			}
		}

		client, err := f.sessions.Acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		page, err := client.GetPage(ctx, url)
		if err == nil {
			return page, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch %s: %w", url, lastErr)
}

// ResolveMediaURL resolves the direct media URL behind a post page, with the
// same renew-and-retry policy. Returns "" with no error when the page loaded
// but no media request was observed.
func (f *Fetcher) ResolveMediaURL(ctx context.Context, postURL, postID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Warn("media URL resolution failed, renewing session", "url", postURL, "attempt", attempt, "error", lastErr)
			if err := f.sessions.Renew(ctx); err != nil {
				lastErr = err
				continue
			}
			if !sleepCtx(ctx, f.retryWait) {
				return "", ctx.Err()
			}
		}

		client, err := f.sessions.Acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		mediaURL, err := client.GetMediaURL(ctx, postURL, postID)
		if err == nil {
			return mediaURL, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("resolve media url for %s: %w", postURL, lastErr)
}

// sleepCtx sleeps for d or until the context is cancelled. Reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
