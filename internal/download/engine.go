// Package download streams media assets to disk with atomic finalization,
// pre-existing file validation and expired-URL refresh.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"siphon/internal/storage"
)

const (
	chunkSize      = 8 * 1024
	minValidSize   = 1024
	refreshRetries = 2
	refreshWait    = time.Second
)

// downloadUA is the browser identity presented to the CDN.
const downloadUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

var illegalChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)

// errExpired marks a 404 from the CDN, which means the time-limited media URL
// has lapsed rather than the asset being gone.
var errExpired = errors.New("media url expired")

// Resolver refreshes an expired media URL through the solver stack.
type Resolver interface {
	ResolveMediaURL(ctx context.Context, postURL, postID string) (string, error)
}

// Store is the slice of the persistence layer the engine writes to.
type Store interface {
	UpdateMediaURL(url, mediaURL string) error
	MarkDownloaded(url, path string) error
}

// ProgressFunc receives byte counts as the stream advances. total is -1 when
// the server did not advertise a content length.
type ProgressFunc func(read, total int64)

// Engine downloads one asset per call. It is safe for concurrent use across
// distinct posts; per-URL exclusivity is the orchestrator's job.
type Engine struct {
	dir      string
	store    Store
	resolver Resolver
	logger   *slog.Logger
	http     *http.Client

	// limiter is the optional global bandwidth cap, shared by every worker.
	limiter *rate.Limiter
}

func NewEngine(dir string, store Store, resolver Resolver, logger *slog.Logger) *Engine {
	return &Engine{
		dir:      dir,
		store:    store,
		resolver: resolver,
		logger:   logger,
		// Downloads are untimed; progress is the liveness signal.
		http: &http.Client{},
	}
}

// SetSpeedLimit caps aggregate download throughput in bytes per second.
// Zero or negative disables the cap.
func (e *Engine) SetSpeedLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		e.limiter = nil
		return
	}
	e.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize)
}

// TargetPath computes the final on-disk path for a post.
func (e *Engine) TargetPath(video storage.Video) string {
	return filepath.Join(e.dir, safeTitle(video.Title)+"_"+video.PostID+fileExt(video.MediaSourceURL))
}

// DownloadVideo fetches the post's media asset. Returns the final path. A
// valid pre-existing file short-circuits with zero bytes transferred; a 404
// refreshes the media URL up to refreshRetries times before giving up.
func (e *Engine) DownloadVideo(ctx context.Context, video storage.Video, onProgress ProgressFunc) (string, error) {
	if video.MediaSourceURL == "" {
		return "", errors.New("no media source url")
	}
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", fmt.Errorf("download dir: %w", err)
	}

	target := e.TargetPath(video)
	if e.validExisting(ctx, target, video.MediaSourceURL) {
		e.logger.Info("existing file validated, skipping download", "path", target)
		if err := e.store.MarkDownloaded(video.URL, target); err != nil {
			return "", fmt.Errorf("mark downloaded: %w", err)
		}
		return target, nil
	}

	mediaURL := video.MediaSourceURL
	for refresh := 0; ; refresh++ {
		err := e.streamToFile(ctx, mediaURL, target, onProgress)
		if err == nil {
			if err := e.store.MarkDownloaded(video.URL, target); err != nil {
				return "", fmt.Errorf("mark downloaded: %w", err)
			}
			return target, nil
		}
		if !errors.Is(err, errExpired) {
			return "", err
		}
		if refresh >= refreshRetries {
			return "", fmt.Errorf("refresh failed for %s after %d attempts", video.URL, refreshRetries)
		}

		e.logger.Info("media URL expired, refreshing", "post", video.URL, "attempt", refresh+1)
		fresh, rerr := e.resolver.ResolveMediaURL(ctx, video.URL, video.PostID)
		if rerr != nil || fresh == "" {
			return "", fmt.Errorf("refresh failed for %s: %v", video.URL, rerr)
		}
		if err := e.store.UpdateMediaURL(video.URL, fresh); err != nil {
			return "", fmt.Errorf("persist refreshed url: %w", err)
		}
		mediaURL = fresh
		if !sleepCtx(ctx, refreshWait) {
			return "", ctx.Err()
		}
	}
}

// validExisting checks an already-present file: at least 1 KB, and when the
// server advertises a length, within 1% of it; without a length, the first
// and last byte must be readable.
func (e *Engine) validExisting(ctx context.Context, target, mediaURL string) bool {
	info, err := os.Stat(target)
	if err != nil {
		return false
	}
	if info.Size() < minValidSize {
		return false
	}

	if remote := e.headContentLength(ctx, mediaURL); remote > 0 {
		diff := info.Size() - remote
		if diff < 0 {
			diff = -diff
		}
		return float64(diff) <= float64(remote)*0.01
	}

	f, err := os.Open(target)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return false
	}
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return false
	}
	return true
}

func (e *Engine) headContentLength(ctx context.Context, mediaURL string) int64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return -1
	}
	setBrowserHeaders(req)
	resp, err := e.http.Do(req)
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	return resp.ContentLength
}

// streamToFile downloads mediaURL into target via the temp-then-rename path.
func (e *Engine) streamToFile(ctx context.Context, mediaURL, target string, onProgress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return err
	}
	setBrowserHeaders(req)

	resp, err := e.http.Do(req)
	if err != nil {
		return friendlyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return friendlyHTTPError(resp.StatusCode)
	}

	total := resp.ContentLength
	tmp := target + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}

	written, err := e.copyChunks(ctx, out, resp.Body, total, onProgress)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && total > 0 && written != total {
		err = fmt.Errorf("incomplete download: got %d of %d bytes", written, total)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

func (e *Engine) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if err := e.limiter.WaitN(ctx, n); err != nil {
					return written, err
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, friendlyError(readErr)
		}
	}
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", downloadUA)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Sec-Fetch-Dest", "video")
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Connection", "keep-alive")
}

// safeTitle keeps the first 100 characters of the title with illegal
// filesystem character runs collapsed to a single underscore.
func safeTitle(title string) string {
	clean := illegalChars.ReplaceAllString(title, "_")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		clean = "untitled"
	}
	runes := []rune(clean)
	if len(runes) > 100 {
		runes = runes[:100]
	}
	return string(runes)
}

// fileExt takes the URL path extension when it looks like one, else .mp4.
func fileExt(mediaURL string) string {
	u, err := url.Parse(mediaURL)
	if err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 && strings.HasPrefix(ext, ".") {
			return ext
		}
	}
	return ".mp4"
}

// friendlyError maps low-level transport failures to messages an operator can
// act on.
func friendlyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"):
		return errors.New("could not reach the media host (DNS lookup failed)")
	case strings.Contains(msg, "connection refused"):
		return errors.New("the media host refused the connection")
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "timeout"):
		return errors.New("the connection timed out")
	case strings.Contains(msg, "connection reset"):
		return errors.New("the connection was reset mid-transfer")
	default:
		return err
	}
}

func friendlyHTTPError(status int) error {
	switch status {
	case http.StatusForbidden:
		return errors.New("the CDN rejected the request (403 Forbidden)")
	case http.StatusTooManyRequests:
		return errors.New("the CDN is rate limiting us (429)")
	case http.StatusServiceUnavailable:
		return errors.New("the CDN is temporarily unavailable (503)")
	default:
		return fmt.Errorf("unexpected HTTP status %d", status)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
