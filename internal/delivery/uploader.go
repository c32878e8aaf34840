// Package delivery forwards downloaded media to a messaging bot API as a
// multipart video upload with probed metadata and a composed thumbnail.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"siphon/internal/storage"
)

const (
	readAttempts     = 5
	readInitialWait  = time.Second
	thumbFrameWidth  = 160
	thumbMaxFrames   = 10
	thumbEdgeMargin  = 5.0 // seconds kept clear of both ends
	thumbGridColumns = 2
)

var messageIDPattern = regexp.MustCompile(`"message_id":\s*(\d+)`)

// markdownEscaper neutralizes the control characters the bot API's Markdown
// parse mode would otherwise interpret.
var markdownEscaper = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"]", "\\]",
	"(", "\\(",
	")", "\\)",
	"`", "\\`",
)

// Store is the slice of the persistence layer the uploader writes to.
type Store interface {
	MarkUploaded(url, messageID string) error
	TouchUploadAttempt(url string) error
}

// probeResult is what ffprobe tells us about a media file.
type probeResult struct {
	Width    int
	Height   int
	Duration float64
	Size     int64
}

type ffprobeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}

// Uploader posts downloaded files to <base>/bot<token>/sendVideo.
type Uploader struct {
	token       string
	chatID      string
	baseURL     string
	downloadDir string
	store       Store
	logger      *slog.Logger
	http        *http.Client

	// run executes external tools (ffprobe, ffmpeg); tests swap it.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewUploader(token, chatID, baseURL, downloadDir string, store Store, logger *slog.Logger) *Uploader {
	return &Uploader{
		token:       token,
		chatID:      chatID,
		baseURL:     strings.TrimRight(baseURL, "/"),
		downloadDir: downloadDir,
		store:       store,
		logger:      logger,
		http:        &http.Client{Timeout: 10 * time.Minute},
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// UploadVideo probes, thumbnails and posts one downloaded file. Failures
// persist only the attempt timestamp; the post stays pending for a later cycle.
func (u *Uploader) UploadVideo(ctx context.Context, video storage.Video) error {
	path, err := u.resolvePath(video)
	if err != nil {
		_ = u.store.TouchUploadAttempt(video.URL)
		return err
	}

	probe, err := u.probe(ctx, path)
	if err != nil {
		_ = u.store.TouchUploadAttempt(video.URL)
		return fmt.Errorf("probe failed for %s: %w", path, err)
	}

	thumbPath, err := u.composeThumbnail(ctx, path, probe.Duration)
	if err != nil {
		_ = u.store.TouchUploadAttempt(video.URL)
		return fmt.Errorf("thumbnail failed for %s: %w", path, err)
	}
	defer os.Remove(thumbPath)

	media, err := readWithBackoff(ctx, path)
	if err != nil {
		_ = u.store.TouchUploadAttempt(video.URL)
		return fmt.Errorf("media read failed for %s: %w", path, err)
	}
	thumb, err := os.ReadFile(thumbPath)
	if err != nil {
		_ = u.store.TouchUploadAttempt(video.URL)
		return fmt.Errorf("thumb read failed: %w", err)
	}

	messageID, err := u.send(ctx, video, probe, filepath.Base(path), media, thumb)
	if err != nil {
		_ = u.store.TouchUploadAttempt(video.URL)
		return err
	}

	if err := u.store.MarkUploaded(video.URL, messageID); err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	u.logger.Info("video uploaded", "post", video.URL, "message_id", messageID)
	return nil
}

// resolvePath returns the recorded download path, falling back to a directory
// scan for a file carrying the post id when the recorded path is gone.
func (u *Uploader) resolvePath(video storage.Video) (string, error) {
	if video.DownloadPath != "" {
		if _, err := os.Stat(video.DownloadPath); err == nil {
			return video.DownloadPath, nil
		}
	}

	entries, err := os.ReadDir(u.downloadDir)
	if err != nil {
		return "", fmt.Errorf("download dir scan: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		if strings.Contains(entry.Name(), video.PostID) {
			return filepath.Join(u.downloadDir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no file for post %s on disk", video.PostID)
}

// probe shells out to ffprobe and requires every value to be present.
func (u *Uploader) probe(ctx context.Context, path string) (*probeResult, error) {
	out, err := u.run(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-show_entries", "format=duration,size",
		"-of", "json",
		path,
	)
	if err != nil {
		return nil, err
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("unparseable ffprobe output: %w", err)
	}
	if len(parsed.Streams) == 0 || parsed.Streams[0].Width == 0 || parsed.Streams[0].Height == 0 {
		return nil, errors.New("no video stream dimensions")
	}
	duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil || duration <= 0 {
		return nil, errors.New("missing duration")
	}
	size, err := strconv.ParseInt(parsed.Format.Size, 10, 64)
	if err != nil || size <= 0 {
		return nil, errors.New("missing size")
	}
	return &probeResult{
		Width:    parsed.Streams[0].Width,
		Height:   parsed.Streams[0].Height,
		Duration: duration,
		Size:     size,
	}, nil
}

// composeThumbnail extracts up to 10 frames at random timestamps bounded away
// from both ends, scales them to width 160 and tiles them into a 2-column
// grid. Returns the path of the composite jpeg.
func (u *Uploader) composeThumbnail(ctx context.Context, path string, duration float64) (string, error) {
	workDir, err := os.MkdirTemp(os.TempDir(), "scraper-thumbs-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workDir)

	lo, hi := thumbEdgeMargin, duration-thumbEdgeMargin
	if hi <= lo {
		lo, hi = 0, duration
	}

	frames := 0
	for i := 0; i < thumbMaxFrames; i++ {
		ts := lo + rand.Float64()*(hi-lo)
		framePath := filepath.Join(workDir, fmt.Sprintf("frame_%02d.png", frames+1))
		_, err := u.run(ctx, "ffmpeg",
			"-ss", fmt.Sprintf("%.2f", ts),
			"-i", path,
			"-frames:v", "1",
			"-vf", fmt.Sprintf("scale=%d:-1", thumbFrameWidth),
			"-y", framePath,
		)
		if err != nil {
			continue
		}
		frames++
	}
	if frames == 0 {
		return "", errors.New("no frames extracted")
	}

	rows := (frames + thumbGridColumns - 1) / thumbGridColumns
	grid, err := os.CreateTemp(os.TempDir(), "scraper-thumb-*.jpg")
	if err != nil {
		return "", err
	}
	gridPath := grid.Name()
	grid.Close()

	_, err = u.run(ctx, "ffmpeg",
		"-i", filepath.Join(workDir, "frame_%02d.png"),
		"-filter_complex", fmt.Sprintf("tile=%dx%d", thumbGridColumns, rows),
		"-frames:v", "1",
		"-y", gridPath,
	)
	if err != nil {
		os.Remove(gridPath)
		return "", fmt.Errorf("grid composition: %w", err)
	}
	return gridPath, nil
}

// readWithBackoff reads the whole file via a shared-read handle, retrying with
// exponential backoff against transient IO errors, and verifies the read
// length against the file's stat length.
func readWithBackoff(ctx context.Context, path string) ([]byte, error) {
	wait := readInitialWait
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			wait *= 2
		}

		data, err := readShared(path)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func readShared(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != info.Size() {
		return nil, fmt.Errorf("short read: %d of %d bytes", len(data), info.Size())
	}
	return data, nil
}

// send posts the multipart sendVideo request and returns the message id the
// endpoint assigned (empty when the response could not be parsed).
func (u *Uploader) send(ctx context.Context, video storage.Video, probe *probeResult, filename string, media, thumb []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	fields := map[string]string{
		"chat_id":            u.chatID,
		"caption":            buildCaption(video.Title, probe),
		"parse_mode":         "Markdown",
		"duration":           strconv.Itoa(int(probe.Duration)),
		"width":              strconv.Itoa(probe.Width),
		"height":             strconv.Itoa(probe.Height),
		"supports_streaming": "true",
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return "", err
		}
	}

	videoPart, err := form.CreateFormFile("video", filename)
	if err != nil {
		return "", err
	}
	if _, err := videoPart.Write(media); err != nil {
		return "", err
	}
	thumbPart, err := form.CreateFormFile("thumb", "thumb.jpg")
	if err != nil {
		return "", err
	}
	if _, err := thumbPart.Write(thumb); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendVideo", u.baseURL, u.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := u.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload rejected with HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return parseMessageID(respBody), nil
}

// parseMessageID pulls the numeric message id out of the response JSON.
func parseMessageID(body []byte) string {
	m := messageIDPattern.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// buildCaption formats title, resolution, duration and size with Markdown
// control characters escaped.
func buildCaption(title string, probe *probeResult) string {
	return fmt.Sprintf("%s\n%dx%d | %s | %s",
		markdownEscaper.Replace(title),
		probe.Width, probe.Height,
		formatDuration(probe.Duration),
		formatBytes(probe.Size),
	)
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
