package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Solver work (challenge solving inside a headless browser) can take well
// over a minute on slow boxes.
const requestTimeout = 2 * time.Minute

// Default matching rules for captured media requests. The target host serves
// assets under a fixed extension and falls back to a dedicated CDN host.
const (
	DefaultMediaExt = ".vid"
	DefaultCDNHost  = "media-cdn.example.com"
)

// userAgents is a rotating pool of plausible desktop browser strings.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:134.0) Gecko/20100101 Firefox/134.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0",
}

// banMarkers are substrings of solver error messages that indicate the
// current session is burned and should be rotated.
var banMarkers = []string{"session", "ban", "block", "403", "captcha", "challenge"}

// Cookie is the solver's cookie shape.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// PageResult is the outcome of a solved page fetch.
type PageResult struct {
	HTML      string
	Cookies   []Cookie
	UserAgent string
}

type solverRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url,omitempty"`
	Session    string `json:"session,omitempty"`
	MaxTimeout int    `json:"maxTimeout,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

type solverResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Session  string `json:"session"`
	Solution struct {
		URL       string   `json:"url"`
		Status    int      `json:"status"`
		Response  string   `json:"response"`
		Cookies   []Cookie `json:"cookies"`
		UserAgent string   `json:"userAgent"`
	} `json:"solution"`
}

// Client talks JSON-over-HTTP to a local challenge-solver service and owns
// one solver session at a time.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger

	// Matching rules for media request capture.
	MediaExt string
	CDNHost  string

	mu        sync.Mutex
	sessionID string
	uaIndex   int
	currentUA string

	// capture is swapped out in tests; the default drives a headless browser.
	capture captureFunc
}

type captureFunc func(ctx context.Context, postURL, postID string, cookies []Cookie, userAgent string, mediaExt, cdnHost string) (string, error)

func NewClient(endpoint string, logger *slog.Logger) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: requestTimeout},
		logger:   logger,
		MediaExt: DefaultMediaExt,
		CDNHost:  DefaultCDNHost,
		uaIndex:  rand.Intn(len(userAgents)),
		capture:  captureMediaRequest,
	}
	c.currentUA = userAgents[c.uaIndex]
	return c
}

// UserAgent returns the user agent currently in rotation.
func (c *Client) UserAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentUA
}

// rotateUA advances the pool round-robin with a small random jump so restarts
// do not replay the exact same sequence.
func (c *Client) rotateUA() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uaIndex = (c.uaIndex + 1 + rand.Intn(3)) % len(userAgents)
	c.currentUA = userAgents[c.uaIndex]
	return c.currentUA
}

// TestConnection probes the solver endpoint. Method Not Allowed counts as
// reachable: the solver only accepts POST but is clearly alive.
func (c *Client) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400 || resp.StatusCode == http.StatusMethodNotAllowed
}

func (c *Client) post(ctx context.Context, reqBody solverRequest) (*solverResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solver unreachable: %w", err)
	}
	defer resp.Body.Close()

	var out solverResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("solver returned malformed response: %w", err)
	}
	if out.Status != "ok" {
		return &out, fmt.Errorf("solver error: %s", out.Message)
	}
	return &out, nil
}

// CreateSession issues sessions.create with the current user agent and stores
// the returned session id.
func (c *Client) CreateSession(ctx context.Context) error {
	resp, err := c.post(ctx, solverRequest{Cmd: "sessions.create", UserAgent: c.UserAgent()})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionID = resp.Session
	c.mu.Unlock()
	c.logger.Info("solver session created", "session", resp.Session)
	return nil
}

// DestroySession issues sessions.destroy and clears the id. Idempotent.
func (c *Client) DestroySession(ctx context.Context) error {
	c.mu.Lock()
	id := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	if _, err := c.post(ctx, solverRequest{Cmd: "sessions.destroy", Session: id}); err != nil {
		// Destroying an already-dead session is fine.
		c.logger.Warn("solver session destroy failed", "session", id, "error", err)
	}
	return nil
}

// SessionID returns the currently-issued solver session id.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// isBanLike reports whether a solver error message indicates a burned session.
func isBanLike(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range banMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// GetPage fetches a URL through the solver session and returns the solved
// HTML, the final cookie set and the user agent the solver actually used.
// Ban-like responses trigger a single in-method session rotation and retry.
func (c *Client) GetPage(ctx context.Context, url string) (*PageResult, error) {
	result, err := c.getPageOnce(ctx, url)
	if err == nil {
		return result, nil
	}
	if !isBanLike(err) {
		return nil, err
	}

	c.logger.Warn("ban-like solver response, rotating session", "url", url, "error", err)
	_ = c.DestroySession(ctx)
	c.rotateUA()
	if err := c.CreateSession(ctx); err != nil {
		return nil, fmt.Errorf("session recovery failed: %w", err)
	}
	return c.getPageOnce(ctx, url)
}

func (c *Client) getPageOnce(ctx context.Context, url string) (*PageResult, error) {
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()
	if session == "" {
		if err := c.CreateSession(ctx); err != nil {
			return nil, err
		}
		session = c.SessionID()
	}

	resp, err := c.post(ctx, solverRequest{
		Cmd:        "request.get",
		URL:        url,
		Session:    session,
		MaxTimeout: int(requestTimeout / time.Millisecond),
	})
	if err != nil {
		return nil, err
	}
	if resp.Solution.Status >= 400 {
		return nil, fmt.Errorf("solver got HTTP %d for %s", resp.Solution.Status, url)
	}

	ua := resp.Solution.UserAgent
	if ua == "" {
		ua = c.UserAgent()
	}
	return &PageResult{
		HTML:      resp.Solution.Response,
		Cookies:   resp.Solution.Cookies,
		UserAgent: ua,
	}, nil
}

// GetMediaURL resolves the direct media URL behind a post page. It fetches
// the page once through the solver to collect cookies and the effective user
// agent, replays them in a locally-controlled headless browser, and captures
// the first outbound request that looks like the post's media asset. Returns
// "" (no error) when the page loaded but no matching request was seen.
func (c *Client) GetMediaURL(ctx context.Context, postURL, postID string) (string, error) {
	page, err := c.GetPage(ctx, postURL)
	if err != nil {
		return "", err
	}

	captured, err := c.capture(ctx, postURL, postID, page.Cookies, page.UserAgent, c.MediaExt, c.CDNHost)
	if err != nil {
		return "", err
	}
	if captured == "" {
		return "", nil
	}

	final := followRedirects(ctx, captured, page.UserAgent)
	c.logger.Info("media URL captured", "post_id", postID, "url", final)
	return final, nil
}

// followRedirects chases the captured URL via HEAD to surface the final CDN
// location. On any failure the pre-redirect URL is returned unchanged.
func followRedirects(ctx context.Context, rawURL, userAgent string) string {
	client := &http.Client{Timeout: 15 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return rawURL
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return rawURL
	}
	defer resp.Body.Close()
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return rawURL
}
