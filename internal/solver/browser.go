package solver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// captureTimeout bounds the whole navigate-and-listen window.
const captureTimeout = 15 * time.Second

// captureMediaRequest launches a headless browser, installs the solver's
// cookies and user agent, navigates to the post page and returns the first
// outbound request URL that matches the post's media asset. Returns "" when
// the window elapsed without a match.
func captureMediaRequest(ctx context.Context, postURL, postID string, cookies []Cookie, userAgent, mediaExt, cdnHost string) (string, error) {
	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")
	controlURL, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("browser launch failed: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return "", fmt.Errorf("browser connect failed: %w", err)
	}
	defer func() {
		_ = browser.Close()
		l.Cleanup()
	}()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", fmt.Errorf("page creation failed: %w", err)
	}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		return "", err
	}
	if err := page.SetCookies(cookieParams(postURL, cookies)); err != nil {
		return "", err
	}

	capCtx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()
	page = page.Context(capCtx)

	matchCh := make(chan string, 1)
	wait := page.EachEvent(func(e *proto.NetworkRequestWillBeSent) bool {
		if matchesMedia(e.Request.URL, postID, mediaExt, cdnHost) {
			select {
			case matchCh <- e.Request.URL:
			default:
			}
			return true // single-shot: stop listening on first match
		}
		return false
	})
	go wait()

	// Navigation errors are expected when the capture context expires
	// mid-load; the match channel is the source of truth.
	_ = page.Navigate(postURL)

	select {
	case captured := <-matchCh:
		return captured, nil
	case <-capCtx.Done():
		return "", nil
	}
}

func cookieParams(postURL string, cookies []Cookie) []*proto.NetworkCookieParam {
	host := ""
	if u, err := url.Parse(postURL); err == nil {
		host = u.Hostname()
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, ck := range cookies {
		domain := ck.Domain
		if domain == "" {
			domain = host
		}
		path := ck.Path
		if path == "" {
			path = "/"
		}
		params = append(params, &proto.NetworkCookieParam{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: domain,
			Path:   path,
		})
	}
	return params
}

// matchesMedia applies the first-match-wins rules: the URL carries the post
// id and the media extension, or it points at the known media CDN.
func matchesMedia(rawURL, postID, mediaExt, cdnHost string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Hostname(), cdnHost) {
		return true
	}
	return strings.Contains(rawURL, postID) && strings.HasSuffix(strings.ToLower(u.Path), mediaExt)
}
