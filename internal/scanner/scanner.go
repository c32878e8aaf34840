// Package scanner walks a channel's paged listings and extracts post
// candidates from the DOM.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"siphon/internal/solver"
)

// listingPageSize is the number of posts per listing page on the target host.
const listingPageSize = 30

// monitorPageCap bounds how deep a periodic scan walks. Full scans walk every
// page the first page advertises.
const monitorPageCap = 10

// postPathMarker identifies post links among everything else on a listing page.
const postPathMarker = "/post/"

// postShapes are DOM shape heuristics tried in priority order; the first shape
// that yields at least one node wins for the whole page.
var postShapes = []string{
	"article.post a[href]",
	"div.video-item a[href]",
	"div.post-card a[href]",
	"li.post a[href]",
	"div.thumb-wrap a[href]",
	"a.post-link[href]",
	fmt.Sprintf("a[href*='%s']", postPathMarker),
}

var postIDPattern = regexp.MustCompile(regexp.QuoteMeta(postPathMarker) + `([^/?#]+)`)

// offsetPattern pulls the offset query value out of pagination hrefs.
var offsetPattern = regexp.MustCompile(`[?&]offset=(\d+)`)

// Candidate is a discovered post: page URL, display title, host-assigned id.
type Candidate struct {
	Title  string
	URL    string
	PostID string
}

// PageFetcher is the slice of the fetch layer the scanner needs.
type PageFetcher interface {
	FetchHTML(ctx context.Context, url string) (*solver.PageResult, error)
}

type Scanner struct {
	fetcher PageFetcher
	logger  *slog.Logger

	// pageDelay is randomized between listing pages; tests shorten it.
	pageDelay func() time.Duration
}

func NewScanner(fetcher PageFetcher, logger *slog.Logger) *Scanner {
	return &Scanner{
		fetcher: fetcher,
		logger:  logger,
		pageDelay: func() time.Duration {
			return 1500*time.Millisecond + time.Duration(rand.Intn(500))*time.Millisecond
		},
	}
}

// Scan walks the channel's listing pages from page 1 and returns up to maxNew
// candidates in DOM order. fullScan lifts the page cap to everything the
// first page's pagination advertises.
func (s *Scanner) Scan(ctx context.Context, channelURL string, maxNew int, fullScan bool) ([]Candidate, error) {
	first, err := s.fetcher.FetchHTML(ctx, channelURL)
	if err != nil {
		return nil, fmt.Errorf("channel first page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(first.HTML))
	if err != nil {
		return nil, fmt.Errorf("channel page parse: %w", err)
	}

	totalPages := totalPagesFromDoc(doc)
	pages := totalPages
	if !fullScan && pages > monitorPageCap {
		pages = monitorPageCap
	}
	s.logger.Info("scanning channel", "url", channelURL, "total_pages", totalPages, "walking", pages)

	var out []Candidate
	seen := make(map[string]struct{})

	collect := func(d *goquery.Document) {
		for _, c := range extractCandidates(d, channelURL) {
			if _, dup := seen[c.URL]; dup {
				continue
			}
			seen[c.URL] = struct{}{}
			out = append(out, c)
		}
	}

	collect(doc)
	for page := 2; page <= pages && (maxNew <= 0 || len(out) < maxNew); page++ {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(s.pageDelay()):
		}

		pageDoc, err := s.fetchPage(ctx, pagedURL(channelURL, page))
		if err != nil {
			s.logger.Warn("listing page fetch failed, stopping walk", "page", page, "error", err)
			break
		}
		collect(pageDoc)
	}

	if maxNew > 0 && len(out) > maxNew {
		out = out[:maxNew]
	}
	return out, nil
}

func (s *Scanner) fetchPage(ctx context.Context, url string) (*goquery.Document, error) {
	page, err := s.fetcher.FetchHTML(ctx, url)
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
}

// pagedURL appends the listing offset for a 1-based page number.
func pagedURL(channelURL string, page int) string {
	offset := (page - 1) * listingPageSize
	sep := "?"
	if strings.Contains(channelURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%soffset=%d", channelURL, sep, offset)
}

// totalPagesFromDoc derives the page count from the largest offset any
// pagination link on the first page carries.
func totalPagesFromDoc(doc *goquery.Document) int {
	maxOffset := 0
	doc.Find("a[href*='offset=']").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		m := offsetPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		if v, err := strconv.Atoi(m[1]); err == nil && v > maxOffset {
			maxOffset = v
		}
	})
	return maxOffset/listingPageSize + 1
}

// extractCandidates applies the shape heuristics and pulls {title, href} pairs
// out of the winning shape's nodes, in DOM order.
func extractCandidates(doc *goquery.Document, baseURL string) []Candidate {
	var nodes *goquery.Selection
	for _, shape := range postShapes {
		sel := doc.Find(shape)
		if sel.Length() > 0 {
			nodes = sel
			break
		}
	}
	if nodes == nil {
		return nil
	}

	var out []Candidate
	nodes.Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || !strings.Contains(href, postPathMarker) {
			return
		}
		abs := absoluteURL(baseURL, href)
		postID := extractPostID(abs)
		if postID == "" {
			return
		}
		out = append(out, Candidate{
			Title:  extractTitle(sel),
			URL:    abs,
			PostID: postID,
		})
	})
	return out
}

// extractTitle prefers attribute-carrying elements (title attr, img alt) over
// plain anchor text.
func extractTitle(sel *goquery.Selection) string {
	if t, ok := sel.Attr("title"); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	if t, ok := sel.Find("[title]").Attr("title"); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	if t, ok := sel.Find("img[alt]").Attr("alt"); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	return strings.TrimSpace(sel.Text())
}

func absoluteURL(baseURL, href string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// extractPostID captures the path segment following the post-path marker.
func extractPostID(postURL string) string {
	m := postIDPattern.FindStringSubmatch(postURL)
	if m == nil {
		return ""
	}
	return m[1]
}
