package scanner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"siphon/internal/solver"
)

// fakeFetcher serves canned HTML per URL and records the fetch order.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	fetched []string
}

func (f *fakeFetcher) FetchHTML(ctx context.Context, url string) (*solver.PageResult, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	html, ok := f.pages[url]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no page for %s", url)
	}
	return &solver.PageResult{HTML: html}, nil
}

func newTestScanner(f *fakeFetcher) *Scanner {
	s := NewScanner(f, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.pageDelay = func() time.Duration { return 0 }
	return s
}

func listingHTML(posts ...string) string {
	html := "<html><body>"
	for i, id := range posts {
		html += fmt.Sprintf(`<article class="post"><a href="/post/%s" title="Title %d">x</a></article>`, id, i+1)
	}
	html += "</body></html>"
	return html
}

func TestScanExtractsCandidatesInDOMOrder(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://example/ch/alpha.html": listingHTML("X1", "X2", "X3"),
	}}
	s := newTestScanner(f)

	got, err := s.Scan(context.Background(), "https://example/ch/alpha.html", 20, false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("candidates = %d, want 3", len(got))
	}
	for i, want := range []string{"X1", "X2", "X3"} {
		if got[i].PostID != want {
			t.Errorf("candidate %d = %q, want %q (DOM order)", i, got[i].PostID, want)
		}
	}
	if got[0].URL != "https://example/post/X1" {
		t.Errorf("relative href not normalized: %q", got[0].URL)
	}
	if got[0].Title != "Title 1" {
		t.Errorf("title attribute not preferred: %q", got[0].Title)
	}
}

func TestScanWalksPaginationFromFirstPage(t *testing.T) {
	// First page advertises offset=60 -> 3 pages of 30.
	first := `<html><body>
		<article class="post"><a href="/post/A1" title="a">x</a></article>
		<a href="?offset=30">2</a><a href="?offset=60">3</a>
	</body></html>`
	f := &fakeFetcher{pages: map[string]string{
		"https://example/ch/a.html":           first,
		"https://example/ch/a.html?offset=30": listingHTML("B1"),
		"https://example/ch/a.html?offset=60": listingHTML("C1"),
	}}
	s := newTestScanner(f)

	got, err := s.Scan(context.Background(), "https://example/ch/a.html", 0, false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("candidates = %d, want one per page", len(got))
	}
	wantOrder := []string{
		"https://example/ch/a.html",
		"https://example/ch/a.html?offset=30",
		"https://example/ch/a.html?offset=60",
	}
	for i, want := range wantOrder {
		if f.fetched[i] != want {
			t.Errorf("fetch %d = %q, want %q", i, f.fetched[i], want)
		}
	}
}

func TestScanHonorsCandidateCap(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://example/ch/a.html": listingHTML("X1", "X2", "X3", "X4", "X5"),
	}}
	s := newTestScanner(f)

	got, err := s.Scan(context.Background(), "https://example/ch/a.html", 2, false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("candidates = %d, want capped at 2", len(got))
	}
}

func TestScanSkipsLinksWithoutPostMarker(t *testing.T) {
	html := `<html><body>
		<article class="post"><a href="/post/X1" title="keep">x</a></article>
		<article class="post"><a href="/about.html" title="drop">x</a></article>
	</body></html>`
	f := &fakeFetcher{pages: map[string]string{"https://example/ch/a.html": html}}
	s := newTestScanner(f)

	got, err := s.Scan(context.Background(), "https://example/ch/a.html", 0, false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 || got[0].PostID != "X1" {
		t.Fatalf("got %+v, want only the post link", got)
	}
}

func TestScanShapeFallback(t *testing.T) {
	// None of the preferred shapes match; the bare marker selector catches it.
	html := `<html><body><div class="weird"><a href="https://example/post/Z9">Fallback Title</a></div></body></html>`
	f := &fakeFetcher{pages: map[string]string{"https://example/ch/a.html": html}}
	s := newTestScanner(f)

	got, err := s.Scan(context.Background(), "https://example/ch/a.html", 0, false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 || got[0].PostID != "Z9" || got[0].Title != "Fallback Title" {
		t.Fatalf("got %+v", got)
	}
}

func TestScanDeduplicatesAcrossPages(t *testing.T) {
	first := `<html><body>` + listingHTML("X1") + `<a href="?offset=30">2</a></body></html>`
	f := &fakeFetcher{pages: map[string]string{
		"https://example/ch/a.html":           first,
		"https://example/ch/a.html?offset=30": listingHTML("X1", "X2"),
	}}
	s := newTestScanner(f)

	got, err := s.Scan(context.Background(), "https://example/ch/a.html", 0, false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want X1 deduped", len(got))
	}
}

func TestExtractPostID(t *testing.T) {
	cases := []struct {
		url, want string
	}{
		{"https://example/post/X1", "X1"},
		{"https://example/post/X1?ref=top", "X1"},
		{"https://example/post/X1/comments", "X1"},
		{"https://example/about", ""},
	}
	for _, tc := range cases {
		if got := extractPostID(tc.url); got != tc.want {
			t.Errorf("extractPostID(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}
