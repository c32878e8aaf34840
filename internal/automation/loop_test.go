package automation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"siphon/internal/scanner"
	"siphon/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	channels []storage.Channel
	existing map[string]bool
	pending  []storage.Video

	touched   []int
	upserted  []storage.Video
	mediaURLs map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{existing: map[string]bool{}, mediaURLs: map[string]string{}}
}

func (s *fakeStore) GetActiveChannels() ([]storage.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Channel(nil), s.channels...), nil
}

func (s *fakeStore) VideoExists(url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[url], nil
}

func (s *fakeStore) UpsertVideos(videos []storage.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, videos...)
	for _, v := range videos {
		s.existing[v.URL] = true
	}
	return nil
}

func (s *fakeStore) UpdateMediaURL(url, mediaURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mediaURLs[url] = mediaURL
	return nil
}

func (s *fakeStore) TouchChannelLastChecked(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, id)
	return nil
}

func (s *fakeStore) GetUndownloadedVideos() ([]storage.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Video(nil), s.pending...), nil
}

type scanCall struct {
	channelURL string
	maxNew     int
	fullScan   bool
}

type fakeScanner struct {
	mu         sync.Mutex
	candidates map[string][]scanner.Candidate
	scans      []scanCall
}

func (f *fakeScanner) Scan(ctx context.Context, channelURL string, maxNew int, fullScan bool) ([]scanner.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, scanCall{channelURL: channelURL, maxNew: maxNew, fullScan: fullScan})
	return f.candidates[channelURL], nil
}

type fakeResolver struct {
	mu   sync.Mutex
	urls map[string]string
}

func (f *fakeResolver) ResolveMediaURL(ctx context.Context, postURL, postID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[postURL], nil
}

type fakePipeline struct {
	mu       sync.Mutex
	enqueued []storage.Video
	statuses []string
}

func (p *fakePipeline) Enqueue(videos []storage.Video) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, videos...)
}

func (p *fakePipeline) UpdateStatus(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, text)
}

func newTestLoop(store *fakeStore, sc *fakeScanner, res *fakeResolver, pipe *fakePipeline) *Loop {
	l := NewLoop(store, sc, res, pipe, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.channelWait = 0
	l.postWait = 0
	return l
}

func past(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

func TestDueChannelsTouchedExactlyOnce(t *testing.T) {
	store := newFakeStore()
	store.channels = []storage.Channel{
		{ID: 1, Name: "alpha", URL: "https://example/ch/alpha.html", CheckIntervalMinutes: 1, LastChecked: past(2 * time.Minute)},
		{ID: 2, Name: "beta", URL: "https://example/ch/beta.html", CheckIntervalMinutes: 60, LastChecked: past(time.Minute)},
		{ID: 3, Name: "gamma", URL: "https://example/ch/gamma.html", CheckIntervalMinutes: 60}, // never checked
	}
	sc := &fakeScanner{candidates: map[string][]scanner.Candidate{}}
	loop := newTestLoop(store, sc, &fakeResolver{}, &fakePipeline{})

	scanned, err := loop.RunCycle(context.Background(), false, false)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if scanned != 2 {
		t.Errorf("scanned = %d, want alpha and gamma", scanned)
	}

	// One stamp per due channel, even with zero candidates found.
	counts := map[int]int{}
	for _, id := range store.touched {
		counts[id]++
	}
	if counts[1] != 1 || counts[3] != 1 {
		t.Errorf("touch counts = %v, want exactly one for ids 1 and 3", counts)
	}
	if counts[2] != 0 {
		t.Errorf("channel 2 touched while not due")
	}
}

func TestNewCandidatesArePersistedAndResolved(t *testing.T) {
	store := newFakeStore()
	store.channels = []storage.Channel{{ID: 1, Name: "alpha", URL: "https://example/ch/alpha.html", CheckIntervalMinutes: 1}}
	store.existing["https://example/post/OLD"] = true

	sc := &fakeScanner{candidates: map[string][]scanner.Candidate{
		"https://example/ch/alpha.html": {
			{Title: "Old", URL: "https://example/post/OLD", PostID: "OLD"},
			{Title: "A", URL: "https://example/post/X1", PostID: "X1"},
		},
	}}
	res := &fakeResolver{urls: map[string]string{"https://example/post/X1": "https://cdn/X1.vid"}}
	loop := newTestLoop(store, sc, res, &fakePipeline{})

	if _, err := loop.RunCycle(context.Background(), false, false); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(store.upserted) != 1 || store.upserted[0].URL != "https://example/post/X1" {
		t.Fatalf("upserted = %+v, want only the new post", store.upserted)
	}
	if store.mediaURLs["https://example/post/X1"] != "https://cdn/X1.vid" {
		t.Errorf("media url not persisted: %v", store.mediaURLs)
	}
}

func TestUnresolvedCandidateIsKeptForNextCycle(t *testing.T) {
	store := newFakeStore()
	store.channels = []storage.Channel{{ID: 1, Name: "alpha", URL: "https://example/ch/alpha.html", CheckIntervalMinutes: 1}}
	sc := &fakeScanner{candidates: map[string][]scanner.Candidate{
		"https://example/ch/alpha.html": {{Title: "A", URL: "https://example/post/X1", PostID: "X1"}},
	}}
	// Resolver never observes a media request.
	loop := newTestLoop(store, sc, &fakeResolver{urls: map[string]string{}}, &fakePipeline{})

	if _, err := loop.RunCycle(context.Background(), false, false); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(store.upserted) != 1 {
		t.Fatalf("post not persisted despite unresolved media url")
	}
	if len(store.mediaURLs) != 0 {
		t.Errorf("media url recorded from empty resolution: %v", store.mediaURLs)
	}
}

func TestPendingDownloadsEnqueuedAfterRound(t *testing.T) {
	store := newFakeStore()
	store.channels = []storage.Channel{{ID: 1, Name: "alpha", URL: "https://example/ch/alpha.html", CheckIntervalMinutes: 1}}
	store.pending = []storage.Video{
		{URL: "https://example/post/X1", PostID: "X1", MediaSourceURL: "https://cdn/X1.vid"},
		{URL: "https://example/post/X2", PostID: "X2", MediaSourceURL: "https://cdn/X2.vid"},
	}
	sc := &fakeScanner{candidates: map[string][]scanner.Candidate{}}
	pipe := &fakePipeline{}
	loop := newTestLoop(store, sc, &fakeResolver{}, pipe)

	if _, err := loop.RunCycle(context.Background(), false, false); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(pipe.enqueued) != 2 {
		t.Errorf("enqueued = %d, want every pending download", len(pipe.enqueued))
	}
}

func TestNoDueChannelsMeansNoWork(t *testing.T) {
	store := newFakeStore()
	store.channels = []storage.Channel{{ID: 1, Name: "alpha", URL: "https://example/ch/alpha.html", CheckIntervalMinutes: 60, LastChecked: past(time.Minute)}}
	store.pending = []storage.Video{{URL: "https://example/post/X1"}}
	sc := &fakeScanner{candidates: map[string][]scanner.Candidate{}}
	pipe := &fakePipeline{}
	loop := newTestLoop(store, sc, &fakeResolver{}, pipe)

	scanned, err := loop.RunCycle(context.Background(), false, false)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if scanned != 0 || len(sc.scans) != 0 || len(store.touched) != 0 || len(pipe.enqueued) != 0 {
		t.Errorf("idle cycle did work: scanned=%d scans=%d touched=%d enqueued=%d",
			scanned, len(sc.scans), len(store.touched), len(pipe.enqueued))
	}
}

func TestForceScansEverything(t *testing.T) {
	store := newFakeStore()
	store.channels = []storage.Channel{
		{ID: 1, Name: "alpha", URL: "https://example/ch/alpha.html", CheckIntervalMinutes: 60, LastChecked: past(time.Minute)},
		{ID: 2, Name: "beta", URL: "https://example/ch/beta.html", CheckIntervalMinutes: 60, LastChecked: past(time.Minute)},
	}
	sc := &fakeScanner{candidates: map[string][]scanner.Candidate{}}
	loop := newTestLoop(store, sc, &fakeResolver{}, &fakePipeline{})

	scanned, err := loop.RunCycle(context.Background(), true, false)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if scanned != 2 {
		t.Errorf("forced cycle scanned %d, want all channels", scanned)
	}
	for _, call := range sc.scans {
		if call.fullScan || call.maxNew != monitorCandidateCap {
			t.Errorf("forced scan of %s ran as full=%v cap=%d, want monitoring scan", call.channelURL, call.fullScan, call.maxNew)
		}
	}
}

func TestFullScanLiftsCandidateCap(t *testing.T) {
	store := newFakeStore()
	store.channels = []storage.Channel{{ID: 1, Name: "alpha", URL: "https://example/ch/alpha.html", CheckIntervalMinutes: 1}}
	sc := &fakeScanner{candidates: map[string][]scanner.Candidate{
		"https://example/ch/alpha.html": {
			{Title: "A", URL: "https://example/post/X1", PostID: "X1"},
			{Title: "B", URL: "https://example/post/X2", PostID: "X2"},
		},
	}}
	loop := newTestLoop(store, sc, &fakeResolver{}, &fakePipeline{})

	if _, err := loop.RunCycle(context.Background(), true, true); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(sc.scans) != 1 {
		t.Fatalf("scans = %d, want 1", len(sc.scans))
	}
	call := sc.scans[0]
	if !call.fullScan {
		t.Error("scanner not asked for a full walk")
	}
	if call.maxNew != 0 {
		t.Errorf("candidate cap = %d, want lifted to 0", call.maxNew)
	}
	if len(store.upserted) != 2 {
		t.Errorf("upserted = %d, want every candidate", len(store.upserted))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	sc := &fakeScanner{candidates: map[string][]scanner.Candidate{}}
	loop := newTestLoop(store, sc, &fakeResolver{}, &fakePipeline{})
	loop.idleWait = 10 * time.Millisecond
	loop.cycleWait = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancellation")
	}
}
