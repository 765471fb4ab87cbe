package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-dev/vigil/pkg/activity"
	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
)

// simPage is an in-memory page whose content tests mutate directly.
type simPage struct {
	mu      sync.Mutex
	url     string
	title   string
	html    string
	changes chan struct{}
}

func newSimPage(url, title string) *simPage {
	return &simPage{url: url, title: title, changes: make(chan struct{}, 64)}
}

func (p *simPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *simPage) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

func (p *simPage) HTML() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *simPage) Changes() <-chan struct{} { return p.changes }

func (p *simPage) mutate(html string) {
	p.mu.Lock()
	p.html = html
	p.mu.Unlock()
	p.changes <- struct{}{}
}

// stubHandler returns fixed captures and counts extraction calls.
type stubHandler struct {
	mu     sync.Mutex
	calls  int
	assets []activity.Asset
	err    error
}

func (h *stubHandler) Kind() activity.ContentKind { return activity.KindArticle }

func (h *stubHandler) Metadata(_ context.Context, page Page) (activity.Metadata, error) {
	return activity.Metadata{Name: page.Title(), Kind: activity.KindArticle}, nil
}

func (h *stubHandler) GenerateAssets(context.Context, Page) ([]activity.Asset, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return h.assets, h.err
}

func (h *stubHandler) GenerateSnapshots(context.Context, Page) ([]activity.Snapshot, error) {
	return nil, nil
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func testAssets() []activity.Asset {
	return []activity.Asset{{
		Kind:    activity.KindArticle,
		Article: &activity.ArticleAsset{ID: "a1", Title: "captured"},
	}}
}

func TestWatcherCollectWaitsForSettledChange(t *testing.T) {
	page := newSimPage("https://a.example.com", "A")
	h := &stubHandler{assets: testAssets()}
	w := NewWatcher(page, h, WatcherConfig{Debounce: 20 * time.Millisecond, CollectWait: 5 * time.Second}, nil, nil)
	defer w.Stop()

	type outcome struct {
		result activity.CollectResult
		err    error
	}
	got := make(chan outcome, 1)
	go func() {
		r, err := w.Collect(context.Background())
		got <- outcome{r, err}
	}()

	// Give the collect time to be held, then change the page.
	time.Sleep(50 * time.Millisecond)
	page.mutate("<p>new</p>")

	select {
	case o := <-got:
		require.NoError(t, o.err)
		assert.False(t, o.result.NoChange)
		require.Len(t, o.result.Assets, 1)
		assert.Equal(t, "captured", o.result.Assets[0].Article.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("collect never completed after the page settled")
	}
}

func TestWatcherCollectAnswersNoChangeAfterWait(t *testing.T) {
	page := newSimPage("https://a.example.com", "A")
	h := &stubHandler{assets: testAssets()}
	w := NewWatcher(page, h, WatcherConfig{Debounce: 10 * time.Millisecond, CollectWait: 60 * time.Millisecond}, nil, nil)
	defer w.Stop()

	start := time.Now()
	result, err := w.Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, result.NoChange)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "the request must be held for the full wait")
	assert.Equal(t, 0, h.callCount(), "no extraction without a change")
}

func TestWatcherDebounceCoalescesBursts(t *testing.T) {
	page := newSimPage("https://a.example.com", "A")
	h := &stubHandler{assets: testAssets()}
	w := NewWatcher(page, h, WatcherConfig{Debounce: 40 * time.Millisecond, CollectWait: 5 * time.Second}, nil, nil)
	defer w.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.Collect(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	// A burst of changes inside the debounce window counts as one.
	for i := 0; i < 5; i++ {
		page.mutate("<p>burst</p>")
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collect never completed")
	}
	assert.Equal(t, 1, h.callCount(), "one settled change, one extraction")
}

func TestWatcherSettledChangeFulfilsImmediately(t *testing.T) {
	page := newSimPage("https://a.example.com", "A")
	h := &stubHandler{assets: testAssets()}
	w := NewWatcher(page, h, WatcherConfig{Debounce: 10 * time.Millisecond, CollectWait: 5 * time.Second}, nil, nil)
	defer w.Stop()

	page.mutate("<p>early</p>")
	time.Sleep(50 * time.Millisecond) // let the change settle

	start := time.Now()
	result, err := w.Collect(context.Background())
	require.NoError(t, err)
	assert.False(t, result.NoChange)
	assert.Less(t, time.Since(start), time.Second, "a settled change answers without holding")
}

func TestWatcherSecondCollectSupersedesFirst(t *testing.T) {
	page := newSimPage("https://a.example.com", "A")
	h := &stubHandler{assets: testAssets()}
	w := NewWatcher(page, h, WatcherConfig{Debounce: 10 * time.Millisecond, CollectWait: 5 * time.Second}, nil, nil)
	defer w.Stop()

	first := make(chan activity.CollectResult, 1)
	go func() {
		r, _ := w.Collect(context.Background())
		first <- r
	}()
	time.Sleep(30 * time.Millisecond)

	second := make(chan activity.CollectResult, 1)
	go func() {
		r, _ := w.Collect(context.Background())
		second <- r
	}()

	// The first request is released as no-change well before its wait.
	select {
	case r := <-first:
		assert.True(t, r.NoChange)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded collect was not released")
	}

	page.mutate("<p>for the second</p>")
	select {
	case r := <-second:
		assert.False(t, r.NoChange)
	case <-time.After(2 * time.Second):
		t.Fatal("second collect never completed")
	}
}

func TestWatcherCollectCancellation(t *testing.T) {
	page := newSimPage("https://a.example.com", "A")
	h := &stubHandler{assets: testAssets()}
	w := NewWatcher(page, h, WatcherConfig{Debounce: 10 * time.Millisecond, CollectWait: 5 * time.Second}, nil, nil)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		_, err := w.Collect(ctx)
		got <- err
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-got:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled collect never returned")
	}

	// The watcher is still usable afterwards.
	page.mutate("<p>after cancel</p>")
	time.Sleep(50 * time.Millisecond)
	result, err := w.Collect(context.Background())
	require.NoError(t, err)
	assert.False(t, result.NoChange)
}

func TestWatcherExtractionFailureDegrades(t *testing.T) {
	page := newSimPage("https://a.example.com", "A")
	h := &stubHandler{err: vigilerrors.New(vigilerrors.ErrCodeStrategyExtraction, "dom gone")}
	diag := make(chan error, 4)
	w := NewWatcher(page, h, WatcherConfig{Debounce: 10 * time.Millisecond, CollectWait: 5 * time.Second}, nil, diag)
	defer w.Stop()

	page.mutate("<p>boom</p>")
	time.Sleep(50 * time.Millisecond)

	result, err := w.Collect(context.Background())
	require.NoError(t, err, "extraction failure is never fatal to the collect")
	assert.True(t, result.NoChange)

	select {
	case derr := <-diag:
		assert.True(t, vigilerrors.IsCode(derr, vigilerrors.ErrCodeStrategyExtraction))
	default:
		t.Fatal("extraction failure did not surface on diagnostics")
	}
}

func TestWatcherStopReleasesHeldCollect(t *testing.T) {
	page := newSimPage("https://a.example.com", "A")
	h := &stubHandler{assets: testAssets()}
	w := NewWatcher(page, h, WatcherConfig{Debounce: 10 * time.Millisecond, CollectWait: 5 * time.Second}, nil, nil)

	got := make(chan activity.CollectResult, 1)
	go func() {
		r, _ := w.Collect(context.Background())
		got <- r
	}()
	time.Sleep(30 * time.Millisecond)
	w.Stop()

	select {
	case r := <-got:
		assert.True(t, r.NoChange)
	case <-time.After(2 * time.Second):
		t.Fatal("held collect not released on stop")
	}
}
