package collector_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-dev/vigil/pkg/activity"
	"github.com/vigil-dev/vigil/pkg/bus"
	"github.com/vigil-dev/vigil/pkg/collector"
	"github.com/vigil-dev/vigil/pkg/timeline"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// scriptedObserver answers strategy requests like a connected observer. Its
// collect responses are fed through a channel so tests control when each
// in-flight collection completes.
type scriptedObserver struct {
	name     string
	kind     activity.ContentKind
	collects chan activity.CollectResult

	mu           sync.Mutex
	collectCalls int
}

func newScriptedObserver(name string, kind activity.ContentKind) *scriptedObserver {
	return &scriptedObserver{
		name:     name,
		kind:     kind,
		collects: make(chan activity.CollectResult, 8),
	}
}

func (o *scriptedObserver) Request(ctx context.Context, action string, payload *string) (*string, error) {
	return o.RequestTimeout(ctx, action, payload, time.Second)
}

func (o *scriptedObserver) RequestTimeout(ctx context.Context, action string, payload *string, timeout time.Duration) (*string, error) {
	switch action {
	case wire.ActionGetMetadata:
		return jsonPayload(activity.Metadata{Name: o.name, Kind: o.kind})
	case wire.ActionGenerateAssets:
		return jsonPayload([]activity.Asset{})
	case wire.ActionCollect:
		o.mu.Lock()
		o.collectCalls++
		o.mu.Unlock()
		select {
		case result := <-o.collects:
			return jsonPayload(result)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

func jsonPayload(v any) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return wire.StringPayload(string(data)), nil
}

func articleResult(title string) activity.CollectResult {
	return activity.CollectResult{
		Assets: []activity.Asset{{
			Kind:    activity.KindArticle,
			Article: &activity.ArticleAsset{ID: "a-" + title, Title: title},
		}},
	}
}

type testRig struct {
	store     *timeline.Storage
	svc       *collector.Service
	observers map[string]*scriptedObserver
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		store:     timeline.NewStorage(timeline.StorageConfig{MaxActivities: 10}, nil),
		observers: make(map[string]*scriptedObserver),
	}
	resolve := func(observerID string) (activity.Requester, bool) {
		o, ok := rig.observers[observerID]
		return o, ok
	}
	rig.svc = collector.NewService(rig.store, resolve, nil, nil, collector.Config{PollInterval: 20 * time.Millisecond})
	rig.svc.Start()
	t.Cleanup(rig.svc.Stop)
	return rig
}

func waitForCurrent(t *testing.T, store *timeline.Storage, name string) activity.Activity {
	t.Helper()
	var cur activity.Activity
	require.Eventually(t, func() bool {
		c, ok := store.Current()
		if ok && c.Name == name {
			cur = c
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "activity %q never opened", name)
	return cur
}

func TestFocusOpensActivity(t *testing.T) {
	rig := newTestRig(t)
	rig.observers["obsA"] = newScriptedObserver("Site A", activity.KindArticle)

	rig.svc.Signal(collector.Signal{Type: collector.SignalContextActivated, Identity: activity.ContextIdentity{
		ProcessName: "browser", URL: "https://a", ObserverID: "obsA",
	}})

	a := waitForCurrent(t, rig.store, "Site A")
	assert.True(t, a.IsOpen())
	assert.Equal(t, collector.StateFocusedPolling, rig.svc.State())
}

func TestReentryWhileFocusedIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	rig.observers["obsA"] = newScriptedObserver("Site A", activity.KindArticle)
	identity := activity.ContextIdentity{ProcessName: "browser", URL: "https://a", ObserverID: "obsA"}

	rig.svc.Signal(collector.Signal{Type: collector.SignalContextActivated, Identity: identity})
	waitForCurrent(t, rig.store, "Site A")
	gen := rig.svc.Generation()

	// Every converging signal for the same context is a no-op.
	rig.svc.Signal(collector.Signal{Type: collector.SignalFocusChange, Identity: identity})
	rig.svc.Signal(collector.Signal{Type: collector.SignalContentReady, Identity: identity})
	rig.svc.Signal(collector.Signal{Type: collector.SignalHostFocusRegained, Identity: identity})

	assert.Equal(t, gen, rig.svc.Generation())
	assert.Equal(t, 1, rig.store.Len())
}

func TestUnfocusClosesActivity(t *testing.T) {
	rig := newTestRig(t)
	rig.observers["obsA"] = newScriptedObserver("Site A", activity.KindArticle)

	rig.svc.Signal(collector.Signal{Type: collector.SignalContextActivated, Identity: activity.ContextIdentity{
		ProcessName: "browser", ObserverID: "obsA",
	}})
	waitForCurrent(t, rig.store, "Site A")

	rig.svc.Signal(collector.Signal{Type: collector.SignalFocusChange, Identity: activity.ContextIdentity{}})
	assert.Equal(t, collector.StateUnfocused, rig.svc.State())

	_, open := rig.store.Current()
	assert.False(t, open, "activity must close when focus leaves")
}

func TestCollectAppliesToCurrentActivity(t *testing.T) {
	rig := newTestRig(t)
	obs := newScriptedObserver("Site A", activity.KindArticle)
	rig.observers["obsA"] = obs

	rig.svc.Signal(collector.Signal{Type: collector.SignalContextActivated, Identity: activity.ContextIdentity{
		ProcessName: "browser", ObserverID: "obsA",
	}})
	waitForCurrent(t, rig.store, "Site A")

	obs.collects <- articleResult("fresh capture")

	require.Eventually(t, func() bool {
		cur, ok := rig.store.Current()
		return ok && len(cur.Assets) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cur, _ := rig.store.Current()
	assert.Equal(t, "fresh capture", cur.Assets[0].Article.Title)
}

func TestStaleCollectDroppedAfterContextSwitch(t *testing.T) {
	rig := newTestRig(t)
	obsA := newScriptedObserver("Site A", activity.KindArticle)
	obsB := newScriptedObserver("Site B", activity.KindArticle)
	rig.observers["obsA"] = obsA
	rig.observers["obsB"] = obsB

	// Focus A and let a collect go in flight (it blocks on obsA.collects).
	rig.svc.Signal(collector.Signal{Type: collector.SignalContextActivated, Identity: activity.ContextIdentity{
		ProcessName: "browser", ObserverID: "obsA",
	}})
	waitForCurrent(t, rig.store, "Site A")
	require.Eventually(t, func() bool {
		obsA.mu.Lock()
		defer obsA.mu.Unlock()
		return obsA.collectCalls >= 1
	}, 2*time.Second, 5*time.Millisecond, "no collect went in flight for A")

	// Switch to B: A's activity closes, B's opens, generation advances.
	rig.svc.Signal(collector.Signal{Type: collector.SignalContextActivated, Identity: activity.ContextIdentity{
		ProcessName: "browser", ObserverID: "obsB",
	}})
	b := waitForCurrent(t, rig.store, "Site B")
	require.True(t, b.IsOpen())

	// Now release A's held collect. Its generation is stale, so the result
	// must be discarded rather than applied to B's activity.
	obsA.collects <- articleResult("stale capture from A")

	time.Sleep(100 * time.Millisecond)
	cur, ok := rig.store.Current()
	require.True(t, ok)
	assert.Equal(t, "Site B", cur.Name)
	for _, asset := range cur.Assets {
		assert.NotEqual(t, "stale capture from A", asset.Article.Title)
	}

	// A's activity is closed and did not receive the stale result either.
	recent := rig.store.Recent(0)
	require.Len(t, recent, 2)
	for _, a := range recent {
		if a.Name == "Site A" {
			assert.False(t, a.IsOpen())
			assert.Empty(t, a.Assets)
		}
	}
}

// gatedStore blocks the first Add until its gate opens, so a test can order
// an in-flight activity open against a focus transition.
type gatedStore struct {
	*timeline.Storage

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	gate    chan struct{}
}

func newGatedStore(inner *timeline.Storage) *gatedStore {
	return &gatedStore{
		Storage: inner,
		armed:   true,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (g *gatedStore) Add(a *activity.Activity) {
	g.mu.Lock()
	first := g.armed
	g.armed = false
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.gate
	}
	g.Storage.Add(a)
}

func TestFocusSwitchDuringOpenKeepsNewContextCurrent(t *testing.T) {
	inner := timeline.NewStorage(timeline.StorageConfig{MaxActivities: 10}, nil)
	store := newGatedStore(inner)
	observers := map[string]*scriptedObserver{
		"obsA": newScriptedObserver("Site A", activity.KindArticle),
		"obsB": newScriptedObserver("Site B", activity.KindArticle),
	}
	resolve := func(observerID string) (activity.Requester, bool) {
		o, ok := observers[observerID]
		return o, ok
	}
	svc := collector.NewService(store, resolve, nil, nil, collector.Config{PollInterval: 20 * time.Millisecond})
	svc.Start()
	t.Cleanup(svc.Stop)

	svc.Signal(collector.Signal{Type: collector.SignalContextActivated, Identity: activity.ContextIdentity{
		ProcessName: "browser", ObserverID: "obsA",
	}})

	// A's open is now held inside the store, mid-apply.
	<-store.entered

	// Switch focus while A's open is still in flight, then let it land.
	switched := make(chan struct{})
	go func() {
		svc.Signal(collector.Signal{Type: collector.SignalContextActivated, Identity: activity.ContextIdentity{
			ProcessName: "browser", ObserverID: "obsB",
		}})
		close(switched)
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	<-switched

	b := waitForCurrent(t, inner, "Site B")
	assert.True(t, b.IsOpen())

	// A's open either committed before the switch and was closed by it, or
	// was discarded as stale. It must never end up newest and open.
	for _, a := range inner.Recent(0) {
		if a.Name == "Site A" {
			assert.False(t, a.IsOpen(), "displaced context left an open activity")
		}
	}
}

func TestNoChangeAppliesNothing(t *testing.T) {
	rig := newTestRig(t)
	obs := newScriptedObserver("Site A", activity.KindArticle)
	rig.observers["obsA"] = obs

	rig.svc.Signal(collector.Signal{Type: collector.SignalContextActivated, Identity: activity.ContextIdentity{
		ProcessName: "browser", ObserverID: "obsA",
	}})
	waitForCurrent(t, rig.store, "Site A")

	obs.collects <- activity.CollectResult{NoChange: true}

	time.Sleep(100 * time.Millisecond)
	cur, ok := rig.store.Current()
	require.True(t, ok)
	assert.Empty(t, cur.Assets)
	assert.Empty(t, cur.Snapshots)
}

func TestUnobservedContextUsesDefaultStrategy(t *testing.T) {
	rig := newTestRig(t)

	rig.svc.Signal(collector.Signal{Type: collector.SignalFocusChange, Identity: activity.ContextIdentity{
		ProcessName: "terminal",
	}})

	a := waitForCurrent(t, rig.store, "terminal")
	assert.Empty(t, a.Assets)
	assert.True(t, a.IsOpen())
}

func TestBusSignals(t *testing.T) {
	rig := newTestRig(t)
	rig.observers["obs-1"] = newScriptedObserver("Site A", activity.KindArticle)

	eventBus := bus.NewMemoryBus()
	defer eventBus.Close()

	subs, err := rig.svc.SubscribeBus(context.Background(), eventBus)
	require.NoError(t, err)
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	payload, _ := json.Marshal(collector.TabEventPayload{URL: "https://a", ProcessName: "browser"})
	require.NoError(t, eventBus.Publish(context.Background(), "vigil.observer.obs-1.tab_activated", payload))

	waitForCurrent(t, rig.store, "Site A")
	assert.Equal(t, collector.StateFocusedPolling, rig.svc.State())
}
