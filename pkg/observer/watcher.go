package observer

import (
	"context"
	"time"

	"github.com/vigil-dev/vigil/pkg/activity"
	"github.com/vigil-dev/vigil/pkg/logging"
)

// WatcherConfig tunes a page watcher. Zero values fall back to defaults.
type WatcherConfig struct {
	// Debounce is how long the page must stay quiet after a change before
	// the change is considered settled. Default 500ms.
	Debounce time.Duration

	// CollectWait bounds how long a collect request is held waiting for a
	// settled change before answering no-change. It must stay under the
	// host's collect timeout. Default 25s.
	CollectWait time.Duration
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.CollectWait <= 0 {
		c.CollectWait = 25 * time.Second
	}
	return c
}

type collectReply struct {
	result activity.CollectResult
	err    error
}

type collectRequest struct {
	ctx   context.Context
	reply chan collectReply
}

// Watcher owns one page: it coalesces the page's change signals with a
// debounce window and holds collect requests until a settled change exists
// or the wait expires. A single goroutine serializes everything, so handler
// extraction never races page mutation signals.
type Watcher struct {
	page    Page
	handler Handler
	cfg     WatcherConfig
	logger  *logging.Logger

	// diagnostics receives extraction failures. Sends never block; a full
	// channel drops the report.
	diagnostics chan<- error

	requests chan *collectRequest
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher creates and starts a watcher for page.
func NewWatcher(page Page, handler Handler, cfg WatcherConfig, logger *logging.Logger, diagnostics chan<- error) *Watcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	w := &Watcher{
		page:        page,
		handler:     handler,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		diagnostics: diagnostics,
		requests:    make(chan *collectRequest),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go w.loop()
	return w
}

// Stop shuts the watcher down. A held collect request is answered no-change.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

// Collect waits for the next settled change on the page and captures it. If
// nothing settles within the collect wait the result reports no change. A
// second collect arriving while one is held releases the first with
// no-change and takes its place.
func (w *Watcher) Collect(ctx context.Context) (activity.CollectResult, error) {
	req := &collectRequest{ctx: ctx, reply: make(chan collectReply, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return activity.CollectResult{}, ctx.Err()
	case <-w.stop:
		return activity.CollectResult{NoChange: true}, nil
	}
	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-ctx.Done():
		return activity.CollectResult{}, ctx.Err()
	}
}

// loop is the watcher state machine. dirty means the page changed since the
// last capture; settled means the debounce window elapsed after the latest
// change. A held collect is fulfilled the moment a dirty settle lands.
func (w *Watcher) loop() {
	defer close(w.done)

	debounce := time.NewTimer(w.cfg.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	wait := time.NewTimer(w.cfg.CollectWait)
	if !wait.Stop() {
		<-wait.C
	}
	defer debounce.Stop()
	defer wait.Stop()

	var (
		dirty   bool
		settled bool
		pending *collectRequest
	)

	resetTimer := func(t *time.Timer, d time.Duration) {
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(d)
	}

	answer := func(req *collectRequest, r collectReply) {
		req.reply <- r
	}

	// pendingDone is nil when no request is held, which disables its case.
	pendingDone := func() <-chan struct{} {
		if pending == nil {
			return nil
		}
		return pending.ctx.Done()
	}

	for {
		select {
		case <-w.stop:
			if pending != nil {
				answer(pending, collectReply{result: activity.CollectResult{NoChange: true}})
			}
			return

		case <-w.page.Changes():
			dirty = true
			settled = false
			resetTimer(debounce, w.cfg.Debounce)

		case <-debounce.C:
			settled = true
			if pending != nil && dirty {
				req := pending
				pending = nil
				wait.Stop()
				dirty = false
				answer(req, w.capture(req.ctx))
			}

		case req := <-w.requests:
			if pending != nil {
				// Only one collect is held at a time; the newer request
				// supersedes the older one.
				answer(pending, collectReply{result: activity.CollectResult{NoChange: true}})
				pending = nil
			}
			if dirty && settled {
				dirty = false
				answer(req, w.capture(req.ctx))
				continue
			}
			pending = req
			resetTimer(wait, w.cfg.CollectWait)

		case <-wait.C:
			if pending != nil {
				answer(pending, collectReply{result: activity.CollectResult{NoChange: true}})
				pending = nil
			}

		case <-pendingDone():
			answer(pending, collectReply{err: pending.ctx.Err()})
			pending = nil
			wait.Stop()
		}
	}
}

// capture runs the handler over the page. Extraction failure degrades to an
// empty capture and a diagnostics report; it is never fatal to the watcher.
func (w *Watcher) capture(ctx context.Context) collectReply {
	var result activity.CollectResult

	assets, err := w.handler.GenerateAssets(ctx, w.page)
	if err != nil {
		w.report(err)
	} else {
		result.Assets = assets
	}

	snapshots, err := w.handler.GenerateSnapshots(ctx, w.page)
	if err != nil {
		w.report(err)
	} else {
		result.Snapshots = snapshots
	}

	if len(result.Assets) == 0 && len(result.Snapshots) == 0 {
		result.NoChange = true
	}
	return collectReply{result: result}
}

func (w *Watcher) report(err error) {
	w.logger.Warn(logging.CategoryObserver, "extraction_failed", err.Error(), map[string]any{
		"url": w.page.URL(),
	})
	if w.diagnostics == nil {
		return
	}
	select {
	case w.diagnostics <- err:
	default:
	}
}
