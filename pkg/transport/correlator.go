// Package transport carries frames between the host and observer processes.
// It provides request/response correlation, a reconnecting channel, duplex
// stream and WebSocket conns, an HTTP polling fallback, and the host-side
// bridge server.
package transport

import (
	"context"
	"sync"
	"time"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/logging"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// Result is the outcome of a tracked request: a Response frame or an error.
// Exactly one of Frame/Err is meaningful.
type Result struct {
	Frame wire.Frame
	Err   error
}

type pendingRequest struct {
	done  chan Result
	fired bool
}

// Correlator matches responses to in-flight requests by id. Each tracked id
// resolves exactly once: whichever of response, timeout, or disconnect
// arrives first wins, and the losers are dropped.
type Correlator struct {
	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	nextID  uint64
	logger  *logging.Logger
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(logger *logging.Logger) *Correlator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Correlator{
		pending: make(map[uint64]*pendingRequest),
		logger:  logger,
	}
}

// NextID allocates the next correlation id. Ids restart at 1 when Reset is
// called, so they are only unique within one connection.
func (c *Correlator) NextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// Reset restarts id allocation. Call only when no requests are pending.
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID = 0
}

// Track registers id and returns the channel its result will arrive on.
func (c *Correlator) Track(id uint64) <-chan Result {
	p := &pendingRequest{done: make(chan Result, 1)}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return p.done
}

// PendingCount returns the number of requests awaiting resolution.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// complete fires id with res if it is still pending and unfired. The
// check-and-set happens under the table lock so at most one caller wins.
func (c *Correlator) complete(id uint64, res Result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || p.fired {
		c.mu.Unlock()
		return false
	}
	p.fired = true
	delete(c.pending, id)
	c.mu.Unlock()

	p.done <- res
	return true
}

// Resolve delivers an incoming Response or Error frame to its waiter. Frames
// for unknown or already-fired ids are logged and discarded.
func (c *Correlator) Resolve(f wire.Frame) {
	id, ok := f.CorrelationID()
	if !ok {
		c.logger.Warn(logging.CategoryCorrelator, "uncorrelated_frame",
			"frame without correlation id reached correlator", map[string]any{
				"variant": f.VariantName(),
			})
		return
	}

	res := Result{Frame: f}
	if ef := f.Kind.Error; ef != nil {
		res = Result{Err: vigilerrors.New(vigilerrors.ErrorCode(ef.Code), ef.Message).
			WithContext("details", ef.Details).
			WithContext("request_id", ef.ID)}
	}

	if !c.complete(id, res) {
		c.logger.Warn(logging.CategoryCorrelator, "late_response",
			"response arrived after the request already resolved", map[string]any{
				"request_id": id,
				"variant":    f.VariantName(),
			})
	}
}

// Fail resolves id with err. Returns false if the request already resolved.
func (c *Correlator) Fail(id uint64, err error) bool {
	return c.complete(id, Result{Err: err})
}

// Drop abandons id without delivering a result. Used when the request frame
// never made it onto the wire.
func (c *Correlator) Drop(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// FailAll resolves every pending request with a PROCESS_STOPPED error. Called
// when the underlying connection is lost.
func (c *Correlator) FailAll(cause error) int {
	c.mu.Lock()
	fired := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		if p.fired {
			continue
		}
		p.fired = true
		delete(c.pending, id)
		fired = append(fired, p)
	}
	c.mu.Unlock()

	err := vigilerrors.Wrap(cause, vigilerrors.ErrCodeProcessStopped,
		"connection lost with requests in flight").WithRetryable(true)
	if cause == nil {
		err = vigilerrors.New(vigilerrors.ErrCodeProcessStopped,
			"connection lost with requests in flight").WithRetryable(true)
	}
	for _, p := range fired {
		p.done <- Result{Err: err}
	}
	return len(fired)
}

// Await blocks until the tracked request resolves, the timeout elapses, or
// ctx is cancelled. On timeout or cancellation it races a failure against the
// response; whichever fired first is what Await returns.
func (c *Correlator) Await(ctx context.Context, id uint64, done <-chan Result, timeout time.Duration) (wire.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.Frame, res.Err
	case <-timer.C:
		c.Fail(id, vigilerrors.New(vigilerrors.ErrCodeCorrelationTimeout, "request timed out").
			WithContext("request_id", id).
			WithContext("timeout", timeout.String()).
			WithRetryable(true))
	case <-ctx.Done():
		c.Fail(id, vigilerrors.Wrap(ctx.Err(), vigilerrors.ErrCodeCorrelationStale, "request cancelled").
			WithContext("request_id", id))
	}

	// Exactly one result is buffered: either our failure won the race or the
	// response beat it.
	res := <-done
	return res.Frame, res.Err
}
