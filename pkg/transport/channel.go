package transport

import (
	"context"
	"io"
	"sync"
	"time"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/logging"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// ChannelState is the connection state of a Channel.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnected    ChannelState = "connected"
)

// Dialer establishes a new connection to the peer.
type Dialer func(ctx context.Context) (Conn, error)

// FrameHandler processes incoming Request, Event, and Cancel frames. For a
// Request it returns the frame to write back (Response or Error); for Event
// and Cancel it returns nil.
type FrameHandler func(ctx context.Context, f wire.Frame) *wire.Frame

// ChannelConfig tunes a Channel. Zero values fall back to defaults.
type ChannelConfig struct {
	// RequestTimeout bounds every correlated request. Default 10s.
	RequestTimeout time.Duration

	// ReconnectBackoff is the initial delay before a redial after a failed
	// attempt. It doubles per failure up to ReconnectBackoffMax.
	// Defaults 250ms and 30s.
	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration
}

func (c *ChannelConfig) withDefaults() ChannelConfig {
	out := ChannelConfig{}
	if c != nil {
		out = *c
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.ReconnectBackoff <= 0 {
		out.ReconnectBackoff = 250 * time.Millisecond
	}
	if out.ReconnectBackoffMax <= 0 {
		out.ReconnectBackoffMax = 30 * time.Second
	}
	return out
}

// Channel is a reconnecting request/response channel over a Conn. Transport
// loss fails all pending requests and moves the channel to Disconnected; the
// next send redials, honoring an exponential backoff between attempts rather
// than retrying in a tight loop.
type Channel struct {
	dial    Dialer
	handler FrameHandler
	corr    *Correlator
	logger  *logging.Logger
	metrics *Metrics
	cfg     ChannelConfig

	mu          sync.Mutex
	conn        Conn
	state       ChannelState
	dialing     chan struct{}
	backoff     time.Duration
	nextAttempt time.Time
	closed      bool
}

// NewChannel creates a disconnected channel. The first Send dials.
func NewChannel(dial Dialer, handler FrameHandler, logger *logging.Logger, metrics *Metrics, cfg *ChannelConfig) *Channel {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	conf := cfg.withDefaults()
	return &Channel{
		dial:    dial,
		handler: handler,
		corr:    NewCorrelator(logger),
		logger:  logger,
		metrics: metrics,
		cfg:     conf,
		state:   StateDisconnected,
		backoff: conf.ReconnectBackoff,
	}
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Connect dials eagerly. Sends also dial lazily, so calling Connect is
// optional; it exists so daemons can fail fast on startup.
func (ch *Channel) Connect(ctx context.Context) error {
	_, err := ch.ensureConnected(ctx)
	return err
}

// ensureConnected returns the live conn, dialing if necessary. Dials are
// single-flight: a sender that finds one in progress waits for its outcome
// instead of racing a second connection. A dial is refused while the backoff
// window from the previous failure is still open.
func (ch *Channel) ensureConnected(ctx context.Context) (Conn, error) {
	for {
		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			return nil, vigilerrors.New(vigilerrors.ErrCodeProcessStopped, "channel closed")
		}
		if ch.state == StateConnected && ch.conn != nil {
			conn := ch.conn
			ch.mu.Unlock()
			return conn, nil
		}
		if ch.dialing != nil {
			inFlight := ch.dialing
			ch.mu.Unlock()
			select {
			case <-inFlight:
				continue
			case <-ctx.Done():
				return nil, vigilerrors.Wrap(ctx.Err(), vigilerrors.ErrCodeTransportRefused, "dial wait cancelled")
			}
		}
		if wait := time.Until(ch.nextAttempt); wait > 0 {
			ch.mu.Unlock()
			return nil, vigilerrors.New(vigilerrors.ErrCodeProcessNotRunning, "peer unavailable, backing off").
				WithContext("retry_in", wait.String()).
				WithRetryable(true)
		}
		done := make(chan struct{})
		ch.dialing = done
		ch.mu.Unlock()

		conn, err := ch.dial(ctx)

		ch.mu.Lock()
		ch.dialing = nil
		close(done)
		if err != nil {
			ch.nextAttempt = time.Now().Add(ch.backoff)
			ch.backoff *= 2
			if ch.backoff > ch.cfg.ReconnectBackoffMax {
				ch.backoff = ch.cfg.ReconnectBackoffMax
			}
			ch.logger.Warn(logging.CategoryTransport, "dial_failed", "could not reach peer", map[string]any{
				"error":        err.Error(),
				"next_backoff": ch.backoff.String(),
			})
			ch.mu.Unlock()
			return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportRefused, "dial failed").
				WithRetryable(true)
		}
		if ch.closed {
			ch.mu.Unlock()
			conn.Close()
			return nil, vigilerrors.New(vigilerrors.ErrCodeProcessStopped, "channel closed")
		}

		ch.conn = conn
		ch.state = StateConnected
		ch.backoff = ch.cfg.ReconnectBackoff
		ch.nextAttempt = time.Time{}
		if ch.corr.PendingCount() == 0 {
			// Restart id allocation only on a clean table; requests still
			// tracked from the previous conn keep their ids unambiguous.
			ch.corr.Reset()
		}
		ch.metrics.RecordReconnect()
		ch.logger.Info(logging.CategoryTransport, "channel_connected", "", map[string]any{
			"remote": conn.RemoteAddr(),
		})
		ch.mu.Unlock()

		go ch.receiveLoop(conn)
		return conn, nil
	}
}

// receiveLoop reads frames until the conn dies, routing responses to the
// correlator and requests/events to the handler. Protocol errors are logged
// and skipped; the conn stays up.
func (ch *Channel) receiveLoop(conn Conn) {
	ctx := context.Background()
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if vigilerrors.IsProtocol(err) {
				ch.metrics.RecordFrameError(string(vigilerrors.GetCode(err)))
				ch.logger.Warn(logging.CategoryTransport, "frame_rejected", err.Error(), nil)
				continue
			}
			ch.handleDisconnect(conn, err)
			return
		}

		ch.metrics.RecordReceived(f.VariantName())
		switch {
		case f.Kind.Response != nil, f.Kind.Error != nil:
			ch.corr.Resolve(f)
			ch.metrics.SetPending(ch.corr.PendingCount())
		case f.Kind.Request != nil, f.Kind.Event != nil, f.Kind.Cancel != nil:
			ch.dispatch(ctx, conn, f)
		}
	}
}

// dispatch hands an inbound frame to the handler and writes back whatever it
// returns. Requests with no handler get a typed error response.
func (ch *Channel) dispatch(ctx context.Context, conn Conn, f wire.Frame) {
	if ch.handler == nil {
		if req := f.Kind.Request; req != nil {
			_ = conn.WriteFrame(wire.NewError(req.ID,
				string(vigilerrors.ErrCodeProtocolUnknownAction),
				"no handler registered", req.Action))
		}
		return
	}

	go func() {
		reply := ch.handler(ctx, f)
		if reply == nil {
			return
		}
		if err := conn.WriteFrame(*reply); err != nil {
			ch.logger.Warn(logging.CategoryTransport, "reply_write_failed", err.Error(), nil)
		} else {
			ch.metrics.RecordSent(reply.VariantName())
		}
	}()
}

// handleDisconnect tears down conn and fails everything in flight. A newer
// conn established meanwhile is left alone.
func (ch *Channel) handleDisconnect(conn Conn, cause error) {
	ch.mu.Lock()
	if ch.conn != conn {
		ch.mu.Unlock()
		return
	}
	ch.conn = nil
	ch.state = StateDisconnected
	ch.nextAttempt = time.Now().Add(ch.backoff)
	ch.mu.Unlock()

	conn.Close()
	failed := ch.corr.FailAll(cause)
	ch.metrics.SetPending(0)

	details := map[string]any{"failed_pending": failed}
	if cause != nil && cause != io.EOF {
		details["error"] = cause.Error()
	}
	ch.logger.Warn(logging.CategoryTransport, "channel_disconnected", "", details)
}

// Request sends a correlated request and waits for its response payload. On
// timeout a best-effort Cancel is written so the peer can release held work.
func (ch *Channel) Request(ctx context.Context, action string, payload *string) (*string, error) {
	return ch.RequestTimeout(ctx, action, payload, ch.cfg.RequestTimeout)
}

// RequestTimeout is Request with an explicit per-call timeout.
func (ch *Channel) RequestTimeout(ctx context.Context, action string, payload *string, timeout time.Duration) (*string, error) {
	conn, err := ch.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	id := ch.corr.NextID()
	done := ch.corr.Track(id)
	ch.metrics.SetPending(ch.corr.PendingCount())

	start := time.Now()
	if err := conn.WriteFrame(wire.NewRequest(id, action, payload)); err != nil {
		ch.corr.Drop(id)
		ch.metrics.SetPending(ch.corr.PendingCount())
		ch.handleDisconnect(conn, err)
		return nil, err
	}
	ch.metrics.RecordSent("Request")

	resp, err := ch.corr.Await(ctx, id, done, timeout)
	ch.metrics.SetPending(ch.corr.PendingCount())
	ch.metrics.RecordRequestDuration(time.Since(start))
	if err != nil {
		if vigilerrors.IsCode(err, vigilerrors.ErrCodeCorrelationTimeout) {
			// Release whatever the peer is holding for this request.
			_ = conn.WriteFrame(wire.NewCancel(id))
			ch.metrics.RecordFrameError(string(vigilerrors.ErrCodeCorrelationTimeout))
		}
		return nil, err
	}
	if r := resp.Kind.Response; r != nil {
		return r.Payload, nil
	}
	return nil, vigilerrors.New(vigilerrors.ErrCodeInternal, "correlator resolved with unexpected variant").
		WithContext("variant", resp.VariantName())
}

// Notify sends a fire-and-forget Event frame.
func (ch *Channel) Notify(ctx context.Context, action string, payload *string) error {
	conn, err := ch.ensureConnected(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(wire.NewEvent(action, payload)); err != nil {
		ch.handleDisconnect(conn, err)
		return err
	}
	ch.metrics.RecordSent("Event")
	return nil
}

// Close shuts the channel down permanently and fails anything pending.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	conn := ch.conn
	ch.conn = nil
	ch.state = StateDisconnected
	ch.mu.Unlock()

	ch.corr.FailAll(nil)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
