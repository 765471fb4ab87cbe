package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/logging"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// pollDrainLimit caps how many queued frames one poll response carries.
const pollDrainLimit = 32

// DefaultPollInterval is how often a polling observer drains the host queue.
const DefaultPollInterval = 500 * time.Millisecond

// pollConn is the host-side half of a polling observer. Frames written by
// the host queue in the outbox until the observer's next poll; frames the
// observer pushes land in the inbox for the bridge read loop.
type pollConn struct {
	observerID string
	outbox     chan wire.Frame
	inbox      chan wire.Frame
	closed     chan struct{}
	closeOnce  sync.Once
}

func newPollConn(observerID string) *pollConn {
	return &pollConn{
		observerID: observerID,
		outbox:     make(chan wire.Frame, 256),
		inbox:      make(chan wire.Frame, 256),
		closed:     make(chan struct{}),
	}
}

func (c *pollConn) ReadFrame() (wire.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.closed:
		return wire.Frame{}, io.EOF
	}
}

func (c *pollConn) WriteFrame(f wire.Frame) error {
	select {
	case c.outbox <- f:
		return nil
	case <-c.closed:
		return vigilerrors.New(vigilerrors.ErrCodeTransportLost, "polling observer gone").
			WithContext("observer_id", c.observerID)
	default:
		return vigilerrors.New(vigilerrors.ErrCodeTransportLost, "polling outbox full").
			WithContext("observer_id", c.observerID).
			WithRetryable(true)
	}
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pollConn) RemoteAddr() string {
	return "poll:" + c.observerID
}

// drain removes up to max queued host-to-observer frames without blocking.
func (c *pollConn) drain(max int) []wire.Frame {
	frames := make([]wire.Frame, 0, max)
	for len(frames) < max {
		select {
		case f := <-c.outbox:
			frames = append(frames, f)
		default:
			return frames
		}
	}
	return frames
}

// push delivers an observer-sent frame to the bridge read loop.
func (c *pollConn) push(f wire.Frame) error {
	select {
	case c.inbox <- f:
		return nil
	case <-c.closed:
		return vigilerrors.New(vigilerrors.ErrCodeTransportLost, "polling bridge closed").
			WithContext("observer_id", c.observerID)
	}
}

// PollingConn is the observer-side polling transport. It implements Conn, so
// a Channel can run over it unchanged: ReadFrame surfaces frames fetched by
// the background poll loop and WriteFrame pushes one frame per POST.
type PollingConn struct {
	baseURL    string
	observerID string
	client     *http.Client
	interval   time.Duration
	logger     *logging.Logger

	inbox     chan wire.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

// DialPolling starts a polling connection against a host bridge at baseURL
// (e.g. "http://127.0.0.1:4690"). interval <= 0 uses DefaultPollInterval.
func DialPolling(baseURL, observerID string, interval time.Duration, logger *logging.Logger) *PollingConn {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	c := &PollingConn{
		baseURL:    baseURL,
		observerID: observerID,
		client:     &http.Client{Timeout: 10 * time.Second},
		interval:   interval,
		logger:     logger,
		inbox:      make(chan wire.Frame, 256),
		closed:     make(chan struct{}),
	}
	go c.pollLoop()
	return c
}

func (c *PollingConn) pollURL() string {
	return fmt.Sprintf("%s/v1/observers/%s/poll", c.baseURL, c.observerID)
}

func (c *PollingConn) frameURL() string {
	return fmt.Sprintf("%s/v1/observers/%s/frames", c.baseURL, c.observerID)
}

// pollLoop drains the host queue every interval. A failed poll is logged and
// retried on the next tick; the conn only dies when Close is called.
func (c *PollingConn) pollLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		if err := c.pollOnce(); err != nil {
			c.logger.Warn(logging.CategoryTransport, "poll_failed", err.Error(), map[string]any{
				"observer_id": c.observerID,
			})
		}
	}
}

// pollOnce fetches queued frames. The response body is a concatenation of
// length-prefixed frames, decoded with the same codec as the stream path.
func (c *PollingConn) pollOnce() error {
	resp, err := c.client.Post(c.pollURL(), "application/octet-stream", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	for {
		f, err := wire.ReadFrame(resp.Body)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if vigilerrors.IsProtocol(err) {
				c.logger.Warn(logging.CategoryTransport, "frame_rejected", err.Error(), nil)
				return nil
			}
			return err
		}
		select {
		case c.inbox <- f:
		case <-c.closed:
			return nil
		}
	}
}

// ReadFrame returns the next frame fetched by the poll loop.
func (c *PollingConn) ReadFrame() (wire.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.closed:
		return wire.Frame{}, io.EOF
	}
}

// WriteFrame pushes one frame to the host as a single POST body.
func (c *PollingConn) WriteFrame(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.frameURL(), "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		return vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportLost, "frame push failed").
			WithRetryable(true)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return vigilerrors.New(vigilerrors.ErrCodeTransportLost, "frame push rejected").
			WithContext("status", resp.StatusCode).
			WithRetryable(true)
	}
	return nil
}

// Close stops the poll loop.
func (c *PollingConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// RemoteAddr returns the host base URL.
func (c *PollingConn) RemoteAddr() string {
	return c.baseURL
}

// PollingDialer returns a Dialer producing PollingConns, so an observer can
// run its Channel over the polling fallback.
func PollingDialer(baseURL, observerID string, interval time.Duration, logger *logging.Logger) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return DialPolling(baseURL, observerID, interval, logger), nil
	}
}
