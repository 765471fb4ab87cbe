package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vigil-dev/vigil/pkg/bus"
	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/logging"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// RegisterPayload identifies an observer in its Register event, the first
// frame on every stream or WebSocket connection.
type RegisterPayload struct {
	ObserverID string   `json:"observer_id"`
	Kinds      []string `json:"kinds,omitempty"`
}

// registerWait bounds how long the server waits for the Register frame
// before dropping a fresh connection.
const registerWait = 5 * time.Second

// Bridge is the host-side endpoint for one connected observer. It owns the
// conn's read loop, correlates host-initiated requests, and fans observer
// events out on the message bus.
type Bridge struct {
	observerID string
	kinds      []string
	conn       Conn
	corr       *Correlator
	logger     *logging.Logger
	metrics    *Metrics
	eventBus   bus.MessageBus
	timeout    time.Duration

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Bridge)
}

// ObserverID returns the identity the observer registered with.
func (b *Bridge) ObserverID() string {
	return b.observerID
}

// Kinds returns the content kinds the observer declared it can handle.
func (b *Bridge) Kinds() []string {
	return b.kinds
}

// Done is closed when the bridge shuts down.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Request sends a correlated request to the observer and waits for the
// response payload.
func (b *Bridge) Request(ctx context.Context, action string, payload *string) (*string, error) {
	return b.RequestTimeout(ctx, action, payload, b.timeout)
}

// RequestTimeout is Request with an explicit timeout.
func (b *Bridge) RequestTimeout(ctx context.Context, action string, payload *string, timeout time.Duration) (*string, error) {
	select {
	case <-b.done:
		return nil, vigilerrors.New(vigilerrors.ErrCodeProcessStopped, "observer disconnected").
			WithContext("observer_id", b.observerID)
	default:
	}

	id := b.corr.NextID()
	done := b.corr.Track(id)
	b.metrics.SetPending(b.corr.PendingCount())

	start := time.Now()
	if err := b.conn.WriteFrame(wire.NewRequest(id, action, payload)); err != nil {
		b.corr.Drop(id)
		b.metrics.SetPending(b.corr.PendingCount())
		return nil, err
	}
	b.metrics.RecordSent("Request")

	resp, err := b.corr.Await(ctx, id, done, timeout)
	b.metrics.SetPending(b.corr.PendingCount())
	b.metrics.RecordRequestDuration(time.Since(start))
	if err != nil {
		if vigilerrors.IsCode(err, vigilerrors.ErrCodeCorrelationTimeout) {
			_ = b.conn.WriteFrame(wire.NewCancel(id))
		}
		return nil, err
	}
	if r := resp.Kind.Response; r != nil {
		return r.Payload, nil
	}
	return nil, vigilerrors.New(vigilerrors.ErrCodeInternal, "correlator resolved with unexpected variant").
		WithContext("variant", resp.VariantName())
}

// readLoop routes inbound frames until the conn dies.
func (b *Bridge) readLoop() {
	defer b.close()
	for {
		f, err := b.conn.ReadFrame()
		if err != nil {
			if vigilerrors.IsProtocol(err) {
				b.metrics.RecordFrameError(string(vigilerrors.GetCode(err)))
				b.logger.Warn(logging.CategoryTransport, "frame_rejected", err.Error(), map[string]any{
					"observer_id": b.observerID,
				})
				continue
			}
			if err != io.EOF {
				b.logger.Warn(logging.CategoryTransport, "bridge_read_failed", err.Error(), map[string]any{
					"observer_id": b.observerID,
				})
			}
			return
		}

		b.metrics.RecordReceived(f.VariantName())
		switch {
		case f.Kind.Response != nil, f.Kind.Error != nil:
			b.corr.Resolve(f)
			b.metrics.SetPending(b.corr.PendingCount())
		case f.Kind.Event != nil:
			b.publishEvent(f.Kind.Event)
		case f.Kind.Request != nil:
			// Observers only answer requests; they never issue them.
			_ = b.conn.WriteFrame(wire.NewError(f.Kind.Request.ID,
				string(vigilerrors.ErrCodeProtocolUnknownAction),
				"host does not accept requests", f.Kind.Request.Action))
		case f.Kind.Cancel != nil:
			b.logger.Debug(logging.CategoryTransport, "cancel_ignored", "", map[string]any{
				"observer_id": b.observerID,
				"request_id":  f.Kind.Cancel.ID,
			})
		}
	}
}

// publishEvent fans an observer event out on the bus so the collector and
// anything else interested can react without coupling to the transport.
func (b *Bridge) publishEvent(ev *wire.Event) {
	if b.eventBus == nil {
		return
	}
	subject := ObserverEventSubject(b.observerID, ev.Action)
	var data []byte
	if ev.Payload != nil {
		data = []byte(*ev.Payload)
	}
	if err := b.eventBus.Publish(context.Background(), subject, data); err != nil {
		b.logger.Warn(logging.CategoryBus, "event_publish_failed", err.Error(), map[string]any{
			"subject": subject,
		})
	}
}

func (b *Bridge) close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.conn.Close()
		failed := b.corr.FailAll(nil)
		b.metrics.SetPending(0)
		b.logger.Info(logging.CategoryTransport, "observer_disconnected", "", map[string]any{
			"observer_id":    b.observerID,
			"failed_pending": failed,
		})
		if b.onClose != nil {
			b.onClose(b)
		}
	})
}

// Close disconnects the observer.
func (b *Bridge) Close() error {
	b.close()
	return nil
}

// ObserverEventSubject is the bus subject an observer event is published on.
func ObserverEventSubject(observerID, action string) string {
	return "vigil.observer." + observerID + "." + strings.ToLower(action)
}

// ServerConfig tunes the bridge server.
type ServerConfig struct {
	// RequestTimeout bounds host-initiated requests. Default 10s.
	RequestTimeout time.Duration
}

// Server accepts observer connections over stream, WebSocket, and polling
// transports and keeps a registry of live bridges keyed by observer id.
type Server struct {
	logger   *logging.Logger
	metrics  *Metrics
	eventBus bus.MessageBus
	timeout  time.Duration

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewServer creates an empty bridge server.
func NewServer(eventBus bus.MessageBus, logger *logging.Logger, metrics *Metrics, cfg *ServerConfig) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	timeout := 10 * time.Second
	if cfg != nil && cfg.RequestTimeout > 0 {
		timeout = cfg.RequestTimeout
	}
	return &Server{
		logger:   logger,
		metrics:  metrics,
		eventBus: eventBus,
		timeout:  timeout,
		bridges:  make(map[string]*Bridge),
	}
}

// Bridge returns the live bridge for an observer id.
func (s *Server) Bridge(observerID string) (*Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridges[observerID]
	return b, ok
}

// Bridges returns a snapshot of all connected observers.
func (s *Server) Bridges() []*Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		out = append(out, b)
	}
	return out
}

// register installs a bridge, displacing any stale one with the same id.
func (s *Server) register(b *Bridge) {
	s.mu.Lock()
	old := s.bridges[b.observerID]
	s.bridges[b.observerID] = b
	s.mu.Unlock()

	if old != nil {
		old.onClose = nil
		old.Close()
	}
	s.logger.Info(logging.CategoryTransport, "observer_registered", "", map[string]any{
		"observer_id": b.observerID,
		"remote":      b.conn.RemoteAddr(),
		"kinds":       b.kinds,
	})
}

func (s *Server) unregister(b *Bridge) {
	s.mu.Lock()
	if s.bridges[b.observerID] == b {
		delete(s.bridges, b.observerID)
	}
	s.mu.Unlock()
}

// newBridge builds a bridge around an established conn and starts its read
// loop.
func (s *Server) newBridge(conn Conn, reg RegisterPayload) *Bridge {
	b := &Bridge{
		observerID: reg.ObserverID,
		kinds:      reg.Kinds,
		conn:       conn,
		corr:       NewCorrelator(s.logger),
		logger:     s.logger,
		metrics:    s.metrics,
		eventBus:   s.eventBus,
		timeout:    s.timeout,
		done:       make(chan struct{}),
		onClose:    s.unregister,
	}
	s.register(b)
	go b.readLoop()
	return b
}

// HandleConn performs the Register handshake on a fresh duplex conn and, on
// success, runs it as a bridge. The first frame must be a REGISTER event
// naming the observer.
func (s *Server) HandleConn(conn Conn) error {
	reg, err := awaitRegister(conn)
	if err != nil {
		conn.Close()
		s.logger.Warn(logging.CategoryTransport, "register_failed", err.Error(), map[string]any{
			"remote": conn.RemoteAddr(),
		})
		return err
	}

	bridge := s.newBridge(conn, reg)
	bridge.publishEvent(&wire.Event{Action: wire.ActionRegister})
	return nil
}

// awaitRegister reads the handshake frame, tolerating rejected frames but
// nothing else before the Register event.
func awaitRegister(conn Conn) (RegisterPayload, error) {
	deadline := time.After(registerWait)
	frames := make(chan wire.Frame, 1)
	errs := make(chan error, 1)
	go func() {
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				if vigilerrors.IsProtocol(err) {
					continue
				}
				errs <- err
				return
			}
			frames <- f
			return
		}
	}()

	select {
	case f := <-frames:
		ev := f.Kind.Event
		if ev == nil || ev.Action != wire.ActionRegister {
			return RegisterPayload{}, vigilerrors.New(vigilerrors.ErrCodeProtocolMalformed,
				"first frame must be a REGISTER event").
				WithContext("variant", f.VariantName())
		}
		var reg RegisterPayload
		if ev.Payload != nil {
			if err := json.Unmarshal([]byte(*ev.Payload), &reg); err != nil {
				return RegisterPayload{}, vigilerrors.Wrap(err, vigilerrors.ErrCodeProtocolMalformed,
					"invalid REGISTER payload")
			}
		}
		if reg.ObserverID == "" {
			return RegisterPayload{}, vigilerrors.New(vigilerrors.ErrCodeProtocolMalformed,
				"REGISTER payload missing observer_id")
		}
		return reg, nil
	case err := <-errs:
		return RegisterPayload{}, err
	case <-deadline:
		return RegisterPayload{}, vigilerrors.New(vigilerrors.ErrCodeCorrelationTimeout,
			"observer never sent REGISTER")
	}
}

// ServeListener accepts framed stream connections until ctx is cancelled or
// the listener fails.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportLost, "accept failed")
		}
		go s.HandleConn(NewStreamConn(conn))
	}
}

// WebSocketHandler upgrades an HTTP request and runs the resulting conn
// through the same Register handshake as the stream path.
func (s *Server) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn(logging.CategoryTransport, "ws_upgrade_failed", err.Error(), nil)
			return
		}
		s.HandleConn(NewWebSocketConn(ws))
	}
}

// Routes serves the observer HTTP surface: the connected-observer listing
// and the polling fallback endpoints. Mount it at "/observers". A polling
// observer is registered on first contact; its Register event then flows
// through the frame endpoint like any other.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", s.handleListObservers)
	r.Post("/{observerID}/poll", s.handlePoll)
	r.Post("/{observerID}/frames", s.handlePushFrame)
	return r
}

func (s *Server) handleListObservers(w http.ResponseWriter, r *http.Request) {
	type observerInfo struct {
		ObserverID string   `json:"observer_id"`
		Kinds      []string `json:"kinds,omitempty"`
	}
	bridges := s.Bridges()
	out := make([]observerInfo, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, observerInfo{ObserverID: b.ObserverID(), Kinds: b.Kinds()})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// pollBridge returns the polling bridge for an id, creating it on first
// contact.
func (s *Server) pollBridge(observerID string) (*Bridge, *pollConn) {
	s.mu.Lock()
	if b, ok := s.bridges[observerID]; ok {
		if pc, ok := b.conn.(*pollConn); ok {
			s.mu.Unlock()
			return b, pc
		}
	}
	s.mu.Unlock()

	pc := newPollConn(observerID)
	b := s.newBridge(pc, RegisterPayload{ObserverID: observerID})
	return b, pc
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	observerID := chi.URLParam(r, "observerID")
	if observerID == "" {
		http.Error(w, "observer id required", http.StatusBadRequest)
		return
	}
	_, pc := s.pollBridge(observerID)

	w.Header().Set("Content-Type", "application/octet-stream")
	for _, f := range pc.drain(pollDrainLimit) {
		if err := wire.WriteFrame(w, f); err != nil {
			return
		}
		s.metrics.RecordSent(f.VariantName())
	}
}

func (s *Server) handlePushFrame(w http.ResponseWriter, r *http.Request) {
	observerID := chi.URLParam(r, "observerID")
	if observerID == "" {
		http.Error(w, "observer id required", http.StatusBadRequest)
		return
	}

	body := http.MaxBytesReader(w, r.Body, wire.MaxFrameSize+4)
	f, err := wire.ReadFrame(body)
	if err != nil {
		s.metrics.RecordFrameError(string(vigilerrors.GetCode(err)))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, pc := s.pollBridge(observerID)
	if err := pc.push(f); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Close disconnects every observer.
func (s *Server) Close() error {
	for _, b := range s.Bridges() {
		b.Close()
	}
	return nil
}
