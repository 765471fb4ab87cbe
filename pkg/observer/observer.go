package observer

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/vigil-dev/vigil/pkg/activity"
	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/logging"
	"github.com/vigil-dev/vigil/pkg/transport"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// Player is the optional handler surface for playback control. VideoHandler
// implements it; PLAY requests against handlers that don't are rejected.
type Player interface {
	Play(ctx context.Context, page Page, seconds float64) error
}

// TabEvent is the payload of TAB_ACTIVATED and TAB_UPDATED events.
type TabEvent struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
}

// ServiceConfig tunes the observer service.
type ServiceConfig struct {
	// ObserverID identifies this observer to the host. Required.
	ObserverID string

	// ProcessName is reported in tab events. Default "browser".
	ProcessName string

	// Watcher tunes the per-page watchers.
	Watcher WatcherConfig

	// Channel tunes the transport channel to the host.
	Channel *transport.ChannelConfig
}

type pageState struct {
	page    Page
	handler Handler
	watcher *Watcher
}

// Service is the observer-side endpoint: it tracks the pages the user has
// open, answers the host's content requests against the focused page, and
// pushes tab events when focus or content changes. One handler is resolved
// per page when the page attaches and reused for its lifetime.
type Service struct {
	id       string
	process  string
	registry *Registry
	channel  *transport.Channel
	logger   *logging.Logger
	cfg      ServiceConfig

	mu      sync.Mutex
	pages   map[string]*pageState // keyed by page URL
	focused *pageState

	cancelMu sync.Mutex
	inflight map[uint64]context.CancelFunc

	diag chan error
}

// NewService creates an observer service that dials the host through dial.
func NewService(registry *Registry, dial transport.Dialer, logger *logging.Logger, metrics *transport.Metrics, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.ProcessName == "" {
		cfg.ProcessName = "browser"
	}
	s := &Service{
		id:       cfg.ObserverID,
		process:  cfg.ProcessName,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		pages:    make(map[string]*pageState),
		inflight: make(map[uint64]context.CancelFunc),
		diag:     make(chan error, 16),
	}
	s.channel = transport.NewChannel(dial, s.handleFrame, logger, metrics, cfg.Channel)
	return s
}

// Diagnostics delivers extraction and handler failures. They never fail a
// request; the channel exists so callers can surface them.
func (s *Service) Diagnostics() <-chan error { return s.diag }

// Start connects to the host and registers. The channel also reconnects
// lazily on later sends, so Start failing is not fatal.
func (s *Service) Start(ctx context.Context) error {
	if err := s.channel.Connect(ctx); err != nil {
		return err
	}
	return s.register(ctx)
}

// register announces this observer's identity and content kinds. It must be
// the first frame on every fresh connection.
func (s *Service) register(ctx context.Context) error {
	payload, err := wire.JSONPayload(transport.RegisterPayload{
		ObserverID: s.id,
		Kinds:      s.registry.Kinds(),
	})
	if err != nil {
		return vigilerrors.Wrap(err, vigilerrors.ErrCodeInternal, "encoding register payload")
	}
	if err := s.channel.Notify(ctx, wire.ActionRegister, payload); err != nil {
		return err
	}
	s.logger.Info(logging.CategoryObserver, "registered", "", map[string]any{
		"observer_id": s.id,
		"kinds":       s.registry.Kinds(),
	})
	return nil
}

// AttachPage starts watching a page. The handler is resolved once, by the
// page's domain; a handler load failure falls back to the default handler
// and surfaces on the diagnostics channel.
func (s *Service) AttachPage(page Page) {
	handler, err := s.registry.Resolve(domainOf(page.URL()))
	if err != nil {
		s.reportDiagnostic(err)
	}
	st := &pageState{
		page:    page,
		handler: handler,
		watcher: NewWatcher(page, handler, s.cfg.Watcher, s.logger, s.diag),
	}

	s.mu.Lock()
	if prev, ok := s.pages[page.URL()]; ok {
		defer prev.watcher.Stop()
		if s.focused == prev {
			s.focused = st
		}
	}
	s.pages[page.URL()] = st
	s.mu.Unlock()
}

// DetachPage stops watching a page, clearing focus if it was focused.
func (s *Service) DetachPage(pageURL string) {
	s.mu.Lock()
	st, ok := s.pages[pageURL]
	if ok {
		delete(s.pages, pageURL)
		if s.focused == st {
			s.focused = nil
		}
	}
	s.mu.Unlock()
	if ok {
		st.watcher.Stop()
	}
}

// ActivateTab marks a page as focused and tells the host. Unattached pages
// are attached first.
func (s *Service) ActivateTab(ctx context.Context, page Page) error {
	s.mu.Lock()
	st, ok := s.pages[page.URL()]
	s.mu.Unlock()
	if !ok {
		s.AttachPage(page)
		s.mu.Lock()
		st = s.pages[page.URL()]
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.focused = st
	s.mu.Unlock()

	return s.notifyTab(ctx, wire.ActionTabActivated, page)
}

// UpdateTab tells the host the focused page navigated or finished loading
// new content.
func (s *Service) UpdateTab(ctx context.Context, page Page) error {
	return s.notifyTab(ctx, wire.ActionTabUpdated, page)
}

func (s *Service) notifyTab(ctx context.Context, action string, page Page) error {
	payload, err := wire.JSONPayload(TabEvent{
		URL:         page.URL(),
		Title:       page.Title(),
		ProcessName: s.process,
	})
	if err != nil {
		return vigilerrors.Wrap(err, vigilerrors.ErrCodeInternal, "encoding tab event")
	}
	return s.channel.Notify(ctx, action, payload)
}

// Close stops every watcher and the channel.
func (s *Service) Close() error {
	s.mu.Lock()
	pages := make([]*pageState, 0, len(s.pages))
	for _, st := range s.pages {
		pages = append(pages, st)
	}
	s.pages = make(map[string]*pageState)
	s.focused = nil
	s.mu.Unlock()

	for _, st := range pages {
		st.watcher.Stop()
	}
	return s.channel.Close()
}

func (s *Service) focusedPage() (*pageState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused, s.focused != nil
}

// handleFrame answers the host's frames. Every content request runs against
// the focused page; a request arriving with nothing focused gets a typed
// error rather than a hang.
func (s *Service) handleFrame(ctx context.Context, f wire.Frame) *wire.Frame {
	if c := f.Kind.Cancel; c != nil {
		s.cancelInflight(c.ID)
		return nil
	}
	req := f.Kind.Request
	if req == nil {
		return nil
	}

	st, ok := s.focusedPage()
	if !ok {
		return errorFrame(req.ID, vigilerrors.ErrCodeStrategyExtraction, "no focused page", req.Action)
	}

	switch req.Action {
	case wire.ActionGetMetadata:
		md, err := st.handler.Metadata(ctx, st.page)
		if err != nil {
			s.reportDiagnostic(err)
			return errorFrame(req.ID, vigilerrors.GetCode(err), err.Error(), req.Action)
		}
		return responseFrame(req.ID, req.Action, md)

	case wire.ActionGenerateAssets:
		assets, err := st.handler.GenerateAssets(ctx, st.page)
		if err != nil {
			s.reportDiagnostic(err)
			return errorFrame(req.ID, vigilerrors.GetCode(err), err.Error(), req.Action)
		}
		return responseFrame(req.ID, req.Action, assets)

	case wire.ActionGenerateSnapshot:
		snapshots, err := st.handler.GenerateSnapshots(ctx, st.page)
		if err != nil {
			s.reportDiagnostic(err)
			return errorFrame(req.ID, vigilerrors.GetCode(err), err.Error(), req.Action)
		}
		return responseFrame(req.ID, req.Action, snapshots)

	case wire.ActionCollect:
		return s.handleCollect(ctx, req.ID, st)

	case wire.ActionPlay:
		return s.handlePlay(ctx, req, st)

	default:
		return errorFrame(req.ID, vigilerrors.ErrCodeProtocolUnknownAction, "unknown action", req.Action)
	}
}

// handleCollect holds the request on the page's watcher until a settled
// change or the collect wait expires. A Cancel from the host releases it
// early, in which case no response is written at all.
func (s *Service) handleCollect(ctx context.Context, id uint64, st *pageState) *wire.Frame {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.trackInflight(id, cancel)
	defer s.untrackInflight(id)

	result, err := st.watcher.Collect(cctx)
	if err != nil {
		if cctx.Err() != nil {
			// Cancelled by the host; it is not waiting anymore.
			return nil
		}
		s.reportDiagnostic(err)
		return errorFrame(id, vigilerrors.GetCode(err), err.Error(), wire.ActionCollect)
	}
	return responseFrame(id, wire.ActionCollect, result)
}

func (s *Service) handlePlay(ctx context.Context, req *wire.Request, st *pageState) *wire.Frame {
	var play activity.PlayRequest
	if err := decodePayload(req.Payload, &play); err != nil {
		return errorFrame(req.ID, vigilerrors.ErrCodeProtocolMalformed, "malformed play payload", req.Action)
	}
	player, ok := st.handler.(Player)
	if !ok {
		return errorFrame(req.ID, vigilerrors.ErrCodeProtocolUnknownAction, "handler has no playback control", req.Action)
	}
	if err := player.Play(ctx, st.page, play.Seconds); err != nil {
		s.reportDiagnostic(err)
		return errorFrame(req.ID, vigilerrors.GetCode(err), err.Error(), req.Action)
	}
	return responseFrame(req.ID, req.Action, struct{}{})
}

func (s *Service) trackInflight(id uint64, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.inflight[id] = cancel
	s.cancelMu.Unlock()
}

func (s *Service) untrackInflight(id uint64) {
	s.cancelMu.Lock()
	delete(s.inflight, id)
	s.cancelMu.Unlock()
}

func (s *Service) cancelInflight(id uint64) {
	s.cancelMu.Lock()
	cancel, ok := s.inflight[id]
	s.cancelMu.Unlock()
	if ok {
		cancel()
		s.logger.Debug(logging.CategoryObserver, "request_cancelled", "", map[string]any{"id": id})
	}
}

func (s *Service) reportDiagnostic(err error) {
	select {
	case s.diag <- err:
	default:
	}
}

func responseFrame(id uint64, action string, v any) *wire.Frame {
	payload, err := wire.JSONPayload(v)
	if err != nil {
		return errorFrame(id, vigilerrors.ErrCodeInternal, "encoding response payload", action)
	}
	f := wire.NewResponse(id, action, payload)
	return &f
}

func errorFrame(id uint64, code vigilerrors.ErrorCode, message, action string) *wire.Frame {
	f := wire.NewError(id, string(code), message, action)
	return &f
}

func decodePayload(payload *string, out any) error {
	if payload == nil {
		return vigilerrors.New(vigilerrors.ErrCodeProtocolMalformed, "missing payload")
	}
	return json.Unmarshal([]byte(*payload), out)
}

// domainOf extracts the host portion of a page URL for registry lookup.
func domainOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Hostname() == "" {
		return pageURL
	}
	return u.Hostname()
}
