// Package collector turns focus and content signals into timeline activity.
// One continuously running loop polls the active context's strategy; a
// generation counter invalidates work that belongs to a context the user has
// already left.
package collector

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vigil-dev/vigil/pkg/activity"
	"github.com/vigil-dev/vigil/pkg/bus"
	"github.com/vigil-dev/vigil/pkg/logging"
)

// ActivityStore is where collected activity lands. timeline.Storage
// satisfies it.
type ActivityStore interface {
	Add(a *activity.Activity)
	CloseCurrent() bool
	AppendToCurrent(assets []activity.Asset, snapshots []activity.Snapshot) bool
}

// State is the collector focus state.
type State string

const (
	StateUnfocused      State = "unfocused"
	StateFocusedPolling State = "focused_polling"
)

// SignalType names the events that drive the focus state machine. All of
// them converge on the same transition; arriving while already focused on
// the same context is idempotent.
type SignalType string

const (
	SignalFocusChange       SignalType = "focus_change"
	SignalContextActivated  SignalType = "context_activated"
	SignalContentReady      SignalType = "content_ready"
	SignalHostFocusRegained SignalType = "host_focus_regained"
)

// Signal is one focus event. A zero Identity means focus left every known
// context.
type Signal struct {
	Type     SignalType
	Identity activity.ContextIdentity
}

// RequesterResolver finds the live requester for an observer id.
// transport.Server.Bridge satisfies this through a small adapter.
type RequesterResolver func(observerID string) (activity.Requester, bool)

// Config tunes the collector. Zero values fall back to defaults.
type Config struct {
	// PollInterval is the cadence of collect cycles while focused.
	// Default 3s.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	return c
}

// Service is the collector. It owns the focus state machine and the single
// polling loop; the timeline storage is its only output.
type Service struct {
	store   ActivityStore
	resolve RequesterResolver
	logger  *logging.Logger
	metrics *Metrics
	tracer  trace.Tracer
	cfg     Config

	mu         sync.Mutex
	state      State
	generation uint64
	identity   activity.ContextIdentity
	strategy   activity.Strategy
	started    bool

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewService creates a collector in the Unfocused state.
func NewService(store ActivityStore, resolve RequesterResolver, logger *logging.Logger, metrics *Metrics, cfg Config) *Service {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:   store,
		resolve: resolve,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("vigil/collector"),
		cfg:     cfg.withDefaults(),
		state:   StateUnfocused,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the polling loop. It runs until Stop.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.loop()
}

// Stop shuts the loop down and closes any open activity.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()
	s.cancel()
	<-s.done
	s.store.CloseCurrent()
}

// State returns the current focus state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current generation token. Collections carrying an
// older token are discarded.
func (s *Service) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Signal feeds one focus event into the state machine.
func (s *Service) Signal(sig Signal) {
	s.mu.Lock()

	sameContext := s.state == StateFocusedPolling && s.identity == sig.Identity
	if sameContext {
		// Re-entry while focused on the same context changes nothing.
		s.mu.Unlock()
		s.logger.Debug(logging.CategoryCollector, "signal_idempotent", "", map[string]any{
			"type": string(sig.Type),
		})
		return
	}

	s.generation++
	gen := s.generation
	s.identity = sig.Identity

	unfocus := sig.Identity == (activity.ContextIdentity{})
	if unfocus {
		s.state = StateUnfocused
		s.strategy = nil
	} else {
		s.state = StateFocusedPolling
		s.strategy = s.selectStrategyLocked(sig.Identity)
	}
	strat := s.strategy

	// The previous context's activity ends at the transition, under the same
	// lock as the generation bump so a lagging transition can never close a
	// successor's activity.
	s.store.CloseCurrent()
	s.mu.Unlock()

	s.metrics.RecordSignal(string(sig.Type))
	s.logger.Info(logging.CategoryCollector, "focus_transition", "", map[string]any{
		"type":       string(sig.Type),
		"generation": gen,
		"state":      string(s.State()),
		"process":    sig.Identity.ProcessName,
	})

	if !unfocus {
		go s.openActivity(gen, sig.Identity, strat)
		s.nudge()
	}
}

// selectStrategyLocked materializes the strategy for an identity, resolving
// the observer bridge if one claims the context.
func (s *Service) selectStrategyLocked(identity activity.ContextIdentity) activity.Strategy {
	var requester activity.Requester
	if identity.ObserverID != "" && s.resolve != nil {
		if r, ok := s.resolve(identity.ObserverID); ok {
			requester = r
		}
	}
	return activity.SelectStrategy(identity, requester, s.logger)
}

// openActivity fetches metadata and initial assets, then opens the activity
// if the generation is still current. Extraction failure degrades to an
// activity with empty captures rather than no activity.
func (s *Service) openActivity(gen uint64, identity activity.ContextIdentity, strat activity.Strategy) {
	ctx := s.ctx

	md, err := strat.Metadata(ctx)
	if err != nil {
		s.logger.Warn(logging.CategoryStrategy, "metadata_failed", err.Error(), map[string]any{
			"strategy": strat.Name(),
		})
		md = activity.Metadata{Name: identity.ProcessName, Kind: activity.KindDefault}
	}

	assets, err := strat.RetrieveAssets(ctx)
	if err != nil {
		s.logger.Warn(logging.CategoryStrategy, "asset_retrieval_failed", err.Error(), map[string]any{
			"strategy": strat.Name(),
		})
		assets = nil
	}

	a := activity.NewActivity(md.Name, md.Icon, identity, assets)
	if !s.applyIfCurrent(gen, func() { s.store.Add(a) }) {
		s.metrics.RecordStaleDrop()
		s.logger.Debug(logging.CategoryCollector, "stale_activity_dropped", "", map[string]any{
			"generation": gen,
		})
		return
	}
	s.metrics.RecordActivityOpened()
	s.logger.Info(logging.CategoryCollector, "activity_opened", "", map[string]any{
		"activity_id": a.ID,
		"name":        a.Name,
		"strategy":    strat.Name(),
	})
}

// applyIfCurrent runs apply under the state lock when gen is still the live
// generation. The check and the store mutation share one critical section,
// so a focus transition cannot slip between them; the store does no I/O
// under its own lock.
func (s *Service) applyIfCurrent(gen uint64, apply func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	apply()
	return true
}

func (s *Service) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the single collection loop. While focused it runs one collect per
// poll interval; while unfocused it sleeps until a transition nudges it. A
// transport failure only logs: the channel underneath reconnects with its
// own backoff, decoupled from this cadence.
func (s *Service) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.state != StateFocusedPolling || s.strategy == nil {
			s.mu.Unlock()
			continue
		}
		gen := s.generation
		strat := s.strategy
		s.mu.Unlock()

		s.collectOnce(gen, strat)
	}
}

// collectOnce runs one collect cycle against strat and applies the result if
// the generation is still current.
func (s *Service) collectOnce(gen uint64, strat activity.Strategy) {
	ctx, span := s.tracer.Start(s.ctx, "collector.collect",
		trace.WithAttributes(
			attribute.String("strategy", strat.Name()),
			attribute.Int64("generation", int64(gen)),
		))
	defer span.End()

	start := time.Now()
	result, err := strat.Collect(ctx)
	s.metrics.RecordCollectDuration(time.Since(start))

	if err != nil {
		// Degrade to an empty cycle; the activity survives.
		s.metrics.RecordCollectError()
		s.logger.Warn(logging.CategoryStrategy, "collect_failed", err.Error(), map[string]any{
			"strategy":   strat.Name(),
			"generation": gen,
		})
		return
	}

	if result.NoChange {
		span.SetAttributes(attribute.Bool("no_change", true))
		return
	}

	appended := false
	if !s.applyIfCurrent(gen, func() {
		appended = s.store.AppendToCurrent(result.Assets, result.Snapshots)
	}) {
		s.metrics.RecordStaleDrop()
		s.logger.Debug(logging.CategoryCollector, "stale_collect_dropped", "", map[string]any{
			"generation": gen,
		})
		return
	}
	if appended {
		s.metrics.RecordCollected(len(result.Assets), len(result.Snapshots))
	}
}

// SubscribeBus wires observer events from the bus into the state machine.
// Subjects look like "vigil.observer.<id>.<event>".
func (s *Service) SubscribeBus(ctx context.Context, eventBus bus.MessageBus) ([]bus.Subscription, error) {
	subs := make([]bus.Subscription, 0, 2)

	activated, err := eventBus.Subscribe(ctx, "vigil.observer.*.tab_activated", func(msg *bus.Message) []byte {
		s.Signal(signalFromBusMessage(SignalContextActivated, msg))
		return nil
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, activated)

	updated, err := eventBus.Subscribe(ctx, "vigil.observer.*.tab_updated", func(msg *bus.Message) []byte {
		s.Signal(signalFromBusMessage(SignalContentReady, msg))
		return nil
	})
	if err != nil {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return nil, err
	}
	subs = append(subs, updated)

	return subs, nil
}

// TabEventPayload is the JSON body of tab events observers push.
type TabEventPayload struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
}

func signalFromBusMessage(typ SignalType, msg *bus.Message) Signal {
	identity := activity.ContextIdentity{ObserverID: observerIDFromSubject(msg.Subject)}
	var payload TabEventPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err == nil {
			identity.URL = payload.URL
			identity.ProcessName = payload.ProcessName
		}
	}
	if identity.ProcessName == "" {
		identity.ProcessName = "browser"
	}
	return Signal{Type: typ, Identity: identity}
}

// observerIDFromSubject extracts <id> from "vigil.observer.<id>.<event>".
func observerIDFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) >= 4 && parts[0] == "vigil" && parts[1] == "observer" {
		return parts[2]
	}
	return ""
}
