package timeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vigil-dev/vigil/pkg/activity"
	"github.com/vigil-dev/vigil/pkg/bus"
	"github.com/vigil-dev/vigil/pkg/collector"
	"github.com/vigil-dev/vigil/pkg/logging"
)

// SummarySubject is the request/reply subject the manager answers timeline
// summary queries on.
const SummarySubject = "vigil.timeline.summary"

// ManagerConfig assembles a manager. Zero values fall back to defaults.
type ManagerConfig struct {
	Storage   StorageConfig
	Collector collector.Config
}

// Manager is the sole owner of the timeline: it holds the storage and the
// collector that feeds it, and exposes the query surface everything else
// reads the timeline through.
type Manager struct {
	store     *Storage
	collector *collector.Service
	logger    *logging.Logger
	subs      []bus.Subscription
}

// NewManager builds a manager around a fresh storage and collector.
func NewManager(cfg ManagerConfig, resolve collector.RequesterResolver, logger *logging.Logger, metrics *collector.Metrics) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	store := NewStorage(cfg.Storage, logger)
	return &Manager{
		store:     store,
		collector: collector.NewService(store, resolve, logger, metrics, cfg.Collector),
		logger:    logger,
	}
}

// Start launches collection. With a bus it also wires focus signals into the
// collector and answers summary queries on SummarySubject; the responder
// joins a queue group so several managers behind one NATS server share the
// load.
func (m *Manager) Start(ctx context.Context, eventBus bus.MessageBus) error {
	m.collector.Start()
	if eventBus != nil {
		subs, err := m.collector.SubscribeBus(ctx, eventBus)
		if err != nil {
			m.collector.Stop()
			return err
		}
		m.subs = subs

		responder, err := eventBus.QueueSubscribe(ctx, SummarySubject, "timeline", func(msg *bus.Message) []byte {
			data, err := json.Marshal(m.Summary())
			if err != nil {
				m.logger.Warn(logging.CategoryTimeline, "summary_encode_failed", err.Error(), nil)
				return nil
			}
			return data
		})
		if err != nil {
			m.Stop()
			return err
		}
		m.subs = append(m.subs, responder)
	}
	m.logger.Info(logging.CategoryTimeline, "manager_started", "", nil)
	return nil
}

// RequestSummary queries a running manager's summary over the bus, for
// processes without direct access to it.
func RequestSummary(ctx context.Context, b bus.MessageBus, timeout time.Duration) (Summary, error) {
	data, err := b.Request(ctx, SummarySubject, nil, timeout)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// Stop halts collection and closes any open activity.
func (m *Manager) Stop() {
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.subs = nil
	m.collector.Stop()
	m.logger.Info(logging.CategoryTimeline, "manager_stopped", "", nil)
}

// Signal feeds a focus event into the collector. Hosts use this for signals
// that do not arrive over the bus, such as OS focus changes.
func (m *Manager) Signal(sig collector.Signal) {
	m.collector.Signal(sig)
}

// Current returns a copy of the open activity, if any.
func (m *Manager) Current() (activity.Activity, bool) {
	return m.store.Current()
}

// Recent returns copies of up to n activities, newest first.
func (m *Manager) Recent(n int) []activity.Activity {
	return m.store.Recent(n)
}

// Since returns copies of activities started at or after t, oldest first.
func (m *Manager) Since(t time.Time) []activity.Activity {
	return m.store.Since(t)
}

// Summary is the compact timeline view: chips for the open activity plus
// store occupancy.
type Summary struct {
	Current *activity.Activity     `json:"current,omitempty"`
	Chips   []activity.ContextChip `json:"chips"`
	Stats   Stats                  `json:"stats"`
}

// Summary builds the compact view of the timeline.
func (m *Manager) Summary() Summary {
	sum := Summary{
		Chips: []activity.ContextChip{},
		Stats: m.store.Stats(),
	}
	if cur, ok := m.store.Current(); ok {
		sum.Current = &cur
		sum.Chips = cur.ContextChips()
	}
	return sum
}

// ConstructMessages renders the open activity's captures for an LLM
// collaborator. Empty when nothing is in focus.
func (m *Manager) ConstructMessages() []activity.Message {
	cur, ok := m.store.Current()
	if !ok {
		return nil
	}
	return cur.ConstructMessages()
}

// Cleanup prunes aged-out closed activities.
func (m *Manager) Cleanup() int {
	return m.store.Cleanup()
}

// Stats reports store occupancy.
func (m *Manager) Stats() Stats {
	return m.store.Stats()
}
