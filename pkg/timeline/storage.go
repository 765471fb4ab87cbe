// Package timeline keeps the bounded, queryable history of activities and
// runs the collector that feeds it.
package timeline

import (
	"sync"
	"time"

	"github.com/vigil-dev/vigil/pkg/activity"
	"github.com/vigil-dev/vigil/pkg/logging"
)

// StorageConfig bounds the store. Zero values fall back to defaults.
type StorageConfig struct {
	// MaxActivities caps how many activities are retained. Default 100.
	MaxActivities int

	// MaxAge prunes closed activities older than this. Zero disables
	// age-based cleanup.
	MaxAge time.Duration
}

func (c StorageConfig) withDefaults() StorageConfig {
	if c.MaxActivities <= 0 {
		c.MaxActivities = 100
	}
	return c
}

// Storage is a bounded, ordered store of activities. When full, the oldest
// closed activity is evicted; open activities are never evicted regardless
// of age or position. All mutation of stored activities goes through Storage
// so queries can hand out safe copies: every method takes the one lock once
// and does no I/O while holding it.
type Storage struct {
	mu         sync.Mutex
	activities []*activity.Activity
	cfg        StorageConfig
	logger     *logging.Logger
	evicted    int64
}

// NewStorage creates an empty store.
func NewStorage(cfg StorageConfig, logger *logging.Logger) *Storage {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Storage{
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Add appends an activity, evicting the oldest closed ones if the store is
// over capacity.
func (s *Storage) Add(a *activity.Activity) {
	if a == nil {
		return
	}
	s.mu.Lock()
	s.activities = append(s.activities, a)
	removed := s.enforceCapLocked()
	pruned := s.pruneAgedLocked()
	s.mu.Unlock()

	if removed+pruned > 0 {
		s.logger.Debug(logging.CategoryTimeline, "activities_evicted", "", map[string]any{
			"over_capacity": removed,
			"over_age":      pruned,
		})
	}
}

// enforceCapLocked drops the oldest closed activities until the store fits.
// If every stored activity is open, nothing is removed.
func (s *Storage) enforceCapLocked() int {
	removed := 0
	for len(s.activities) > s.cfg.MaxActivities {
		idx := -1
		for i, a := range s.activities {
			if !a.IsOpen() {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		s.activities = append(s.activities[:idx], s.activities[idx+1:]...)
		removed++
		s.evicted++
	}
	return removed
}

// pruneAgedLocked removes closed activities older than MaxAge.
func (s *Storage) pruneAgedLocked() int {
	if s.cfg.MaxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-s.cfg.MaxAge)
	kept := s.activities[:0]
	pruned := 0
	for _, a := range s.activities {
		if !a.IsOpen() && a.End.Before(cutoff) {
			pruned++
			s.evicted++
			continue
		}
		kept = append(kept, a)
	}
	s.activities = kept
	return pruned
}

// Cleanup prunes aged-out closed activities immediately.
func (s *Storage) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneAgedLocked()
}

// currentLocked returns the most recent open activity.
func (s *Storage) currentLocked() (*activity.Activity, bool) {
	for i := len(s.activities) - 1; i >= 0; i-- {
		if s.activities[i].IsOpen() {
			return s.activities[i], true
		}
	}
	return nil, false
}

// AppendToCurrent adds captures to the open activity. Returns false when no
// activity is open.
func (s *Storage) AppendToCurrent(assets []activity.Asset, snapshots []activity.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.currentLocked()
	if !ok {
		return false
	}
	for _, a := range assets {
		cur.AddAsset(a)
	}
	for _, sn := range snapshots {
		cur.AddSnapshot(sn)
	}
	return true
}

// CloseCurrent closes the open activity. Returns false when none is open.
func (s *Storage) CloseCurrent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.currentLocked()
	if !ok {
		return false
	}
	cur.Close()
	return true
}

// Current returns a copy of the most recent open activity, if any.
func (s *Storage) Current() (activity.Activity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.currentLocked()
	if !ok {
		return activity.Activity{}, false
	}
	return *cur, true
}

// CurrentID returns the open activity's id without copying it.
func (s *Storage) CurrentID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.currentLocked()
	if !ok {
		return "", false
	}
	return cur.ID, true
}

// Recent returns copies of up to n activities, newest first. n <= 0 returns
// everything.
func (s *Storage) Recent(n int) []activity.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.activities) {
		n = len(s.activities)
	}
	out := make([]activity.Activity, 0, n)
	for i := len(s.activities) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *s.activities[i])
	}
	return out
}

// Since returns copies of activities that started at or after t, oldest
// first.
func (s *Storage) Since(t time.Time) []activity.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]activity.Activity, 0)
	for _, a := range s.activities {
		if !a.Start.Before(t) {
			out = append(out, *a)
		}
	}
	return out
}

// Len returns the number of stored activities.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activities)
}

// Stats is a point-in-time view of store occupancy.
type Stats struct {
	Count     int           `json:"count"`
	Capacity  int           `json:"capacity"`
	Evicted   int64         `json:"evicted"`
	OldestAge time.Duration `json:"oldest_age"`
	NewestAge time.Duration `json:"newest_age"`
}

// Stats reports occupancy and age spread.
func (s *Storage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Count:    len(s.activities),
		Capacity: s.cfg.MaxActivities,
		Evicted:  s.evicted,
	}
	if len(s.activities) > 0 {
		now := time.Now()
		st.OldestAge = now.Sub(s.activities[0].Start)
		st.NewestAge = now.Sub(s.activities[len(s.activities)-1].Start)
	}
	return st
}
