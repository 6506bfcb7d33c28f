// Package memory provides an in-memory Store. It is the reference backend
// for tests and single-process development; it holds the same atomicity
// guarantees as the SQL backends under a process-local mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	metering "github.com/resumly/metering"
	"github.com/resumly/metering/entitlement"
	"github.com/resumly/metering/store"
	"github.com/resumly/metering/usage"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// entitlements keyed by user id; exactly one row per user.
	entitlements map[string]*entitlement.Entitlement

	// events is the webhook dedup ledger: event id -> processed at.
	events map[string]time.Time

	// usageLog is append-only.
	usageLog []usage.Record
}

func New() *Store {
	return &Store{
		entitlements: make(map[string]*entitlement.Entitlement),
		events:       make(map[string]time.Time),
	}
}

// ==================== Webhook Dedup Ledger ====================

func (s *Store) ApplyEvent(_ context.Context, eventID, userID string, processedAt time.Time, fn store.ApplyFunc) error {
	if eventID == "" {
		return metering.ErrEmptyEventID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.events[eventID]; dup {
		return metering.ErrDuplicateEvent
	}

	next, err := fn(s.entitlements[userID].Clone())
	if err != nil {
		// Nothing is admitted: redelivery will retry the whole unit.
		return err
	}
	if next != nil {
		s.entitlements[next.UserID] = next.Clone()
	}
	s.events[eventID] = processedAt

	return nil
}

func (s *Store) HasEvent(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

func (s *Store) PurgeEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, at := range s.events {
		if at.Before(before) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// ==================== Entitlement Store ====================

func (s *Store) GetEntitlement(_ context.Context, userID string) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, metering.ErrEntitlementNotFound
	}
	return ent.Clone(), nil
}

func (s *Store) CreateEntitlement(_ context.Context, ent *entitlement.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entitlements[ent.UserID]; exists {
		return nil
	}
	s.entitlements[ent.UserID] = ent.Clone()
	return nil
}

func (s *Store) ConsumeCredit(_ context.Context, userID string, now, resetCutoff time.Time, allotment int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return 0, false, metering.ErrEntitlementNotFound
	}

	resetDue := ent.LastWeeklyReset == nil || !ent.LastWeeklyReset.After(resetCutoff)
	if resetDue {
		if allotment <= 0 {
			return 0, false, metering.ErrQuotaExhausted
		}
		t := now
		ent.FreeWeeklyCreditsRemaining = allotment - 1
		ent.LastWeeklyReset = &t
		ent.UpdatedAt = now
		return ent.FreeWeeklyCreditsRemaining, true, nil
	}

	if ent.FreeWeeklyCreditsRemaining <= 0 {
		return 0, false, metering.ErrQuotaExhausted
	}
	ent.FreeWeeklyCreditsRemaining--
	ent.UpdatedAt = now
	return ent.FreeWeeklyCreditsRemaining, false, nil
}

// ==================== Usage Log ====================

func (s *Store) AppendUsage(_ context.Context, records []*usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		s.usageLog = append(s.usageLog, *r)
	}
	return nil
}

func (s *Store) QueryUsage(_ context.Context, userID string, opts usage.QueryOpts) ([]*usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*usage.Record
	for i := range s.usageLog {
		r := s.usageLog[i]
		if r.UserID != userID {
			continue
		}
		if opts.Route != "" && r.Route != opts.Route {
			continue
		}
		if !opts.Start.IsZero() && r.CreatedAt.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && r.CreatedAt.After(opts.End) {
			continue
		}
		result = append(result, &r)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := len(result)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return result[start:end], nil
}

func (s *Store) PurgeUsage(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.usageLog[:0]
	var n int64
	for _, r := range s.usageLog {
		if r.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.usageLog = kept
	return n, nil
}

// ==================== Core ====================

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close() error                  { return nil }
