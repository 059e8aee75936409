package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of SnapshotStore,
// WaitStore and ClaimStore backed by maps. It is the default backend
// and the one tests run against.
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*api.Snapshot
	waits     map[string]*WaitEntry
	claims    map[string]*memClaim
	now       func() time.Time
}

type memClaim struct {
	owner     string
	heartbeat time.Time
	position  api.Position
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		snapshots: make(map[string]*api.Snapshot),
		waits:     make(map[string]*WaitEntry),
		claims:    make(map[string]*memClaim),
		now:       time.Now,
	}
}

var (
	_ SnapshotStore = (*InMemoryStore)(nil)
	_ WaitStore     = (*InMemoryStore)(nil)
	_ ClaimStore    = (*InMemoryStore)(nil)
)

// cloneSnapshot keeps the stored copy insulated from later mutation by
// the running executor. State is shared by reference: the memory store
// backs a single process, where the executor owns the state object.
func cloneSnapshot(snap *api.Snapshot) *api.Snapshot {
	cp := *snap
	if snap.WaitCondition != nil {
		wc := *snap.WaitCondition
		cp.WaitCondition = &wc
	}
	return &cp
}

func (s *InMemoryStore) CreateSnapshot(ctx context.Context, snap *api.Snapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snap.FlowID]; ok {
		return false, nil
	}
	s.snapshots[snap.FlowID] = cloneSnapshot(snap)
	return true, nil
}

func (s *InMemoryStore) UpdateSnapshot(ctx context.Context, snap *api.Snapshot, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.snapshots[snap.FlowID]
	if !ok {
		return false, ErrSnapshotNotFound
	}
	if existing.Version != expectedVersion {
		return false, nil
	}
	s.snapshots[snap.FlowID] = cloneSnapshot(snap)
	return true, nil
}

func (s *InMemoryStore) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[flowID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return cloneSnapshot(snap), nil
}

func (s *InMemoryStore) ListSnapshots(ctx context.Context, filter api.SnapshotFilter) ([]*api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Snapshot
	for _, snap := range s.snapshots {
		if filter.FlowName != "" && snap.FlowName != filter.FlowName {
			continue
		}
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		result = append(result, cloneSnapshot(snap))
	}
	return result, nil
}

func (s *InMemoryStore) SetWaitCondition(ctx context.Context, flowID string, wc api.WaitCondition) error {
	if wc.CorrelationID == "" {
		return errors.New("wait condition requires a correlation id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waits[wc.CorrelationID] = &WaitEntry{FlowID: flowID, Condition: wc}
	return nil
}

func (s *InMemoryStore) GetWaitCondition(ctx context.Context, correlationID string) (*WaitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.waits[correlationID]
	if !ok {
		return nil, ErrWaitNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *InMemoryStore) DeleteWaitCondition(ctx context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.waits, correlationID)
	return nil
}

func (s *InMemoryStore) ListExpiredWaits(ctx context.Context, now time.Time) ([]*WaitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*WaitEntry
	for _, entry := range s.waits {
		exp := entry.Condition.ExpiresAt
		if !exp.IsZero() && !exp.After(now) {
			cp := *entry
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *InMemoryStore) TryClaim(ctx context.Context, flowName, ownerID string, staleAfter time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-staleAfter)
	for id, snap := range s.snapshots {
		if snap.FlowName != flowName || snap.Status != api.StatusRunning {
			continue
		}
		claim, claimed := s.claims[id]
		if claimed {
			// Re-entrant for the same owner; stale claims are stealable.
			if claim.owner != ownerID && claim.heartbeat.After(cutoff) {
				continue
			}
		} else if snap.UpdatedAt.After(cutoff) {
			// Recently touched and unclaimed: likely still owned by a
			// synchronous caller that never registered a claim.
			continue
		}
		s.claims[id] = &memClaim{owner: ownerID, heartbeat: s.now(), position: snap.Position}
		return id, true, nil
	}
	return "", false, nil
}

func (s *InMemoryStore) Heartbeat(ctx context.Context, flowID, ownerID string, pos api.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[flowID]
	if !ok || claim.owner != ownerID {
		return false, nil
	}
	claim.heartbeat = s.now()
	claim.position = pos
	return true, nil
}

func (s *InMemoryStore) Release(ctx context.Context, flowID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if claim, ok := s.claims[flowID]; ok && claim.owner == ownerID {
		delete(s.claims, flowID)
	}
	return nil
}
