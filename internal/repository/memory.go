package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"anpr-reconciler/internal/domain/parking"
)

// MemoryRepository keeps everything in process. Transactions are serialized and run
// against a copy of the state that replaces the live state only on success.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	movements   map[string]parking.Movement
	sessions    map[string]parking.Session
	corrections []parking.Correction

	// detached marks the working copy handed to a Tx callback; it is already covered by txMu.
	detached bool

	// failReplace lets tests simulate a storage failure in the middle of a re-match.
	failReplace error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		movements: make(map[string]parking.Movement),
		sessions:  make(map[string]parking.Session),
	}
}

// FailNextReplace makes the next ReplaceSessions call return err.
func (r *MemoryRepository) FailNextReplace(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failReplace = err
}

func (r *MemoryRepository) Tx(ctx context.Context, fn func(tx Store) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	work := r.clone()
	r.mu.RUnlock()

	if err := fn(work); err != nil {
		// The copy carries the one-shot failure; keep it consumed on the live state too.
		r.mu.Lock()
		r.failReplace = work.failReplace
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.movements = work.movements
	r.sessions = work.sessions
	r.corrections = work.corrections
	r.failReplace = work.failReplace
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) clone() *MemoryRepository {
	c := &MemoryRepository{
		movements:   make(map[string]parking.Movement, len(r.movements)),
		sessions:    make(map[string]parking.Session, len(r.sessions)),
		corrections: append([]parking.Correction(nil), r.corrections...),
		failReplace: r.failReplace,
		detached:    true,
	}
	for k, v := range r.movements {
		c.movements[k] = v
	}
	for k, v := range r.sessions {
		c.sessions[k] = v
	}
	return c
}

// lockWrite keeps writes on the live state from interleaving with a running Tx,
// whose result would otherwise overwrite them.
func (r *MemoryRepository) lockWrite() func() {
	if !r.detached {
		r.txMu.Lock()
	}
	r.mu.Lock()
	return func() {
		r.mu.Unlock()
		if !r.detached {
			r.txMu.Unlock()
		}
	}
}

func (r *MemoryRepository) AppendMovement(_ context.Context, m *parking.Movement) error {
	defer r.lockWrite()()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.UpdatedAt = m.CreatedAt
	if m.Version == 0 {
		m.Version = 1
	}
	r.movements[m.ID] = copyMovement(*m)
	return nil
}

func (r *MemoryRepository) GetMovement(_ context.Context, id string) (*parking.Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.movements[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyMovement(m)
	return &out, nil
}

func (r *MemoryRepository) FindMovementByDedupKey(_ context.Context, dedupKey string) (*parking.Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if dedupKey == "" {
		return nil, ErrNotFound
	}
	for _, m := range r.movements {
		if m.DedupKey == dedupKey {
			out := copyMovement(m)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// LockPair is a no-op: transactions on the memory store are already serialized.
func (r *MemoryRepository) LockPair(context.Context, parking.PairKey) error {
	return nil
}

func (r *MemoryRepository) UpdateMovement(_ context.Context, m *parking.Movement) error {
	defer r.lockWrite()()

	stored, ok := r.movements[m.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != m.Version {
		return ErrVersionConflict
	}
	stored.Direction = m.Direction
	stored.Discarded = m.Discarded
	stored.DiscardReason = m.DiscardReason
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	r.movements[m.ID] = stored

	m.Version = stored.Version
	m.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *MemoryRepository) ListVehicleMovements(_ context.Context, key parking.PairKey) ([]parking.Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]parking.Movement, 0)
	for _, m := range r.movements {
		if m.SiteID == key.SiteID && m.VRM == key.VRM {
			out = append(out, copyMovement(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) FindMovements(_ context.Context, f MovementFilter) ([]parking.Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]parking.Movement, 0)
	for _, m := range r.movements {
		if f.SiteID != nil && m.SiteID != *f.SiteID {
			continue
		}
		if f.VRM != nil && m.VRM != *f.VRM {
			continue
		}
		if f.From != nil && m.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && m.Timestamp.After(*f.To) {
			continue
		}
		matched = append(matched, copyMovement(m))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	if f.Offset >= len(matched) {
		return []parking.Movement{}, nil
	}
	if f.Offset > 0 {
		matched = matched[f.Offset:]
	}
	if limit := f.normalizedLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *MemoryRepository) AppendCorrection(_ context.Context, c *parking.Correction) error {
	defer r.lockWrite()()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.corrections = append(r.corrections, *c)
	return nil
}

func (r *MemoryRepository) ListCorrections(_ context.Context, movementID string) ([]parking.Correction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]parking.Correction, 0)
	for _, c := range r.corrections {
		if c.MovementID == movementID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListVehicleSessions(_ context.Context, key parking.PairKey) ([]parking.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]parking.Session, 0)
	for _, s := range r.sessions {
		if s.SiteID == key.SiteID && s.VRM == key.VRM && s.Status != parking.SessionDiscarded {
			out = append(out, s)
		}
	}
	sortSessions(out)
	return out, nil
}

func (r *MemoryRepository) ReplaceSessions(_ context.Context, key parking.PairKey, sessions []parking.Session, at time.Time) error {
	defer r.lockWrite()()

	if err := r.failReplace; err != nil {
		r.failReplace = nil
		return err
	}

	for id, s := range r.sessions {
		if s.SiteID == key.SiteID && s.VRM == key.VRM && s.Status != parking.SessionDiscarded {
			superseded := at
			s.Status = parking.SessionDiscarded
			s.SupersededAt = &superseded
			r.sessions[id] = s
		}
	}
	for i := range sessions {
		if sessions[i].CreatedAt.IsZero() {
			sessions[i].CreatedAt = at
		}
		r.sessions[sessions[i].ID] = sessions[i]
	}
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id string) (*parking.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) ListAnomalyCandidates(_ context.Context) ([]parking.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]parking.Session, 0)
	for _, s := range r.sessions {
		switch s.Status {
		case parking.SessionOpen, parking.SessionCompleted, parking.SessionAnomalous:
			out = append(out, s)
		}
	}
	sortSessions(out)
	return out, nil
}

// AllSessions returns every session including superseded ones.
func (r *MemoryRepository) AllSessions() []parking.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]parking.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

func sortSessions(s []parking.Session) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].StartTime.Equal(s[j].StartTime) {
			return s[i].StartTime.Before(s[j].StartTime)
		}
		return s[i].ID < s[j].ID
	})
}

func copyMovement(m parking.Movement) parking.Movement {
	m.Images = append([]parking.Image{}, m.Images...)
	if m.RawData != nil {
		raw := make(map[string]interface{}, len(m.RawData))
		for k, v := range m.RawData {
			raw[k] = v
		}
		m.RawData = raw
	}
	return m
}
