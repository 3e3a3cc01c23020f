package repository

import (
	"context"
	"errors"
	"time"

	"anpr-reconciler/internal/domain/parking"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// MovementFilter narrows a movement search. Nil fields are not applied.
type MovementFilter struct {
	SiteID *string
	VRM    *string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

func (f MovementFilter) normalizedLimit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	if f.Limit > MaxLimit {
		return MaxLimit
	}
	return f.Limit
}

// Store is the movement and session persistence contract. Implementations return
// ErrNotFound for unknown ids and ErrVersionConflict when UpdateMovement loses a race.
type Store interface {
	AppendMovement(ctx context.Context, m *parking.Movement) error
	GetMovement(ctx context.Context, id string) (*parking.Movement, error)
	FindMovementByDedupKey(ctx context.Context, dedupKey string) (*parking.Movement, error)
	UpdateMovement(ctx context.Context, m *parking.Movement) error
	ListVehicleMovements(ctx context.Context, key parking.PairKey) ([]parking.Movement, error)
	FindMovements(ctx context.Context, f MovementFilter) ([]parking.Movement, error)

	AppendCorrection(ctx context.Context, c *parking.Correction) error
	ListCorrections(ctx context.Context, movementID string) ([]parking.Correction, error)

	ListVehicleSessions(ctx context.Context, key parking.PairKey) ([]parking.Session, error)
	ReplaceSessions(ctx context.Context, key parking.PairKey, sessions []parking.Session, at time.Time) error
	GetSession(ctx context.Context, id string) (*parking.Session, error)
	ListAnomalyCandidates(ctx context.Context) ([]parking.Session, error)

	// LockPair blocks other transactions on the same key until the current one ends.
	// Outside Tx it is a no-op.
	LockPair(ctx context.Context, key parking.PairKey) error
}

// TxStore is a Store that can run a unit of work atomically.
type TxStore interface {
	Store
	Tx(ctx context.Context, fn func(tx Store) error) error
}
