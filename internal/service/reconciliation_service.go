package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"anpr-reconciler/internal/domain/parking"
	"anpr-reconciler/internal/lock"
	"anpr-reconciler/internal/matcher"
	"anpr-reconciler/internal/metrics"
	"anpr-reconciler/internal/repository"
	"anpr-reconciler/internal/sites"
	"anpr-reconciler/internal/timeutil"
	"anpr-reconciler/internal/utils"
)

// AuditNotifier receives every committed correction. It must not block.
type AuditNotifier interface {
	Notify(c parking.Correction)
}

// CorrectionResult serializes as the corrected movement with the vehicle's sessions
// next to its fields.
type CorrectionResult struct {
	parking.Movement
	Sessions    []parking.Session `json:"sessions"`
	Reprocessed bool              `json:"reprocessed"`
	Changed     bool              `json:"changed"`
}

type IngestResult struct {
	Movement  parking.Movement  `json:"movement"`
	Sessions  []parking.Session `json:"sessions"`
	Duplicate bool              `json:"duplicate"`
}

var dedupNamespace = uuid.MustParse("9b0e6f52-3c1d-4a7e-8f26-d45b1a7c03e9")

// dedupKey identifies a detection across redeliveries. A camera supplied event id wins;
// otherwise the detection's own coordinates are hashed.
func dedupKey(p parking.MovementPayload, vrm string) string {
	if id := strings.TrimSpace(p.EventID); id != "" {
		return "event:" + p.SiteID + "/" + id
	}
	raw := strings.Join([]string{
		p.SiteID,
		p.CameraID,
		vrm,
		p.Direction,
		p.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "\x00")
	return uuid.NewSHA1(dedupNamespace, []byte(raw)).String()
}

// ReconciliationService owns every write: ingest, corrections and re-matching. All writes
// for one (site, vrm) run under that pair's lock as a single transaction.
type ReconciliationService struct {
	store  repository.TxStore
	locker lock.Locker
	sites  sites.Registry
	audit  AuditNotifier
	clock  timeutil.Clock
	newID  func() string
	log    zerolog.Logger
}

type Option func(*ReconciliationService)

func WithClock(c timeutil.Clock) Option {
	return func(s *ReconciliationService) { s.clock = c }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *ReconciliationService) { s.newID = fn }
}

func NewReconciliationService(
	store repository.TxStore,
	locker lock.Locker,
	registry sites.Registry,
	audit AuditNotifier,
	log zerolog.Logger,
	opts ...Option,
) *ReconciliationService {
	s := &ReconciliationService{
		store:  store,
		locker: locker,
		sites:  registry,
		audit:  audit,
		clock:  timeutil.RealClock{},
		newID:  uuid.NewString,
		log:    log.With().Str("component", "reconciliation").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// IngestMovement validates a camera detection, stores it and re-matches its vehicle.
func (s *ReconciliationService) IngestMovement(ctx context.Context, payload parking.MovementPayload, source string) (*IngestResult, error) {
	if payload.SiteID == "" {
		return nil, fmt.Errorf("%w: siteId is required", ErrInvalidInput)
	}
	if payload.Plate == "" {
		return nil, fmt.Errorf("%w: vrm is required", ErrInvalidInput)
	}
	if payload.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", ErrInvalidInput)
	}

	normalized := utils.NormalizePlate(payload.Plate)
	if normalized == "" {
		return nil, fmt.Errorf("%w: vrm cannot be empty after normalization", ErrInvalidInput)
	}
	if !s.sites.Exists(payload.SiteID) {
		return nil, fmt.Errorf("%w: unknown siteId %q", ErrInvalidInput, payload.SiteID)
	}

	images := payload.Images
	if images == nil {
		images = []parking.Image{}
	}
	movement := parking.Movement{
		ID:        s.newID(),
		SiteID:    payload.SiteID,
		VRM:       normalized,
		Direction: parking.ParseDirection(payload.Direction),
		Timestamp: payload.Timestamp.UTC(),
		CameraID:  payload.CameraID,
		Images:    images,
		RawData:   payload.RawPayload,
		DedupKey:  dedupKey(payload, normalized),
	}
	key := movement.PairKey()

	var (
		sessions  []parking.Session
		duplicate bool
	)
	err := s.inPairTx(ctx, key, func(tx repository.Store) error {
		existing, err := tx.FindMovementByDedupKey(ctx, movement.DedupKey)
		switch {
		case err == nil:
			movement = *existing
			duplicate = true
			sessions, err = tx.ListVehicleSessions(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			return nil
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("failed to look up movement: %w", err)
		}

		if err := tx.AppendMovement(ctx, &movement); err != nil {
			return fmt.Errorf("failed to append movement: %w", err)
		}
		sessions, _, err = s.rematch(ctx, tx, key)
		return err
	})
	if err != nil {
		s.logFailure(err, "ingest", movement.ID, key)
		return nil, err
	}

	if duplicate {
		metrics.MovementsDeduplicated.WithLabelValues(source).Inc()
		s.log.Info().
			Str("movement_id", movement.ID).
			Str("site_id", movement.SiteID).
			Str("vrm", movement.VRM).
			Str("source", source).
			Msg("duplicate movement ignored")
		return &IngestResult{Movement: movement, Sessions: sessions, Duplicate: true}, nil
	}

	metrics.MovementsIngested.WithLabelValues(source).Inc()
	s.log.Info().
		Str("movement_id", movement.ID).
		Str("site_id", movement.SiteID).
		Str("vrm", movement.VRM).
		Str("raw_vrm", payload.Plate).
		Str("direction", string(movement.Direction)).
		Str("camera_id", movement.CameraID).
		Time("timestamp", movement.Timestamp).
		Str("source", source).
		Msg("movement ingested")

	return &IngestResult{Movement: movement, Sessions: sessions}, nil
}

// FlipDirection toggles ENTRY and EXIT. With reprocess the vehicle's sessions are
// recomputed before returning.
func (s *ReconciliationService) FlipDirection(ctx context.Context, movementID string, reprocess bool, operator string) (*CorrectionResult, error) {
	return s.correctDirection(ctx, movementID, reprocess, operator, func(current parking.Direction) (parking.Direction, error) {
		flipped, ok := current.Flipped()
		if !ok {
			return "", fmt.Errorf("%w: movement %s has direction %s which cannot be flipped", ErrInvalidOperation, movementID, current)
		}
		return flipped, nil
	})
}

// SetDirection moves a movement to an explicit ENTRY or EXIT. Setting the current value
// again is a no-op.
func (s *ReconciliationService) SetDirection(ctx context.Context, movementID string, target parking.Direction, reprocess bool, operator string) (*CorrectionResult, error) {
	if target != parking.DirectionEntry && target != parking.DirectionExit {
		return nil, fmt.Errorf("%w: direction must be ENTRY or EXIT", ErrInvalidInput)
	}
	return s.correctDirection(ctx, movementID, reprocess, operator, func(current parking.Direction) (parking.Direction, error) {
		if _, ok := current.Flipped(); !ok {
			return "", fmt.Errorf("%w: movement %s has direction %s which cannot be corrected", ErrInvalidOperation, movementID, current)
		}
		return target, nil
	})
}

func (s *ReconciliationService) correctDirection(
	ctx context.Context,
	movementID string,
	reprocess bool,
	operator string,
	next func(current parking.Direction) (parking.Direction, error),
) (*CorrectionResult, error) {
	key, err := s.pairOf(ctx, movementID)
	if err != nil {
		return nil, err
	}

	var (
		result     CorrectionResult
		correction *parking.Correction
	)
	err = s.inPairTx(ctx, key, func(tx repository.Store) error {
		m, err := s.loadMovement(ctx, tx, movementID)
		if err != nil {
			return err
		}
		if m.Discarded {
			return fmt.Errorf("%w: movement %s is discarded", ErrInvalidOperation, movementID)
		}

		target, err := next(m.Direction)
		if err != nil {
			return err
		}

		if target != m.Direction {
			from := m.Direction
			m.Direction = target
			if err := s.updateMovement(ctx, tx, m); err != nil {
				return err
			}
			correction = s.newCorrection(m, parking.CorrectionFlipDirection, operator)
			correction.FromDirection = from
			correction.ToDirection = target
			if err := tx.AppendCorrection(ctx, correction); err != nil {
				return fmt.Errorf("failed to record correction for movement %s: %w", movementID, err)
			}
			result.Changed = true
		}

		if reprocess {
			sessions, _, err := s.rematch(ctx, tx, key)
			if err != nil {
				return err
			}
			result.Sessions = sessions
			result.Reprocessed = true
		} else {
			sessions, err := tx.ListVehicleSessions(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			result.Sessions = sessions
		}
		result.Movement = *m
		return nil
	})
	if err != nil {
		s.logFailure(err, "flip_direction", movementID, key)
		return nil, err
	}

	s.committed(correction, result.Reprocessed)
	return &result, nil
}

// Discard removes a movement from session membership and always re-matches its vehicle.
// Discarding twice is a no-op.
func (s *ReconciliationService) Discard(ctx context.Context, movementID, reason, operator string) (*CorrectionResult, error) {
	key, err := s.pairOf(ctx, movementID)
	if err != nil {
		return nil, err
	}

	var (
		result     CorrectionResult
		correction *parking.Correction
	)
	err = s.inPairTx(ctx, key, func(tx repository.Store) error {
		m, err := s.loadMovement(ctx, tx, movementID)
		if err != nil {
			return err
		}

		if !m.Discarded {
			m.Discarded = true
			m.DiscardReason = reason
			if err := s.updateMovement(ctx, tx, m); err != nil {
				return err
			}
			correction = s.newCorrection(m, parking.CorrectionDiscard, operator)
			correction.Reason = reason
			if err := tx.AppendCorrection(ctx, correction); err != nil {
				return fmt.Errorf("failed to record correction for movement %s: %w", movementID, err)
			}
			result.Changed = true
		}

		sessions, _, err := s.rematch(ctx, tx, key)
		if err != nil {
			return err
		}
		result.Movement = *m
		result.Sessions = sessions
		result.Reprocessed = true
		return nil
	})
	if err != nil {
		s.logFailure(err, "discard", movementID, key)
		return nil, err
	}

	s.committed(correction, true)
	return &result, nil
}

// Rematch recomputes the sessions of one vehicle at one site without mutating movements.
func (s *ReconciliationService) Rematch(ctx context.Context, siteID, vrm string) ([]parking.Session, error) {
	normalized := utils.NormalizePlate(vrm)
	if siteID == "" || normalized == "" {
		return nil, fmt.Errorf("%w: siteId and vrm are required", ErrInvalidInput)
	}
	key := parking.PairKey{SiteID: siteID, VRM: normalized}

	var sessions []parking.Session
	var changed bool
	err := s.inPairTx(ctx, key, func(tx repository.Store) error {
		var err error
		sessions, changed, err = s.rematch(ctx, tx, key)
		return err
	})
	if err != nil {
		s.logFailure(err, "rematch", "", key)
		return nil, err
	}

	s.log.Info().
		Str("site_id", key.SiteID).
		Str("vrm", key.VRM).
		Bool("changed", changed).
		Int("sessions", len(sessions)).
		Msg("sessions re-matched on request")
	return sessions, nil
}

// rematch runs the matcher over the pair's full history and swaps in the result. When the
// timeline is unchanged the stored sessions (and their ids) are kept.
func (s *ReconciliationService) rematch(ctx context.Context, tx repository.Store, key parking.PairKey) ([]parking.Session, bool, error) {
	start := time.Now()
	defer func() {
		metrics.RematchDuration.Observe(time.Since(start).Seconds())
	}()

	movements, err := tx.ListVehicleMovements(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load movements for site %s vrm %s: %w", key.SiteID, key.VRM, err)
	}
	current, err := tx.ListVehicleSessions(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load sessions for site %s vrm %s: %w", key.SiteID, key.VRM, err)
	}

	next := matcher.Match(key, movements, s.newID)
	if matcher.Equivalent(current, next) {
		return current, false, nil
	}

	now := s.clock.Now().UTC()
	for i := range next {
		next[i].CreatedAt = now
	}
	if err := tx.ReplaceSessions(ctx, key, next, now); err != nil {
		return nil, false, fmt.Errorf("failed to replace sessions for site %s vrm %s: %w", key.SiteID, key.VRM, err)
	}

	s.log.Debug().
		Str("site_id", key.SiteID).
		Str("vrm", key.VRM).
		Int("movements", len(movements)).
		Int("superseded", len(current)).
		Int("sessions", len(next)).
		Msg("session set replaced")
	return next, true, nil
}

func (s *ReconciliationService) pairOf(ctx context.Context, movementID string) (parking.PairKey, error) {
	if movementID == "" {
		return parking.PairKey{}, fmt.Errorf("%w: movement id is required", ErrInvalidInput)
	}
	m, err := s.loadMovement(ctx, s.store, movementID)
	if err != nil {
		return parking.PairKey{}, err
	}
	return m.PairKey(), nil
}

func (s *ReconciliationService) loadMovement(ctx context.Context, store repository.Store, id string) (*parking.Movement, error) {
	m, err := store.GetMovement(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: movement %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load movement %s: %w", id, err)
	}
	return m, nil
}

func (s *ReconciliationService) updateMovement(ctx context.Context, tx repository.Store, m *parking.Movement) error {
	err := tx.UpdateMovement(ctx, m)
	switch {
	case errors.Is(err, repository.ErrVersionConflict):
		return fmt.Errorf("%w: movement %s (site %s, vrm %s) was modified concurrently, retry",
			ErrConcurrencyConflict, m.ID, m.SiteID, m.VRM)
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: movement %s", ErrNotFound, m.ID)
	case err != nil:
		return fmt.Errorf("failed to update movement %s: %w", m.ID, err)
	}
	return nil
}

// inPairTx runs fn in one transaction while holding the pair lock. The store-level pair
// lock is taken first inside the transaction and covers a distributed lock that expired.
func (s *ReconciliationService) inPairTx(ctx context.Context, key parking.PairKey, fn func(tx repository.Store) error) error {
	release, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		metrics.LockConflicts.Inc()
		return fmt.Errorf("%w: site %s vrm %s is being corrected elsewhere, retry: %v",
			ErrConcurrencyConflict, key.SiteID, key.VRM, err)
	}
	defer release()

	return s.store.Tx(ctx, func(tx repository.Store) error {
		if err := tx.LockPair(ctx, key); err != nil {
			return fmt.Errorf("failed to lock site %s vrm %s: %w", key.SiteID, key.VRM, err)
		}
		return fn(tx)
	})
}

func (s *ReconciliationService) newCorrection(m *parking.Movement, kind parking.CorrectionKind, operator string) *parking.Correction {
	if operator == "" {
		operator = "unknown"
	}
	return &parking.Correction{
		ID:         uuid.NewString(),
		MovementID: m.ID,
		SiteID:     m.SiteID,
		VRM:        m.VRM,
		Kind:       kind,
		Operator:   operator,
		CreatedAt:  s.clock.Now().UTC(),
	}
}

func (s *ReconciliationService) committed(c *parking.Correction, reprocessed bool) {
	if c == nil {
		return
	}
	metrics.Corrections.WithLabelValues(string(c.Kind)).Inc()
	s.audit.Notify(*c)

	s.log.Info().
		Str("correction_id", c.ID).
		Str("movement_id", c.MovementID).
		Str("site_id", c.SiteID).
		Str("vrm", c.VRM).
		Str("kind", string(c.Kind)).
		Str("operator", c.Operator).
		Bool("reprocessed", reprocessed).
		Msg("movement corrected")
}

func (s *ReconciliationService) logFailure(err error, op, movementID string, key parking.PairKey) {
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidOperation) {
		return
	}
	if !errors.Is(err, ErrConcurrencyConflict) {
		metrics.RematchFailures.Inc()
	}
	s.log.Error().
		Err(err).
		Str("operation", op).
		Str("movement_id", movementID).
		Str("site_id", key.SiteID).
		Str("vrm", key.VRM).
		Msg("reconciliation unit rolled back")
}
