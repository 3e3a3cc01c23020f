package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"anpr-reconciler/internal/domain/parking"
	"anpr-reconciler/internal/timeutil"
)

const MaxMinHours = 24 * 365

var ErrInvalidThreshold = errors.New("invalid minHours")

// SessionSource returns every live (non-discarded) OPEN, COMPLETED or ANOMALOUS session.
type SessionSource interface {
	ListAnomalyCandidates(ctx context.Context) ([]parking.Session, error)
}

type Anomaly struct {
	parking.Session
	EffectiveDurationMinutes int64            `json:"effectiveDurationMinutes"`
	Severity                 parking.Severity `json:"severity"`
}

type Detector struct {
	source SessionSource
	clock  timeutil.Clock
}

func NewDetector(source SessionSource, clock timeutil.Clock) *Detector {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Detector{source: source, clock: clock}
}

func ValidateMinHours(minHours int) error {
	if minHours < 1 || minHours > MaxMinHours {
		return fmt.Errorf("%w: %d (must be between 1 and %d)", ErrInvalidThreshold, minHours, MaxMinHours)
	}
	return nil
}

// FindAnomalies returns sessions longer than minHours, open sessions measured against now,
// plus every ANOMALOUS session regardless of length. Longest first.
func (d *Detector) FindAnomalies(ctx context.Context, minHours int) ([]Anomaly, error) {
	if err := ValidateMinHours(minHours); err != nil {
		return nil, err
	}

	candidates, err := d.source.ListAnomalyCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return Filter(candidates, minHours, d.clock.Now()), nil
}

// Filter applies the threshold to an already loaded session set.
func Filter(sessions []parking.Session, minHours int, now time.Time) []Anomaly {
	threshold := int64(minHours) * 60

	result := make([]Anomaly, 0)
	for _, s := range sessions {
		duration, ok := effectiveDuration(s, now)
		if !ok {
			continue
		}
		if s.Status != parking.SessionAnomalous && duration <= threshold {
			continue
		}
		result = append(result, Anomaly{
			Session:                  s,
			EffectiveDurationMinutes: duration,
			Severity:                 parking.SeverityFor(duration),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.EffectiveDurationMinutes != b.EffectiveDurationMinutes {
			return a.EffectiveDurationMinutes > b.EffectiveDurationMinutes
		}
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		return a.ID < b.ID
	})
	return result
}

func effectiveDuration(s parking.Session, now time.Time) (int64, bool) {
	switch s.Status {
	case parking.SessionCompleted, parking.SessionAnomalous:
		if s.DurationMinutes != nil {
			return *s.DurationMinutes, true
		}
		if s.EndTime != nil {
			return parking.DurationMinutes(s.StartTime, *s.EndTime), true
		}
		return 0, s.Status == parking.SessionAnomalous
	case parking.SessionOpen:
		if now.Before(s.StartTime) {
			return 0, true
		}
		return parking.DurationMinutes(s.StartTime, now), true
	}
	return 0, false
}
