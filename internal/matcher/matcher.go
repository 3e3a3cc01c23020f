// Package matcher turns the movement history of one vehicle at one site into its
// session timeline. It is pure: no storage, no clock, no logging.
package matcher

import (
	"sort"

	"anpr-reconciler/internal/domain/parking"
)

// IDFunc assigns identifiers to newly produced sessions.
type IDFunc func() string

// Match pairs the ENTRY/EXIT movements of key into sessions.
//
// Movements for other pairs and discarded movements are ignored, so callers can pass the
// raw history straight from the store. Only one entry is pending at a time: a second
// ENTRY before an EXIT leaves the earlier session OPEN and starts a new one. An EXIT with
// nothing pending produces an ANOMALOUS session with no entry. The output is ordered by
// start time and is identical for identical input apart from the generated ids.
func Match(key parking.PairKey, movements []parking.Movement, newID IDFunc) []parking.Session {
	seq := Sequence(key, movements)

	sessions := make([]parking.Session, 0, len(seq)/2+1)
	pending := -1

	for i := range seq {
		m := seq[i]
		switch m.Direction {
		case parking.DirectionEntry:
			if pending >= 0 {
				sessions[pending].Status = parking.SessionOpen
			}
			entryID := m.ID
			sessions = append(sessions, parking.Session{
				ID:              newID(),
				SiteID:          key.SiteID,
				VRM:             key.VRM,
				EntryMovementID: &entryID,
				StartTime:       m.Timestamp,
				Status:          parking.SessionProvisional,
			})
			pending = len(sessions) - 1

		case parking.DirectionExit:
			exitID := m.ID
			end := m.Timestamp
			if pending < 0 {
				zero := int64(0)
				sessions = append(sessions, parking.Session{
					ID:              newID(),
					SiteID:          key.SiteID,
					VRM:             key.VRM,
					ExitMovementID:  &exitID,
					StartTime:       end,
					EndTime:         &end,
					DurationMinutes: &zero,
					Status:          parking.SessionAnomalous,
				})
				continue
			}
			s := &sessions[pending]
			duration := parking.DurationMinutes(s.StartTime, end)
			s.ExitMovementID = &exitID
			s.EndTime = &end
			s.DurationMinutes = &duration
			s.Status = parking.SessionCompleted
			pending = -1
		}
	}

	for i := range sessions {
		if sessions[i].ExitMovementID == nil {
			sessions[i].Status = parking.SessionOpen
			sessions[i].EndTime = nil
			sessions[i].DurationMinutes = nil
		}
	}

	return sessions
}

// Sequence filters movements down to the live history of key in matching order:
// timestamp ascending, ties broken by id.
func Sequence(key parking.PairKey, movements []parking.Movement) []parking.Movement {
	seq := make([]parking.Movement, 0, len(movements))
	for _, m := range movements {
		if m.Discarded || m.SiteID != key.SiteID || m.VRM != key.VRM {
			continue
		}
		seq = append(seq, m)
	}
	sort.SliceStable(seq, func(i, j int) bool {
		if !seq[i].Timestamp.Equal(seq[j].Timestamp) {
			return seq[i].Timestamp.Before(seq[j].Timestamp)
		}
		return seq[i].ID < seq[j].ID
	})
	return seq
}

// Equivalent reports whether two session sets describe the same timeline,
// ignoring generated ids, bookkeeping timestamps and the order the sets are listed in.
func Equivalent(a, b []parking.Session) bool {
	if len(a) != len(b) {
		return false
	}
	fa, fb := shapes(a), shapes(b)
	for i := range fa {
		if fa[i] != fb[i] {
			return false
		}
	}
	return true
}

func shapes(sessions []parking.Session) []Shape {
	out := make([]Shape, len(sessions))
	for i := range sessions {
		out[i] = Fingerprint(sessions[i])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartUnixNano != out[j].StartUnixNano {
			return out[i].StartUnixNano < out[j].StartUnixNano
		}
		if out[i].EntryMovementID != out[j].EntryMovementID {
			return out[i].EntryMovementID < out[j].EntryMovementID
		}
		return out[i].ExitMovementID < out[j].ExitMovementID
	})
	return out
}

// Shape is the identity-free form of a session.
type Shape struct {
	SiteID          string
	VRM             string
	EntryMovementID string
	ExitMovementID  string
	StartUnixNano   int64
	EndUnixNano     int64
	DurationMinutes int64
	Status          parking.SessionStatus
}

// Fingerprint reduces a session to its Shape.
func Fingerprint(s parking.Session) Shape {
	sh := Shape{
		SiteID:          s.SiteID,
		VRM:             s.VRM,
		StartUnixNano:   s.StartTime.UnixNano(),
		DurationMinutes: -1,
		Status:          s.Status,
	}
	if s.EntryMovementID != nil {
		sh.EntryMovementID = *s.EntryMovementID
	}
	if s.ExitMovementID != nil {
		sh.ExitMovementID = *s.ExitMovementID
	}
	if s.EndTime != nil {
		sh.EndUnixNano = s.EndTime.UnixNano()
	}
	if s.DurationMinutes != nil {
		sh.DurationMinutes = *s.DurationMinutes
	}
	return sh
}
