package parking

import (
	"time"
)

type Direction string

const (
	DirectionEntry    Direction = "ENTRY"
	DirectionExit     Direction = "EXIT"
	DirectionInternal Direction = "INTERNAL"
	DirectionUnknown  Direction = "UNKNOWN"
)

// ParseDirection maps camera direction guesses onto the four known values.
// Anything unrecognised becomes UNKNOWN.
func ParseDirection(raw string) Direction {
	switch Direction(raw) {
	case DirectionEntry, DirectionExit, DirectionInternal:
		return Direction(raw)
	}
	switch raw {
	case "entry", "in", "IN":
		return DirectionEntry
	case "exit", "out", "OUT":
		return DirectionExit
	case "internal":
		return DirectionInternal
	}
	return DirectionUnknown
}

// Flipped returns the opposite direction. Only ENTRY and EXIT can be flipped.
func (d Direction) Flipped() (Direction, bool) {
	switch d {
	case DirectionEntry:
		return DirectionExit, true
	case DirectionExit:
		return DirectionEntry, true
	}
	return d, false
}

type SessionStatus string

const (
	SessionOpen        SessionStatus = "OPEN"
	SessionProvisional SessionStatus = "PROVISIONAL"
	SessionCompleted   SessionStatus = "COMPLETED"
	SessionAnomalous   SessionStatus = "ANOMALOUS"
	SessionDiscarded   SessionStatus = "DISCARDED"
)

type Image struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type Movement struct {
	ID            string                 `json:"id"`
	SiteID        string                 `json:"siteId"`
	VRM           string                 `json:"vrm"`
	Direction     Direction              `json:"direction"`
	Timestamp     time.Time              `json:"timestamp"`
	CameraID      string                 `json:"cameraId"`
	Discarded     bool                   `json:"discarded"`
	DiscardReason string                 `json:"discardReason,omitempty"`
	Images        []Image                `json:"images"`
	RawData       map[string]interface{} `json:"rawData,omitempty"`
	DedupKey      string                 `json:"-"`
	Version       int                    `json:"version"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// PairKey identifies the (site, vrm) sequence a movement belongs to.
func (m Movement) PairKey() PairKey {
	return PairKey{SiteID: m.SiteID, VRM: m.VRM}
}

type PairKey struct {
	SiteID string
	VRM    string
}

func (k PairKey) String() string {
	return k.SiteID + "\x00" + k.VRM
}

type Session struct {
	ID              string        `json:"id"`
	SiteID          string        `json:"siteId"`
	VRM             string        `json:"vrm"`
	EntryMovementID *string       `json:"entryMovementId"`
	ExitMovementID  *string       `json:"exitMovementId"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         *time.Time    `json:"endTime"`
	DurationMinutes *int64        `json:"durationMinutes"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	SupersededAt    *time.Time    `json:"supersededAt,omitempty"`
}

// References reports whether the session points at the movement as entry or exit.
func (s Session) References(movementID string) bool {
	return (s.EntryMovementID != nil && *s.EntryMovementID == movementID) ||
		(s.ExitMovementID != nil && *s.ExitMovementID == movementID)
}

type CorrectionKind string

const (
	CorrectionFlipDirection CorrectionKind = "FLIP_DIRECTION"
	CorrectionDiscard       CorrectionKind = "DISCARD"
)

// Correction is the operator-attributed record of a movement mutation.
type Correction struct {
	ID            string         `json:"id"`
	MovementID    string         `json:"movementId"`
	SiteID        string         `json:"siteId"`
	VRM           string         `json:"vrm"`
	Kind          CorrectionKind `json:"kind"`
	FromDirection Direction      `json:"fromDirection,omitempty"`
	ToDirection   Direction      `json:"toDirection,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Operator      string         `json:"operator"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// MovementPayload is what cameras (HTTP or stream) send for a single detection.
// EventID is optional; when a camera supplies one it identifies redeliveries.
type MovementPayload struct {
	EventID    string                 `json:"eventId,omitempty"`
	SiteID     string                 `json:"siteId"`
	CameraID   string                 `json:"cameraId"`
	Plate      string                 `json:"vrm"`
	Direction  string                 `json:"direction"`
	Timestamp  time.Time              `json:"timestamp"`
	Images     []Image                `json:"images,omitempty"`
	RawPayload map[string]interface{} `json:"rawData,omitempty"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityModerate Severity = "moderate"
)

const (
	criticalAfterMinutes = 7 * 24 * 60
	highAfterMinutes     = 2 * 24 * 60
)

func SeverityFor(durationMinutes int64) Severity {
	switch {
	case durationMinutes > criticalAfterMinutes:
		return SeverityCritical
	case durationMinutes > highAfterMinutes:
		return SeverityHigh
	default:
		return SeverityModerate
	}
}

// DurationMinutes rounds the span between two instants to whole minutes.
func DurationMinutes(start, end time.Time) int64 {
	return int64(end.Sub(start).Round(time.Minute) / time.Minute)
}
