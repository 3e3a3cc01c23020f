package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anpr-reconciler/internal/anomaly"
	"anpr-reconciler/internal/domain/parking"
	"anpr-reconciler/internal/repository"
	"anpr-reconciler/internal/utils"
)

type AnomalyFinder interface {
	FindAnomalies(ctx context.Context, minHours int) ([]anomaly.Anomaly, error)
}

type ImageSigner interface {
	SignAll(images []parking.Image) ([]parking.Image, error)
}

// QueryService is the read side. It never writes.
type QueryService struct {
	store     repository.Store
	anomalies AnomalyFinder
	images    ImageSigner
}

func NewQueryService(store repository.Store, anomalies AnomalyFinder, images ImageSigner) *QueryService {
	return &QueryService{store: store, anomalies: anomalies, images: images}
}

type MovementDetails struct {
	parking.Movement
	Corrections []parking.Correction `json:"corrections"`
}

// GetMovement returns the movement with signed image URLs and its correction history.
func (q *QueryService) GetMovement(ctx context.Context, id string) (*MovementDetails, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: movement id is required", ErrInvalidInput)
	}
	m, err := q.store.GetMovement(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: movement %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load movement %s: %w", id, err)
	}

	signed, err := q.images.SignAll(m.Images)
	if err != nil {
		return nil, fmt.Errorf("failed to sign images of movement %s: %w", id, err)
	}
	m.Images = signed

	corrections, err := q.store.ListCorrections(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list corrections of movement %s: %w", id, err)
	}
	return &MovementDetails{Movement: *m, Corrections: corrections}, nil
}

type MovementQuery struct {
	SiteID string
	VRM    string
	From   string
	To     string
	Limit  int
	Offset int
}

func (q *QueryService) FindMovements(ctx context.Context, in MovementQuery) ([]parking.Movement, error) {
	var f repository.MovementFilter

	if in.SiteID != "" {
		siteID := in.SiteID
		f.SiteID = &siteID
	}
	if in.VRM != "" {
		normalized := utils.NormalizePlate(in.VRM)
		if normalized == "" {
			return nil, fmt.Errorf("%w: invalid vrm", ErrInvalidInput)
		}
		f.VRM = &normalized
	}
	if in.From != "" {
		t, err := time.Parse(time.RFC3339, in.From)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid 'from' time format, expected RFC3339", ErrInvalidInput)
		}
		f.From = &t
	}
	if in.To != "" {
		t, err := time.Parse(time.RFC3339, in.To)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid 'to' time format, expected RFC3339", ErrInvalidInput)
		}
		f.To = &t
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, fmt.Errorf("%w: 'to' must not be before 'from'", ErrInvalidInput)
	}
	if in.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidInput)
	}
	f.Limit = in.Limit
	f.Offset = in.Offset

	movements, err := q.store.FindMovements(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to find movements: %w", err)
	}
	return movements, nil
}

func (q *QueryService) GetSession(ctx context.Context, id string) (*parking.Session, error) {
	s, err := q.store.GetSession(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return s, nil
}

// ListVehicleSessions returns the live sessions of one vehicle at one site.
func (q *QueryService) ListVehicleSessions(ctx context.Context, siteID, vrm string) ([]parking.Session, error) {
	normalized := utils.NormalizePlate(vrm)
	if siteID == "" || normalized == "" {
		return nil, fmt.Errorf("%w: siteId and vrm are required", ErrInvalidInput)
	}
	sessions, err := q.store.ListVehicleSessions(ctx, parking.PairKey{SiteID: siteID, VRM: normalized})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// FindAnomalies lists first-in-last-out candidates longer than minHours.
func (q *QueryService) FindAnomalies(ctx context.Context, minHours int) ([]anomaly.Anomaly, error) {
	found, err := q.anomalies.FindAnomalies(ctx, minHours)
	if errors.Is(err, anomaly.ErrInvalidThreshold) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find anomalies: %w", err)
	}
	return found, nil
}
