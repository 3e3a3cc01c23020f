package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"anpr-reconciler/internal/domain/parking"
)

type GormRepository struct {
	db   *gorm.DB
	inTx bool
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

type MovementRow struct {
	ID            string    `gorm:"primaryKey"`
	SiteID        string    `gorm:"not null"`
	VRM           string    `gorm:"column:vrm;not null"`
	Direction     string    `gorm:"not null"`
	EventTime     time.Time `gorm:"not null"`
	CameraID      string    `gorm:"not null"`
	Discarded     bool      `gorm:"not null"`
	DiscardReason *string
	Images        datatypes.JSONSlice[parking.Image] `gorm:"type:jsonb"`
	RawData       datatypes.JSONMap                  `gorm:"type:jsonb"`
	DedupKey      *string
	Version       int `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (MovementRow) TableName() string { return "movements" }

type SessionRow struct {
	ID              string `gorm:"primaryKey"`
	SiteID          string `gorm:"not null"`
	VRM             string `gorm:"column:vrm;not null"`
	EntryMovementID *string
	ExitMovementID  *string
	StartTime       time.Time `gorm:"not null"`
	EndTime         *time.Time
	DurationMinutes *int64
	Status          string `gorm:"not null"`
	CreatedAt       time.Time
	SupersededAt    *time.Time
}

func (SessionRow) TableName() string { return "sessions" }

type CorrectionRow struct {
	ID            string `gorm:"primaryKey"`
	MovementID    string `gorm:"not null"`
	SiteID        string `gorm:"not null"`
	VRM           string `gorm:"column:vrm;not null"`
	Kind          string `gorm:"not null"`
	FromDirection *string
	ToDirection   *string
	Reason        *string
	Operator      string `gorm:"not null"`
	CreatedAt     time.Time
}

func (CorrectionRow) TableName() string { return "movement_corrections" }

// Tx runs fn against a repository bound to one database transaction.
func (r *GormRepository) Tx(ctx context.Context, fn func(tx Store) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx, inTx: true})
	})
}

// LockPair takes a transaction-scoped advisory lock on key, so replicas that lost the
// distributed lock still cannot swap the same session set concurrently.
func (r *GormRepository) LockPair(ctx context.Context, key parking.PairKey) error {
	if !r.inTx {
		return nil
	}
	return r.db.WithContext(ctx).
		Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", key.SiteID+"/"+key.VRM).
		Error
}

func (r *GormRepository) AppendMovement(ctx context.Context, m *parking.Movement) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	if m.Version == 0 {
		m.Version = 1
	}
	row := toMovementRow(m)
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *GormRepository) GetMovement(ctx context.Context, id string) (*parking.Movement, error) {
	return r.firstMovement(ctx, "id = ?", id)
}

func (r *GormRepository) FindMovementByDedupKey(ctx context.Context, dedupKey string) (*parking.Movement, error) {
	return r.firstMovement(ctx, "dedup_key = ?", dedupKey)
}

func (r *GormRepository) firstMovement(ctx context.Context, query string, arg interface{}) (*parking.Movement, error) {
	var row MovementRow
	err := r.db.WithContext(ctx).Where(query, arg).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m := fromMovementRow(row)
	return &m, nil
}

// UpdateMovement writes the mutable fields if the stored version still matches m.Version,
// then bumps m.Version.
func (r *GormRepository) UpdateMovement(ctx context.Context, m *parking.Movement) error {
	now := time.Now().UTC()
	var reason *string
	if m.DiscardReason != "" {
		reason = &m.DiscardReason
	}

	res := r.db.WithContext(ctx).
		Model(&MovementRow{}).
		Where("id = ? AND version = ?", m.ID, m.Version).
		Updates(map[string]interface{}{
			"direction":      string(m.Direction),
			"discarded":      m.Discarded,
			"discard_reason": reason,
			"version":        m.Version + 1,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&MovementRow{}).Where("id = ?", m.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	m.Version++
	m.UpdatedAt = now
	return nil
}

func (r *GormRepository) ListVehicleMovements(ctx context.Context, key parking.PairKey) ([]parking.Movement, error) {
	var rows []MovementRow
	err := r.db.WithContext(ctx).
		Where("site_id = ? AND vrm = ?", key.SiteID, key.VRM).
		Order("event_time ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]parking.Movement, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromMovementRow(row))
	}
	return out, nil
}

func (r *GormRepository) FindMovements(ctx context.Context, f MovementFilter) ([]parking.Movement, error) {
	query := r.db.WithContext(ctx).Model(&MovementRow{})

	if f.SiteID != nil {
		query = query.Where("site_id = ?", *f.SiteID)
	}
	if f.VRM != nil {
		query = query.Where("vrm = ?", *f.VRM)
	}
	if f.From != nil {
		query = query.Where("event_time >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("event_time <= ?", *f.To)
	}

	query = query.Order("event_time DESC, id DESC").Limit(f.normalizedLimit())
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var rows []MovementRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]parking.Movement, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromMovementRow(row))
	}
	return out, nil
}

func (r *GormRepository) AppendCorrection(ctx context.Context, c *parking.Correction) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	row := CorrectionRow{
		ID:         c.ID,
		MovementID: c.MovementID,
		SiteID:     c.SiteID,
		VRM:        c.VRM,
		Kind:       string(c.Kind),
		Operator:   c.Operator,
		CreatedAt:  c.CreatedAt,
	}
	if c.FromDirection != "" {
		from := string(c.FromDirection)
		row.FromDirection = &from
	}
	if c.ToDirection != "" {
		to := string(c.ToDirection)
		row.ToDirection = &to
	}
	if c.Reason != "" {
		row.Reason = &c.Reason
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *GormRepository) ListCorrections(ctx context.Context, movementID string) ([]parking.Correction, error) {
	var rows []CorrectionRow
	err := r.db.WithContext(ctx).
		Where("movement_id = ?", movementID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]parking.Correction, 0, len(rows))
	for _, row := range rows {
		c := parking.Correction{
			ID:         row.ID,
			MovementID: row.MovementID,
			SiteID:     row.SiteID,
			VRM:        row.VRM,
			Kind:       parking.CorrectionKind(row.Kind),
			Operator:   row.Operator,
			CreatedAt:  row.CreatedAt,
		}
		if row.FromDirection != nil {
			c.FromDirection = parking.Direction(*row.FromDirection)
		}
		if row.ToDirection != nil {
			c.ToDirection = parking.Direction(*row.ToDirection)
		}
		if row.Reason != nil {
			c.Reason = *row.Reason
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *GormRepository) ListVehicleSessions(ctx context.Context, key parking.PairKey) ([]parking.Session, error) {
	var rows []SessionRow
	err := r.db.WithContext(ctx).
		Where("site_id = ? AND vrm = ? AND status <> ?", key.SiteID, key.VRM, string(parking.SessionDiscarded)).
		Order("start_time ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromSessionRows(rows), nil
}

// ReplaceSessions retires every live session of key and inserts the new set. Callers run
// it inside Tx so the swap is all-or-nothing.
func (r *GormRepository) ReplaceSessions(ctx context.Context, key parking.PairKey, sessions []parking.Session, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&SessionRow{}).
		Where("site_id = ? AND vrm = ? AND status <> ?", key.SiteID, key.VRM, string(parking.SessionDiscarded)).
		Updates(map[string]interface{}{
			"status":        string(parking.SessionDiscarded),
			"superseded_at": at,
		}).Error
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	rows := make([]SessionRow, 0, len(sessions))
	for i := range sessions {
		if sessions[i].CreatedAt.IsZero() {
			sessions[i].CreatedAt = at
		}
		rows = append(rows, toSessionRow(sessions[i]))
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *GormRepository) GetSession(ctx context.Context, id string) (*parking.Session, error) {
	var row SessionRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s := fromSessionRow(row)
	return &s, nil
}

func (r *GormRepository) ListAnomalyCandidates(ctx context.Context) ([]parking.Session, error) {
	var rows []SessionRow
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(parking.SessionOpen),
			string(parking.SessionCompleted),
			string(parking.SessionAnomalous),
		}).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromSessionRows(rows), nil
}

func toMovementRow(m *parking.Movement) MovementRow {
	row := MovementRow{
		ID:        m.ID,
		SiteID:    m.SiteID,
		VRM:       m.VRM,
		Direction: string(m.Direction),
		EventTime: m.Timestamp,
		CameraID:  m.CameraID,
		Discarded: m.Discarded,
		Images:    datatypes.JSONSlice[parking.Image](m.Images),
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if row.Images == nil {
		row.Images = datatypes.JSONSlice[parking.Image]{}
	}
	if m.DiscardReason != "" {
		row.DiscardReason = &m.DiscardReason
	}
	if len(m.RawData) > 0 {
		row.RawData = datatypes.JSONMap(m.RawData)
	}
	if m.DedupKey != "" {
		row.DedupKey = &m.DedupKey
	}
	return row
}

func fromMovementRow(row MovementRow) parking.Movement {
	m := parking.Movement{
		ID:        row.ID,
		SiteID:    row.SiteID,
		VRM:       row.VRM,
		Direction: parking.Direction(row.Direction),
		Timestamp: row.EventTime,
		CameraID:  row.CameraID,
		Discarded: row.Discarded,
		Images:    []parking.Image(row.Images),
		RawData:   map[string]interface{}(row.RawData),
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if m.Images == nil {
		m.Images = []parking.Image{}
	}
	if row.DedupKey != nil {
		m.DedupKey = *row.DedupKey
	}
	if row.DiscardReason != nil {
		m.DiscardReason = *row.DiscardReason
	}
	return m
}

func toSessionRow(s parking.Session) SessionRow {
	return SessionRow{
		ID:              s.ID,
		SiteID:          s.SiteID,
		VRM:             s.VRM,
		EntryMovementID: s.EntryMovementID,
		ExitMovementID:  s.ExitMovementID,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		DurationMinutes: s.DurationMinutes,
		Status:          string(s.Status),
		CreatedAt:       s.CreatedAt,
		SupersededAt:    s.SupersededAt,
	}
}

func fromSessionRow(row SessionRow) parking.Session {
	return parking.Session{
		ID:              row.ID,
		SiteID:          row.SiteID,
		VRM:             row.VRM,
		EntryMovementID: row.EntryMovementID,
		ExitMovementID:  row.ExitMovementID,
		StartTime:       row.StartTime,
		EndTime:         row.EndTime,
		DurationMinutes: row.DurationMinutes,
		Status:          parking.SessionStatus(row.Status),
		CreatedAt:       row.CreatedAt,
		SupersededAt:    row.SupersededAt,
	}
}

func fromSessionRows(rows []SessionRow) []parking.Session {
	out := make([]parking.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromSessionRow(row))
	}
	return out
}
