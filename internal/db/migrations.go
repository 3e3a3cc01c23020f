package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS movements (
		id              TEXT PRIMARY KEY,
		site_id         TEXT NOT NULL,
		vrm             TEXT NOT NULL,
		direction       TEXT NOT NULL,
		event_time      TIMESTAMPTZ NOT NULL,
		camera_id       TEXT NOT NULL DEFAULT '',
		discarded       BOOLEAN NOT NULL DEFAULT FALSE,
		discard_reason  TEXT,
		images          JSONB NOT NULL DEFAULT '[]'::jsonb,
		raw_data        JSONB,
		version         INT NOT NULL DEFAULT 1,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_movements_pair ON movements(site_id, vrm, event_time, id);`,
	`CREATE INDEX IF NOT EXISTS idx_movements_event_time ON movements(event_time);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		site_id            TEXT NOT NULL,
		vrm                TEXT NOT NULL,
		entry_movement_id  TEXT REFERENCES movements(id),
		exit_movement_id   TEXT REFERENCES movements(id),
		start_time         TIMESTAMPTZ NOT NULL,
		end_time           TIMESTAMPTZ,
		duration_minutes   BIGINT,
		status             TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		superseded_at      TIMESTAMPTZ,
		CONSTRAINT chk_sessions_order CHECK (end_time IS NULL OR start_time <= end_time)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_pair_live ON sessions(site_id, vrm) WHERE status <> 'DISCARDED';`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status_live ON sessions(status) WHERE status <> 'DISCARDED';`,
	`CREATE TABLE IF NOT EXISTS movement_corrections (
		id              TEXT PRIMARY KEY,
		movement_id     TEXT NOT NULL REFERENCES movements(id),
		site_id         TEXT NOT NULL,
		vrm             TEXT NOT NULL,
		kind            TEXT NOT NULL,
		from_direction  TEXT,
		to_direction    TEXT,
		reason          TEXT,
		operator        TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_movement_corrections_movement ON movement_corrections(movement_id, created_at);`,
	`ALTER TABLE movements ADD COLUMN IF NOT EXISTS dedup_key TEXT;`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_dedup_key ON movements(dedup_key) WHERE dedup_key IS NOT NULL;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
