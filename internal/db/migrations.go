package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS owners (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT NOT NULL,
		phone       TEXT NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS registered_plates (
		id          BIGSERIAL PRIMARY KEY,
		owner_id    BIGINT NOT NULL REFERENCES owners(id),
		number      TEXT NOT NULL,
		normalized  TEXT NOT NULL,
		is_primary  BOOLEAN NOT NULL DEFAULT FALSE,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_registered_plates_owner_id ON registered_plates(owner_id);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_registered_plates_normalized_active
		ON registered_plates(normalized) WHERE is_active;`,
	`CREATE TABLE IF NOT EXISTS detection_events (
		id                   TEXT PRIMARY KEY,
		camera_id            TEXT NOT NULL,
		location             TEXT,
		image_ref            TEXT NOT NULL,
		submitted_at         TIMESTAMPTZ,
		plate_text           TEXT,
		normalized_plate     TEXT,
		confidence           NUMERIC(5,4),
		provider_used        TEXT,
		recognition_attempts INT NOT NULL DEFAULT 0,
		low_confidence       BOOLEAN NOT NULL DEFAULT FALSE,
		decision             TEXT,
		matched_plate        TEXT,
		owner_id             BIGINT,
		similarity           DOUBLE PRECISION NOT NULL DEFAULT 0,
		exact_match          BOOLEAN NOT NULL DEFAULT FALSE,
		notif_attempted      BOOLEAN NOT NULL DEFAULT FALSE,
		notif_delivered      BOOLEAN NOT NULL DEFAULT FALSE,
		notif_suppressed     BOOLEAN NOT NULL DEFAULT FALSE,
		notif_attempts       INT NOT NULL DEFAULT 0,
		notif_last_error     TEXT,
		status               TEXT NOT NULL,
		deduplicated         BOOLEAN NOT NULL DEFAULT FALSE,
		snapshot             JSONB,
		detected_at          TIMESTAMPTZ NOT NULL,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_detection_events_camera_id ON detection_events(camera_id);`,
	`CREATE INDEX IF NOT EXISTS idx_detection_events_normalized_plate ON detection_events(normalized_plate);`,
	`CREATE INDEX IF NOT EXISTS idx_detection_events_detected_at ON detection_events(detected_at);`,
	`CREATE INDEX IF NOT EXISTS idx_detection_events_owner_id ON detection_events(owner_id);`,
	`CREATE TABLE IF NOT EXISTS notification_log (
		id          BIGSERIAL PRIMARY KEY,
		event_id    TEXT NOT NULL REFERENCES detection_events(id),
		owner_id    BIGINT NOT NULL REFERENCES owners(id),
		phone       TEXT NOT NULL,
		message     TEXT,
		status      TEXT NOT NULL,
		attempts    INT NOT NULL DEFAULT 0,
		last_error  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_notification_log_event_id ON notification_log(event_id);`,
	`CREATE INDEX IF NOT EXISTS idx_notification_log_owner_id ON notification_log(owner_id);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
