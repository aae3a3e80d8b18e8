package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id              BIGSERIAL PRIMARY KEY,
		session_id      TEXT NOT NULL,
		license_plate   TEXT,
		car_brand       TEXT,
		tire_brand      TEXT,
		raw_detection   JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_session_id ON sessions(session_id);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_license_plate ON sessions(license_plate);`,
}

func Migrate(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
