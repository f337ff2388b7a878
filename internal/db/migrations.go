package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,

	// Append-only audit trail of control decisions. Never updated or
	// deleted; seq is strictly increasing per entity.
	`CREATE TABLE IF NOT EXISTS control_decisions (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		entity_id       TEXT NOT NULL,
		seq             BIGINT NOT NULL,
		kind            TEXT NOT NULL,
		explanation     TEXT NOT NULL,
		confidence      NUMERIC(5,2),
		payload         JSONB,
		decided_at      TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_control_decisions_entity_seq ON control_decisions(entity_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_control_decisions_kind ON control_decisions(kind);`,
	`CREATE INDEX IF NOT EXISTS idx_control_decisions_decided_at ON control_decisions(decided_at);`,

	// Traffic events as ingested from the detection layer, with their
	// lifecycle status at last write.
	`CREATE TABLE IF NOT EXISTS traffic_events (
		id              UUID PRIMARY KEY,
		event_type      TEXT NOT NULL,
		severity        TEXT NOT NULL,
		segment_id      TEXT NOT NULL,
		confidence      NUMERIC(5,2),
		status          TEXT NOT NULL,
		description     TEXT,
		detected_at     TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_traffic_events_segment ON traffic_events(segment_id);`,
	`CREATE INDEX IF NOT EXISTS idx_traffic_events_detected_at ON traffic_events(detected_at);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
