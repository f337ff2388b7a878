package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"traffic-control/internal/decisionlog"
	"traffic-control/internal/domain/traffic"
)

type DecisionRepository struct {
	db *gorm.DB
}

func NewDecisionRepository(db *gorm.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

func (ControlDecision) TableName() string {
	return "control_decisions"
}

func (TrafficEventRecord) TableName() string {
	return "traffic_events"
}

type ControlDecision struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()"`
	EntityID    string    `gorm:"not null"`
	Seq         uint64    `gorm:"not null"`
	Kind        string    `gorm:"not null"`
	Explanation string    `gorm:"not null"`
	Confidence  float64
	Payload     datatypes.JSON `gorm:"type:jsonb"`
	DecidedAt   time.Time      `gorm:"not null"`
	CreatedAt   time.Time
}

type TrafficEventRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventType   string    `gorm:"not null"`
	Severity    string    `gorm:"not null"`
	SegmentID   string    `gorm:"not null"`
	Confidence  float64
	Status      string `gorm:"not null"`
	Description *string
	DetectedAt  time.Time `gorm:"not null"`
	CreatedAt   time.Time
}

// Write persists one decision log entry, which makes the repository a
// decisionlog.Sink.
func (r *DecisionRepository) Write(ctx context.Context, e decisionlog.Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal decision payload: %w", err)
	}

	record := ControlDecision{
		ID:          uuid.New(),
		EntityID:    e.EntityID,
		Seq:         e.Seq,
		Kind:        string(e.Kind),
		Explanation: e.Explanation,
		Confidence:  e.Confidence,
		Payload:     datatypes.JSON(payload),
		DecidedAt:   e.Timestamp,
		CreatedAt:   time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to persist decision: %w", err)
	}
	return nil
}

// FindDecisions lists persisted decisions, newest first.
func (r *DecisionRepository) FindDecisions(ctx context.Context, entityID *string, kind *string, limit, offset int) ([]ControlDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	query := r.db.WithContext(ctx).Model(&ControlDecision{})
	if entityID != nil && *entityID != "" {
		query = query.Where("entity_id = ?", *entityID)
	}
	if kind != nil && *kind != "" {
		query = query.Where("kind = ?", *kind)
	}

	var out []ControlDecision
	if err := query.Order("decided_at DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	return out, nil
}

// UpsertEvent records the latest lifecycle state of a traffic event.
func (r *DecisionRepository) UpsertEvent(ctx context.Context, ev traffic.TrafficEvent) error {
	record := TrafficEventRecord{
		ID:         ev.ID,
		EventType:  string(ev.Type),
		Severity:   string(ev.Severity),
		SegmentID:  ev.SegmentID,
		Confidence: ev.Confidence,
		Status:     string(ev.Status),
		DetectedAt: ev.DetectedAt,
		CreatedAt:  time.Now(),
	}
	if ev.Description != "" {
		record.Description = &ev.Description
	}

	err := r.db.WithContext(ctx).
		Where(TrafficEventRecord{ID: ev.ID}).
		Assign(map[string]interface{}{"status": record.Status, "confidence": record.Confidence}).
		FirstOrCreate(&record).Error
	if err != nil {
		return fmt.Errorf("failed to upsert traffic event: %w", err)
	}
	return nil
}
