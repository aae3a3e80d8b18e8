package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tirescan-service/internal/domain/vehicle"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

type SessionRecord struct {
	ID           int64          `gorm:"primaryKey"`
	SessionID    string         `gorm:"not null;uniqueIndex"`
	LicensePlate *string
	CarBrand     *string
	TireBrand    *string
	RawDetection datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (SessionRecord) TableName() string {
	return "sessions"
}

// Create is idempotent: concurrent initializations of the same id leave
// one record and both succeed.
func (r *SessionRepository) Create(ctx context.Context, sessionID string) error {
	record := SessionRecord{
		SessionID: sessionID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).
		Create(&record).Error
}

// GetByID returns nil without error when no record exists for the id.
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*vehicle.Session, error) {
	var record SessionRecord
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toSession(&record), nil
}

// Upsert merges the given fields into the record for sessionID, creating
// the record when it does not exist yet.
func (r *SessionRepository) Upsert(ctx context.Context, sessionID string, fields vehicle.SessionFields) error {
	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if fields.LicensePlate != nil {
		updates["license_plate"] = *fields.LicensePlate
	}
	if fields.CarBrand != nil {
		updates["car_brand"] = *fields.CarBrand
	}
	if fields.TireBrand != nil {
		updates["tire_brand"] = *fields.TireBrand
	}
	if len(fields.RawDetection) > 0 {
		updates["raw_detection"] = datatypes.JSON(fields.RawDetection)
	}

	var record SessionRecord
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = SessionRecord{
			SessionID:    sessionID,
			LicensePlate: fields.LicensePlate,
			CarBrand:     fields.CarBrand,
			TireBrand:    fields.TireBrand,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		if len(fields.RawDetection) > 0 {
			record.RawDetection = datatypes.JSON(fields.RawDetection)
		}
		return r.db.WithContext(ctx).Create(&record).Error
	}
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error
}

func (r *SessionRepository) List(ctx context.Context, limit, offset int) ([]vehicle.Session, error) {
	query := r.db.WithContext(ctx).Model(&SessionRecord{}).Order("session_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var records []SessionRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}

	sessions := make([]vehicle.Session, 0, len(records))
	for i := range records {
		sessions = append(sessions, *toSession(&records[i]))
	}
	return sessions, nil
}

func toSession(record *SessionRecord) *vehicle.Session {
	s := &vehicle.Session{
		SessionID: record.SessionID,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
	if record.LicensePlate != nil {
		s.LicensePlate = *record.LicensePlate
	}
	if record.CarBrand != nil {
		s.CarBrand = *record.CarBrand
	}
	if record.TireBrand != nil {
		s.TireBrand = *record.TireBrand
	}
	return s
}
