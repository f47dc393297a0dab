package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"plate-alert-service/internal/domain/detection"
)

var ErrDuplicatePlate = errors.New("active plate already registered")

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type Owner struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Phone     string `gorm:"not null"`
	IsActive  bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
}

type RegisteredPlate struct {
	ID         int64  `gorm:"primaryKey"`
	OwnerID    int64  `gorm:"not null;index"`
	Number     string `gorm:"not null"`
	Normalized string `gorm:"not null;index"`
	IsPrimary  bool   `gorm:"not null;default:false"`
	IsActive   bool   `gorm:"not null;default:true"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type DetectionEvent struct {
	ID                  string `gorm:"primaryKey"`
	CameraID            string `gorm:"not null;index"`
	Location            *string
	ImageRef            string `gorm:"not null"`
	SubmittedAt         time.Time
	PlateText           string
	NormalizedPlate     string `gorm:"index"`
	Confidence          *float64
	ProviderUsed        *string
	RecognitionAttempts int
	LowConfidence       bool
	Decision            string
	MatchedPlate        *string
	OwnerID             *int64 `gorm:"index"`
	Similarity          float64
	ExactMatch          bool
	NotifAttempted      bool
	NotifDelivered      bool
	NotifSuppressed     bool
	NotifAttempts       int
	NotifLastError      *string
	Status              string `gorm:"not null"`
	Deduplicated        bool
	Snapshot            datatypes.JSON
	DetectedAt          time.Time `gorm:"not null;index"`
	CreatedAt           time.Time
}

func (DetectionEvent) TableName() string { return "detection_events" }

type NotificationLog struct {
	ID        int64  `gorm:"primaryKey"`
	EventID   string `gorm:"not null;index"`
	OwnerID   int64  `gorm:"not null;index"`
	Phone     string `gorm:"not null"`
	Message   string
	Status    string `gorm:"not null"`
	Attempts  int
	LastError *string
	CreatedAt time.Time
}

func (NotificationLog) TableName() string { return "notification_log" }

func (r *Repository) CreateOwner(ctx context.Context, owner *detection.Owner) error {
	row := Owner{
		Name:      owner.Name,
		Phone:     owner.Phone,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	owner.ID = row.ID
	owner.IsActive = true
	return nil
}

func (r *Repository) GetOwner(ctx context.Context, id int64) (*detection.Owner, error) {
	var row Owner
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, err
	}
	return &detection.Owner{ID: row.ID, Name: row.Name, Phone: row.Phone, IsActive: row.IsActive}, nil
}

// CreatePlate registers a plate for an owner. At most one active row may
// exist per normalized plate string.
func (r *Repository) CreatePlate(ctx context.Context, ownerID int64, number, normalized string, isPrimary bool) (*detection.RegisteredPlate, error) {
	var existing RegisteredPlate
	err := r.db.WithContext(ctx).
		Where("normalized = ? AND is_active = ?", normalized, true).
		First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePlate, normalized)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now()
	row := RegisteredPlate{
		OwnerID:    ownerID,
		Number:     number,
		Normalized: normalized,
		IsPrimary:  isPrimary,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return plateToDomain(row), nil
}

func (r *Repository) ListPlates(ctx context.Context, ownerID *int64) ([]detection.RegisteredPlate, error) {
	query := r.db.WithContext(ctx).Model(&RegisteredPlate{})
	if ownerID != nil {
		query = query.Where("owner_id = ?", *ownerID)
	}
	var rows []RegisteredPlate
	if err := query.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	plates := make([]detection.RegisteredPlate, 0, len(rows))
	for _, row := range rows {
		plates = append(plates, *plateToDomain(row))
	}
	return plates, nil
}

func (r *Repository) DeactivatePlate(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Model(&RegisteredPlate{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": false, "updated_at": time.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ActivePlates is the bulk refresh feed for the matching corpus. Plates of
// deactivated owners are excluded.
func (r *Repository) ActivePlates(ctx context.Context) ([]detection.RegisteredPlate, error) {
	var rows []RegisteredPlate
	err := r.db.WithContext(ctx).
		Joins("JOIN owners ON owners.id = registered_plates.owner_id").
		Where("registered_plates.is_active = ? AND owners.is_active = ?", true, true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	plates := make([]detection.RegisteredPlate, 0, len(rows))
	for _, row := range rows {
		plates = append(plates, *plateToDomain(row))
	}
	return plates, nil
}

// AppendEvent writes the durable record of one pipeline run. Events are
// immutable after creation.
func (r *Repository) AppendEvent(ctx context.Context, event *detection.Event, normalizedPlate string) error {
	snapshot, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event snapshot: %w", err)
	}

	row := DetectionEvent{
		ID:                  event.ID.String(),
		CameraID:            event.Capture.CameraID,
		ImageRef:            event.Capture.ImageRef,
		SubmittedAt:         event.Capture.SubmittedAt,
		PlateText:           event.Recognition.PlateText,
		NormalizedPlate:     normalizedPlate,
		RecognitionAttempts: event.Recognition.Attempts,
		LowConfidence:       event.Recognition.LowConfidence,
		Decision:            string(event.Match.Decision),
		OwnerID:             event.Match.OwnerID,
		Similarity:          event.Match.Similarity,
		ExactMatch:          event.Match.ExactMatch,
		NotifAttempted:      event.Notification.Attempted,
		NotifDelivered:      event.Notification.Delivered,
		NotifSuppressed:     event.Notification.Suppressed,
		NotifAttempts:       event.Notification.Attempts,
		Status:              string(event.Status),
		Deduplicated:        event.Deduplicated,
		Snapshot:            datatypes.JSON(snapshot),
		DetectedAt:          event.DetectedAt,
		CreatedAt:           time.Now(),
	}
	if event.Capture.Location != "" {
		row.Location = &event.Capture.Location
	}
	if event.Recognition.Confidence != 0 {
		c := event.Recognition.Confidence
		row.Confidence = &c
	}
	if event.Recognition.ProviderUsed != "" {
		p := event.Recognition.ProviderUsed
		row.ProviderUsed = &p
	}
	if event.Match.MatchedPlate != "" {
		m := event.Match.MatchedPlate
		row.MatchedPlate = &m
	}
	if event.Notification.LastError != "" {
		e := event.Notification.LastError
		row.NotifLastError = &e
	}

	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *Repository) FindEvents(ctx context.Context, filter detection.EventFilter) ([]detection.Event, error) {
	query := r.db.WithContext(ctx).Model(&DetectionEvent{})

	if filter.Plate != nil {
		query = query.Where("normalized_plate = ?", *filter.Plate)
	}
	if filter.CameraID != nil {
		query = query.Where("camera_id = ?", *filter.CameraID)
	}
	if filter.From != nil {
		query = query.Where("detected_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("detected_at <= ?", *filter.To)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	query = query.Order("detected_at DESC").Limit(limit)
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var rows []DetectionEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]detection.Event, 0, len(rows))
	for _, row := range rows {
		event, err := eventToDomain(row)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (r *Repository) Stats(ctx context.Context) (detection.Stats, error) {
	var stats detection.Stats
	db := r.db.WithContext(ctx).Model(&DetectionEvent{})

	type countRow struct {
		Status string
		N      int64
	}
	var rows []countRow
	if err := db.Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, row := range rows {
		stats.TotalDetections += row.N
		switch detection.Status(row.Status) {
		case detection.StatusMatched:
			stats.Matched += row.N
		case detection.StatusUnmatched:
			stats.Unmatched += row.N
		case detection.StatusDeduplicated:
			stats.Deduplicated += row.N
		case detection.StatusRecognitionFailed, detection.StatusTimeout:
			stats.Failed += row.N
		}
	}

	if err := r.db.WithContext(ctx).Model(&DetectionEvent{}).
		Where("notif_attempted = ? AND notif_delivered = ?", true, true).
		Count(&stats.NotificationsOK).Error; err != nil {
		return stats, err
	}
	if err := r.db.WithContext(ctx).Model(&DetectionEvent{}).
		Where("notif_attempted = ? AND notif_delivered = ?", true, false).
		Count(&stats.NotificationsErr).Error; err != nil {
		return stats, err
	}
	return stats, nil
}

// RecordNotification implements the dispatcher's outcome sink.
func (r *Repository) RecordNotification(ctx context.Context, eventID string, owner detection.Owner, message string, outcome detection.NotificationOutcome) error {
	status := "failed"
	switch {
	case outcome.Suppressed:
		status = "suppressed"
	case outcome.Delivered:
		status = "delivered"
	}
	row := NotificationLog{
		EventID:   eventID,
		OwnerID:   owner.ID,
		Phone:     owner.Phone,
		Message:   message,
		Status:    status,
		Attempts:  outcome.Attempts,
		CreatedAt: time.Now(),
	}
	if outcome.LastError != "" {
		e := outcome.LastError
		row.LastError = &e
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func plateToDomain(row RegisteredPlate) *detection.RegisteredPlate {
	return &detection.RegisteredPlate{
		ID:         row.ID,
		OwnerID:    row.OwnerID,
		Number:     row.Number,
		Normalized: row.Normalized,
		IsPrimary:  row.IsPrimary,
		IsActive:   row.IsActive,
		UpdatedAt:  row.UpdatedAt,
	}
}

func eventToDomain(row DetectionEvent) (detection.Event, error) {
	// The snapshot column is authoritative; the flat columns exist for
	// analytics queries.
	if len(row.Snapshot) > 0 {
		var event detection.Event
		if err := json.Unmarshal(row.Snapshot, &event); err == nil {
			return event, nil
		}
	}

	id, err := uuid.Parse(row.ID)
	if err != nil {
		return detection.Event{}, fmt.Errorf("parse event id %q: %w", row.ID, err)
	}
	event := detection.Event{
		ID: id,
		Capture: detection.Capture{
			ImageRef:    row.ImageRef,
			CameraID:    row.CameraID,
			SubmittedAt: row.SubmittedAt,
		},
		Recognition: detection.RecognitionResult{
			PlateText:     row.PlateText,
			Attempts:      row.RecognitionAttempts,
			LowConfidence: row.LowConfidence,
		},
		Match: detection.MatchResult{
			OwnerID:    row.OwnerID,
			Similarity: row.Similarity,
			ExactMatch: row.ExactMatch,
			Decision:   detection.Decision(row.Decision),
		},
		Notification: detection.NotificationOutcome{
			Attempted:  row.NotifAttempted,
			Delivered:  row.NotifDelivered,
			Suppressed: row.NotifSuppressed,
			Attempts:   row.NotifAttempts,
		},
		Status:       detection.Status(row.Status),
		Deduplicated: row.Deduplicated,
		DetectedAt:   row.DetectedAt,
	}
	if row.Location != nil {
		event.Capture.Location = *row.Location
	}
	if row.Confidence != nil {
		event.Recognition.Confidence = *row.Confidence
	}
	if row.ProviderUsed != nil {
		event.Recognition.ProviderUsed = *row.ProviderUsed
	}
	if row.MatchedPlate != nil {
		event.Match.MatchedPlate = *row.MatchedPlate
	}
	if row.NotifLastError != nil {
		event.Notification.LastError = *row.NotifLastError
	}
	return event, nil
}
