package detection

import (
	"time"

	"github.com/google/uuid"
)

// Capture is one inbound frame submitted to the pipeline. It is never
// persisted on its own; the resulting DetectionEvent carries a copy.
type Capture struct {
	ImageRef    string    `json:"image_ref"`
	CameraID    string    `json:"camera_id"`
	Location    string    `json:"location,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// RecognitionResult is the canonical form of a provider response. Provider
// specific response shapes never leave the recognition package.
type RecognitionResult struct {
	PlateText     string  `json:"plate_text"`
	Confidence    float64 `json:"confidence"`
	ProviderUsed  string  `json:"provider_used,omitempty"`
	Attempts      int     `json:"attempts"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
}

type Decision string

const (
	DecisionMatched   Decision = "MATCHED"
	DecisionUnmatched Decision = "UNMATCHED"
)

type MatchResult struct {
	OwnerID      *int64   `json:"owner_id,omitempty"`
	MatchedPlate string   `json:"matched_plate,omitempty"`
	Similarity   float64  `json:"similarity_score"`
	ExactMatch   bool     `json:"exact_match,omitempty"`
	Decision     Decision `json:"decision"`
}

type NotificationOutcome struct {
	Attempted  bool   `json:"attempted"`
	Delivered  bool   `json:"delivered"`
	Suppressed bool   `json:"suppressed,omitempty"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

type Status string

const (
	StatusMatched           Status = "matched"
	StatusUnmatched         Status = "unmatched"
	StatusDeduplicated      Status = "deduplicated"
	StatusRecognitionFailed Status = "recognition_failed"
	StatusTimeout           Status = "timeout"
)

// DetectionEvent is the durable record of one pipeline run. Exactly one is
// created per admitted Capture, regardless of how far the pipeline got.
type Event struct {
	ID           uuid.UUID           `json:"id"`
	Capture      Capture             `json:"capture"`
	Recognition  RecognitionResult   `json:"recognition_result"`
	Match        MatchResult         `json:"match_result"`
	Notification NotificationOutcome `json:"notification_outcome"`
	Status       Status              `json:"status"`
	Deduplicated bool                `json:"deduplicated,omitempty"`
	DetectedAt   time.Time           `json:"detected_at"`
}

// RegisteredPlate is the matching engine's read-only view of one directory
// row. At most one active row is canonical per normalized plate string.
type RegisteredPlate struct {
	ID         int64     `json:"id"`
	OwnerID    int64     `json:"owner_id"`
	Number     string    `json:"number"`
	Normalized string    `json:"normalized"`
	IsPrimary  bool      `json:"is_primary"`
	IsActive   bool      `json:"is_active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Owner struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	IsActive bool   `json:"is_active"`
}

type EventFilter struct {
	Plate    *string
	CameraID *string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

type Stats struct {
	TotalDetections  int64 `json:"total_detections"`
	Matched          int64 `json:"matched"`
	Unmatched        int64 `json:"unmatched"`
	Deduplicated     int64 `json:"deduplicated"`
	Failed           int64 `json:"failed"`
	NotificationsOK  int64 `json:"notifications_delivered"`
	NotificationsErr int64 `json:"notifications_failed"`
}
