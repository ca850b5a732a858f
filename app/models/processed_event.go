package models

import "time"

// Processing outcomes for a ledger row. A row is claimed as "processing" before
// any state is touched and finalized exactly once afterwards.
const (
	EventOutcomeProcessing = "processing"
	EventOutcomeApplied    = "applied"
	EventOutcomeIgnored    = "ignored"
	EventOutcomeFailed     = "failed"
)

// ProcessedEvent is the append-only deduplication ledger. The unique index on
// gateway_event_id is what makes the claim-before-process insert atomic under
// concurrent duplicate deliveries.
type ProcessedEvent struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	GatewayEventID string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"gateway_event_id"`
	EventType      string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Outcome        string     `gorm:"type:varchar(32);not null;default:'processing';index" json:"outcome"`
	PayloadJSON    string     `gorm:"type:longtext;not null" json:"payload_json"`
	ProcessedAt    *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	Error          string     `gorm:"type:text" json:"error"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
