package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Subscriber status mirror values. The mirror is denormalized from the active
// subscription and is only written by the reconciliation engine.
const (
	SubscriberStatusInactive = "inactive"
	SubscriberStatusActive   = "active"
	SubscriberStatusTrialing = "trialing"
	SubscriberStatusPastDue  = "past_due"
)

// Subscriber is the paying entity. GatewayCustomerID stays empty until the
// first payment links the account to the gateway.
type Subscriber struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	PublicID          string    `gorm:"type:char(36);not null;uniqueIndex" json:"public_id"`
	Email             string    `gorm:"type:varchar(200);not null;uniqueIndex" json:"email"`
	GatewayCustomerID string    `gorm:"type:varchar(191);default:'';index" json:"gateway_customer_id"`
	Status            string    `gorm:"type:varchar(32);not null;default:'inactive';index" json:"status"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns the public identifier if none was set.
func (s *Subscriber) BeforeCreate(tx *gorm.DB) error {
	if s.PublicID == "" {
		s.PublicID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = SubscriberStatusInactive
	}
	return nil
}
