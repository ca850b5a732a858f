package models

import "time"

// Subscription status values mirror the gateway's enumeration verbatim.
const (
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusIncomplete = "incomplete"
)

// Subscription is the local record of a recurring billing relationship.
// At most one row exists per subscriber (unique index on subscriber_id);
// cancellation is a status transition, the row is never deleted.
type Subscription struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	SubscriberID          uint      `gorm:"not null;uniqueIndex:ux_subscriptions_subscriber" json:"subscriber_id"`
	PlanID                uint      `gorm:"not null;index" json:"plan_id"`
	GatewaySubscriptionID string    `gorm:"type:varchar(191);not null;index" json:"gateway_subscription_id"`
	GatewayPriceID        string    `gorm:"type:varchar(191);not null" json:"gateway_price_id"`
	Status                string    `gorm:"type:varchar(32);not null;default:'incomplete';index" json:"status"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the subscription reached a sticky end state.
// A canceled subscription is never resurrected by late or out-of-order
// update events.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled
}
