package models

import "time"

// CatalogPlan is an internally defined sellable package. GatewayPriceID is the
// unique external price reference the plan mapper resolves against; it is
// maintained administratively and read-only for the reconciliation engine.
type CatalogPlan struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"name"`
	GatewayPriceID string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"gateway_price_id"`
	PriceCents     int       `gorm:"not null;default:0" json:"price_cents"`
	Features       string    `gorm:"type:text" json:"features"`
	IsActive       bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
