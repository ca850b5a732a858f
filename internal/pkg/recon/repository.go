package recon

import (
	"time"

	"github.com/tvollmer/planhub/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the DB operations used by the reconciliation service.
type Repository interface {
	ClaimEvent(event *models.ProcessedEvent) (bool, *models.ProcessedEvent, error)
	FinalizeEvent(id uint, outcome string, processingErr error) error

	FindPlanByGatewayPriceID(priceID string) (*models.CatalogPlan, error)
	GetSubscriberByID(id uint) (*models.Subscriber, error)
	GetSubscriberByPublicID(publicID string) (*models.Subscriber, error)
	GetSubscriptionBySubscriberID(subscriberID uint) (*models.Subscription, error)
	GetSubscriptionByGatewayID(gatewaySubscriptionID string) (*models.Subscription, error)

	ApplySubscriptionState(sub *models.Subscription, subscriberStatus, gatewayCustomerID string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a reconciliation repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// ClaimEvent atomically inserts a "processing" ledger row for the event id.
// Returns claimed=true when this caller won the insert and may process the
// event. A conflicting row with outcome "failed" may be re-claimed via a
// conditional update, so corrected redeliveries can reprocess; any other
// stored outcome means the event is already handled or in flight.
func (r *gormRepository) ClaimEvent(event *models.ProcessedEvent) (bool, *models.ProcessedEvent, error) {
	event.Outcome = models.EventOutcomeProcessing
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "gateway_event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, event, nil
	}

	var stored models.ProcessedEvent
	if err := r.db.Where("gateway_event_id = ?", event.GatewayEventID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	if stored.Outcome == models.EventOutcomeFailed {
		reclaim := r.db.Model(&models.ProcessedEvent{}).
			Where("gateway_event_id = ? AND outcome = ?", event.GatewayEventID, models.EventOutcomeFailed).
			Updates(map[string]interface{}{"outcome": models.EventOutcomeProcessing, "error": ""})
		if reclaim.Error != nil {
			return false, nil, reclaim.Error
		}
		if reclaim.RowsAffected > 0 {
			stored.Outcome = models.EventOutcomeProcessing
			stored.Error = ""
			return true, &stored, nil
		}
	}
	return false, &stored, nil
}

func (r *gormRepository) FinalizeEvent(id uint, outcome string, processingErr error) error {
	now := time.Now()
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return r.db.Model(&models.ProcessedEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"outcome":      outcome,
		"processed_at": &now,
		"error":        errMsg,
	}).Error
}

func (r *gormRepository) FindPlanByGatewayPriceID(priceID string) (*models.CatalogPlan, error) {
	var plan models.CatalogPlan
	err := r.db.Where("gateway_price_id = ? AND is_active = ?", priceID, true).First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) GetSubscriberByID(id uint) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	err := r.db.First(&subscriber, id).Error
	if err != nil {
		return nil, err
	}
	return &subscriber, nil
}

func (r *gormRepository) GetSubscriberByPublicID(publicID string) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	err := r.db.Where("public_id = ?", publicID).First(&subscriber).Error
	if err != nil {
		return nil, err
	}
	return &subscriber, nil
}

func (r *gormRepository) GetSubscriptionBySubscriberID(subscriberID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("subscriber_id = ?", subscriberID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByGatewayID(gatewaySubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("gateway_subscription_id = ?", gatewaySubscriptionID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ApplySubscriptionState upserts the subscription row (keyed on subscriber_id)
// and writes the subscriber's denormalized status mirror in one transaction.
// Either both rows change or neither does.
func (r *gormRepository) ApplySubscriptionState(sub *models.Subscription, subscriberStatus, gatewayCustomerID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "subscriber_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"plan_id",
				"gateway_subscription_id",
				"gateway_price_id",
				"status",
				"updated_at",
			}),
		}).Create(sub).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"status": subscriberStatus}
		if gatewayCustomerID != "" {
			updates["gateway_customer_id"] = gatewayCustomerID
		}
		if err := tx.Model(&models.Subscriber{}).Where("id = ?", sub.SubscriberID).Updates(updates).Error; err != nil {
			return err
		}

		// Ensure ID is populated after upsert.
		return tx.Where("subscriber_id = ?", sub.SubscriberID).First(sub).Error
	})
}
