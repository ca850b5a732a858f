package controllers

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tvollmer/planhub/app/models"
	"github.com/tvollmer/planhub/internal/pkg/cache"
	"github.com/tvollmer/planhub/internal/pkg/database"
	"gorm.io/gorm"
)

const subscriptionViewTTL = 60 * time.Second

type planView struct {
	Name           string `json:"name"`
	GatewayPriceID string `json:"gateway_price_id"`
}

type subscriptionView struct {
	SubscriberID string    `json:"subscriber_id"`
	Status       string    `json:"status"`
	Subscription string    `json:"subscription_status,omitempty"`
	Plan         *planView `json:"plan,omitempty"`
}

// HandleHealth is the liveness endpoint.
func HandleHealth(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// HandleGetSubscription returns the reconciled subscription status and plan
// for a subscriber. Plain read of the reconciled rows, cached briefly; the
// engine invalidates the cache on every write.
func HandleGetSubscription(c *fiber.Ctx) error {
	publicID := strings.TrimSpace(c.Params("id"))
	if publicID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "subscriber id required"})
	}

	key := cache.SubscriptionStatusKey(publicID)
	if cached, err := cache.Get(key); err == nil && cached != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.SendString(cached)
	}

	db := database.GetDB()
	var subscriber models.Subscriber
	if err := db.Where("public_id = ?", publicID).First(&subscriber).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown subscriber"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscriber lookup failed"})
	}

	view := subscriptionView{
		SubscriberID: subscriber.PublicID,
		Status:       subscriber.Status,
	}

	var sub models.Subscription
	err := db.Where("subscriber_id = ?", subscriber.ID).First(&sub).Error
	if err == nil {
		view.Subscription = sub.Status
		var plan models.CatalogPlan
		if planErr := db.First(&plan, sub.PlanID).Error; planErr == nil {
			view.Plan = &planView{Name: plan.Name, GatewayPriceID: plan.GatewayPriceID}
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription lookup failed"})
	}

	if payload, err := json.Marshal(view); err == nil {
		_ = cache.Set(key, string(payload), subscriptionViewTTL)
	}
	return c.Status(fiber.StatusOK).JSON(view)
}
