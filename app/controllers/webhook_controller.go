package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tvollmer/planhub/internal/pkg/cache"
	"github.com/tvollmer/planhub/internal/pkg/database"
	"github.com/tvollmer/planhub/internal/pkg/env"
	"github.com/tvollmer/planhub/internal/pkg/metrics/counter"
	"github.com/tvollmer/planhub/internal/pkg/recon"
)

const webhookProcessingTimeout = 15 * time.Second

// HandleGatewayWebhook receives signed event notifications from the payment
// gateway and acknowledges them per the retry contract: 2xx stops retries,
// 5xx requests redelivery, 4xx/401 is a permanent rejection.
func HandleGatewayWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Gateway-Signature"))
	secret := env.GetEnv("GATEWAY_WEBHOOK_SECRET", "")

	// Verification runs before any parsing so attacker-supplied payloads
	// never reach the decoder.
	if err := recon.VerifyWebhookSignature(rawBody, signature, secret, time.Now()); err != nil {
		reason := "invalid_signature"
		if errors.Is(err, recon.ErrStaleTimestamp) {
			reason = "stale_timestamp"
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": reason})
	}

	svc := recon.NewServiceFromDB(database.GetDB(), recon.NewGatewayClientFromEnv())
	svc.SetCacheInvalidator(func(subscriberPublicID string) {
		_ = cache.Delete(cache.SubscriptionStatusKey(subscriberPublicID))
	})

	ctx, cancel := context.WithTimeout(context.Background(), webhookProcessingTimeout)
	defer cancel()

	outcome, err := svc.ProcessEvent(ctx, rawBody)
	_ = counter.AddOutcome(string(outcome))

	status := recon.AckStatus(outcome, err)
	body := fiber.Map{"ok": status == fiber.StatusOK, "outcome": string(outcome)}
	if err != nil {
		body["error"] = err.Error()
	}
	return c.Status(status).JSON(body)
}

// HandleReconciliationStats exposes the outcome counters for operator
// follow-up on failed events.
func HandleReconciliationStats(c *fiber.Ctx) error {
	totals, err := counter.OutcomeTotals()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"outcomes": totals})
}
