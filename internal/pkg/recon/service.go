package recon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/tvollmer/planhub/app/models"
	"gorm.io/gorm"
)

// Service is the reconciliation core: it applies decoded gateway events to the
// local subscriber/subscription aggregate with at-most-once effective
// application per event id.
type Service struct {
	repo       Repository
	gateway    SubscriptionFetcher
	invalidate func(subscriberPublicID string)
}

// NewService creates a reconciliation service from an injected repository and
// gateway detail fetcher.
func NewService(repo Repository, gateway SubscriptionFetcher) *Service {
	return &Service{repo: repo, gateway: gateway}
}

// NewServiceFromDB creates a reconciliation service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, gateway SubscriptionFetcher) *Service {
	return NewService(NewRepository(db), gateway)
}

// SetCacheInvalidator registers a hook called with the subscriber public id
// after every successful state mutation.
func (s *Service) SetCacheInvalidator(fn func(subscriberPublicID string)) {
	s.invalidate = fn
}

// ProcessEvent runs the full pipeline for one verified raw payload: decode,
// claim the ledger row, apply the state transition, finalize the row. The
// returned outcome and error drive the transport acknowledgment.
func (s *Service) ProcessEvent(ctx context.Context, payload []byte) (Outcome, error) {
	eventID, event, err := DecodeEvent(payload)
	if err != nil {
		s.recordMalformed(eventID, payload, err)
		return OutcomeFailed, err
	}

	claimed, ledgerRow, err := s.repo.ClaimEvent(&models.ProcessedEvent{
		GatewayEventID: eventID,
		EventType:      event.EventType(),
		PayloadJSON:    string(payload),
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if !claimed {
		// Lost the claim race or the event is already handled. Either way
		// the gateway gets a success ack so it stops retrying.
		return OutcomeDuplicate, nil
	}

	outcome, publicID, applyErr := s.apply(ctx, event)
	if applyErr != nil {
		if err := s.repo.FinalizeEvent(ledgerRow.ID, models.EventOutcomeFailed, applyErr); err != nil {
			log.Printf("recon: finalize failed ledger row for %s: %v", eventID, err)
		}
		return OutcomeFailed, applyErr
	}

	final := models.EventOutcomeApplied
	if outcome == OutcomeIgnored {
		final = models.EventOutcomeIgnored
	}
	if err := s.repo.FinalizeEvent(ledgerRow.ID, final, nil); err != nil {
		return OutcomeFailed, fmt.Errorf("finalize event %s: %w", eventID, err)
	}
	if outcome == OutcomeApplied && publicID != "" && s.invalidate != nil {
		s.invalidate(publicID)
	}
	return outcome, nil
}

// recordMalformed keeps an audit trail for payloads that never yielded an
// event id, keyed by a payload hash like any other ledger entry.
func (s *Service) recordMalformed(eventID string, payload []byte, cause error) {
	if eventID == "" {
		sum := sha256.Sum256(payload)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}
	claimed, row, err := s.repo.ClaimEvent(&models.ProcessedEvent{
		GatewayEventID: eventID,
		EventType:      "malformed",
		PayloadJSON:    string(payload),
	})
	if err != nil || !claimed {
		return
	}
	_ = s.repo.FinalizeEvent(row.ID, models.EventOutcomeFailed, cause)
}

func (s *Service) apply(ctx context.Context, event Event) (Outcome, string, error) {
	switch ev := event.(type) {
	case InvoicePaymentSucceeded:
		if ev.BillingReason != BillingReasonSubscriptionCreate {
			// Renewal invoices must not re-trigger creation.
			return OutcomeIgnored, "", nil
		}
		return s.activateFromGateway(ctx, ev.SubscriptionID, ev.CustomerID)
	case CheckoutCompleted:
		if ev.PaymentStatus != "paid" {
			return OutcomeIgnored, "", nil
		}
		return s.activateFromGateway(ctx, ev.SubscriptionID, ev.CustomerID)
	case SubscriptionUpdated:
		return s.applyUpdated(ctx, ev)
	case SubscriptionDeleted:
		return s.applyDeleted(ctx, ev)
	case Unhandled:
		log.Printf("recon: ignoring unhandled gateway event type %q", ev.Type)
		return OutcomeIgnored, "", nil
	default:
		return OutcomeIgnored, "", nil
	}
}

// activateFromGateway is the shared creation path for first-invoice and paid
// checkout events. Invoice and checkout payloads lack plan metadata, so the
// subscription detail is fetched from the gateway before the upsert.
func (s *Service) activateFromGateway(ctx context.Context, subscriptionID, customerID string) (Outcome, string, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		// Redelivering an activation event that never named a
		// subscription cannot succeed; reject it permanently.
		return OutcomeFailed, "", fmt.Errorf("%w: activation event missing subscription id", ErrMalformedEvent)
	}
	detail, err := s.gateway.FetchSubscription(ctx, subscriptionID)
	if err != nil {
		return OutcomeFailed, "", err
	}
	if strings.TrimSpace(detail.SubscriberRef) == "" {
		return OutcomeFailed, "", fmt.Errorf("%w: gateway subscription %s", ErrMissingSubscriberRef, subscriptionID)
	}

	subscriber, err := s.lookupSubscriber(detail.SubscriberRef)
	if err != nil {
		return OutcomeFailed, "", err
	}
	plan, err := s.resolvePlan(detail.PriceID)
	if err != nil {
		return OutcomeFailed, "", err
	}

	if existing, err := s.repo.GetSubscriptionBySubscriberID(subscriber.ID); err == nil {
		if existing.IsTerminal() && existing.GatewaySubscriptionID == detail.ID {
			// Late replay of an activation for an already-canceled
			// subscription; terminal states are sticky.
			return OutcomeIgnored, "", nil
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return OutcomeFailed, "", err
	}

	if customerID == "" {
		customerID = detail.CustomerID
	}
	sub := &models.Subscription{
		SubscriberID:          subscriber.ID,
		PlanID:                plan.ID,
		GatewaySubscriptionID: detail.ID,
		GatewayPriceID:        detail.PriceID,
		Status:                models.SubscriptionStatusActive,
	}
	if err := s.repo.ApplySubscriptionState(sub, models.SubscriberStatusActive, customerID); err != nil {
		return OutcomeFailed, "", err
	}
	return OutcomeApplied, subscriber.PublicID, nil
}

func (s *Service) applyUpdated(ctx context.Context, ev SubscriptionUpdated) (Outcome, string, error) {
	_ = ctx
	if strings.TrimSpace(ev.SubscriberRef) == "" {
		return OutcomeFailed, "", fmt.Errorf("%w: gateway subscription %s", ErrMissingSubscriberRef, ev.SubscriptionID)
	}
	status := strings.ToLower(strings.TrimSpace(ev.Status))
	if !isKnownSubscriptionStatus(status) {
		return OutcomeFailed, "", fmt.Errorf("%w: unknown subscription status %q", ErrMalformedEvent, ev.Status)
	}

	subscriber, err := s.lookupSubscriber(ev.SubscriberRef)
	if err != nil {
		return OutcomeFailed, "", err
	}
	// Resolve the plan before any write so an unmapped price id leaves the
	// existing row untouched.
	plan, err := s.resolvePlan(ev.PriceID)
	if err != nil {
		return OutcomeFailed, "", err
	}

	if existing, err := s.repo.GetSubscriptionBySubscriberID(subscriber.ID); err == nil {
		if existing.IsTerminal() && existing.GatewaySubscriptionID == ev.SubscriptionID {
			return OutcomeIgnored, "", nil
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return OutcomeFailed, "", err
	}

	sub := &models.Subscription{
		SubscriberID:          subscriber.ID,
		PlanID:                plan.ID,
		GatewaySubscriptionID: ev.SubscriptionID,
		GatewayPriceID:        ev.PriceID,
		Status:                status,
	}
	if err := s.repo.ApplySubscriptionState(sub, mirrorStatus(status), ""); err != nil {
		return OutcomeFailed, "", err
	}
	return OutcomeApplied, subscriber.PublicID, nil
}

func (s *Service) applyDeleted(ctx context.Context, ev SubscriptionDeleted) (Outcome, string, error) {
	_ = ctx
	existing, err := s.repo.GetSubscriptionByGatewayID(ev.SubscriptionID)
	if errors.Is(err, gorm.ErrRecordNotFound) && strings.TrimSpace(ev.SubscriberRef) != "" {
		if subscriber, lookupErr := s.lookupSubscriber(ev.SubscriberRef); lookupErr == nil {
			existing, err = s.repo.GetSubscriptionBySubscriberID(subscriber.ID)
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Nothing local mirrors this subscription; there is nothing to
		// cancel and the gateway must not keep retrying.
		return OutcomeIgnored, "", nil
	}
	if err != nil {
		return OutcomeFailed, "", err
	}

	// Resolve the subscriber before mutating so the cache invalidation
	// hook always has the public id afterwards.
	subscriber, err := s.repo.GetSubscriberByID(existing.SubscriberID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return OutcomeFailed, "", err
	}

	existing.Status = models.SubscriptionStatusCanceled
	if err := s.repo.ApplySubscriptionState(existing, models.SubscriberStatusInactive, ""); err != nil {
		return OutcomeFailed, "", err
	}

	publicID := ""
	if subscriber != nil {
		publicID = subscriber.PublicID
	} else {
		log.Printf("recon: no subscriber row for canceled subscription %s, skipping cache invalidation", ev.SubscriptionID)
	}
	return OutcomeApplied, publicID, nil
}

func (s *Service) lookupSubscriber(ref string) (*models.Subscriber, error) {
	subscriber, err := s.repo.GetSubscriberByPublicID(strings.TrimSpace(ref))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSubscriberNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return subscriber, nil
}

// resolvePlan fails closed: an unmapped gateway price id is an error, never a
// silent default, because applying an update without a resolvable plan would
// corrupt the subscriber's entitlement state.
func (s *Service) resolvePlan(priceID string) (*models.CatalogPlan, error) {
	ref := strings.TrimSpace(priceID)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty price id", ErrPlanNotMapped)
	}
	plan, err := s.repo.FindPlanByGatewayPriceID(ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotMapped, ref)
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func isKnownSubscriptionStatus(status string) bool {
	switch status {
	case models.SubscriptionStatusTrialing,
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusCanceled,
		models.SubscriptionStatusIncomplete:
		return true
	default:
		return false
	}
}

// mirrorStatus maps a subscription status onto the subscriber's denormalized
// status field.
func mirrorStatus(subscriptionStatus string) string {
	switch subscriptionStatus {
	case models.SubscriptionStatusActive:
		return models.SubscriberStatusActive
	case models.SubscriptionStatusTrialing:
		return models.SubscriberStatusTrialing
	case models.SubscriptionStatusPastDue:
		return models.SubscriberStatusPastDue
	default:
		return models.SubscriberStatusInactive
	}
}
