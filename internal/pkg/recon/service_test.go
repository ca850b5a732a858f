package recon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tvollmer/planhub/app/models"
	"gorm.io/gorm"
)

// fakeRepository mirrors the GORM repository semantics in memory: unique
// event-id claims, failed-row reclaim, subscription upsert keyed on
// subscriber id and the subscriber status mirror.
type fakeRepository struct {
	mu            sync.Mutex
	nextRowID     uint
	events        map[string]*models.ProcessedEvent
	subscribers   map[uint]*models.Subscriber
	plans         []*models.CatalogPlan
	subscriptions map[uint]*models.Subscription
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		events:        make(map[string]*models.ProcessedEvent),
		subscribers:   make(map[uint]*models.Subscriber),
		subscriptions: make(map[uint]*models.Subscription),
	}
}

func (r *fakeRepository) addSubscriber(id uint, publicID string) *models.Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &models.Subscriber{ID: id, PublicID: publicID, Email: publicID + "@example.com", Status: models.SubscriberStatusInactive}
	r.subscribers[id] = s
	return s
}

func (r *fakeRepository) addPlan(id uint, name, gatewayPriceID string) *models.CatalogPlan {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &models.CatalogPlan{ID: id, Name: name, GatewayPriceID: gatewayPriceID, IsActive: true}
	r.plans = append(r.plans, p)
	return p
}

func (r *fakeRepository) ClaimEvent(event *models.ProcessedEvent) (bool, *models.ProcessedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.events[event.GatewayEventID]; ok {
		if stored.Outcome == models.EventOutcomeFailed {
			stored.Outcome = models.EventOutcomeProcessing
			stored.Error = ""
			return true, stored, nil
		}
		return false, stored, nil
	}
	r.nextRowID++
	event.ID = r.nextRowID
	event.Outcome = models.EventOutcomeProcessing
	r.events[event.GatewayEventID] = event
	return true, event, nil
}

func (r *fakeRepository) FinalizeEvent(id uint, outcome string, processingErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.ID == id {
			ev.Outcome = outcome
			if processingErr != nil {
				ev.Error = processingErr.Error()
			} else {
				ev.Error = ""
			}
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *fakeRepository) FindPlanByGatewayPriceID(priceID string) (*models.CatalogPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plans {
		if p.GatewayPriceID == priceID && p.IsActive {
			return p, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) GetSubscriberByID(id uint) (*models.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subscribers[id]; ok {
		return s, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) GetSubscriberByPublicID(publicID string) (*models.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subscribers {
		if s.PublicID == publicID {
			return s, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) GetSubscriptionBySubscriberID(subscriberID uint) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subscriptions[subscriberID]; ok {
		return s, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) GetSubscriptionByGatewayID(gatewaySubscriptionID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subscriptions {
		if s.GatewaySubscriptionID == gatewaySubscriptionID {
			return s, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) ApplySubscriptionState(sub *models.Subscription, subscriberStatus, gatewayCustomerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	subscriber, ok := r.subscribers[sub.SubscriberID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if existing, ok := r.subscriptions[sub.SubscriberID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		r.nextRowID++
		sub.ID = r.nextRowID
	}
	stored := *sub
	r.subscriptions[sub.SubscriberID] = &stored
	subscriber.Status = subscriberStatus
	if gatewayCustomerID != "" {
		subscriber.GatewayCustomerID = gatewayCustomerID
	}
	return nil
}

func (r *fakeRepository) ledgerOutcome(eventID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.events[eventID]; ok {
		return ev.Outcome
	}
	return ""
}

type stubFetcher struct {
	detail *SubscriptionDetail
	err    error
	calls  atomic.Int64
}

func (f *stubFetcher) FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.detail, nil
}

func invoicePayload(eventID, subscriptionID, customerID, billingReason string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "invoice.payment_succeeded",
		"data": { "object": {
			"subscription": %q,
			"customer": %q,
			"billing_reason": %q
		}}
	}`, eventID, subscriptionID, customerID, billingReason))
}

func checkoutPayload(eventID, subscriptionID, customerID, paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": { "object": {
			"subscription": %q,
			"customer": %q,
			"payment_status": %q
		}}
	}`, eventID, subscriptionID, customerID, paymentStatus))
}

func updatePayload(eventID, subscriptionID, subscriberRef, priceID, status string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "customer.subscription.updated",
		"data": { "object": {
			"id": %q,
			"status": %q,
			"metadata": { "subscriber_ref": %q },
			"items": { "data": [ { "price": { "id": %q } } ] }
		}}
	}`, eventID, subscriptionID, status, subscriberRef, priceID))
}

func deletePayload(eventID, subscriptionID, subscriberRef string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "customer.subscription.deleted",
		"data": { "object": {
			"id": %q,
			"metadata": { "subscriber_ref": %q }
		}}
	}`, eventID, subscriptionID, subscriberRef))
}

func TestProcessEvent_FirstInvoiceActivates(t *testing.T) {
	repo := newFakeRepository()
	repo.addSubscriber(42, "user_42")
	plan := repo.addPlan(1, "pro-monthly", "price_pro")
	fetcher := &stubFetcher{detail: &SubscriptionDetail{
		ID:            "sub_A",
		CustomerID:    "cus_1",
		SubscriberRef: "user_42",
		PriceID:       "price_pro",
		Status:        "active",
	}}
	svc := NewService(repo, fetcher)

	var invalidated []string
	svc.SetCacheInvalidator(func(publicID string) { invalidated = append(invalidated, publicID) })

	outcome, err := svc.ProcessEvent(context.Background(), invoicePayload("evt_1", "sub_A", "cus_1", "subscription_create"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.EventOutcomeApplied, repo.ledgerOutcome("evt_1"))

	sub, err := repo.GetSubscriptionBySubscriberID(42)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, plan.ID, sub.PlanID)
	assert.Equal(t, "sub_A", sub.GatewaySubscriptionID)

	subscriber, err := repo.GetSubscriberByID(42)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatusActive, subscriber.Status)
	assert.Equal(t, "cus_1", subscriber.GatewayCustomerID)
	assert.Equal(t, []string{"user_42"}, invalidated)
}

func TestProcessEvent_RedeliveryIsDuplicate(t *testing.T) {
	repo := newFakeRepository()
	repo.addSubscriber(42, "user_42")
	repo.addPlan(1, "pro-monthly", "price_pro")
	fetcher := &stubFetcher{detail: &SubscriptionDetail{
		ID: "sub_A", CustomerID: "cus_1", SubscriberRef: "user_42", PriceID: "price_pro", Status: "active",
	}}
	svc := NewService(repo, fetcher)

	payload := invoicePayload("evt_1", "sub_A", "cus_1", "subscription_create")
	outcome, err := svc.ProcessEvent(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)
	firstFetchCount := fetcher.calls.Load()

	outcome, err = svc.ProcessEvent(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, firstFetchCount, fetcher.calls.Load(), "redelivery must short-circuit before the gateway fetch")
	assert.Equal(t, models.EventOutcomeApplied, repo.ledgerOutcome("evt_1"))
}

func TestProcessEvent_ConcurrentRedeliveriesClaimOnce(t *testing.T) {
	repo := newFakeRepository()
	repo.addSubscriber(42, "user_42")
	repo.addPlan(1, "pro-monthly", "price_pro")
	fetcher := &stubFetcher{detail: &SubscriptionDetail{
		ID: "sub_A", CustomerID: "cus_1", SubscriberRef: "user_42", PriceID: "price_pro", Status: "active",
	}}
	svc := NewService(repo, fetcher)

	const workers = 8
	payload := invoicePayload("evt_1", "sub_A", "cus_1", "subscription_create")
	outcomes := make([]Outcome, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.ProcessEvent(context.Background(), payload)
		}(i)
	}
	wg.Wait()

	applied, duplicates := 0, 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		switch outcomes[i] {
		case OutcomeApplied:
			applied++
		case OutcomeDuplicate:
			duplicates++
		default:
			t.Fatalf("unexpected outcome %q", outcomes[i])
		}
	}
	assert.Equal(t, 1, applied, "exactly one delivery wins the claim")
	assert.Equal(t, workers-1, duplicates)
	assert.Equal(t, int64(1), fetcher.calls.Load(), "losing deliveries must not reach the gateway")
	assert.Equal(t, models.EventOutcomeApplied, repo.ledgerOutcome("evt_1"))
}

func TestProcessEvent_RenewalInvoiceIgnored(t *testing.T) {
	repo := newFakeRepository()
	repo.addSubscriber(42, "user_42")
	fetcher := &stubFetcher{}
	svc := NewService(repo, fetcher)

	outcome, err := svc.ProcessEvent(context.Background(), invoicePayload("evt_renew", "sub_A", "cus_1", "subscription_cycle"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, fetcher.calls.Load(), "renewal invoices must not trigger the compensating fetch")
	assert.Equal(t, models.EventOutcomeIgnored, repo.ledgerOutcome("evt_renew"))
}

func TestProcessEvent_CheckoutPaidActivates(t *testing.T) {
	repo := newFakeRepository()
	repo.addSubscriber(7, "user_7")
	repo.addPlan(1, "pro-monthly", "price_pro")
	fetcher := &stubFetcher{detail: &SubscriptionDetail{
		ID: "sub_B", CustomerID: "cus_7", SubscriberRef: "user_7", PriceID: "price_pro", Status: "active",
	}}
	svc := NewService(repo, fetcher)

	outcome, err := svc.ProcessEvent(context.Background(), checkoutPayload("evt_co", "sub_B", "cus_7", "paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	sub, err := repo.GetSubscriptionBySubscriberID(7)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestProcessEvent_CheckoutUnpaidIgnored(t *testing.T) {
	repo := newFakeRepository()
	fetcher := &stubFetcher{}
	svc := NewService(repo, fetcher)

	outcome, err := svc.ProcessEvent(context.Background(), checkoutPayload("evt_co2", "sub_B", "cus_7", "unpaid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, fetcher.calls.Load())
}

func TestProcessEvent_ActivationWithoutSubscriptionIDFailsPermanently(t *testing.T) {
	repo := newFakeRepository()
	repo.addSubscriber(42, "user_42")
	repo.addPlan(1, "pro-monthly", "price_pro")
	fetcher := &stubFetcher{}
	svc := NewService(repo, fetcher)

	outcome, err := svc.ProcessEvent(context.Background(), invoicePayload("evt_noid", "", "cus_1", "subscription_create"))
	assert.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, ErrMalformedEvent)
	assert.False(t, IsRetryable(err), "an event that never names a subscription cannot succeed on redelivery")
	assert.Equal(t, 400, AckStatus(outcome, err))
	assert.Equal(t, models.EventOutcomeFailed, repo.ledgerOutcome("evt_noid"))

	outcome, err = svc.ProcessEvent(context.Background(), checkoutPayload("evt_co_noid", "", "cus_1", "paid"))
	assert.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, ErrMalformedEvent)
	assert.Equal(t, 400, AckStatus(outcome, err))

	assert.Zero(t, fetcher.calls.Load(), "nothing to fetch without a subscription id")
}

func TestProcessEvent_UpdateMirrorsStatus(t *testing.T) {
	repo := newFakeRepository()
	repo.addSubscriber(42, "user_42")
	repo.addPlan(1, "pro-monthly", "price_pro")
	repo.addPlan(2, "pro-yearly", "price_pro_yearly")
	svc := NewService(repo, &stubFetcher{})

	outcome, err := svc.ProcessEvent(context.Background(), updatePayload("evt_u1", "sub_A", "user_42", "price_pro_yearly", "past_due"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	sub, err := repo.GetSubscriptionBySubscriberID(42)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, uint(2), sub.PlanID)
	assert.Equal(t, "price_pro_yearly", sub.GatewayPriceID)

	subscriber, _ := repo.GetSubscriberByID(42)
	assert.Equal(t, models.SubscriberStatusPastDue, subscriber.Status)
}

func TestProcessEvent_UnmappedPlanFailsClosed(t *testing.T) {
	repo := newFakeRepository()
	repo.addSubscriber(42, "user_42")
	repo.addPlan(1, "pro-monthly", "price_pro")
	svc := NewService(repo, &stubFetcher{})

	// Seed an existing active subscription.
	outcome, err := svc.ProcessEvent(context.Background(), updatePayload("evt_u1", "sub_A", "user_42", "price_pro", "active"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	outcome, err = svc.ProcessEvent(context.Background(), updatePayload("evt_u2", "sub_A", "user_42", "price_enterprise", "active"))
	assert.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, ErrPlanNotMapped)
	assert.False(t, IsRetryable(err), "plan mapping misses are permanent until the catalog is fixed")
	assert.Equal(t, models.EventOutcomeFailed, repo.ledgerOutcome("evt_u2"))

	// Existing row untouched.
	sub, err := repo.GetSubscriptionBySubscriberID(42)
	require.NoError(t, err)
	assert.Equal(t, "price_pro", sub.GatewayPriceID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestProcessEvent_DeleteCancelsAndSticks(t *testing.T) {
	repo := newFakeRepository()
	repo.addSubscriber(42, "user_42")
	repo.addPlan(1, "pro-monthly", "price_pro")
	svc := NewService(repo, &stubFetcher{})

	var invalidated []string
	svc.SetCacheInvalidator(func(publicID string) { invalidated = append(invalidated, publicID) })

	_, err := svc.ProcessEvent(context.Background(), updatePayload("evt_u1", "sub_A", "user_42", "price_pro", "active"))
	require.NoError(t, err)

	// The delete carries no subscriber_ref, so the public id must be
	// resolved from the local row for the invalidation hook.
	outcome, err := svc.ProcessEvent(context.Background(), deletePayload("evt_d1", "sub_A", ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, []string{"user_42", "user_42"}, invalidated, "cancellation must evict the cached view")

	sub, err := repo.GetSubscriptionBySubscriberID(42)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status, "cancellation keeps the row")

	subscriber, _ := repo.GetSubscriberByID(42)
	assert.Equal(t, models.SubscriberStatusInactive, subscriber.Status)

	// A delayed duplicate update for the same gateway subscription must not
	// resurrect the canceled state.
	outcome, err = svc.ProcessEvent(context.Background(), updatePayload("evt_u_late", "sub_A", "user_42", "price_pro", "active"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	sub, _ = repo.GetSubscriptionBySubscriberID(42)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)

	// A fresh gateway subscription id is a genuine resubscribe and applies.
	outcome, err = svc.ProcessEvent(context.Background(), updatePayload("evt_u_new", "sub_NEW", "user_42", "price_pro", "active"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestProcessEvent_DeleteUnknownSubscriptionIgnored(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, &stubFetcher{})

	outcome, err := svc.ProcessEvent(context.Background(), deletePayload("evt_d2", "sub_missing", ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestProcessEvent_UnhandledTypeAcked(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, &stubFetcher{})

	outcome, err := svc.ProcessEvent(context.Background(), []byte(`{"id":"evt_x","type":"invoice.finalized","data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, models.EventOutcomeIgnored, repo.ledgerOutcome("evt_x"))
}

func TestProcessEvent_MalformedPayload(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, &stubFetcher{})

	outcome, err := svc.ProcessEvent(context.Background(), []byte(`{"broken`))
	assert.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, ErrMalformedEvent)
	assert.False(t, IsRetryable(err))
}

func TestProcessEvent_GatewayFailureIsRetryableAndReprocessable(t *testing.T) {
	repo := newFakeRepository()
	repo.addSubscriber(42, "user_42")
	repo.addPlan(1, "pro-monthly", "price_pro")
	fetcher := &stubFetcher{err: fmt.Errorf("%w: connection refused", ErrGatewayUnavailable)}
	svc := NewService(repo, fetcher)

	payload := invoicePayload("evt_1", "sub_A", "cus_1", "subscription_create")
	outcome, err := svc.ProcessEvent(context.Background(), payload)
	assert.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, models.EventOutcomeFailed, repo.ledgerOutcome("evt_1"))

	// Redelivery after the gateway recovers re-claims the failed row and
	// applies cleanly.
	fetcher.err = nil
	fetcher.detail = &SubscriptionDetail{
		ID: "sub_A", CustomerID: "cus_1", SubscriberRef: "user_42", PriceID: "price_pro", Status: "active",
	}
	outcome, err = svc.ProcessEvent(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.EventOutcomeApplied, repo.ledgerOutcome("evt_1"))
}

func TestProcessEvent_UnknownSubscriberFails(t *testing.T) {
	repo := newFakeRepository()
	repo.addPlan(1, "pro-monthly", "price_pro")
	svc := NewService(repo, &stubFetcher{})

	outcome, err := svc.ProcessEvent(context.Background(), updatePayload("evt_u9", "sub_Z", "user_ghost", "price_pro", "active"))
	assert.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, ErrSubscriberNotFound)
	assert.False(t, IsRetryable(err))
}

func TestAckStatus(t *testing.T) {
	assert.Equal(t, 200, AckStatus(OutcomeApplied, nil))
	assert.Equal(t, 200, AckStatus(OutcomeIgnored, nil))
	assert.Equal(t, 200, AckStatus(OutcomeDuplicate, nil))
	assert.Equal(t, 500, AckStatus(OutcomeFailed, ErrGatewayUnavailable))
	assert.Equal(t, 400, AckStatus(OutcomeFailed, ErrPlanNotMapped))
	assert.Equal(t, 400, AckStatus(OutcomeFailed, ErrMalformedEvent))
}
