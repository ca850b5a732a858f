package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tvollmer/planhub/internal/pkg/env"
)

const defaultGatewayAPIBaseURL = "https://api.paygate.example.com"

// SubscriptionDetail is the gateway's authoritative view of a subscription,
// fetched when an event payload lacks plan metadata.
type SubscriptionDetail struct {
	ID            string
	CustomerID    string
	SubscriberRef string
	PriceID       string
	Status        string
}

// SubscriptionFetcher is the narrow port for the compensating detail fetch so
// the reconciliation core can be tested without a live gateway.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error)
}

// GatewayClient talks to the payment gateway's REST API.
type GatewayClient struct {
	APIKey     string
	APIBaseURL string

	HTTPClient *http.Client
}

func NewGatewayClientFromEnv() *GatewayClient {
	return &GatewayClient{
		APIKey:     strings.TrimSpace(env.GetEnv("GATEWAY_API_KEY", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("GATEWAY_API_BASE_URL", defaultGatewayAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FetchSubscription loads full subscription detail by gateway id. Network and
// server-side failures are reported as ErrGatewayUnavailable so the event is
// acknowledged as retryable.
func (c *GatewayClient) FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error) {
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return nil, errors.New("subscription id is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("GATEWAY_API_KEY is not configured")
	}

	url := strings.TrimRight(c.APIBaseURL, "/") + "/v1/subscriptions/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrGatewayUnavailable, resp.StatusCode, string(body))
	}

	var obj subscriptionObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("gateway subscription response: %w", err)
	}
	if strings.TrimSpace(obj.ID) == "" {
		return nil, errors.New("gateway subscription response missing id")
	}

	priceID := ""
	if len(obj.Items.Data) > 0 {
		priceID = obj.Items.Data[0].Price.ID
	}
	return &SubscriptionDetail{
		ID:            obj.ID,
		CustomerID:    strings.TrimSpace(obj.Customer),
		SubscriberRef: strings.TrimSpace(obj.Metadata.SubscriberRef),
		PriceID:       strings.TrimSpace(priceID),
		Status:        strings.TrimSpace(obj.Status),
	}, nil
}
