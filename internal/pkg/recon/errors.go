package recon

import "errors"

// Error taxonomy for event processing. Permanent errors are acknowledged as
// non-retryable rejections; transient errors ask the gateway to redeliver.
var (
	ErrInvalidSignature     = errors.New("webhook signature verification failed")
	ErrStaleTimestamp       = errors.New("webhook signature timestamp outside tolerance")
	ErrMalformedEvent       = errors.New("malformed event payload")
	ErrPlanNotMapped        = errors.New("gateway price id has no catalog plan mapping")
	ErrMissingSubscriberRef = errors.New("event carries no subscriber reference")
	ErrSubscriberNotFound   = errors.New("subscriber reference does not resolve to a local account")
	ErrGatewayUnavailable   = errors.New("gateway detail fetch failed")
)

// IsRetryable reports whether a processing error should be acknowledged with a
// retry-requested response so the gateway redelivers. Anything not explicitly
// permanent is treated as transient (storage errors, timeouts, gateway
// unavailability).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrStaleTimestamp),
		errors.Is(err, ErrMalformedEvent),
		errors.Is(err, ErrPlanNotMapped),
		errors.Is(err, ErrMissingSubscriberRef),
		errors.Is(err, ErrSubscriberNotFound):
		return false
	}
	return true
}
