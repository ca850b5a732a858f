package recon

import "github.com/gofiber/fiber/v2"

// Outcome is the result of processing one event, mapped by the transport
// layer onto the acknowledgment contract.
type Outcome string

const (
	// OutcomeApplied means local state was mutated to match the event.
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the event was intentionally a no-op.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDuplicate means the ledger already holds this event id; the
	// gateway must still receive a success ack to stop retrying.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeFailed means processing did not complete; the paired error
	// decides whether the gateway should retry.
	OutcomeFailed Outcome = "failed"
)

// AckStatus maps an outcome and its error to the HTTP status the gateway
// expects: success stops retries, 5xx requests redelivery, 4xx is a
// permanent rejection retrying cannot fix.
func AckStatus(outcome Outcome, err error) int {
	switch outcome {
	case OutcomeApplied, OutcomeIgnored, OutcomeDuplicate:
		return fiber.StatusOK
	default:
		if IsRetryable(err) {
			return fiber.StatusInternalServerError
		}
		return fiber.StatusBadRequest
	}
}
