package recon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureTolerance bounds how old a signed timestamp may be before the
// event is rejected as a possible replay.
const SignatureTolerance = 5 * time.Minute

// VerifyWebhookSignature checks a gateway signature header of the form
// "t=<unix>,v1=<hex>" against the raw payload. The signed string is
// "<t>.<payload>" keyed with the shared webhook secret. Must run before any
// payload parsing.
func VerifyWebhookSignature(payload []byte, signatureHeader, secret string, now time.Time) error {
	header := strings.TrimSpace(signatureHeader)
	if header == "" || strings.TrimSpace(secret) == "" {
		return ErrInvalidSignature
	}

	var timestamp int64
	var candidates [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrInvalidSignature
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(strings.ToLower(v))
			if err != nil {
				continue
			}
			candidates = append(candidates, sig)
		}
	}
	if timestamp == 0 || len(candidates) == 0 {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := mac.Sum(nil)

	valid := false
	for _, sig := range candidates {
		if hmac.Equal(expected, sig) {
			valid = true
			break
		}
	}
	if !valid {
		return ErrInvalidSignature
	}

	// Stale check runs after the MAC check so an attacker cannot probe
	// timestamps with garbage signatures.
	age := now.Sub(time.Unix(timestamp, 0))
	if age > SignatureTolerance || age < -SignatureTolerance {
		return ErrStaleTimestamp
	}
	return nil
}

// SignPayload produces a signature header for the given payload, used by the
// local replay tooling and tests.
func SignPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
