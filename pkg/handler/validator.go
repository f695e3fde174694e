package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// DefaultMaxAge is how far a request timestamp may drift from our clock
const DefaultMaxAge = 5 * time.Minute

var (
	// ErrInvalidSignature is returned when the signature does not match the body
	ErrInvalidSignature = errors.New("invalid slack signature")

	// ErrStaleTimestamp is returned when the request timestamp is outside the replay window
	ErrStaleTimestamp = errors.New("slack request timestamp outside replay window")
)

// ValidateSlackRequest validates the Slack request signature
// This ensures the request came from Slack
// See: https://api.slack.com/authentication/verifying-requests-from-slack
func ValidateSlackRequest(body []byte, timestamp string, signature string, signingSecret string) bool {
	if timestamp == "" || signature == "" || signingSecret == "" {
		return false
	}

	// Create HMAC SHA256 hash of the base string v0:<timestamp>:<body>
	h := hmac.New(sha256.New, []byte(signingSecret))
	h.Write([]byte("v0:" + timestamp + ":"))
	h.Write(body)
	expectedSig := "v0=" + hex.EncodeToString(h.Sum(nil))

	// Compare with provided signature using constant-time comparison
	return hmac.Equal([]byte(expectedSig), []byte(signature))
}

// Verifier checks signatures and rejects replayed requests
type Verifier struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier with the given replay window
func NewVerifier(maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Verifier{
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Verify returns nil when the request is signed with signingSecret and the
// timestamp lies within the replay window in either direction
func (v *Verifier) Verify(body []byte, timestamp, signature, signingSecret string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}

	drift := v.now().Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.maxAge {
		return ErrStaleTimestamp
	}

	if !ValidateSlackRequest(body, timestamp, signature, signingSecret) {
		return ErrInvalidSignature
	}
	return nil
}
