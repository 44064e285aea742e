package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Harborhook-Signature" // sha256=<hex>
	TimestampHeader = "X-Harborhook-Timestamp" // unix seconds
	EventIDHeader   = "X-Harborhook-Event-Id"
	AttemptHeader   = "X-Harborhook-Attempt"
	TraceIDHeader   = "X-Trace-Id"
)

var (
	ErrMissingSignature = errors.New("missing signature headers")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrTimestampSkew    = errors.New("timestamp outside leeway")
	ErrSignature        = errors.New("signature mismatch")
)

// Sign returns the signature header value, an HMAC-SHA256 over body||timestamp.
func Sign(secret, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign and rejects timestamps further
// than leeway from now.
func Verify(secret, body []byte, timestamp, signature string, now time.Time, leeway time.Duration) error {
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	skew := now.Unix() - unix
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(leeway.Seconds()) {
		return ErrTimestampSkew
	}
	want := Sign(secret, body, timestamp)
	if !strings.HasPrefix(signature, "sha256=") || !hmac.Equal([]byte(signature), []byte(want)) {
		return ErrSignature
	}
	return nil
}
