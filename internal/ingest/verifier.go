package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrUnverified means the event's signature check failed. The event is
// dropped and logged, never applied.
var ErrUnverified = errors.New("ingest: event signature verification failed")

// Verifier checks an inbound payload's authenticity before the ingestor
// touches it. The payment processor's SDK verifier plugs in here; HMACVerifier
// is the default.
type Verifier interface {
	Verify(body []byte, signature string) error
}

// HMACVerifier validates a hex-encoded HMAC-SHA256 signature, optionally
// prefixed "sha256=".
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(body []byte, signature string) error {
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrUnverified
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrUnverified
	}
	return nil
}
