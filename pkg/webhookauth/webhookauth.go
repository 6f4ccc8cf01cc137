// Package webhookauth authenticates inbound provider webhooks before
// any payload parsing happens. Gmail pushes carry an ECDSA P-256
// signature over the delivery timestamp concatenated with the raw body;
// Graph notifications echo a shared client state checked elsewhere.
package webhookauth

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"
)

// Rejection reasons, stable strings surfaced in responses and metrics.
const (
	ReasonMissingFields    = "Missing required fields"
	ReasonInvalidTimestamp = "Invalid timestamp format"
	ReasonTimestampTooOld  = "Timestamp too old"
	ReasonTimestampFuture  = "Timestamp too far in future"
	ReasonBadSignature     = "Signature verification failed"
)

// RejectionError reports why a webhook failed authentication.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

func reject(reason string) error {
	return &RejectionError{Reason: reason}
}

// Verifier checks webhook signatures and timestamp freshness.
type Verifier struct {
	publicKey  *ecdsa.PublicKey
	maxAge     time.Duration
	futureSkew time.Duration

	now func() time.Time
}

// NewVerifier parses a PEM-encoded P-256 public key and builds a
// verifier. maxAge bounds how stale a delivery may be; futureSkew
// tolerates small clock drift ahead of the receiver.
func NewVerifier(publicKeyPEM string, maxAge, futureSkew time.Duration) (*Verifier, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *ecdsa.PublicKey", parsed)
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if futureSkew <= 0 {
		futureSkew = 30 * time.Second
	}
	return &Verifier{
		publicKey:  key,
		maxAge:     maxAge,
		futureSkew: futureSkew,
		now:        time.Now,
	}, nil
}

// Verify authenticates one delivery. timestamp is the unix-seconds
// string from the signature header, signature the base64 DER-encoded
// ECDSA signature over SHA-256(timestamp || body). The error, when
// non-nil, is always a *RejectionError.
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	if timestamp == "" || signature == "" {
		return reject(ReasonMissingFields)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return reject(ReasonInvalidTimestamp)
	}

	now := v.now()
	sent := time.Unix(ts, 0)
	if now.Sub(sent) > v.maxAge {
		return reject(ReasonTimestampTooOld)
	}
	if sent.Sub(now) > v.futureSkew {
		return reject(ReasonTimestampFuture)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return reject(ReasonBadSignature)
	}

	digest := sha256.Sum256(append([]byte(timestamp), body...))
	if !ecdsa.VerifyASN1(v.publicKey, digest[:], sig) {
		return reject(ReasonBadSignature)
	}
	return nil
}
