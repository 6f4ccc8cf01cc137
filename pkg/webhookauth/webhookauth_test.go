package webhookauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signer struct {
	key *ecdsa.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &signer{key: key}
}

func (s *signer) publicPEM(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func (s *signer) sign(t *testing.T, timestamp string, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(append([]byte(timestamp), body...))
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func newTestVerifier(t *testing.T, s *signer, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(s.publicPEM(t), 10*time.Minute, 30*time.Second)
	require.NoError(t, err)
	v.now = func() time.Time { return now }
	return v
}

func TestVerifier(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"message":{"data":"eyJ9"}}`)

	t.Run("Success - valid signature", func(t *testing.T) {
		s := newSigner(t)
		v := newTestVerifier(t, s, now)
		ts := fmt.Sprintf("%d", now.Unix())

		assert.NoError(t, v.Verify(ts, s.sign(t, ts, body), body))
	})

	t.Run("Error - missing fields", func(t *testing.T) {
		s := newSigner(t)
		v := newTestVerifier(t, s, now)

		err := v.Verify("", "sig", body)
		require.Error(t, err)
		assert.Equal(t, ReasonMissingFields, err.Error())

		err = v.Verify("123", "", body)
		require.Error(t, err)
		assert.Equal(t, ReasonMissingFields, err.Error())
	})

	t.Run("Error - non numeric timestamp", func(t *testing.T) {
		s := newSigner(t)
		v := newTestVerifier(t, s, now)

		err := v.Verify("yesterday", "sig", body)
		require.Error(t, err)
		assert.Equal(t, ReasonInvalidTimestamp, err.Error())
	})

	t.Run("Error - timestamp 700s old with 600s max age", func(t *testing.T) {
		s := newSigner(t)
		v := newTestVerifier(t, s, now)
		ts := fmt.Sprintf("%d", now.Add(-700*time.Second).Unix())

		err := v.Verify(ts, s.sign(t, ts, body), body)
		require.Error(t, err)
		assert.Equal(t, ReasonTimestampTooOld, err.Error())
	})

	t.Run("Success - timestamp just inside max age", func(t *testing.T) {
		s := newSigner(t)
		v := newTestVerifier(t, s, now)
		ts := fmt.Sprintf("%d", now.Add(-9*time.Minute).Unix())

		assert.NoError(t, v.Verify(ts, s.sign(t, ts, body), body))
	})

	t.Run("Error - timestamp too far in future", func(t *testing.T) {
		s := newSigner(t)
		v := newTestVerifier(t, s, now)
		ts := fmt.Sprintf("%d", now.Add(2*time.Minute).Unix())

		err := v.Verify(ts, s.sign(t, ts, body), body)
		require.Error(t, err)
		assert.Equal(t, ReasonTimestampFuture, err.Error())
	})

	t.Run("Success - small future skew tolerated", func(t *testing.T) {
		s := newSigner(t)
		v := newTestVerifier(t, s, now)
		ts := fmt.Sprintf("%d", now.Add(10*time.Second).Unix())

		assert.NoError(t, v.Verify(ts, s.sign(t, ts, body), body))
	})

	t.Run("Error - signature from different key", func(t *testing.T) {
		s := newSigner(t)
		other := newSigner(t)
		v := newTestVerifier(t, s, now)
		ts := fmt.Sprintf("%d", now.Unix())

		err := v.Verify(ts, other.sign(t, ts, body), body)
		require.Error(t, err)
		assert.Equal(t, ReasonBadSignature, err.Error())
	})

	t.Run("Error - tampered body", func(t *testing.T) {
		s := newSigner(t)
		v := newTestVerifier(t, s, now)
		ts := fmt.Sprintf("%d", now.Unix())
		sig := s.sign(t, ts, body)

		err := v.Verify(ts, sig, []byte(`{"message":{"data":"tampered"}}`))
		require.Error(t, err)
		assert.Equal(t, ReasonBadSignature, err.Error())
	})

	t.Run("Error - signature not base64", func(t *testing.T) {
		s := newSigner(t)
		v := newTestVerifier(t, s, now)
		ts := fmt.Sprintf("%d", now.Unix())

		err := v.Verify(ts, "%%%", body)
		require.Error(t, err)
		assert.Equal(t, ReasonBadSignature, err.Error())
	})
}

func TestNewVerifier(t *testing.T) {
	t.Run("Error - not PEM", func(t *testing.T) {
		_, err := NewVerifier("not a key", time.Minute, time.Second)
		assert.Error(t, err)
	})

	t.Run("Error - wrong key type", func(t *testing.T) {
		// An RSA key in otherwise valid PKIX encoding must be rejected.
		block := &pem.Block{Type: "PUBLIC KEY", Bytes: []byte{0x30, 0x00}}
		_, err := NewVerifier(string(pem.EncodeToMemory(block)), time.Minute, time.Second)
		assert.Error(t, err)
	})
}
