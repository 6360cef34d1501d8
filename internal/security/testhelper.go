package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"time"
)

const (
	testIssuer   = "push-auth-test"
	testAudience = "push-auth-clients"
)

// NewTestTokenProvider returns an ES256 TokenProvider over a freshly generated P-256 key,
// with a 15m access, 24h refresh and 1m handoff lifetime. For tests only.
func NewTestTokenProvider() (*TokenProvider, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewTokenProvider(key, key.Public(), testIssuer, testAudience, 15*time.Minute, 24*time.Hour, time.Minute), nil
}
