// Package calltoken issues and verifies the short-lived signed tokens
// that authorize a telephony leg to claim one escrow. A token binds a
// callee routing id (and optionally a session id) to an expiry, signed
// with HMAC-SHA256. Verification is stateless; replay protection comes
// from the call session's first-write-wins finalization.
package calltoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalidToken is the only error verification returns. Signature
// mismatch, expiry, and structural corruption are deliberately
// indistinguishable so a probing caller learns nothing.
var ErrInvalidToken = errors.New("calltoken: invalid token")

// MaxTTL caps token lifetime. A dial attempt that has not started
// within five minutes of payment should not start at all.
const MaxTTL = 5 * time.Minute

// Claims are the verified contents of a token.
type Claims struct {
	RoutingID string `json:"rid"`
	SessionID string `json:"sid,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Service issues and verifies call tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New creates a token service. TTL values above MaxTTL are clamped.
func New(secret string, ttl time.Duration) *Service {
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue creates a signed token for one dial attempt to routingID.
// sessionID may be empty when the token is issued before the session
// record exists.
func (s *Service) Issue(routingID, sessionID string) (string, error) {
	now := s.now().UTC()
	claims := Claims{
		RoutingID: routingID,
		SessionID: sessionID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.sign(encoded), nil
}

// Verify checks the signature and expiry of a token and returns its
// claims. Any failure returns ErrInvalidToken.
func (s *Service) Verify(token string) (*Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}

	expected := s.sign(encoded)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.RoutingID == "" {
		return nil, ErrInvalidToken
	}
	if s.now().Unix() >= claims.ExpiresAt {
		return nil, ErrInvalidToken
	}

	return &claims, nil
}

func (s *Service) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
