// Package tokens issues and verifies the short-lived access tokens and
// long-lived refresh tokens used by the auth surface (spec §4.3).
package tokens

import (
	"encoding/json"
	"errors"
	"time"

	josejwt "github.com/go-jose/go-jose/v4"
)

// Kind distinguishes an access token from a refresh token. Carried in the
// signed payload so a token of one kind can never be accepted as the other.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL = 60 * time.Minute
	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// ErrInvalidToken covers every verification failure: expired, malformed,
// wrong signature, or wrong kind. Failures are intentionally indistinguishable
// to callers so a caller cannot probe token internals.
var ErrInvalidToken = errors.New("tokens: invalid or expired token")

// claims is the signed JSON payload, matching spec §4.3 exactly:
// {sub, iat, exp, type}.
type claims struct {
	Subject   int64 `json:"sub"`
	IssuedAt  int64 `json:"iat"`
	ExpiresAt int64 `json:"exp"`
	Type      Kind  `json:"type"`
}

// Service signs and verifies tokens with a single HMAC-SHA-256 key loaded
// once at process start. The key has no default: callers must supply one.
type Service struct {
	signer   josejwt.Signer
	verifier []byte
}

// New builds a Service from a required signing key (any non-empty byte
// string; the caller is responsible for supplying sufficient entropy).
func New(signingKey []byte) (*Service, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("tokens: signing key is required")
	}
	signer, err := josejwt.NewSigner(josejwt.SigningKey{
		Algorithm: josejwt.HS256,
		Key:       signingKey,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &Service{signer: signer, verifier: signingKey}, nil
}

// IssueAccess creates a 60-minute access token for the given user id.
func (s *Service) IssueAccess(userID int64) (string, error) {
	return s.issue(userID, KindAccess, AccessTokenTTL)
}

// IssueRefresh creates a 7-day refresh token for the given user id.
func (s *Service) IssueRefresh(userID int64) (string, error) {
	return s.issue(userID, KindRefresh, RefreshTokenTTL)
}

func (s *Service) issue(userID int64, kind Kind, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	c := claims{
		Subject:   userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		Type:      kind,
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	jws, err := s.signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return jws.CompactSerialize()
}

// Verify checks the token's signature, expiry, and kind. It returns the
// embedded user id on success. Expired, malformed, wrong-signature, and
// wrong-type tokens all return ErrInvalidToken with no further detail.
func (s *Service) Verify(token string, expected Kind) (int64, error) {
	jws, err := josejwt.ParseSigned(token, []josejwt.SignatureAlgorithm{josejwt.HS256})
	if err != nil {
		return 0, ErrInvalidToken
	}
	payload, err := jws.Verify(s.verifier)
	if err != nil {
		return 0, ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return 0, ErrInvalidToken
	}
	if c.Type != expected {
		return 0, ErrInvalidToken
	}
	if time.Now().UTC().Unix() >= c.ExpiresAt {
		return 0, ErrInvalidToken
	}
	return c.Subject, nil
}
