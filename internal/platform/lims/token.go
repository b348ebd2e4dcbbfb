package lims

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenSource supplies the bearer token for each LIMS request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a pre-issued API token.
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

// ServiceClaims identifies the sync worker's acting identity to the LIMS.
type ServiceClaims struct {
	jwt.RegisteredClaims
	Username   string `json:"preferred_username"`
	LocationID string `json:"location_id,omitempty"`
}

// JWTSigner issues short-lived HS256 tokens whose subject is the acting
// system identity.
type JWTSigner struct {
	Secret     []byte
	Issuer     string
	Audience   string
	Subject    string
	Username   string
	LocationID string
	TTL        time.Duration

	now func() time.Time
}

func (s *JWTSigner) Token() (string, error) {
	if len(s.Secret) == 0 {
		return "", fmt.Errorf("jwt signer: empty secret")
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	issuer := s.Issuer
	if issuer == "" {
		issuer = "labsync"
	}

	issued := now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   s.Subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Username:   s.Username,
		LocationID: s.LocationID,
	}
	if s.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}
