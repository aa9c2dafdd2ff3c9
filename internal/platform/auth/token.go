package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles"`
}

// TokenIssuer mints and verifies the HS256 bearer tokens shared by the
// doctor and patient services. Both services are configured with the same
// secret and issuer name, so a token issued by either side is accepted by
// the other.
type TokenIssuer struct {
	secret []byte
	issuer string
	expiry time.Duration
}

func NewTokenIssuer(secret []byte, issuer string, expiry time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, issuer: issuer, expiry: expiry}
}

// Issue signs a token for the given user. The user ID becomes the subject
// claim; roles drive RequireRole checks on both services.
func (i *TokenIssuer) Issue(userID, email string, roles []string) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
		},
		Email: email,
		Roles: roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a raw token string and returns its claims. The issuer
// claim is checked only when the verifier was configured with one, so
// tokens minted before an issuer rollout stay readable.
func (i *TokenIssuer) Parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Expiry returns the configured token lifetime.
func (i *TokenIssuer) Expiry() time.Duration {
	return i.expiry
}
