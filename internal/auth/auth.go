// Package auth verifies the bearer tokens issued to end users.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenExpiration is used by GenerateToken when no TTL is configured.
	DefaultTokenExpiration = time.Hour

	// DefaultAudience matches the audience of hosted auth providers' user tokens.
	DefaultAudience = "authenticated"
)

var (
	// ErrInvalidToken is returned for any token that fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNotConfigured is returned when no signing secret is set.
	ErrNotConfigured = errors.New("auth: jwt secret not configured")
)

// Claims are the user token claims. The subject is the user ID.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// Verifier validates and issues HS256 user tokens.
type Verifier struct {
	secret          []byte
	audience        string
	tokenExpiration time.Duration
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret, audience string, tokenExpiration time.Duration) *Verifier {
	if tokenExpiration <= 0 {
		tokenExpiration = DefaultTokenExpiration
	}
	return &Verifier{
		secret:          []byte(secret),
		audience:        audience,
		tokenExpiration: tokenExpiration,
	}
}

// ValidateToken verifies a token and returns its claims.
func (v *Verifier) ValidateToken(tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, ErrNotConfigured
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GenerateToken signs a token for userID. Used for local development and tests.
func (v *Verifier) GenerateToken(userID, email string) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNotConfigured
	}

	now := time.Now()
	claims := &Claims{
		Email: email,
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
