// Package auth turns credential tokens into identities. Accounts and token
// issuance belong to the identity service; this package only verifies.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aaronwang/live-auction/internal/models"
)

var (
	// ErrMissingCredential is returned when the request carries no token
	ErrMissingCredential = errors.New("auth: no credential provided")
	// ErrInvalidCredential is returned for malformed or badly signed tokens
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrExpiredCredential is returned for tokens past their expiry
	ErrExpiredCredential = errors.New("auth: credential expired")
)

// Verifier is the identity provider contract
type Verifier interface {
	VerifyCredential(ctx context.Context, token string) (models.Identity, error)
}

// Claims is the token body issued by the identity service
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HMAC-SHA256 signed tokens
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a verifier for tokens signed with secret
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

// VerifyCredential validates token and returns the identity it names
func (v *JWTVerifier) VerifyCredential(ctx context.Context, token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, ErrMissingCredential
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return models.Identity{}, ErrExpiredCredential
	case err != nil:
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if claims.UserID == "" {
		return models.Identity{}, fmt.Errorf("%w: token has no userId", ErrInvalidCredential)
	}
	role := claims.Role
	if role == "" {
		role = models.RoleUser
	}
	return models.Identity{UserID: claims.UserID, Username: claims.Username, Role: role}, nil
}

// Issue signs a token for identity valid for ttl. Used by tests and local tooling.
func (v *JWTVerifier) Issue(identity models.Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		UserID:   identity.UserID,
		Username: identity.Username,
		Role:     identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the token query parameter browsers use for websockets.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

type identityKey struct{}

// WithIdentity returns a context carrying identity
func WithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the identity stored by WithIdentity
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(models.Identity)
	return identity, ok
}
