// Package auth provides HS256 token issue/verify helpers and the
// revocation check. No password handling lives here; identity is assumed
// to be established upstream.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

// ErrTokenInvalid covers malformed, expired, and revoked tokens.
var ErrTokenInvalid = errors.New("token invalid")

// Claims is the token payload. Role carries the models.Role hierarchy;
// an unknown role ranks below guest.
type Claims struct {
	UserID string      `json:"uid"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and verifies tokens against a shared secret and the
// revocation list.
type Manager struct {
	secret []byte
	expiry time.Duration
	tokens storage.TokenStore
	now    func() time.Time
}

// NewManager creates a token manager.
func NewManager(secret string, expiry time.Duration, tokens storage.TokenStore) *Manager {
	return &Manager{secret: []byte(secret), expiry: expiry, tokens: tokens, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Sign issues a token for a user.
func (m *Manager) Sign(userID string, role models.Role) (string, error) {
	if !role.IsValid() {
		return "", storage.NewValidationError("role", fmt.Sprintf("unknown role %q", role))
	}
	now := m.now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses a token, checks its signature and expiry, and consults
// the revocation list.
func (m *Manager) Verify(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	revoked, err := m.tokens.IsTokenBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, fmt.Errorf("token %s revoked: %w", claims.ID, ErrTokenInvalid)
	}
	return claims, nil
}

// Revoke blacklists a live token until its natural expiry.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	claims, err := m.Verify(ctx, token)
	if err != nil {
		return err
	}
	return m.tokens.BlacklistToken(ctx, claims.ID, claims.ExpiresAt.Time)
}
