package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ecell-club/membership/internal/models"
)

// ErrInvalidToken is returned when a bearer token fails validation.
var ErrInvalidToken = errors.New("invalid token")

// AdminClaims are the JWT claims carried by an admin dashboard token.
type AdminClaims struct {
	Username string           `json:"username"`
	Email    string           `json:"email"`
	Role     models.AdminRole `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates signed JWTs for admin accounts.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a manager with the provided secret, issuer, and lifetime.
func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Generate issues a signed JWT string for the provided admin.
func (t *TokenManager) Generate(admin models.Admin) (string, error) {
	now := t.now()
	claims := AdminClaims{
		Username: admin.Username,
		Email:    admin.Email,
		Role:     admin.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   admin.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token string and returns its claims.
func (t *TokenManager) Parse(raw string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}
