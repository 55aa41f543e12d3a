package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
)

// Claims carried by every bearer token.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies signed bearer tokens. Only HMAC signatures
// under the process signing secret are accepted.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService builds a token service. The secret must be non-empty.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// Mint issues a signed token for the subject and role.
func (t *TokenService) Mint(subject, role string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(t.ttl)
	claims := Claims{
		Username: subject,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, apperrors.Internal("sign token", err)
	}
	return signed, exp, nil
}

// Verify parses and validates a token, returning its claims. Failures are
// surfaced as unauthorized with a reason detail of expired, malformed, or
// badsignature.
func (t *TokenService) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, apperrors.Unauthorized("token expired").WithDetails("reason", "expired")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, apperrors.Unauthorized("invalid token signature").WithDetails("reason", "badsignature")
		default:
			return nil, apperrors.Unauthorized("malformed token").WithDetails("reason", "malformed")
		}
	}
	if !parsed.Valid || claims.Username == "" {
		return nil, apperrors.Unauthorized("malformed token").WithDetails("reason", "malformed")
	}
	return claims, nil
}
