// Package auth issues and validates the bearer tokens that guard mutating
// ranker endpoints.
package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token scopes for the scope claim. ScopeAdmin implies ScopeTrain.
const (
	ScopeTrain = "train"
	ScopeAdmin = "admin"
)

// DefaultTokenExpiry is the lifetime of tokens issued without an explicit TTL.
const DefaultTokenExpiry = 24 * time.Hour

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptySubject is returned when a token is requested without a subject.
var ErrEmptySubject = errors.New("subject cannot be empty")

// ErrUnknownScope is returned for scopes other than ScopeTrain and ScopeAdmin.
var ErrUnknownScope = errors.New("unknown token scope")

// Claims are the JWT claims understood by rankd.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
	// Rankers limits the token to the named rankers. Empty means all.
	Rankers []string `json:"rankers,omitempty"`
}

// Allows reports whether the claims grant scope on the named ranker.
func (c *Claims) Allows(scope, ranker string) bool {
	switch {
	case c.Scope == ScopeAdmin:
	case c.Scope == scope:
	default:
		return false
	}
	return len(c.Rankers) == 0 || slices.Contains(c.Rankers, ranker)
}

// Option configures a JWTService.
type Option func(*JWTService)

// WithLeeway sets the clock skew tolerated during validation.
func WithLeeway(d time.Duration) Option {
	return func(s *JWTService) { s.leeway = d }
}

// WithPreviousSecret accepts tokens signed with a retired secret during
// rotation. An empty secret is ignored.
func WithPreviousSecret(secret string) Option {
	return func(s *JWTService) {
		if secret != "" {
			s.previousSecret = []byte(secret)
		}
	}
}

// JWTService handles JWT token operations.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
}

// NewJWTService creates a JWTService signing with secret.
func NewJWTService(secret string, opts ...Option) *JWTService {
	s := &JWTService{
		currentSecret: []byte(secret),
		leeway:        DefaultLeeway,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateToken issues an HS256 token for subject with the given scope. A
// non-positive ttl uses DefaultTokenExpiry.
func (s *JWTService) GenerateToken(subject, scope string, rankers []string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}
	if scope != ScopeTrain && scope != ScopeAdmin {
		return "", ErrUnknownScope
	}
	if ttl <= 0 {
		ttl = DefaultTokenExpiry
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope:   scope,
		Rankers: slices.Clone(rankers),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// ValidateToken parses and validates a JWT token, returning the claims if valid.
// Tries currentSecret first, then previousSecret if available.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err == nil {
		return claims, nil
	}
	if s.previousSecret != nil {
		if claims, perr := s.parse(tokenString, s.previousSecret); perr == nil {
			return claims, nil
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Scope != ScopeTrain && claims.Scope != ScopeAdmin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
