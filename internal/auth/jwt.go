package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes granted to API callers.
const (
	ScopeEnqueue = "tasks:enqueue"
	ScopeRead    = "queue:read"
	ScopeAdmin   = "queue:admin"
)

// Principal is the authenticated caller of the queue API.
type Principal struct {
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope reports whether p was granted scope. ScopeAdmin implies every
// other scope.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope) || slices.Contains(p.Scopes, ScopeAdmin)
}

// Config holds JWT validation settings.
type Config struct {
	Secret string
	Issuer string

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// Claims is the token body issued to producers.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

var hmacMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// Validator verifies HMAC-signed tokens.
type Validator struct {
	cfg    Config
	parser *jwt.Parser
	logger *slog.Logger
}

// NewValidator creates a validator. The secret is required.
func NewValidator(cfg Config, logger *slog.Logger) (*Validator, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecretConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(hmacMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Validator{
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		logger: logger.With("component", "jwt-validator"),
	}, nil
}

// Validate parses tokenStr and returns its principal.
func (v *Validator) Validate(tokenStr string) (*Principal, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	var claims Claims
	token, err := v.parser.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.Secret), nil
	})
	if err != nil {
		v.logger.Debug("token rejected", "error", err)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrInvalidIssuer
		default:
			return nil, ErrInvalidToken
		}
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	p := &Principal{
		Subject: claims.Subject,
		Scopes:  strings.Fields(claims.Scope),
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Issue signs a token for subject with the given scopes, valid for ttl. It is
// used by the CLI to mint producer credentials.
func Issue(cfg Config, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if cfg.Secret == "" {
		return "", ErrNoSecretConfigured
	}
	if ttl <= 0 {
		return "", fmt.Errorf("auth: token ttl must be positive, got %v", ttl)
	}

	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
