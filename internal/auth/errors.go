// Package auth authenticates producers and operators of the queue HTTP API
// with HMAC-signed JWTs.
package auth

import "errors"

var (
	// ErrMissingToken means no bearer token was sent.
	ErrMissingToken = errors.New("missing authentication token")

	// ErrInvalidToken means the token is malformed or its signature is wrong.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken means the token's exp is in the past.
	ErrExpiredToken = errors.New("token has expired")

	// ErrInvalidIssuer means iss does not match the configured issuer.
	ErrInvalidIssuer = errors.New("invalid token issuer")

	// ErrNoSecretConfigured means the validator has no signing secret.
	ErrNoSecretConfigured = errors.New("no jwt secret configured")

	// ErrInsufficientScope means the token lacks a required scope.
	ErrInsufficientScope = errors.New("insufficient scope")
)
