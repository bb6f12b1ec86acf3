package ws

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
)

// TokenQueryParam carries the bearer token for browsers, which cannot set
// headers on a WebSocket handshake.
const TokenQueryParam = "access_token"

// ErrNoToken means the request carried no bearer token.
var ErrNoToken = errors.New("no bearer token")

// Authenticator verifies HS256 bearer tokens. The subject is the account id.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator. With an empty secret every
// presented token is rejected and only guests can join.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Authenticate returns the account id of the request's bearer token, or
// ErrNoToken when there is none.
func (a *Authenticator) Authenticate(r *http.Request) (uuid.UUID, error) {
	raw := bearerToken(r)
	if raw == "" {
		return uuid.Nil, ErrNoToken
	}
	return a.Verify(raw)
}

// Verify parses and validates one token.
func (a *Authenticator) Verify(raw string) (uuid.UUID, error) {
	if len(a.secret) == 0 {
		return uuid.Nil, fmt.Errorf("token authentication is not configured: %w", domain.ErrUnauthorized)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token: %v: %w", err, domain.ErrUnauthorized)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token subject: %w", domain.ErrUnauthorized)
	}
	return id, nil
}

// IssueToken signs a token for accountID. Operators use it to hand out
// access; tests use it to join as a known user.
func (a *Authenticator) IssueToken(accountID uuid.UUID, ttl time.Duration, now time.Time) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("token authentication is not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:   accountID.String(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(TokenQueryParam))
}
