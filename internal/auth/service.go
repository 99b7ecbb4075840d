// Package auth verifies bearer tokens issued by the identity provider. The
// token subject is the account id; it is never parsed.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("jwt secret is empty")
)

type Service interface {
	// ValidateToken returns the account id carried in the token subject.
	ValidateToken(ctx context.Context, token string) (string, error)
	// IssueToken signs a token for accountID. Used by tooling and tests;
	// production tokens come from the identity provider.
	IssueToken(accountID string, ttl time.Duration) (string, error)
}

type service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewService returns an HS256 verifier. issuer is checked when non-empty.
func NewService(secret, issuer string) (Service, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &service{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

var _ Service = (*service)(nil)

func (s *service) IssueToken(accountID string, ttl time.Duration) (string, error) {
	now := s.now()
	c := jwt.RegisteredClaims{
		Subject:   accountID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return "", ErrInvalidToken
	}
	sub := strings.TrimSpace(c.Subject)
	if sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}
