package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/punch-ledger/production"
)

// TokenResolver accepts HS256 tokens whose subject is an employee number.
type TokenResolver struct {
	Directory Directory
	Secret    []byte
	Issuer    string // optional; checked when set
}

func NewTokenResolver(d Directory, secret []byte, issuer string) *TokenResolver {
	return &TokenResolver{Directory: d, Secret: secret, Issuer: issuer}
}

func (r *TokenResolver) ResolveActor(ctx context.Context, token string) (production.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.Issuer))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return r.Secret, nil
	}, opts...)
	if err != nil {
		return production.Actor{}, fmt.Errorf("%w: token parse error: %w", production.ErrActorNotFound, err)
	}
	if !parsed.Valid {
		return production.Actor{}, fmt.Errorf("%w: invalid token", production.ErrActorNotFound)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return production.Actor{}, fmt.Errorf("%w: invalid claims", production.ErrActorNotFound)
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return production.Actor{}, fmt.Errorf("%w: %w", production.ErrActorNotFound, err)
	}
	return lookup(ctx, r.Directory, subject)
}

// IssueToken signs a token for an employee. Used by the CLI and tests.
func IssueToken(secret []byte, issuer, employeeNumber string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": employeeNumber,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
