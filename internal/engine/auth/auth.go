// Package auth issues and checks the credentials actors present to the API:
// long-lived API keys, and the short-lived JWTs minted from them.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"thesisline/internal/domain"
	"thesisline/internal/repo"
)

// ErrInvalidToken covers expired, malformed and wrongly signed JWTs.
var ErrInvalidToken = errors.New("invalid token")

// ForbiddenError indicates the actor is authenticated but not allowed.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}

const keyPrefix = "tlk_"

// Service mints API keys and exchanges them for signed tokens.
type Service struct {
	Repo     repo.Repo
	Secret   string
	TokenTTL time.Duration
	Now      func() time.Time
}

func New(db *sql.DB, secret string, ttl time.Duration) Service {
	return Service{
		Repo:     repo.Repo{DB: db},
		Secret:   secret,
		TokenTTL: ttl,
		Now:      time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) ttl() time.Duration {
	if s.TokenTTL > 0 {
		return s.TokenTTL
	}
	return time.Hour
}

// MintKey creates an API key for an actor and returns the plaintext. Only
// the hash is stored; the plaintext is shown once and cannot be recovered.
func (s Service) MintKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, errors.New("actor_id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate key: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}

// VerifyKey resolves a plaintext API key to its stored record.
func (s Service) VerifyKey(ctx context.Context, plaintext string) (domain.APIKey, error) {
	if strings.TrimSpace(plaintext) == "" {
		return domain.APIKey{}, errors.New("api key required")
	}
	return s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plaintext))
}

// IssueToken signs a JWT for the actor, good for the service TTL.
func (s Service) IssueToken(actorID string) (string, time.Time, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", time.Time{}, errors.New("actor_id required")
	}
	now := s.now()
	expires := now.Add(s.ttl())
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		Issuer:    "thesisline",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ExchangeKey turns a valid API key into a signed token.
func (s Service) ExchangeKey(ctx context.Context, plaintext string) (string, time.Time, error) {
	key, err := s.VerifyKey(ctx, plaintext)
	if err != nil {
		return "", time.Time{}, err
	}
	return s.IssueToken(key.ActorID)
}

// VerifyToken checks a signed token and returns the actor it names.
func (s Service) VerifyToken(token string) (string, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// CanAccessProject scopes a project to its owner. Unowned projects are open
// to any authenticated actor.
func CanAccessProject(p domain.Project, actorID string) error {
	if p.Owner == "" || p.Owner == actorID {
		return nil
	}
	return ForbiddenError{Action: "access project " + p.ID}
}
