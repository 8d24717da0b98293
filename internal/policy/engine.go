package policy

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"chatfleet/internal/domain"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

const tokenPrefix = "cf_"

type Operation string

const (
	OpRead    Operation = "read"
	OpControl Operation = "control"
)

type Store interface {
	LookupControlToken(ctx context.Context, hash string) (domain.ControlToken, error)
}

// Engine decides whether a bearer token may perform an operation. Admin
// tokens may do everything; viewer tokens may only read.
type Engine struct {
	store Store
}

func New(store Store) *Engine {
	return &Engine{store: store}
}

// Authorize resolves the Authorization header and checks the role. No
// side effect happens here; callers act only on a nil error.
func (e *Engine) Authorize(ctx context.Context, authHeader string, op Operation) (domain.ControlToken, error) {
	raw := BearerToken(authHeader)
	if raw == "" {
		return domain.ControlToken{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	hash := HashToken(raw)
	tok, err := e.store.LookupControlToken(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ControlToken{}, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	if err != nil {
		return domain.ControlToken{}, fmt.Errorf("lookup token: %w", err)
	}
	if !VerifyToken(raw, tok.Hash) {
		return domain.ControlToken{}, fmt.Errorf("%w: token mismatch", ErrUnauthorized)
	}
	if !allowed(tok.Role, op) {
		return tok, fmt.Errorf("%w: role %s cannot %s", ErrForbidden, tok.Role, op)
	}
	return tok, nil
}

func allowed(role domain.Role, op Operation) bool {
	switch role {
	case domain.RoleAdmin:
		return true
	case domain.RoleViewer:
		return op == OpRead
	}
	return false
}

// GenerateToken returns a fresh random secret. Only its HashToken form
// should be stored.
func GenerateToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token bytes: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(raw), nil
}

func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func VerifyToken(raw, expectedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(raw)), []byte(expectedHash)) == 1
}

func BearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
}
