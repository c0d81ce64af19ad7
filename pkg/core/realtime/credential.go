package realtime

import (
	"context"
	"errors"
	"strings"
)

// ErrNoCredential is returned by a TokenSource that has nothing to hand out.
var ErrNoCredential = errors.New("no credential available")

// TokenSource supplies the short-lived credential used to open one session.
// Issuance lives outside the engine; implementations wrap whatever broker the
// host uses.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same credential.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrNoCredential
	}
	return tok, nil
}
