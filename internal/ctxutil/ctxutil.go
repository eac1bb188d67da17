// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server mounts the MCP handler, and mcp needs to read the JWT claims that
// server's auth middleware populates. Both packages import ctxutil instead of
// each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/kansa/internal/auth"
)

type contextKey string

const (
	keyClaims         contextKey = "claims"
	keyNetworkContext contextKey = "network_context"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithNetworkContext records the network a caller is acting from.
func WithNetworkContext(ctx context.Context, network string) context.Context {
	return context.WithValue(ctx, keyNetworkContext, network)
}

// NetworkContextFromContext returns the caller's network, or "".
func NetworkContextFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyNetworkContext).(string)
	return v
}
