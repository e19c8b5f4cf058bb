// ABOUTME: Session context for carrying a verified identity through request handlers
// ABOUTME: Provides WithSession/FromContext for propagating session claims via context

package session

import (
	"context"
)

// Context holds the identity extracted from a verified session token.
type Context struct {
	Identity string
	Methods  []string // factor kinds used to obtain the session
	TokenID  string
}

// FromClaims builds a Context from verified claims.
func FromClaims(c *Claims) *Context {
	return &Context{Identity: c.Subject, Methods: c.Methods, TokenID: c.ID}
}

// MultiFactor reports whether more than one factor kind was verified.
func (c *Context) MultiFactor() bool {
	return len(c.Methods) > 1
}

type contextKey struct{}

// WithSession returns a new context with the session attached.
func WithSession(ctx context.Context, s *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext retrieves the session from the context, returning nil if not present.
func FromContext(ctx context.Context) *Context {
	s, ok := ctx.Value(contextKey{}).(*Context)
	if !ok {
		return nil
	}
	return s
}

// MustFromContext retrieves the session from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Context {
	s := FromContext(ctx)
	if s == nil {
		panic("session: Context not found in context")
	}
	return s
}
