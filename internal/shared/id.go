package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 128-bit identifier rendered as 32 lowercase hex
// characters, per the wire identifier format. It uses a cryptographically
// strong source; a non-crypto PRNG would be a silent collision risk across
// restarts.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("shared: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

type traceKey struct{}

// WithTraceID attaches a correlation id to the context for structured logging.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts the correlation id from context, or "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}
