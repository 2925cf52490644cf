/*
Package log provides request-scoped structured logging plus Context helpers
for carrying logging metadata across pipeline hops.
*/
package log

import (
	"context"
)

// unique type to prevent assignment.
type clogContextKeyType struct{}

// singleton value to identify our logging metadata in context
var clogContextKey = clogContextKeyType{}

// basic type to represent logging container. logging context is immutable after
// creation, so we don't have to worry about locking.
type metadata map[string]any

func (m metadata) Flat() []any {
	out := []any{}
	for k, v := range m {
		out = append(out, k)
		out = append(out, v)
	}
	return out
}

// Return a new context, adding in the provided values to the logging metadata
func WithLogValues(ctx context.Context, args ...string) context.Context {
	oldMetadata, _ := ctx.Value(clogContextKey).(metadata)
	// No previous logging found, set up a new map
	if oldMetadata == nil {
		oldMetadata = metadata{}
	}
	var newMetadata = metadata{}
	for k, v := range oldMetadata {
		newMetadata[k] = v
	}
	for i := range args {
		if i%2 == 0 {
			continue
		}
		newMetadata[args[i-1]] = args[i]
	}
	return context.WithValue(ctx, clogContextKey, newMetadata)
}

// RequestID pulls the request id out of the logging metadata, if present.
func RequestID(ctx context.Context) string {
	meta, _ := ctx.Value(clogContextKey).(metadata)
	if meta == nil {
		return ""
	}
	requestID, _ := meta["request_id"].(string)
	return requestID
}

func LogCtx(ctx context.Context, message string, args ...any) {
	meta, _ := ctx.Value(clogContextKey).(metadata)
	allArgs := append([]any{}, meta.Flat()...)
	allArgs = append(allArgs, args...)
	if requestID := RequestID(ctx); requestID != "" {
		Log(requestID, message, allArgs...)
		return
	}
	LogNoRequestID(message, allArgs...)
}
