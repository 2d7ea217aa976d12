package sync

import "context"

type runIDKey struct{}

// WithRunID returns a context whose Refresh logs under id. Callers that
// report outcomes elsewhere use it so both records share one id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the id set by WithRunID, or "" if there is none.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
