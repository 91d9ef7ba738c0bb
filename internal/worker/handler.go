package worker

import "context"

// Handler computes a result for one request payload. Returning an error
// sends an error reply carrying err.Error() to the caller.
type Handler interface {
	Handle(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return f(ctx, payload)
}
