package gateway

import "context"

type clientKey struct{}

// withClientID marks ctx as belonging to a websocket client so handlers can
// stream events back to it
func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientID)
}

// clientIDFromContext returns "" for HTTP requests
func clientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientKey{}).(string)
	return id
}
