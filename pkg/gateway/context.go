package gateway

import "context"

type ctxKey string

const clientKey ctxKey = "client"

func withClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientKey, c)
}

// clientFromContext returns the WebSocket client that sent the request, or
// nil for requests that did not arrive over a socket.
func clientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	if c, ok := ctx.Value(clientKey).(*Client); ok {
		return c
	}
	return nil
}
