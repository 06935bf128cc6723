package kit

import "context"

// Transports an operation can be invoked through.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
)

// Caller identifies who invoked an operation and through which surface.
// The journal records it with every event.
type Caller struct {
	Operator  string
	Role      string
	Transport string
	RequestID string
}

type callerKey struct{}

// CallerFrom returns the caller stored in ctx. Transport defaults to http.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	return c
}

// update copies the caller in ctx, applies fn and stores the copy.
func update(ctx context.Context, fn func(*Caller)) context.Context {
	c, _ := ctx.Value(callerKey{}).(Caller)
	fn(&c)
	return context.WithValue(ctx, callerKey{}, c)
}

func WithOperator(ctx context.Context, name string) context.Context {
	return update(ctx, func(c *Caller) { c.Operator = name })
}

func GetOperator(ctx context.Context) string { return CallerFrom(ctx).Operator }

func WithRole(ctx context.Context, role string) context.Context {
	return update(ctx, func(c *Caller) { c.Role = role })
}

func GetRole(ctx context.Context) string { return CallerFrom(ctx).Role }

func WithTransport(ctx context.Context, t string) context.Context {
	return update(ctx, func(c *Caller) { c.Transport = t })
}

func GetTransport(ctx context.Context) string { return CallerFrom(ctx).Transport }

func WithRequestID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *Caller) { c.RequestID = id })
}

func GetRequestID(ctx context.Context) string { return CallerFrom(ctx).RequestID }
