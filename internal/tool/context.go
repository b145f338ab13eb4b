package tool

import "context"

// Context is the narrow runtime view injected into tool handlers. It
// carries the caller identity and the session state owned by the
// current run.
//
// State is guarded by the run's session lock: the runtime serializes
// tool batches that contain a write-class handler, so handlers may
// read and mutate State without further synchronization.
type Context struct {
	AgentID   string
	SessionID string
	UserID    string
	State     map[string]any
}

// AppendState appends v to the list stored under key, creating the
// list if needed. Convenience for handlers that accumulate values
// (e.g. cart lines, thoughts).
func (c *Context) AppendState(key string, v any) {
	if c.State == nil {
		c.State = make(map[string]any)
	}
	list, _ := c.State[key].([]any)
	c.State[key] = append(list, v)
}

type ctxKey struct{}

// NewContext returns ctx carrying rc, for handlers invoked through
// framework callbacks rather than the runtime dispatch path.
func NewContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext extracts the runtime context, or nil if absent.
func FromContext(ctx context.Context) *Context {
	rc, _ := ctx.Value(ctxKey{}).(*Context)
	return rc
}
