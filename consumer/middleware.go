package consumer

// Middleware wraps a handler invocation. Calling next runs the remainder of
// the chain (the next middleware, or the terminal handler at the tail); a
// middleware that never calls next short-circuits everything after it,
// which is not an error. Any error returned by next or by the terminal
// handler propagates back up through every middleware that called it.
type Middleware func(ctx *Context, next func() error) error

// MiddlewareChain composes an ordered list of Middleware around a terminal
// HandlerFunc. The first registered middleware runs first.
type MiddlewareChain struct {
	middlewares []Middleware
}

// Use appends a middleware to the chain.
func (c *MiddlewareChain) Use(m Middleware) {
	c.middlewares = append(c.middlewares, m)
}

// Execute runs the chain around terminal for a single delivery.
func (c *MiddlewareChain) Execute(ctx *Context, terminal HandlerFunc) error {
	idx := -1
	var run func() error
	run = func() error {
		idx++
		if idx < len(c.middlewares) {
			return c.middlewares[idx](ctx, run)
		}
		return terminal(ctx)
	}
	return run()
}
