package consumer

import "context"

// Context is the HandlerContext delivered to middlewares and the terminal
// handler: the raw JSON payload bytes (already checked to parse as JSON),
// the delivery's routing key and headers, and
// a reply closure bound to the delivery's reply-to/correlation-id (a no-op
// when the delivery carries neither).
type Context struct {
	Ctx        context.Context
	RoutingKey string
	Headers    map[string]interface{}
	Body       []byte

	reply func(v interface{}) error
}

// Reply sends v as the RPC response for this delivery, or does nothing if
// the delivery was not an RPC request.
func (c *Context) Reply(v interface{}) error {
	if c.reply == nil {
		return nil
	}
	return c.reply(v)
}
