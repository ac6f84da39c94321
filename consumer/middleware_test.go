package consumer

import (
	"errors"
	"testing"
)

func TestMiddlewareChainRunsInOrder(t *testing.T) {
	var order []string
	c := &MiddlewareChain{}
	c.Use(func(ctx *Context, next func() error) error {
		order = append(order, "first")
		err := next()
		order = append(order, "first-after")
		return err
	})
	c.Use(func(ctx *Context, next func() error) error {
		order = append(order, "second")
		return next()
	})

	err := c.Execute(&Context{}, func(ctx *Context) error {
		order = append(order, "terminal")
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []string{"first", "second", "terminal", "first-after"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestMiddlewareShortCircuitSkipsTerminal(t *testing.T) {
	c := &MiddlewareChain{}
	terminalCalled := false
	c.Use(func(ctx *Context, next func() error) error {
		return nil // never calls next
	})

	err := c.Execute(&Context{}, func(ctx *Context) error {
		terminalCalled = true
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if terminalCalled {
		t.Fatal("expected terminal handler to be skipped")
	}
}

func TestMiddlewareErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	c := &MiddlewareChain{}
	c.Use(func(ctx *Context, next func() error) error {
		return next()
	})

	err := c.Execute(&Context{}, func(ctx *Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected error to propagate, got %v", err)
	}
}

func TestReplyIsNoOpWithoutBinding(t *testing.T) {
	ctx := &Context{}
	if err := ctx.Reply(map[string]bool{"ok": true}); err != nil {
		t.Fatalf("expected no-op reply, got %v", err)
	}
}
