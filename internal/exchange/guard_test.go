package exchange

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type fakeDeclarer struct {
	called bool
	err    error
}

func (f *fakeDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.called = true
	return f.err
}

func TestIsReserved(t *testing.T) {
	for _, name := range []string{"", "amq.direct", "amq.fanout", "amq.topic", "amq.headers", "amq.match"} {
		if !IsReserved(name) {
			t.Fatalf("expected %q to be reserved", name)
		}
	}
	if IsReserved("orders") {
		t.Fatal("expected custom exchange to not be reserved")
	}
}

func TestAssertSkipsReserved(t *testing.T) {
	g := New(zerolog.Nop())
	d := &fakeDeclarer{}
	if err := g.Assert(context.Background(), d, "amq.direct"); err != nil {
		t.Fatalf("assert on reserved exchange: %v", err)
	}
	if d.called {
		t.Fatal("expected no broker call for a reserved exchange")
	}
}

func TestAssertDeclaresCustomExchange(t *testing.T) {
	g := New(zerolog.Nop())
	d := &fakeDeclarer{}
	if err := g.Assert(context.Background(), d, "orders"); err != nil {
		t.Fatalf("assert: %v", err)
	}
	if !d.called {
		t.Fatal("expected a broker declare call for a custom exchange")
	}
}

func TestAssertPropagatesError(t *testing.T) {
	g := New(zerolog.Nop())
	d := &fakeDeclarer{err: errors.New("boom")}
	if err := g.Assert(context.Background(), d, "orders"); err == nil {
		t.Fatal("expected error to propagate")
	}
}
