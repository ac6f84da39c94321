package classify

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"access refused code", &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"}, true},
		{"not found code", &amqp.Error{Code: amqp.NotFound, Reason: "no queue"}, true},
		{"connection forced", &amqp.Error{Code: amqp.ConnectionForced, Reason: "forced"}, false},
		{"resource locked", &amqp.Error{Code: amqp.ResourceLocked, Reason: "locked"}, false},
		{"plain auth message", errors.New("authentication failed"), true},
		{"plain network error", errors.New("dial tcp: connection refused"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTerminal(tc.err); got != tc.want {
				t.Fatalf("IsTerminal(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
