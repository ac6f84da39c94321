package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// SignalConfig configures SetupGracefulShutdown. Server is any component
// with a Shutdown(context.Context) error method (e.g. an *http.Server via a
// thin adapter); Clients is the Orchestrator driving the AMQP side.
type SignalConfig struct {
	Server      interface{ Shutdown(context.Context) error }
	Clients     *Orchestrator
	TimeoutMS   int64
	OnShutdown  func()
	ExitProcess bool
	ExitCode    int
}

// SetupGracefulShutdown registers SIGTERM and SIGINT hooks that, on
// receipt, shut Server down with a context bounded by TimeoutMS (default
// 30s), then shut Clients down, invoke OnShutdown, and — when ExitProcess
// is set — terminate the process with ExitCode. The Clients drain is
// bounded by the Orchestrator's own WithTimeout, not by TimeoutMS: the
// Consumer and Producer Shutdown methods do not stop waiting when that
// context ends. It returns immediately; the hook runs on its own
// goroutine. This is glue around Orchestrator, not part of the drain
// sequence itself.
func SetupGracefulShutdown(cfg SignalConfig) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if cfg.Server != nil {
			if err := cfg.Server.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("server shutdown failed")
			}
		}

		if cfg.Clients != nil {
			result, err := cfg.Clients.Shutdown(ctx)
			if err != nil {
				log.Error().Err(err).Msg("client shutdown failed")
			} else if pending := result.PendingCount(); pending > 0 {
				log.Warn().Int("pending", pending).Msg("client shutdown completed with unsettled work")
			}
		}

		if cfg.OnShutdown != nil {
			cfg.OnShutdown()
		}

		log.Info().Msg("graceful shutdown complete")

		if cfg.ExitProcess {
			os.Exit(cfg.ExitCode)
		}
	}()
}
