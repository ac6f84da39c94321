package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaymq/amqpclient/consumer"
	"github.com/relaymq/amqpclient/internal/config"
	"github.com/relaymq/amqpclient/internal/logging"
	"github.com/relaymq/amqpclient/producer"
	"github.com/relaymq/amqpclient/shutdown"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse flags")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.Setup(logging.Config{
		Verbose:   cfg.Verbose,
		Component: cfg.AppName,
	})

	logger.Info().Str("amqp_url", cfg.AMQPURL).Str("app_name", cfg.AppName).Msg("amqpdemo starting")

	c, err := consumer.New(cfg.AMQPURL, cfg.AppName, consumer.WithLogger(logger))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create consumer")
	}
	c.On("echo", func(ctx *consumer.Context) error {
		var payload map[string]interface{}
		if err := json.Unmarshal(ctx.Body, &payload); err != nil {
			return err
		}
		logger.Info().Interface("payload", payload).Msg("echo handler invoked")
		return ctx.Reply(map[string]bool{"pong": true})
	})

	if err := c.Listen(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start consumer")
	}

	p, err := producer.New(cfg.AMQPURL, cfg.AppName, producer.WithLogger(logger))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create producer")
	}
	if err := p.Connect(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to connect producer")
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			var reply map[string]bool
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := p.Send(ctx, "echo", map[string]string{"hello": "world"}, &reply)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("echo request failed")
				continue
			}
			logger.Info().Interface("reply", reply).Msg("echo request succeeded")
		}
	}()

	orchestrator := shutdown.New(
		shutdown.WithConsumer(c),
		shutdown.WithProducer(p),
		shutdown.WithTimeout(15*time.Second),
		shutdown.WithLogger(logger),
	)

	shutdown.SetupGracefulShutdown(shutdown.SignalConfig{
		Clients:     orchestrator,
		TimeoutMS:   15000,
		ExitProcess: true,
		ExitCode:    0,
	})

	select {}
}
