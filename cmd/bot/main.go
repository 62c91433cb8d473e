// Command bot runs the worker that answers stock-quote commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongceg/stockbot/internal/audit"
	"github.com/cuongceg/stockbot/internal/command"
	"github.com/cuongceg/stockbot/internal/config"
	"github.com/cuongceg/stockbot/internal/connector/kafka"
	"github.com/cuongceg/stockbot/internal/core"
	"github.com/cuongceg/stockbot/internal/quote"
	"github.com/cuongceg/stockbot/internal/stream"
	"github.com/cuongceg/stockbot/internal/telemetry"
	"github.com/cuongceg/stockbot/internal/util"
	"github.com/cuongceg/stockbot/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("bot", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "", "path to the YAML configuration (defaults only when empty)")
	embedded := flags.String("embedded-nats", "", "start an embedded NATS server on host:port and use it as the broker")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log, logFile, err := util.NewLogger(cfg.App.LogLevel, cfg.App.LogFile, "bot")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *embedded != "" {
		srv, err := stream.StartEmbeddedServer("stockbot", *embedded, log)
		if err != nil {
			log.Error().Err(err).Msg("embedded NATS server failed to start")
			return 1
		}
		defer srv.Shutdown()
		cfg.Broker.Kind = "nats"
		cfg.Broker.URL = srv.ClientURL()
		cfg.Broker.TLS = config.TLSConfig{}
	}

	conn, err := util.BuildConnector(cfg.Broker, "bot", log)
	if err != nil {
		log.Error().Err(err).Msg("build connector")
		return 1
	}

	reg := command.NewRegistry()
	provider, closeProvider := quoteProvider(cfg.Quotes, log)
	defer closeProvider()
	quote.Register(reg, provider)

	sink, err := auditSink(cfg.Audit, log)
	if err != nil {
		log.Error().Err(err).Msg("audit sink")
		return 1
	}

	tel, err := telemetry.New("bot")
	if err != nil {
		log.Error().Err(err).Msg("telemetry")
		_ = sink.Close()
		return 1
	}

	svc := worker.New(conn, reg,
		worker.WithLogger(log),
		worker.WithAudit(sink),
		worker.WithTelemetry(tel),
	)
	// there is no automatic reconnect: losing the broker ends the process
	lost := make(chan error, 1)
	conn.NotifyClose(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	if err := svc.Initialize(ctx); err != nil {
		if errors.Is(err, core.ErrConnectFailed) {
			log.Error().Err(err).Str("url", cfg.Broker.URL).Msg("could not connect to the broker, giving up")
		} else {
			log.Error().Err(err).Msg("worker failed to start")
		}
		_ = svc.Close()
		return 1
	}
	log.Info().Strs("commands", reg.Names()).Str("broker", cfg.Broker.Kind).Msg("bot running")

	code := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("signal received, shutting down")
	case err := <-lost:
		log.Error().Err(err).Msg("broker connection lost")
		code = 1
	}
	if err := svc.Close(); err != nil {
		log.Warn().Err(err).Msg("close worker")
	}
	return code
}

// quoteProvider returns the Stooq provider, wrapped in the Redis cache when
// one is configured.
func quoteProvider(cfg config.QuotesConfig, log zerolog.Logger) (quote.Provider, func()) {
	var p quote.Provider = quote.NewStooqProvider(cfg.BaseURL, cfg.HTTPTimeout)
	if cfg.Cache.RedisAddr == "" {
		return p, func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Cache.RedisAddr,
		Password:     cfg.Cache.Password,
		DB:           cfg.Cache.DB,
		MinIdleConns: 1,
		PoolSize:     8,
	})
	log.Info().Str("addr", cfg.Cache.RedisAddr).Dur("ttl", cfg.Cache.TTL).Msg("quote cache enabled")
	return quote.NewCache(rdb, p, cfg.Cache.TTL, log), func() { _ = rdb.Close() }
}

func auditSink(cfg config.AuditConfig, log zerolog.Logger) (audit.Sink, error) {
	if len(cfg.Brokers) == 0 {
		return audit.Nop{}, nil
	}
	w, err := kafka.NewWriter(util.KafkaConfig(cfg, ""))
	if err != nil {
		return nil, err
	}
	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("audit trail enabled")
	return audit.NewKafkaSink(w), nil
}
