// Command botctl talks to the bot through the gateway. Without a subcommand
// it reads chat lines ("/stock=aapl.us") from its arguments or stdin and
// prints the bot's replies as JSON chat messages.
//
//	botctl [--config bot.yaml] /stock=aapl.us "/day_range=aapl.us, msft.us"
//	botctl audit tail [--group botctl]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongceg/stockbot/internal/audit"
	"github.com/cuongceg/stockbot/internal/chat"
	"github.com/cuongceg/stockbot/internal/config"
	"github.com/cuongceg/stockbot/internal/connector/kafka"
	"github.com/cuongceg/stockbot/internal/gateway"
	"github.com/cuongceg/stockbot/internal/telemetry"
	"github.com/cuongceg/stockbot/internal/util"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) int {
	flags := pflag.NewFlagSet("botctl", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "", "path to the YAML configuration (defaults only when empty)")
	group := flags.String("group", "botctl", "kafka consumer group for audit tail")
	flags.SetInterspersed(true)
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
	// replies go to stdout, so logs go to the log file only
	log := zerolog.Nop()
	if cfg.App.LogFile != "" {
		l, closer, err := util.NewLogger(cfg.App.LogLevel, cfg.App.LogFile, "gateway")
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			return 1
		}
		defer closer.Close()
		log = l
	}

	rest := flags.Args()
	if len(rest) >= 2 && rest[0] == "audit" && rest[1] == "tail" {
		return tailAudit(ctx, cfg.Audit, *group, out)
	}
	return sendLines(ctx, cfg, log, rest, in, out)
}

func sendLines(ctx context.Context, cfg *config.Config, log zerolog.Logger, lines []string, in io.Reader, out io.Writer) int {
	conn, err := util.BuildConnector(cfg.Broker, "gateway", log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connector: %v\n", err)
		return 1
	}
	tel, err := telemetry.New("gateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		return 1
	}
	g := gateway.New(conn,
		gateway.WithLogger(log),
		gateway.WithTelemetry(tel),
		gateway.WithTimeout(cfg.Gateway.RequestTimeout),
	)
	if err := g.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	defer g.Close()

	bot := chat.NewBot(g, chat.WithLogger(log))
	enc := json.NewEncoder(out)
	code := 0
	handle := func(line string) bool {
		req, ok := chat.Parse(line)
		if !ok {
			fmt.Fprintf(os.Stderr, "not a command: %q\n", line)
			code = 1
			return true
		}
		for _, m := range bot.Reply(ctx, req) {
			if err := enc.Encode(m); err != nil {
				fmt.Fprintf(os.Stderr, "write: %v\n", err)
				code = 1
				return false
			}
		}
		return ctx.Err() == nil
	}

	if len(lines) > 0 {
		for _, line := range lines {
			if !handle(line) {
				break
			}
		}
		return code
	}
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if sc.Text() == "" {
			continue
		}
		if !handle(sc.Text()) {
			break
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		return 1
	}
	return code
}

func tailAudit(ctx context.Context, cfg config.AuditConfig, group string, out io.Writer) int {
	r, err := kafka.NewReader(util.KafkaConfig(cfg, group))
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	defer r.Close()

	enc := json.NewEncoder(out)
	err = audit.Tail(ctx, r, func(rec audit.Record) error {
		return enc.Encode(rec)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	return 0
}
