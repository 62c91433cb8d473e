package stream

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

// EmbeddedNats is an in-process nats-server used for local runs of the NATS
// transport and for tests.
type EmbeddedNats struct {
	Server *server.Server
}

// StartEmbeddedServer listens on bindAddress ("host:port"; port 0 or -1
// picks a free one) and blocks until the server accepts clients.
func StartEmbeddedServer(nodeName, bindAddress string, log zerolog.Logger) (*EmbeddedNats, error) {
	host, port, err := parseHostAndPort(bindAddress)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		port = server.RANDOM_PORT
	}

	opts := &server.Options{
		Host:       host,
		Port:       port,
		ServerName: nodeName,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, err
	}
	ns.SetLogger(&natsLogger{log.With().Str("from", "nats").Logger()}, opts.Debug, opts.Trace)

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("NATS Server time out")
	}
	log.Debug().Msgf("Nats URL: %s", ns.ClientURL())
	return &EmbeddedNats{Server: ns}, nil
}

func (e *EmbeddedNats) ClientURL() string { return e.Server.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedNats) Shutdown() {
	e.Server.Shutdown()
	e.Server.WaitForShutdown()
}

func parseHostAndPort(adr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(adr)
	if err != nil {
		return "", 0, err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}

	return host, port, nil
}

// natsLogger forwards nats-server logs to zerolog.
type natsLogger struct {
	log zerolog.Logger
}

func (l *natsLogger) Noticef(format string, v ...any) { l.log.Info().Msgf(format, v...) }
func (l *natsLogger) Warnf(format string, v ...any)   { l.log.Warn().Msgf(format, v...) }
func (l *natsLogger) Fatalf(format string, v ...any)  { l.log.Error().Msgf(format, v...) }
func (l *natsLogger) Errorf(format string, v ...any)  { l.log.Error().Msgf(format, v...) }
func (l *natsLogger) Debugf(format string, v ...any)  { l.log.Debug().Msgf(format, v...) }
func (l *natsLogger) Tracef(format string, v ...any)  { l.log.Trace().Msgf(format, v...) }
