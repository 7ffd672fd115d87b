package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// NATSSink publishes each event as JSON on <prefix>.<kind>.
type NATSSink struct {
	conn   *nats.Conn
	server *server.Server
	prefix string
	logger *slog.Logger
}

// NewNATSSink connects to url.
func NewNATSSink(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("werkstatt"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSSink{conn: nc, prefix: prefix, logger: logger}, nil
}

// NewEmbeddedNATSSink starts an in-process NATS server on a random local
// port and publishes to it.
func NewEmbeddedNATSSink(prefix string, logger *slog.Logger) (*NATSSink, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}

	sink, err := NewNATSSink(ns.ClientURL(), prefix, logger)
	if err != nil {
		ns.Shutdown()
		return nil, err
	}
	sink.server = ns
	return sink, nil
}

// ClientURL is where subscribers should connect.
func (s *NATSSink) ClientURL() string {
	return s.conn.ConnectedUrl()
}

func (s *NATSSink) Subject(k Kind) string {
	return s.prefix + "." + string(k)
}

func (s *NATSSink) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("marshal event", "kind", e.Kind, "error", err)
		return
	}
	if err := s.conn.Publish(s.Subject(e.Kind), data); err != nil {
		s.logger.Warn("publish event", "kind", e.Kind, "error", err)
	}
}

func (s *NATSSink) Close() error {
	err := s.conn.Drain()
	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}
	return err
}
