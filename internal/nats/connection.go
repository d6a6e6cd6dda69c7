// Package nats manages the JetStream connection the worker consumes
// document jobs from.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds the NATS connection settings.
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g. "nats://localhost:4222").
	URL string `yaml:"url"`

	// Name identifies this client on the server.
	Name string `yaml:"name"`

	// MaxReconnects caps reconnection attempts; -1 means unlimited.
	MaxReconnects int `yaml:"max_reconnects"`

	// ReconnectWait is the delay between reconnection attempts.
	ReconnectWait time.Duration `yaml:"reconnect_wait"`

	// Timeout bounds the initial connect.
	Timeout time.Duration `yaml:"timeout"`

	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Stream is the JetStream stream carrying document jobs.
	Stream string `yaml:"stream"`

	// Subject is the subject document jobs are published on.
	Subject string `yaml:"subject"`

	// ExportSubject is the plain subject operator export commands arrive on.
	ExportSubject string `yaml:"export_subject"`

	// Durable is the pull consumer's durable name.
	Durable string `yaml:"durable"`

	// MaxDeliver caps redeliveries of a job before it is considered failed.
	MaxDeliver int `yaml:"max_deliver"`
}

// DefaultConnectionConfig returns a configuration with sensible defaults.
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:           url,
		Name:          "claims-worker",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		Stream:        "CLAIMS",
		Subject:       "claims.documents",
		ExportSubject: "claims.batches.export",
		Durable:       "claims-worker",
		MaxDeliver:    5,
	}
}

// Connect establishes a NATS connection, honoring context cancellation
// during the initial dial.
func Connect(ctx context.Context, config *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	} else if config.Username != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(config.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close drains the connection so in-flight messages complete, forcing a
// close when draining fails.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}

// EnsureStream creates the job stream and its pull consumer when missing.
func EnsureStream(js nats.JetStreamContext, config *ConnectionConfig) error {
	_, err := js.StreamInfo(config.Stream)
	if err == nats.ErrStreamNotFound {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      config.Stream,
			Subjects:  []string{config.Subject},
			Retention: nats.WorkQueuePolicy,
		})
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", config.Stream, err)
	}

	_, err = js.ConsumerInfo(config.Stream, config.Durable)
	if err == nats.ErrConsumerNotFound {
		_, err = js.AddConsumer(config.Stream, &nats.ConsumerConfig{
			Durable:    config.Durable,
			AckPolicy:  nats.AckExplicitPolicy,
			MaxDeliver: config.MaxDeliver,
		})
	}
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", config.Durable, err)
	}
	return nil
}
