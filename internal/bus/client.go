package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/protocol"
)

// Client wraps a NATS connection used to publish stream lifecycle events.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log = log.With(slog.String("component", "bus"))
	log.Info("connected to NATS", slog.String("servers", url))
	return &Client{conn: conn, log: log}, nil
}

// Notify publishes evt on the subject for its state. Failures are logged and
// never propagate to the stream.
func (c *Client) Notify(_ context.Context, evt protocol.StreamEvent) {
	if c == nil || c.conn == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		c.log.Warn("failed to encode stream event", slog.String("error", err.Error()))
		return
	}
	if err := c.conn.Publish(protocol.SubjectForState(evt.State), data); err != nil {
		c.log.Warn("failed to publish stream event",
			slog.String("stream_id", evt.StreamID),
			slog.String("error", err.Error()))
	}
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Check adapts Healthy for readiness probes.
func (c *Client) Check(context.Context) error {
	if !c.Healthy() {
		return errors.New("nats connection is not established")
	}
	return nil
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
