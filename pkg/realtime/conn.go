// Package realtime wraps the broker connection behind a small interface so
// components that publish presence and notification events can be exercised
// against fakes.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/duet-app/duet-realtime/pkg/otelhelper"
)

// Handler receives a message delivered on a subscribed subject. Delivery is
// at least once; handlers must tolerate duplicates.
type Handler func(subject string, data []byte)

// Publisher is the write side of a connection.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Conn is a live broker connection.
type Conn interface {
	Publisher
	Subscribe(subject string, h Handler) error
	Close()
}

// Dialer establishes outbound connections. Scoped jobs (the expiry sweeper)
// dial, do their work, and close.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialConfig configures a NATSDialer.
type DialConfig struct {
	URL   string
	Name  string
	Token string
	User  string
	Pass  string
	// MaxAttempts bounds connection attempts; the dialer owns this counter
	// and gives up once it is reached. Defaults to 5.
	MaxAttempts int
	// RetryWait is the pause between attempts. Defaults to 2s.
	RetryWait time.Duration
}

// NATSDialer dials the broker with a bounded number of attempts.
type NATSDialer struct {
	cfg     DialConfig
	connect func(url string, opts ...nats.Option) (*nats.Conn, error)
}

func NewNATSDialer(cfg DialConfig) *NATSDialer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 2 * time.Second
	}
	return &NATSDialer{cfg: cfg, connect: nats.Connect}
}

// Dial connects, retrying up to MaxAttempts. The underlying client does not
// self-reconnect; callers treat the connection as scoped and re-dial.
func (d *NATSDialer) Dial(ctx context.Context) (Conn, error) {
	opts := []nats.Option{
		nats.Name(d.cfg.Name),
		nats.MaxReconnects(0),
	}
	if d.cfg.Token != "" {
		opts = append(opts, nats.Token(d.cfg.Token))
	}
	if d.cfg.User != "" {
		opts = append(opts, nats.UserInfo(d.cfg.User, d.cfg.Pass))
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		nc, err := d.connect(d.cfg.URL, opts...)
		if err == nil {
			return Wrap(nc), nil
		}
		lastErr = err
		slog.Debug("Broker connect attempt failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.cfg.RetryWait):
		}
	}
	return nil, fmt.Errorf("connect to %s failed after %d attempts: %w", d.cfg.URL, d.cfg.MaxAttempts, lastErr)
}

// Wrap adapts an established NATS connection to Conn. Close flushes and
// closes the underlying connection; it never leaves it dangling.
func Wrap(nc *nats.Conn) Conn {
	return &natsConn{nc: nc}
}

type natsConn struct {
	nc *nats.Conn
}

func (c *natsConn) Publish(ctx context.Context, subject string, data []byte) error {
	return otelhelper.TracedPublish(ctx, c.nc, subject, data)
}

func (c *natsConn) Subscribe(subject string, h Handler) error {
	_, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	return err
}

func (c *natsConn) Close() {
	if err := c.nc.Flush(); err != nil {
		slog.Warn("Flush before close failed", "error", err)
	}
	c.nc.Close()
}
