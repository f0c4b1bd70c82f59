package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the NATS subject root for notifications.
const DefaultSubjectPrefix = "defiagents.notifications"

// NATSPublisher publishes notifications as JSON on <prefix>.<level>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

var _ Notifier = (*NATSPublisher)(nil)

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	nc, err := nats.Connect(url,
		nats.Name("defiagents"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNATSPublisher wraps an established connection. An empty prefix uses the default.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject a notification of level is published on.
func (p *NATSPublisher) Subject(level Level) string {
	return p.prefix + "." + string(level)
}

func (p *NATSPublisher) Notify(ctx context.Context, n Notification) {
	if p.nc == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("notification encode failed", "error", err)
		return
	}
	if err := p.nc.Publish(p.Subject(n.Level), data); err != nil {
		p.logger.Warn("notification publish failed", "subject", p.Subject(n.Level), "error", err)
	}
}

// Ready reports whether the connection is usable.
func (p *NATSPublisher) Ready() bool {
	return p.nc != nil && p.nc.Status() == nats.CONNECTED
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.Status() == nats.CLOSED {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain connection to NATS: %w", err)
	}
	return nil
}
