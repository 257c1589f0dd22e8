package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// publisher is the subset of *nats.Conn used by NATSNotifier.
type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSNotifier publishes notices as JSON on a NATS subject. The subject is
// suffixed with the notice kind, e.g. privd.notices.advisory.
type NATSNotifier struct {
	conn    publisher
	subject string
}

// NewNATSNotifier connects to url. Reconnection is handled by the client.
func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("privd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to connect to NATS").
			WithContext("url", url).Build()
	}
	slog.Info("NATS notifier initialized", "url", url, "subject", subject)
	return newNATSNotifier(conn, subject), nil
}

func newNATSNotifier(conn publisher, subject string) *NATSNotifier {
	return &NATSNotifier{conn: conn, subject: subject}
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, notice Notice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to marshal notice").Build()
	}
	subject := n.subject + "." + string(notice.Kind)
	if err := n.conn.Publish(subject, data); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryDaemon, "failed to publish notice").
			WithContext("subject", subject).Build()
	}

	fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := n.conn.FlushWithContext(fctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryDaemon, "failed to flush notice").
			WithContext("subject", subject).Build()
	}
	return nil
}

// Close closes the NATS connection.
func (n *NATSNotifier) Close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}
