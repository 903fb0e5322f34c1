package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/keel/pkg/observability"
)

const (
	// NotifyChannel is the LISTEN/NOTIFY channel used by PostgresRelay
	NotifyChannel = "keel_events"

	// maxNotifyPayload stays under the server's 8000 byte NOTIFY limit
	maxNotifyPayload = 7900
)

// PostgresRelay fans events across instances with LISTEN/NOTIFY. Events
// too large for a notification are relayed without their data.
type PostgresRelay struct {
	db       *sql.DB
	listener *pq.Listener
	logger   *observability.Logger
}

// NewPostgresRelay listens on NotifyChannel through a dedicated connection
// to url and notifies through db.
func NewPostgresRelay(db *sql.DB, url string, logger *observability.Logger) (*PostgresRelay, error) {
	logger = logger.WithComponent("pg-relay")
	listener := pq.NewListener(url, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			logger.WithError(err).Warn("Event listener connection lost")
		case pq.ListenerEventReconnected:
			logger.Info("Event listener reconnected")
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	return &PostgresRelay{db: db, listener: listener, logger: logger}, nil
}

// encodeNotify renders msg as a NOTIFY payload, dropping the event data
// when the payload would not fit.
func encodeNotify(msg *RelayMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal relay message: %w", err)
	}
	if len(payload) <= maxNotifyPayload {
		return string(payload), nil
	}

	ev := *msg.Event
	ev.Data = ""
	trimmed := *msg
	trimmed.Event = &ev
	trimmed.Truncated = true
	payload, err = json.Marshal(&trimmed)
	if err != nil {
		return "", fmt.Errorf("failed to marshal relay message: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		return "", fmt.Errorf("relay message for event %s is %d bytes even without data", ev.ID, len(payload))
	}
	return string(payload), nil
}

func (r *PostgresRelay) Publish(ctx context.Context, msg *RelayMessage) error {
	payload, err := encodeNotify(msg)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, payload); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

func (r *PostgresRelay) Run(ctx context.Context, deliver func(*RelayMessage)) error {
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-r.listener.Notify:
			if !ok {
				return nil
			}
			// nil after a reconnect; notifications in between are lost
			if n == nil {
				continue
			}
			var msg RelayMessage
			if err := json.Unmarshal([]byte(n.Extra), &msg); err != nil {
				r.logger.WithError(err).Warn("Dropping malformed relay message")
				continue
			}
			deliver(&msg)
		case <-ticker.C:
			go func() {
				if err := r.listener.Ping(); err != nil {
					r.logger.WithError(err).Warn("Event listener ping failed")
				}
			}()
		}
	}
}

func (r *PostgresRelay) Close() error {
	return r.listener.Close()
}
