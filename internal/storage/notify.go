package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Notification channels. Payloads are the changed entity's key: the robot
// name on ChannelRobots, the request id on ChannelRequests. Subscribers
// re-read the record to get its full current representation.
const (
	ChannelRobots   = "fleet_robots"
	ChannelRequests = "fleet_requests"
)

// Listen starts listening on the specified channel using the dedicated notify connection.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return ErrNotifyDisabled
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", ErrNotifyDisabled
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// notifyTx queues a notification that Postgres delivers when tx commits.
func notifyTx(ctx context.Context, tx pgx.Tx, channel, payload string) error {
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
