package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/model"
)

// errNotOpen is returned by Run before a successful Open.
var errNotOpen = errors.New("connection not open")

// Connection owns one streaming new-mail subscription.
type Connection struct {
	client mailstore.Client
	logger zerolog.Logger

	mu     sync.Mutex
	sub    mailstore.Subscription
	closed bool
}

// NewConnection creates an unopened Connection.
func NewConnection(client mailstore.Client, logger zerolog.Logger) *Connection {
	return &Connection{
		client: client,
		logger: logger.With().Str("component", "connection").Logger(),
	}
}

// Open authenticates and subscribes to kinds on all folders.
func (c *Connection) Open(ctx context.Context, creds model.Credentials, kinds []model.EventKind) error {
	if err := c.client.Authenticate(ctx, creds); err != nil {
		return &mailstore.ConnectionError{Server: creds.ServerURI, Err: err}
	}

	sub, err := c.client.SubscribeNewMail(ctx, true, kinds)
	if err != nil {
		return &mailstore.ConnectionError{Server: creds.ServerURI, Err: fmt.Errorf("subscribing: %w", err)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		sub.Close()
		return &mailstore.ConnectionError{Server: creds.ServerURI, Err: errors.New("connection closed during open")}
	}
	c.sub = sub

	c.logger.Info().Str("server", creds.ServerURI).Msg("Subscription opened")
	return nil
}

// Run delivers batches to onBatch until the subscription drops or ctx is
// done. onBatch runs on the caller's goroutine and must not block.
func (c *Connection) Run(ctx context.Context, onBatch func(model.NotificationBatch)) error {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return errNotOpen
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case batch, ok := <-sub.Batches():
			if !ok {
				return fmt.Errorf("%w: notification stream closed", mailstore.ErrDisconnected)
			}
			if len(batch) == 0 {
				continue
			}
			c.logger.Debug().Int("events", len(batch)).Msg("Notification batch received")
			onBatch(batch)

		case cause := <-sub.Disconnected():
			if cause == nil {
				return mailstore.ErrDisconnected
			}
			return fmt.Errorf("%w: %w", mailstore.ErrDisconnected, cause)
		}
	}
}

// Close releases the subscription. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.sub == nil {
		return nil
	}
	return c.sub.Close()
}
