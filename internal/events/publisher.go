// Package events publishes processed-item events to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/processor"
)

// StreamName is the JetStream stream that holds processed-item events.
const StreamName = "MAILWATCH"

// duplicateWindow bounds JetStream message-id deduplication.
const duplicateWindow = 10 * time.Minute

// jetStream is the subset of nats.JetStreamContext used here.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher sends a message per processed item to <prefix>.processed.
type Publisher struct {
	nc      *nats.Conn
	js      jetStream
	subject string
	logger  zerolog.Logger
}

var _ processor.Notifier = (*Publisher)(nil)

// NewPublisher connects to url and makes sure the stream exists.
func NewPublisher(url, prefix string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailwatch"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("getting jetstream context: %w", err)
	}

	if err := ensureStream(js, prefix); err != nil {
		nc.Close()
		return nil, err
	}

	p := newPublisher(js, prefix, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(js jetStream, prefix string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		js:      js,
		subject: prefix + ".processed",
		logger:  logger.With().Str("component", "events").Logger(),
	}
}

func ensureStream(js nats.JetStreamContext, prefix string) error {
	if info, err := js.StreamInfo(StreamName); err == nil && info != nil {
		return nil
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: duplicateWindow,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}
	return nil
}

// PublishProcessed implements processor.Notifier. The item ID is the
// message ID so a re-processed item within the duplicate window is
// stored once.
func (p *Publisher) PublishProcessed(ctx context.Context, ev processor.Processed) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event for %s: %w", ev.ItemID, err)
	}

	ack, err := p.js.Publish(p.subject, payload, nats.MsgId(ev.ItemID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publishing event for %s: %w", ev.ItemID, err)
	}

	if ack != nil && ack.Duplicate {
		p.logger.Debug().Str("item_id", ev.ItemID).Msg("Duplicate event ignored by stream")
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
