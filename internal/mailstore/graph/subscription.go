package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/model"
)

const requestTimeout = 30 * time.Second

var errSubscriptionRemoved = errors.New("graph removed the subscription")

// subscription is one Graph change subscription. The webhook feeds it and
// a renew loop keeps it alive.
type subscription struct {
	id     string
	api    mailAPI
	ttl    time.Duration
	logger zerolog.Logger

	batches chan model.NotificationBatch
	disc    chan error
	renew   chan struct{}
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	dropOnce  sync.Once

	onClose func()
}

var _ mailstore.Subscription = (*subscription)(nil)

func newSubscription(id string, api mailAPI, ttl time.Duration, logger zerolog.Logger) *subscription {
	return &subscription{
		id:      id,
		api:     api,
		ttl:     ttl,
		logger:  logger.With().Str("subscription_id", id).Logger(),
		batches: make(chan model.NotificationBatch, 64),
		disc:    make(chan error, 1),
		renew:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *subscription) Batches() <-chan model.NotificationBatch { return s.batches }

func (s *subscription) Disconnected() <-chan error { return s.disc }

// Close stops renewal and deletes the subscription on Graph.
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		if s.onClose != nil {
			s.onClose()
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if delErr := s.api.DeleteSubscription(ctx, s.id); delErr != nil && !errors.Is(delErr, mailstore.ErrNotFound) {
			err = fmt.Errorf("deleting subscription %s: %w", s.id, delErr)
		}
	})
	return err
}

// deliver queues batch without blocking. When the queue is full the batch
// is dropped: a queued batch already triggers a search that covers it.
func (s *subscription) deliver(batch model.NotificationBatch) {
	if len(batch) == 0 {
		return
	}
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.batches <- batch:
	default:
		s.logger.Warn().Int("events", len(batch)).Msg("Notification queue full, batch dropped")
	}
}

func (s *subscription) requestRenewal() {
	select {
	case s.renew <- struct{}{}:
	default:
	}
}

func (s *subscription) drop(err error) {
	s.dropOnce.Do(func() {
		s.logger.Warn().Err(err).Msg("Graph subscription lost")
		s.disc <- err
	})
}

// renewLoop extends the subscription at half its lifetime, or at once on
// a reauthorization request. A failed renewal ends the subscription.
func (s *subscription) renewLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.renew:
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		expires := time.Now().Add(s.ttl).UTC()
		err := s.api.RenewSubscription(ctx, s.id, expires)
		cancel()

		if err != nil {
			s.drop(fmt.Errorf("renewing subscription: %w", err))
			return
		}
		s.logger.Debug().Time("expires", expires).Msg("Graph subscription renewed")
	}
}
