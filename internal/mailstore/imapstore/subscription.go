package imapstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/model"
)

// closeTimeout bounds how long Close waits for a clean IDLE exit before
// tearing the connection down.
const closeTimeout = 5 * time.Second

// subscription turns IDLE mailbox updates into notification batches.
// Each EXISTS response from the server becomes a one-event batch.
type subscription struct {
	cl      *imapclient.Client
	mailbox string
	restart time.Duration
	logger  zerolog.Logger

	batches chan model.NotificationBatch
	disc    chan error
	updates chan struct{}
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	dropOnce  sync.Once
}

var _ mailstore.Subscription = (*subscription)(nil)

func newSubscription(ctx context.Context, c *Client, mailbox string) (*subscription, error) {
	s := &subscription{
		mailbox: mailbox,
		restart: c.opts.IdleRestart,
		logger:  c.logger.With().Str("mailbox", mailbox).Logger(),
		batches: make(chan model.NotificationBatch, 16),
		disc:    make(chan error, 1),
		updates: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	handler := &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages == nil {
				return
			}
			select {
			case s.updates <- struct{}{}:
			default:
			}
		},
	}

	cl, err := c.connect(ctx, handler)
	if err != nil {
		return nil, err
	}

	if !cl.Caps().Has(imap.CapIdle) {
		_ = cl.Logout().Wait()
		return nil, errors.New("server does not support IDLE")
	}
	if _, err := cl.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		_ = cl.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", mailbox, err)
	}

	s.cl = cl
	go s.loop()
	return s, nil
}

func (s *subscription) Batches() <-chan model.NotificationBatch { return s.batches }

func (s *subscription) Disconnected() <-chan error { return s.disc }

// Close stops IDLE and logs out. It is safe to call more than once.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		select {
		case <-s.done:
		case <-time.After(closeTimeout):
			_ = s.cl.Close()
			<-s.done
		}
	})
	return nil
}

func (s *subscription) loop() {
	defer close(s.done)
	defer func() { _ = s.cl.Logout().Wait() }()

	for {
		idleCmd, err := s.cl.Idle()
		if err != nil {
			s.drop(fmt.Errorf("starting IDLE: %w", err))
			return
		}

		idleDone := make(chan error, 1)
		go func() { idleDone <- idleCmd.Wait() }()
		timer := time.NewTimer(s.restart)

		select {
		case <-s.stop:
			timer.Stop()
			_ = idleCmd.Close()
			<-idleDone
			return

		case <-s.updates:
			timer.Stop()
			_ = idleCmd.Close()
			if err := <-idleDone; err != nil {
				s.drop(fmt.Errorf("IDLE ended with error after update: %w", err))
				return
			}
			if !s.emit() {
				return
			}

		case <-timer.C:
			// RFC 2177: re-issue IDLE before the server's inactivity timeout.
			_ = idleCmd.Close()
			if err := <-idleDone; err != nil {
				s.drop(fmt.Errorf("IDLE restart failed: %w", err))
				return
			}
			s.logger.Debug().Dur("after", s.restart).Msg("IDLE restarted")

		case err := <-idleDone:
			timer.Stop()
			if err == nil {
				err = errors.New("server ended IDLE")
			}
			s.drop(err)
			return
		}
	}
}

func (s *subscription) emit() bool {
	batch := model.NotificationBatch{{Kind: model.EventNewMail, Folder: s.mailbox}}
	select {
	case s.batches <- batch:
		return true
	case <-s.stop:
		return false
	}
}

func (s *subscription) drop(err error) {
	s.dropOnce.Do(func() {
		s.logger.Warn().Err(err).Msg("IDLE session lost")
		s.disc <- err
	})
}
