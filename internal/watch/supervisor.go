package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/model"
)

// State is the lifecycle state of a Supervisor.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 10 * time.Minute
)

// ErrAlreadyStarted is returned by Start on a Supervisor that is not idle.
var ErrAlreadyStarted = errors.New("supervisor already started")

// BatchHandler receives every notification batch. HandleBatch must return
// promptly.
type BatchHandler interface {
	HandleBatch(batch model.NotificationBatch)
}

// SupervisorOptions tunes reconnect behaviour.
type SupervisorOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Kinds defaults to new-mail events only.
	Kinds []model.EventKind

	// OnTransition, if set, is called after every state change.
	OnTransition func(from, to State)
}

// Supervisor keeps a Connection open, reopening it whenever it drops.
// It never gives up; only Stop ends the loop.
type Supervisor struct {
	client  mailstore.Client
	creds   model.Credentials
	handler BatchHandler
	logger  zerolog.Logger
	opts    SupervisorOptions

	// sleep waits d or until ctx is done; it reports whether d elapsed.
	sleep func(ctx context.Context, d time.Duration) bool

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates an idle Supervisor.
func NewSupervisor(
	client mailstore.Client,
	creds model.Credentials,
	handler BatchHandler,
	logger zerolog.Logger,
	opts SupervisorOptions,
) *Supervisor {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = []model.EventKind{model.EventNewMail}
	}

	return &Supervisor{
		client:  client,
		creds:   creds,
		handler: handler,
		logger:  logger.With().Str("component", "supervisor").Logger(),
		opts:    opts,
		sleep:   sleepCtx,
		done:    make(chan struct{}),
	}
}

// Start launches the connect loop on its own goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle || s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop ends the loop and closes the active connection. It blocks until
// the loop has exited and is safe to call more than once, including on
// a Supervisor that was never started.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		from := s.state
		s.state = StateStopped
		s.cancel = func() {}
		hook := s.opts.OnTransition
		s.mu.Unlock()

		if hook != nil && from != StateStopped {
			hook(from, StateStopped)
		}
		s.closeDone()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.done
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the Supervisor reaches StateStopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.closeDone()
	defer s.setState(StateStopped)

	backoff := s.opts.InitialBackoff
	attempt := 0

	for {
		s.setState(StateConnecting)
		attempt++

		conn := NewConnection(s.client, s.logger)
		if err := conn.Open(ctx, s.creds, s.opts.Kinds); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return
			}

			s.setState(StateReconnecting)
			s.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("retry_in", backoff).
				Msg("Failed to open subscription")

			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.opts.MaxBackoff)
			continue
		}

		attempt = 0
		backoff = s.opts.InitialBackoff
		s.setState(StateActive)

		err := conn.Run(ctx, s.handler.HandleBatch)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		s.setState(StateReconnecting)
		s.logger.Warn().Err(err).Msg("Subscription disconnected, reconnecting")
	}
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = to
	hook := s.opts.OnTransition
	s.mu.Unlock()

	s.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("State changed")
	if hook != nil {
		hook(from, to)
	}
}

func (s *Supervisor) closeDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// nextBackoff doubles cur, capped at limit.
func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit || next <= 0 {
		return limit
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
