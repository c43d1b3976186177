package watch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/processor"
)

// ItemProcessor handles one matched item.
type ItemProcessor interface {
	Process(ctx context.Context, ref model.ItemReference, filter model.FilterCriteria) processor.Result
}

// Dispatcher turns notification batches into concurrent search and
// processing flows. Every event gets its own search goroutine and every
// matched item its own processing goroutine.
type Dispatcher struct {
	ctx      context.Context
	client   mailstore.Client
	proc     ItemProcessor
	filter   model.FilterCriteria
	pageSize int
	logger   zerolog.Logger

	wg sync.WaitGroup
}

var _ BatchHandler = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. Flows inherit ctx's values but not
// its cancellation, so a reconnect or shutdown never cuts one short.
func NewDispatcher(
	ctx context.Context,
	client mailstore.Client,
	proc ItemProcessor,
	filter model.FilterCriteria,
	pageSize int,
	logger zerolog.Logger,
) *Dispatcher {
	if pageSize <= 0 {
		pageSize = mailstore.DefaultPageSize
	}
	return &Dispatcher{
		ctx:      context.WithoutCancel(ctx),
		client:   client,
		proc:     proc,
		filter:   filter,
		pageSize: pageSize,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// HandleBatch starts one search flow per event and returns immediately.
func (d *Dispatcher) HandleBatch(batch model.NotificationBatch) {
	for _, ev := range batch {
		d.wg.Add(1)
		go d.search(ev)
	}
}

func (d *Dispatcher) search(ev model.NotificationEvent) {
	defer d.wg.Done()

	refs, err := d.client.Search(d.ctx, d.filter, d.pageSize)
	if err != nil {
		d.logger.Error().
			Err(err).
			Str("kind", string(ev.Kind)).
			Str("folder", string(d.filter.Folder)).
			Msg("Search failed")
		return
	}

	d.logger.Debug().
		Str("kind", string(ev.Kind)).
		Int("matches", len(refs)).
		Msg("Search completed")

	for _, ref := range refs {
		d.wg.Add(1)
		go func(ref model.ItemReference) {
			defer d.wg.Done()
			d.proc.Process(d.ctx, ref, d.filter)
		}(ref)
	}
}

// Wait blocks until every flow started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// WaitTimeout is Wait bounded by timeout. It reports whether all flows
// finished in time.
func (d *Dispatcher) WaitTimeout(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-finished:
		return true
	case <-t.C:
		return false
	}
}
