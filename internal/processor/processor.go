// Package processor handles one notified mail item from fetch to
// "processed" marking.
package processor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/logging"
	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/model"
)

// Stage names the last step an item reached.
type Stage string

const (
	StageNone        Stage = ""
	StageResolved    Stage = "resolved"
	StageFetched     Stage = "fetched"
	StageAttachments Stage = "attachments"
	StageUpdated     Stage = "updated"
)

// Result describes the outcome of processing one item.
type Result struct {
	ItemID      string
	Stage       Stage
	Attachments []string

	// Skipped is set when the ledger reported the item as already done.
	Skipped bool

	Err error
}

// AttachmentWriter persists attachment content and returns its path.
type AttachmentWriter interface {
	Write(dir, name string, content []byte) (string, error)
}

// Ledger remembers processed item IDs locally. It closes the window in
// which a lagging server-side filter could return an item twice.
type Ledger interface {
	IsProcessed(ctx context.Context, itemID string) (bool, error)
	MarkProcessed(ctx context.Context, itemID, subject string) error
}

// Processed is published after an item has been marked.
type Processed struct {
	ItemID      string    `json:"item_id"`
	Subject     string    `json:"subject"`
	Sender      string    `json:"sender"`
	Attachments []string  `json:"attachments"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Notifier receives an event for every processed item.
type Notifier interface {
	PublishProcessed(ctx context.Context, p Processed) error
}

// Options configures a Processor.
type Options struct {
	// OutputDir is the existing directory attachments are written to.
	OutputDir string

	// ProcessedTag is appended to the subject; defaults to
	// model.DefaultProcessedTag.
	ProcessedTag string

	// Ledger is optional. Without it, duplicate suppression relies only
	// on the store's unread filter.
	Ledger Ledger

	// Notifier is optional.
	Notifier Notifier
}

// Processor fetches, logs, saves and marks mail items. It holds no
// per-item state and is safe for concurrent use.
type Processor struct {
	client   mailstore.Client
	writer   AttachmentWriter
	logger   zerolog.Logger
	dir      string
	tag      string
	ledger   Ledger
	notifier Notifier
}

// New creates a Processor that talks to the store through client.
func New(
	client mailstore.Client,
	writer AttachmentWriter,
	logger zerolog.Logger,
	opts Options,
) *Processor {
	tag := opts.ProcessedTag
	if tag == "" {
		tag = model.DefaultProcessedTag
	}
	return &Processor{
		client:   client,
		writer:   writer,
		logger:   logger.With().Str("component", "processor").Logger(),
		dir:      opts.OutputDir,
		tag:      tag,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
	}
}

// Process runs the full pipeline for ref. Failures are logged and
// returned in the Result; they never affect other items.
func (p *Processor) Process(
	ctx context.Context,
	ref model.ItemReference,
	filter model.FilterCriteria,
) Result {
	log := p.logger.With().
		Str("flow_id", uuid.NewString()).
		Str("item_ref", ref.ID).
		Str("folder", string(filter.Folder)).
		Logger()

	res := Result{ItemID: ref.ID}

	// The search handle may be transient; bind it to a stable ID first.
	bound, err := p.client.Fetch(ctx, ref, model.PropID)
	if err != nil {
		return p.fail(log, res, asFetchError(ref.ID, "resolve", err))
	}
	id := model.ItemReference{ID: bound.ID}
	res.ItemID = bound.ID
	res.Stage = StageResolved

	if p.ledger != nil {
		done, err := p.ledger.IsProcessed(ctx, id.ID)
		if err != nil {
			log.Warn().Err(err).Msg("Ledger lookup failed, processing anyway")
		} else if done {
			log.Debug().Str("item_id", id.ID).Msg("Item already in ledger, skipping")
			res.Skipped = true
			return res
		}
	}

	item, err := p.client.Fetch(ctx, id, model.PropCore|model.PropHTMLBody)
	if err != nil {
		return p.fail(log, res, asFetchError(id.ID, "fetch core", err))
	}

	ev := log.Info().
		Str("event", logging.EventNewEmail).
		Str("item_id", id.ID).
		Str("subject", item.Subject).
		Str("sender", item.Sender)
	if item.SenderName != "" {
		ev = ev.Str("sender_name", item.SenderName)
	}
	ev.Str("body", item.Body).Msg("New email")
	res.Stage = StageFetched

	item, err = p.client.Fetch(ctx, id, model.PropCore|model.PropAttachments)
	if err != nil {
		return p.fail(log, res, asFetchError(id.ID, "fetch attachments", err))
	}

	for _, att := range item.Attachments {
		if att.Kind != model.AttachmentFile {
			log.Debug().Str("name", att.Name).Msg("Skipping item attachment")
			continue
		}

		if !att.Loaded {
			if err := p.client.LoadAttachmentContent(ctx, item, att); err != nil {
				return p.fail(log, res, asFetchError(id.ID, "load attachment "+att.Name, err))
			}
		}

		path, err := p.writer.Write(p.dir, att.Name, att.Content)
		if err != nil {
			return p.fail(log, res, err)
		}

		log.Info().
			Str("event", logging.EventAttachmentDownloaded).
			Str("item_id", id.ID).
			Str("path", path).
			Msg("File attachment downloaded")
		res.Attachments = append(res.Attachments, path)
	}
	res.Stage = StageAttachments

	item.MarkProcessed(p.tag)
	if err := p.client.Update(ctx, item, model.ConflictAutoResolve); err != nil {
		if !mailstore.IsUpdateError(err) {
			err = &mailstore.UpdateError{ItemID: id.ID, Err: err}
		}
		return p.fail(log, res, err)
	}
	res.Stage = StageUpdated

	log.Info().
		Str("event", logging.EventMarkedRead).
		Str("item_id", id.ID).
		Str("subject", item.Subject).
		Msg("Set message as read")

	p.record(ctx, log, item, res.Attachments)

	return res
}

// record feeds the optional ledger and notifier. Their failures are
// logged only: the item is already marked in the store.
func (p *Processor) record(
	ctx context.Context,
	log zerolog.Logger,
	item *model.MailItem,
	paths []string,
) {
	if p.ledger != nil {
		if err := p.ledger.MarkProcessed(ctx, item.ID, item.Subject); err != nil {
			log.Warn().Err(err).Msg("Failed to record item in ledger")
		}
	}

	if p.notifier != nil {
		err := p.notifier.PublishProcessed(ctx, Processed{
			ItemID:      item.ID,
			Subject:     item.Subject,
			Sender:      item.Sender,
			Attachments: paths,
			ProcessedAt: time.Now().UTC(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to publish processed event")
		}
	}
}

func (p *Processor) fail(log zerolog.Logger, res Result, err error) Result {
	res.Err = err
	log.Error().Err(err).Str("stage", string(res.Stage)).Msg("Processing aborted")
	return res
}

func asFetchError(itemID, op string, err error) error {
	if mailstore.IsFetchError(err) {
		return err
	}
	return &mailstore.FetchError{ItemID: itemID, Op: op, Err: err}
}
