// Package mailstore defines the contract between the watcher and a remote
// mail store, plus the error taxonomy shared by every backend.
package mailstore

import (
	"context"

	"github.com/nhle/mailwatch/internal/model"
)

// DefaultPageSize bounds a single folder search.
const DefaultPageSize = 15

// Subscription is a live server-pushed notification channel.
type Subscription interface {
	// Batches delivers notification batches in arrival order. Every
	// batch is non-empty.
	Batches() <-chan model.NotificationBatch

	// Disconnected fires once when the server drops the subscription.
	// The value describes the cause; in-flight batches may be lost.
	Disconnected() <-chan error

	// Close releases the subscription. It is safe to call more than once.
	Close() error
}

// Client abstracts the operations the watcher needs from a mail store.
// Implementations must be safe for concurrent use: processing flows share
// one Client.
type Client interface {
	// Authenticate verifies creds and binds them to the client.
	Authenticate(ctx context.Context, creds model.Credentials) error

	// SubscribeNewMail opens a streaming subscription for the given event
	// kinds. allFolders asks for every folder where the store supports it.
	SubscribeNewMail(
		ctx context.Context,
		allFolders bool,
		kinds []model.EventKind,
	) (Subscription, error)

	// Search returns at most pageSize references to items in
	// filter.Folder that match filter.
	Search(
		ctx context.Context,
		filter model.FilterCriteria,
		pageSize int,
	) ([]model.ItemReference, error)

	// Fetch reads the item fields selected by props.
	Fetch(
		ctx context.Context,
		ref model.ItemReference,
		props model.PropertySet,
	) (*model.MailItem, error)

	// Update writes the item's read state and subject back to the store.
	Update(
		ctx context.Context,
		item *model.MailItem,
		policy model.ConflictPolicy,
	) error

	// LoadAttachmentContent materializes att.Content for an attachment
	// previously returned by a PropAttachments fetch of item.
	LoadAttachmentContent(
		ctx context.Context,
		item *model.MailItem,
		att *model.AttachmentRef,
	) error
}
