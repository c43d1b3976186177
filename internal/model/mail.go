package model

import "strings"

// DefaultProcessedTag is appended to the subject of every processed item.
const DefaultProcessedTag = "_processed"

// Credentials identify the watched mailbox and the server that hosts it.
// They are supplied once at startup and never change afterwards.
type Credentials struct {
	// Principal is the mailbox owner (username or user principal name).
	Principal string

	// Secret is the password or client secret used to authenticate.
	Secret string

	// ServerURI is the connection target, e.g. "imaps://imap.example.com:993".
	ServerURI string
}

// WellKnownFolder is a store-defined folder usable without a prior lookup.
type WellKnownFolder string

const (
	FolderInbox   WellKnownFolder = "inbox"
	FolderJunk    WellKnownFolder = "junk"
	FolderSent    WellKnownFolder = "sent"
	FolderArchive WellKnownFolder = "archive"
)

// ParseFolder maps a configuration value to a WellKnownFolder.
func ParseFolder(s string) (WellKnownFolder, bool) {
	switch WellKnownFolder(strings.ToLower(strings.TrimSpace(s))) {
	case FolderInbox, "":
		return FolderInbox, true
	case FolderJunk:
		return FolderJunk, true
	case FolderSent:
		return FolderSent, true
	case FolderArchive:
		return FolderArchive, true
	default:
		return "", false
	}
}

// FilterCriteria selects the notified items that are eligible for
// processing.
type FilterCriteria struct {
	Folder           WellKnownFolder
	SubjectSubstring string
	UnreadOnly       bool
}

// Matches reports whether item is eligible under the filter. Backends
// that cannot express the filter server-side use it to post-filter.
func (f FilterCriteria) Matches(item *MailItem) bool {
	if item == nil {
		return false
	}
	if f.UnreadOnly && item.IsRead {
		return false
	}
	return strings.Contains(item.Subject, f.SubjectSubstring)
}

// EventKind names a class of mailbox change a subscription reports.
type EventKind string

const (
	EventNewMail  EventKind = "new_mail"
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
)

// NotificationEvent signals that a new item may exist in a watched folder.
// Folder and ItemID are advisory; consumers re-query the store instead of
// trusting them.
type NotificationEvent struct {
	Kind   EventKind
	Folder string
	ItemID string
}

// NotificationBatch is a non-empty ordered group of events delivered
// together by the server.
type NotificationBatch []NotificationEvent

// ItemReference is the lightweight handle a folder search returns.
type ItemReference struct {
	ID string
}

// PropertySet selects which item fields a fetch returns. Stores may need
// several fetches with different sets for one logical item.
type PropertySet uint8

const (
	// PropID returns only the stable item identifier.
	PropID PropertySet = 1 << iota
	// PropCore returns subject, sender, text body, read state and change key.
	PropCore
	// PropHTMLBody returns the HTML body (an extended property on most stores).
	PropHTMLBody
	// PropAttachments returns attachment metadata without content.
	PropAttachments
)

// Has reports whether all properties in other are selected.
func (p PropertySet) Has(other PropertySet) bool {
	return p&other == other
}

// MailItem is a message as seen by one or more property-scoped fetches.
// It is mutated in place and written back through Update.
type MailItem struct {
	ID string

	// ChangeKey identifies the fetched version of the item. Stores use it
	// to detect concurrent modification under ConflictNeverOverwrite.
	ChangeKey string

	Subject string

	// Sender is the bare address of the From mailbox. SenderName carries
	// the display name when the store reports one.
	Sender     string
	SenderName string

	Body     string
	HTMLBody string
	IsRead   bool

	Attachments []*AttachmentRef
}

// MarkProcessed flags the item read and appends tag to its subject.
func (m *MailItem) MarkProcessed(tag string) {
	m.IsRead = true
	m.Subject += tag
}

// AttachmentKind distinguishes file attachments from attached items.
type AttachmentKind int

const (
	AttachmentFile AttachmentKind = iota
	AttachmentItem
)

func (k AttachmentKind) String() string {
	if k == AttachmentItem {
		return "item"
	}
	return "file"
}

// AttachmentRef describes one attachment of a MailItem. Content is empty
// until the store loads it explicitly.
type AttachmentRef struct {
	ID      string
	Name    string
	Kind    AttachmentKind
	Size    int64
	Content []byte
	Loaded  bool
}

// ConflictPolicy tells the store how to reconcile an update with
// concurrent server-side changes.
type ConflictPolicy int

const (
	// ConflictAutoResolve lets the store's own reconciliation win.
	ConflictAutoResolve ConflictPolicy = iota
	// ConflictAlwaysOverwrite writes the local values unconditionally.
	ConflictAlwaysOverwrite
	// ConflictNeverOverwrite fails the update if the item changed since
	// it was fetched.
	ConflictNeverOverwrite
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictAlwaysOverwrite:
		return "always_overwrite"
	case ConflictNeverOverwrite:
		return "never_overwrite"
	default:
		return "auto_resolve"
	}
}
