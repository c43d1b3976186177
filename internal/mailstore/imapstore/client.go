// Package imapstore implements mailstore.Client for IMAP servers.
//
// Every operation dials its own authenticated session, so concurrent
// processing flows never share protocol state. The push subscription
// holds one extra long-lived session that sits in IDLE on the watched
// mailbox.
//
// IMAP messages are immutable. Update therefore stores \Seen and a
// processed keyword in place when the subject is unchanged, and otherwise
// appends a copy with the rewritten Subject header before expunging the
// original.
package imapstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/model"
)

// ProcessedKeyword is stored on every message the watcher has handled.
const ProcessedKeyword imap.Flag = "$MailwatchProcessed"

const defaultIdleRestart = 25 * time.Minute

var errNotAuthenticated = errors.New("imap client not authenticated")

var defaultMailboxes = map[model.WellKnownFolder]string{
	model.FolderInbox:   "INBOX",
	model.FolderJunk:    "Junk",
	model.FolderSent:    "Sent",
	model.FolderArchive: "Archive",
}

// Options configures a Client.
type Options struct {
	// TLS selects implicit TLS when the server URI carries no scheme.
	TLS bool

	// TLSConfig overrides the TLS settings for both implicit TLS and
	// STARTTLS. Nil uses the system roots.
	TLSConfig *tls.Config

	// IdleRestart bounds a single IDLE command.
	IdleRestart time.Duration

	// Folder is the folder the subscription watches; defaults to the inbox.
	Folder model.WellKnownFolder

	// Mailboxes overrides the well-known folder to mailbox name mapping.
	Mailboxes map[model.WellKnownFolder]string
}

// Client talks to one IMAP account.
type Client struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.RWMutex
	creds  model.Credentials
	addr   string
	useTLS bool

	// updates serialises Update per item so two flows never both rewrite
	// the same message.
	updates keyedMutex
}

var _ mailstore.Client = (*Client)(nil)

// New creates a Client. Authenticate must succeed before any other call.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.IdleRestart <= 0 {
		opts.IdleRestart = defaultIdleRestart
	}
	if opts.Folder == "" {
		opts.Folder = model.FolderInbox
	}
	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "imap").Logger(),
	}
}

// Authenticate checks creds with a throwaway session and keeps them for
// later operations.
func (c *Client) Authenticate(ctx context.Context, creds model.Credentials) error {
	addr, useTLS, err := parseServerURI(creds.ServerURI, c.opts.TLS)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.creds = creds
	c.addr = addr
	c.useTLS = useTLS
	c.mu.Unlock()

	cl, err := c.connect(ctx, nil)
	if err != nil {
		return err
	}
	_ = cl.Logout().Wait()

	c.logger.Debug().Str("addr", addr).Bool("tls", useTLS).Msg("Authenticated")
	return nil
}

// connect dials the server and logs in. The caller is responsible for
// calling Logout on the returned client.
func (c *Client) connect(
	_ context.Context,
	handler *imapclient.UnilateralDataHandler,
) (*imapclient.Client, error) {
	c.mu.RLock()
	creds, addr, useTLS := c.creds, c.addr, c.useTLS
	c.mu.RUnlock()

	if addr == "" {
		return nil, errNotAuthenticated
	}

	opts := &imapclient.Options{
		TLSConfig:             c.opts.TLSConfig,
		WordDecoder:           &mime.WordDecoder{CharsetReader: charset.Reader},
		UnilateralDataHandler: handler,
	}

	var cl *imapclient.Client
	var err error
	if useTLS {
		cl, err = imapclient.DialTLS(addr, opts)
	} else {
		cl, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := cl.Login(creds.Principal, creds.Secret).Wait(); err != nil {
		_ = cl.Logout().Wait()
		return nil, fmt.Errorf("authentication failed for %s: %w", creds.Principal, err)
	}

	return cl, nil
}

// session is one selected mailbox on a dedicated connection.
type session struct {
	cl   *imapclient.Client
	sel  *imap.SelectData
	stop func() bool
}

func (s *session) close() {
	s.stop()
	_ = s.cl.Logout().Wait()
}

// openSession connects and selects mailbox. Cancelling ctx closes the
// connection, which fails any command in flight.
func (c *Client) openSession(ctx context.Context, mailbox string, readOnly bool) (*session, error) {
	cl, err := c.connect(ctx, nil)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = cl.Close() })

	sel, err := cl.Select(mailbox, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		stop()
		_ = cl.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", mailbox, err)
	}

	return &session{cl: cl, sel: sel, stop: stop}, nil
}

func (c *Client) mailbox(folder model.WellKnownFolder) string {
	if name, ok := c.opts.Mailboxes[folder]; ok && name != "" {
		return name
	}
	if name, ok := defaultMailboxes[folder]; ok {
		return name
	}
	return "INBOX"
}

// Search runs UID SEARCH on the filter's mailbox and returns the first
// pageSize matches in UID order.
func (c *Client) Search(
	ctx context.Context,
	filter model.FilterCriteria,
	pageSize int,
) ([]model.ItemReference, error) {
	mailbox := c.mailbox(filter.Folder)

	s, err := c.openSession(ctx, mailbox, true)
	if err != nil {
		return nil, err
	}
	defer s.close()

	data, err := s.cl.UIDSearch(searchCriteria(filter), nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", mailbox, err)
	}

	uids := data.AllUIDs()
	if pageSize > 0 && len(uids) > pageSize {
		uids = uids[:pageSize]
	}

	refs := make([]model.ItemReference, 0, len(uids))
	for _, uid := range uids {
		id := itemID{UIDValidity: s.sel.UIDValidity, UID: uid, Mailbox: mailbox}
		refs = append(refs, model.ItemReference{ID: id.String()})
	}
	return refs, nil
}

// searchCriteria translates a filter into IMAP SEARCH keys. Messages
// already flagged \Deleted are never returned.
func searchCriteria(filter model.FilterCriteria) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagDeleted},
	}
	if filter.SubjectSubstring != "" {
		criteria.Header = []imap.SearchCriteriaHeaderField{
			{Key: "Subject", Value: filter.SubjectSubstring},
		}
	}
	if filter.UnreadOnly {
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}
	return criteria
}

// Fetch reads the message. Any property beyond PropID needs the full
// message, which is fetched with BODY.PEEK[] so \Seen is left alone.
func (c *Client) Fetch(
	ctx context.Context,
	ref model.ItemReference,
	props model.PropertySet,
) (*model.MailItem, error) {
	id, err := parseItemID(ref.ID)
	if err != nil {
		return nil, &mailstore.FetchError{ItemID: ref.ID, Op: "fetch", Err: err}
	}

	s, err := c.openSession(ctx, id.Mailbox, true)
	if err != nil {
		return nil, &mailstore.FetchError{ItemID: ref.ID, Op: "connect", Err: err}
	}
	defer s.close()

	if s.sel.UIDValidity != id.UIDValidity {
		return nil, &mailstore.FetchError{ItemID: ref.ID, Op: "fetch", Err: mailstore.ErrNotFound}
	}

	opts := &imap.FetchOptions{UID: true, Flags: true}
	wantBody := props&^model.PropID != 0
	if wantBody {
		opts.BodySection = []*imap.FetchItemBodySection{fullBody}
	}

	buf, err := fetchOne(s.cl, id.UID, opts)
	if err != nil {
		return nil, &mailstore.FetchError{ItemID: ref.ID, Op: "fetch", Err: err}
	}

	item := &model.MailItem{ID: ref.ID}
	if !wantBody {
		return item, nil
	}

	raw := bodyOf(buf)
	if raw == nil {
		return nil, &mailstore.FetchError{ItemID: ref.ID, Op: "fetch", Err: errors.New("server returned no body")}
	}
	parsed, err := parseMessage(raw)
	if err != nil {
		return nil, &mailstore.FetchError{ItemID: ref.ID, Op: "parse", Err: err}
	}

	if props.Has(model.PropCore) {
		item.ChangeKey = changeKey(buf.Flags)
		item.Subject = parsed.Subject
		item.Sender = parsed.Sender
		item.SenderName = parsed.SenderName
		item.Body = parsed.TextBody
		item.IsRead = hasFlag(buf.Flags, imap.FlagSeen)
	}
	if props.Has(model.PropHTMLBody) {
		item.HTMLBody = parsed.HTMLBody
	}
	if props.Has(model.PropAttachments) {
		// The content arrived with the message; it is handed over now
		// instead of being downloaded a second time.
		for i, a := range parsed.Attachments {
			item.Attachments = append(item.Attachments, &model.AttachmentRef{
				ID:      strconv.Itoa(i),
				Name:    a.Filename,
				Kind:    a.Kind,
				Size:    int64(len(a.Content)),
				Content: a.Content,
				Loaded:  true,
			})
		}
	}

	return item, nil
}

// LoadAttachmentContent re-reads the message and copies the content of
// the attachment at att's index.
func (c *Client) LoadAttachmentContent(
	ctx context.Context,
	item *model.MailItem,
	att *model.AttachmentRef,
) error {
	idx, err := strconv.Atoi(att.ID)
	if err != nil {
		return &mailstore.FetchError{ItemID: item.ID, Op: "load attachment", Err: fmt.Errorf("bad attachment id %q", att.ID)}
	}

	fresh, err := c.Fetch(ctx, model.ItemReference{ID: item.ID}, model.PropAttachments)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(fresh.Attachments) {
		return &mailstore.FetchError{ItemID: item.ID, Op: "load attachment", Err: mailstore.ErrNotFound}
	}

	att.Content = fresh.Attachments[idx].Content
	att.Size = int64(len(att.Content))
	att.Loaded = true
	return nil
}

// Update writes the read state and subject back. ConflictNeverOverwrite
// fails with ErrConflict when the flags changed since the item was
// fetched; the other policies overwrite.
//
// Updates of one item are serialised. A message that already carries the
// processed keyword or \Deleted was written by an earlier flow and is
// left as it is.
func (c *Client) Update(ctx context.Context, item *model.MailItem, policy model.ConflictPolicy) error {
	id, err := parseItemID(item.ID)
	if err != nil {
		return &mailstore.UpdateError{ItemID: item.ID, Err: err}
	}

	unlock := c.updates.lock(item.ID)
	defer unlock()

	s, err := c.openSession(ctx, id.Mailbox, false)
	if err != nil {
		return &mailstore.UpdateError{ItemID: item.ID, Err: err}
	}
	defer s.close()

	if s.sel.UIDValidity != id.UIDValidity {
		return &mailstore.UpdateError{ItemID: item.ID, Err: mailstore.ErrNotFound}
	}

	buf, err := fetchOne(s.cl, id.UID, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{fullBody},
	})
	if err != nil {
		return &mailstore.UpdateError{ItemID: item.ID, Err: err}
	}

	if policy == model.ConflictNeverOverwrite && changeKey(buf.Flags) != item.ChangeKey {
		return &mailstore.UpdateError{ItemID: item.ID, Err: mailstore.ErrConflict}
	}
	if hasFlag(buf.Flags, imap.FlagDeleted) {
		c.logger.Debug().Str("item_id", item.ID).Msg("Message already replaced, skipping")
		return nil
	}
	if hasFlag(buf.Flags, ProcessedKeyword) {
		c.logger.Debug().Str("item_id", item.ID).Msg("Message already processed, skipping rewrite")
		if !item.IsRead || hasFlag(buf.Flags, imap.FlagSeen) {
			return nil
		}
		return storeFlags(s.cl, id.UID, []imap.Flag{imap.FlagSeen}, item.ID)
	}

	raw := bodyOf(buf)
	parsed, err := parseMessage(raw)
	if err != nil {
		return &mailstore.UpdateError{ItemID: item.ID, Err: err}
	}

	add := []imap.Flag{ProcessedKeyword}
	if item.IsRead {
		add = append(add, imap.FlagSeen)
	}

	if parsed.Subject == item.Subject {
		return storeFlags(s.cl, id.UID, add, item.ID)
	}

	if err := c.replace(s, id, raw, buf, add, item.Subject); err != nil {
		return &mailstore.UpdateError{ItemID: item.ID, Err: err}
	}
	return nil
}

func storeFlags(cl *imapclient.Client, uid imap.UID, flags []imap.Flag, itemID string) error {
	err := cl.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  flags,
	}, nil).Close()
	if err != nil {
		return &mailstore.UpdateError{ItemID: itemID, Err: fmt.Errorf("storing flags: %w", err)}
	}
	return nil
}

// replace appends a copy of raw with the new subject and removes the
// original. A failure after the append leaves both copies; the copy is
// already \Seen so it is never selected again.
func (c *Client) replace(
	s *session,
	id itemID,
	raw []byte,
	buf *imapclient.FetchMessageBuffer,
	add []imap.Flag,
	subject string,
) error {
	rewritten, err := rewriteSubject(raw, subject)
	if err != nil {
		return err
	}

	cmd := s.cl.Append(id.Mailbox, int64(len(rewritten)), &imap.AppendOptions{
		Flags: mergeFlags(buf.Flags, add),
		Time:  buf.InternalDate,
	})
	if _, err := cmd.Write(rewritten); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("appending rewritten message: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("appending rewritten message: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("appending rewritten message: %w", err)
	}

	uids := imap.UIDSetNum(id.UID)
	err = s.cl.Store(uids, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("flagging original deleted: %w", err)
	}

	if !s.cl.Caps().Has(imap.CapUIDPlus) {
		// Plain EXPUNGE would also remove other clients' deleted
		// messages; the original stays hidden behind \Deleted instead.
		c.logger.Debug().Str("mailbox", id.Mailbox).Msg("Server lacks UIDPLUS, original left flagged deleted")
		return nil
	}
	if err := s.cl.UIDExpunge(uids).Close(); err != nil {
		return fmt.Errorf("expunging original: %w", err)
	}
	return nil
}

// SubscribeNewMail opens an IDLE session on the watched mailbox. IMAP
// can only watch the selected mailbox, so allFolders is not honoured, and
// only arrivals are reported.
func (c *Client) SubscribeNewMail(
	ctx context.Context,
	allFolders bool,
	kinds []model.EventKind,
) (mailstore.Subscription, error) {
	if !reportsArrivals(kinds) {
		return nil, fmt.Errorf("imap subscriptions only report new mail, got %v", kinds)
	}

	mailbox := c.mailbox(c.opts.Folder)
	if allFolders {
		c.logger.Debug().Str("mailbox", mailbox).Msg("IMAP watches a single mailbox")
	}
	return newSubscription(ctx, c, mailbox)
}

func reportsArrivals(kinds []model.EventKind) bool {
	for _, k := range kinds {
		if k == model.EventNewMail || k == model.EventCreated {
			return true
		}
	}
	return false
}

// fetchOne fetches a single message by UID. It returns ErrNotFound when
// the server answers with no data.
func fetchOne(
	cl *imapclient.Client,
	uid imap.UID,
	opts *imap.FetchOptions,
) (*imapclient.FetchMessageBuffer, error) {
	cmd := cl.Fetch(imap.UIDSetNum(uid), opts)
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			return nil, fmt.Errorf("fetching UID %d: %w", uid, err)
		}
		return nil, mailstore.ErrNotFound
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching UID %d: %w", uid, err)
	}
	return buf, nil
}

// mergeFlags returns current plus add without duplicates. \Recent is
// server-managed and dropped.
func mergeFlags(current, add []imap.Flag) []imap.Flag {
	out := make([]imap.Flag, 0, len(current)+len(add))
	for _, f := range append(append([]imap.Flag(nil), current...), add...) {
		if strings.EqualFold(string(f), `\Recent`) || hasFlag(out, f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// itemID identifies a message across sessions. UIDs are only stable for
// a given UIDVALIDITY of the mailbox.
type itemID struct {
	UIDValidity uint32
	UID         imap.UID
	Mailbox     string
}

func (id itemID) String() string {
	return fmt.Sprintf("%d:%d:%s", id.UIDValidity, id.UID, id.Mailbox)
}

func parseItemID(s string) (itemID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return itemID{}, fmt.Errorf("malformed item id %q", s)
	}
	validity, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return itemID{}, fmt.Errorf("malformed uidvalidity in %q: %w", s, err)
	}
	uid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || uid == 0 {
		return itemID{}, fmt.Errorf("malformed uid in %q", s)
	}
	return itemID{UIDValidity: uint32(validity), UID: imap.UID(uid), Mailbox: parts[2]}, nil
}

// parseServerURI accepts "imaps://host[:port]", "imap://host[:port]" or a
// bare "host[:port]" and returns the dial address and TLS mode.
func parseServerURI(uri string, defaultTLS bool) (string, bool, error) {
	if uri == "" {
		return "", false, errors.New("server uri is empty")
	}

	useTLS := defaultTLS
	hostport := uri
	if strings.Contains(uri, "://") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", false, fmt.Errorf("parsing server uri: %w", err)
		}
		switch strings.ToLower(u.Scheme) {
		case "imaps":
			useTLS = true
		case "imap":
			useTLS = false
		default:
			return "", false, fmt.Errorf("unsupported scheme %q in server uri", u.Scheme)
		}
		hostport = u.Host
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		port = "143"
		if useTLS {
			port = "993"
		}
	}
	if host == "" {
		return "", false, fmt.Errorf("server uri %q has no host", uri)
	}
	return net.JoinHostPort(host, port), useTLS, nil
}
