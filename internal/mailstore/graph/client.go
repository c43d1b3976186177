// Package graph implements mailstore.Client on Microsoft Graph for
// Exchange Online mailboxes.
//
// Change notifications are delivered by Graph to an HTTP webhook that the
// client serves itself; Options.NotificationURL must be the public URL
// that reaches Options.ListenAddr.
package graph

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/model"
)

const (
	defaultSubscriptionTTL = time.Hour
	defaultListenAddr      = ":8088"

	// maxSubscriptionTTL is the Graph limit for message subscriptions.
	maxSubscriptionTTL = 4230 * time.Minute
)

var errNotAuthenticated = errors.New("graph client not authenticated")

var wellKnownFolders = map[model.WellKnownFolder]string{
	model.FolderInbox:   "inbox",
	model.FolderJunk:    "junkemail",
	model.FolderSent:    "sentitems",
	model.FolderArchive: "archive",
}

// Options configures a Client.
type Options struct {
	TenantID string
	ClientID string

	// ListenAddr is where the webhook server listens.
	ListenAddr string

	// NotificationURL is the public base URL of the webhook. Graph posts
	// change notifications to /notifications and lifecycle events to
	// /lifecycle under it.
	NotificationURL string

	// SubscriptionTTL is requested for each subscription; renewal happens
	// at half of it.
	SubscriptionTTL time.Duration
}

// Client talks to one mailbox through Microsoft Graph using app-only
// credentials. The user principal name from the credentials selects the
// mailbox.
type Client struct {
	opts   Options
	logger zerolog.Logger
	hook   *webhook

	// newAPI builds the Graph API once credentials are known.
	newAPI func(ctx context.Context, creds model.Credentials) (mailAPI, error)

	mu   sync.RWMutex
	api  mailAPI
	user string

	serveMu sync.Mutex
	server  *http.Server
}

var _ mailstore.Client = (*Client)(nil)

// New creates a Client. Authenticate must succeed before any other call.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.SubscriptionTTL <= 0 {
		opts.SubscriptionTTL = defaultSubscriptionTTL
	}
	if opts.SubscriptionTTL > maxSubscriptionTTL {
		opts.SubscriptionTTL = maxSubscriptionTTL
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = defaultListenAddr
	}
	opts.NotificationURL = strings.TrimRight(opts.NotificationURL, "/")

	logger = logger.With().Str("component", "graph").Logger()
	c := &Client{
		opts:   opts,
		logger: logger,
		hook:   newWebhook(uuid.NewString(), logger),
	}
	c.newAPI = c.buildAPI
	return c
}

func (c *Client) buildAPI(ctx context.Context, creds model.Credentials) (mailAPI, error) {
	// The token source outlives the call that created it.
	cred := newClientCredential(context.WithoutCancel(ctx), c.opts.TenantID, c.opts.ClientID, creds.Secret)
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{DefaultScope})
	if err != nil {
		return nil, fmt.Errorf("creating graph client: %w", err)
	}
	return newSDKAPI(client), nil
}

// Authenticate builds an API client for creds and checks that the
// mailbox is reachable.
func (c *Client) Authenticate(ctx context.Context, creds model.Credentials) error {
	api, err := c.newAPI(ctx, creds)
	if err != nil {
		return err
	}

	if _, err := api.ListMessages(ctx, creds.Principal, wellKnownFolders[model.FolderInbox], "", 1); err != nil {
		return fmt.Errorf("probing mailbox %s: %w", creds.Principal, err)
	}

	c.mu.Lock()
	c.api = api
	c.user = creds.Principal
	c.mu.Unlock()

	c.logger.Debug().Str("user", creds.Principal).Msg("Authenticated")
	return nil
}

func (c *Client) session() (mailAPI, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.api == nil {
		return nil, "", errNotAuthenticated
	}
	return c.api, c.user, nil
}

// Search lists at most pageSize matching messages, oldest first.
func (c *Client) Search(
	ctx context.Context,
	filter model.FilterCriteria,
	pageSize int,
) ([]model.ItemReference, error) {
	api, user, err := c.session()
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = mailstore.DefaultPageSize
	}

	folder, ok := wellKnownFolders[filter.Folder]
	if !ok {
		return nil, fmt.Errorf("unknown folder %q", filter.Folder)
	}

	msgs, err := api.ListMessages(ctx, user, folder, odataFilter(filter), int32(pageSize))
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", folder, err)
	}

	refs := make([]model.ItemReference, 0, len(msgs))
	for _, m := range msgs {
		if id := deref(m.GetId()); id != "" {
			refs = append(refs, model.ItemReference{ID: id})
		}
	}
	return refs, nil
}

// odataFilter renders the filter as an OData $filter expression.
func odataFilter(f model.FilterCriteria) string {
	var clauses []string
	if f.UnreadOnly {
		clauses = append(clauses, "isRead eq false")
	}
	if f.SubjectSubstring != "" {
		escaped := strings.ReplaceAll(f.SubjectSubstring, "'", "''")
		clauses = append(clauses, fmt.Sprintf("contains(subject,'%s')", escaped))
	}
	return strings.Join(clauses, " and ")
}

// Fetch reads the selected properties. The text body and the HTML body
// need separate requests because Graph returns one body per request.
func (c *Client) Fetch(
	ctx context.Context,
	ref model.ItemReference,
	props model.PropertySet,
) (*model.MailItem, error) {
	api, user, err := c.session()
	if err != nil {
		return nil, &mailstore.FetchError{ItemID: ref.ID, Op: "fetch", Err: err}
	}

	fields := []string{"id"}
	if props.Has(model.PropCore) {
		fields = append(fields, "changeKey", "subject", "from", "body", "isRead")
	}

	msg, err := api.GetMessage(ctx, user, ref.ID, fields, true)
	if err != nil {
		return nil, &mailstore.FetchError{ItemID: ref.ID, Op: "fetch", Err: err}
	}

	item := &model.MailItem{ID: deref(msg.GetId())}
	if item.ID == "" {
		item.ID = ref.ID
	}

	if props.Has(model.PropCore) {
		item.ChangeKey = deref(msg.GetChangeKey())
		item.Subject = deref(msg.GetSubject())
		item.Sender, item.SenderName = senderOf(msg)
		item.Body = bodyContent(msg)
		if r := msg.GetIsRead(); r != nil {
			item.IsRead = *r
		}
	}

	if props.Has(model.PropHTMLBody) {
		html, err := api.GetMessage(ctx, user, item.ID, []string{"id", "body"}, false)
		if err != nil {
			return nil, &mailstore.FetchError{ItemID: item.ID, Op: "fetch html body", Err: err}
		}
		item.HTMLBody = bodyContent(html)
	}

	if props.Has(model.PropAttachments) {
		atts, err := api.ListAttachments(ctx, user, item.ID)
		if err != nil {
			return nil, &mailstore.FetchError{ItemID: item.ID, Op: "list attachments", Err: err}
		}
		for _, a := range atts {
			item.Attachments = append(item.Attachments, attachmentRef(a))
		}
	}

	return item, nil
}

// LoadAttachmentContent downloads the content of a file attachment.
func (c *Client) LoadAttachmentContent(
	ctx context.Context,
	item *model.MailItem,
	att *model.AttachmentRef,
) error {
	api, user, err := c.session()
	if err != nil {
		return &mailstore.FetchError{ItemID: item.ID, Op: "load attachment", Err: err}
	}

	full, err := api.GetAttachment(ctx, user, item.ID, att.ID)
	if err != nil {
		return &mailstore.FetchError{ItemID: item.ID, Op: "load attachment " + att.Name, Err: err}
	}

	file, ok := full.(models.FileAttachmentable)
	if !ok {
		return &mailstore.FetchError{
			ItemID: item.ID,
			Op:     "load attachment " + att.Name,
			Err:    errors.New("not a file attachment"),
		}
	}

	att.Content = file.GetContentBytes()
	att.Size = int64(len(att.Content))
	att.Loaded = true
	return nil
}

// Update patches isRead and subject. Under ConflictNeverOverwrite the
// current changeKey is compared first.
func (c *Client) Update(ctx context.Context, item *model.MailItem, policy model.ConflictPolicy) error {
	api, user, err := c.session()
	if err != nil {
		return &mailstore.UpdateError{ItemID: item.ID, Err: err}
	}

	if policy == model.ConflictNeverOverwrite {
		cur, err := api.GetMessage(ctx, user, item.ID, []string{"id", "changeKey"}, false)
		if err != nil {
			return &mailstore.UpdateError{ItemID: item.ID, Err: err}
		}
		if deref(cur.GetChangeKey()) != item.ChangeKey {
			return &mailstore.UpdateError{ItemID: item.ID, Err: mailstore.ErrConflict}
		}
	}

	patch := models.NewMessage()
	isRead := item.IsRead
	subject := item.Subject
	patch.SetIsRead(&isRead)
	patch.SetSubject(&subject)

	if err := api.PatchMessage(ctx, user, item.ID, patch); err != nil {
		return &mailstore.UpdateError{ItemID: item.ID, Err: err}
	}
	return nil
}

// SubscribeNewMail starts the webhook server if needed and creates a
// Graph subscription on the user's messages.
func (c *Client) SubscribeNewMail(
	ctx context.Context,
	allFolders bool,
	kinds []model.EventKind,
) (mailstore.Subscription, error) {
	api, user, err := c.session()
	if err != nil {
		return nil, err
	}
	if c.opts.NotificationURL == "" {
		return nil, errors.New("graph notification url is not configured")
	}
	if err := c.serve(); err != nil {
		return nil, err
	}

	resource := fmt.Sprintf("users/%s/messages", user)
	if !allFolders {
		resource = fmt.Sprintf("users/%s/mailFolders('inbox')/messages", user)
	}

	changeType := changeTypes(kinds)
	notifyURL := c.opts.NotificationURL + notificationsPath
	lifecycleURL := c.opts.NotificationURL + lifecyclePath
	clientState := c.hook.clientState
	expires := time.Now().Add(c.opts.SubscriptionTTL).UTC()

	req := models.NewSubscription()
	req.SetChangeType(&changeType)
	req.SetResource(&resource)
	req.SetNotificationUrl(&notifyURL)
	req.SetLifecycleNotificationUrl(&lifecycleURL)
	req.SetClientState(&clientState)
	req.SetExpirationDateTime(&expires)

	created, err := api.CreateSubscription(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating subscription on %s: %w", resource, err)
	}
	id := deref(created.GetId())
	if id == "" {
		return nil, errors.New("graph returned a subscription without id")
	}

	sub := newSubscription(id, api, c.opts.SubscriptionTTL, c.logger)
	c.hook.register(id, sub)
	sub.onClose = func() { c.hook.unregister(id) }
	go sub.renewLoop()

	c.logger.Info().
		Str("subscription_id", id).
		Str("resource", resource).
		Time("expires", expires).
		Msg("Graph subscription created")
	return sub, nil
}

// changeTypes maps event kinds to a Graph changeType list.
func changeTypes(kinds []model.EventKind) string {
	seen := map[string]bool{}
	var out []string
	for _, k := range kinds {
		ct := "created"
		if k == model.EventModified {
			ct = "updated"
		}
		if !seen[ct] {
			seen[ct] = true
			out = append(out, ct)
		}
	}
	if len(out) == 0 {
		return "created"
	}
	return strings.Join(out, ",")
}

// serve starts the webhook server once. The listener is opened here so
// bind errors surface to the caller.
func (c *Client) serve() error {
	c.serveMu.Lock()
	defer c.serveMu.Unlock()

	if c.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", c.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", c.opts.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           c.hook.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.server = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("Webhook server stopped")
		}
	}()

	c.logger.Info().Str("addr", ln.Addr().String()).Msg("Webhook server listening")
	return nil
}

// Close stops the webhook server.
func (c *Client) Close() error {
	c.serveMu.Lock()
	srv := c.server
	c.server = nil
	c.serveMu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func attachmentRef(a models.Attachmentable) *model.AttachmentRef {
	ref := &model.AttachmentRef{
		ID:   deref(a.GetId()),
		Name: deref(a.GetName()),
		Kind: model.AttachmentItem,
	}
	if size := a.GetSize(); size != nil {
		ref.Size = int64(*size)
	}

	// Reference (cloud link) attachments have no content to save and are
	// treated like item attachments.
	if file, ok := a.(models.FileAttachmentable); ok {
		ref.Kind = model.AttachmentFile
		if content := file.GetContentBytes(); content != nil {
			ref.Content = content
			ref.Loaded = true
		}
	}
	return ref
}

// senderOf returns the From address and its display name. The name is
// empty when Graph echoes the address in its place.
func senderOf(m models.Messageable) (string, string) {
	from := m.GetFrom()
	if from == nil || from.GetEmailAddress() == nil {
		return "", ""
	}
	addr := deref(from.GetEmailAddress().GetAddress())
	name := deref(from.GetEmailAddress().GetName())
	if name == addr {
		name = ""
	}
	return addr, name
}

func bodyContent(m models.Messageable) string {
	if b := m.GetBody(); b != nil {
		return deref(b.GetContent())
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
