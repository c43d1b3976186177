package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/model"
)

type fakeMessage struct {
	subject   string
	from      string
	fromName  string
	text      string
	html      string
	isRead    bool
	changeKey string
	files     map[string][]byte
	items     []string
}

type fakeAPI struct {
	mu       sync.Mutex
	messages map[string]*fakeMessage

	listFilter  string
	listFolder  string
	listTop     int32
	listResult  []string
	patches     int
	renewals    int
	deleted     []string
	created     []models.Subscriptionable
	renewErr    error
	patchErr    error
	getMessages int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{messages: make(map[string]*fakeMessage)}
}

func (f *fakeAPI) ListMessages(_ context.Context, _, folder, filter string, top int32) ([]models.Messageable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listFolder = folder
	f.listFilter = filter
	f.listTop = top

	var out []models.Messageable
	for _, id := range f.listResult {
		m := models.NewMessage()
		m.SetId(ptr(id))
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeAPI) GetMessage(_ context.Context, _, id string, fields []string, textBody bool) (models.Messageable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getMessages++
	fm, ok := f.messages[id]
	if !ok {
		return nil, errors.Join(mailstore.ErrNotFound, errors.New("404"))
	}

	m := models.NewMessage()
	m.SetId(ptr(id))
	for _, field := range fields {
		switch field {
		case "changeKey":
			m.SetChangeKey(ptr(fm.changeKey))
		case "subject":
			m.SetSubject(ptr(fm.subject))
		case "isRead":
			m.SetIsRead(&fm.isRead)
		case "from":
			addr := models.NewEmailAddress()
			addr.SetAddress(ptr(fm.from))
			if fm.fromName != "" {
				addr.SetName(ptr(fm.fromName))
			}
			rcpt := models.NewRecipient()
			rcpt.SetEmailAddress(addr)
			m.SetFrom(rcpt)
		case "body":
			body := models.NewItemBody()
			if textBody {
				body.SetContent(ptr(fm.text))
			} else {
				body.SetContent(ptr(fm.html))
			}
			m.SetBody(body)
		}
	}
	return m, nil
}

func (f *fakeAPI) ListAttachments(_ context.Context, _, messageID string) ([]models.Attachmentable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fm := f.messages[messageID]
	var out []models.Attachmentable
	for name, content := range fm.files {
		a := models.NewFileAttachment()
		a.SetId(ptr("file-" + name))
		a.SetName(ptr(name))
		size := int32(len(content))
		a.SetSize(&size)
		out = append(out, a)
	}
	for _, name := range fm.items {
		a := models.NewItemAttachment()
		a.SetId(ptr("item-" + name))
		a.SetName(ptr(name))
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAPI) GetAttachment(_ context.Context, _, messageID, attachmentID string) (models.Attachmentable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fm := f.messages[messageID]
	for name, content := range fm.files {
		if "file-"+name == attachmentID {
			a := models.NewFileAttachment()
			a.SetId(ptr(attachmentID))
			a.SetName(ptr(name))
			a.SetContentBytes(content)
			return a, nil
		}
	}
	for _, name := range fm.items {
		if "item-"+name == attachmentID {
			a := models.NewItemAttachment()
			a.SetId(ptr(attachmentID))
			return a, nil
		}
	}
	return nil, mailstore.ErrNotFound
}

func (f *fakeAPI) PatchMessage(_ context.Context, _, id string, patch models.Messageable) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.patchErr != nil {
		return f.patchErr
	}
	fm := f.messages[id]
	if s := patch.GetSubject(); s != nil {
		fm.subject = *s
	}
	if r := patch.GetIsRead(); r != nil {
		fm.isRead = *r
	}
	fm.changeKey += "+"
	f.patches++
	return nil
}

func (f *fakeAPI) CreateSubscription(_ context.Context, sub models.Subscriptionable) (models.Subscriptionable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.created = append(f.created, sub)
	out := models.NewSubscription()
	out.SetId(ptr("sub-1"))
	return out, nil
}

func (f *fakeAPI) RenewSubscription(_ context.Context, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals++
	return f.renewErr
}

func (f *fakeAPI) DeleteSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewals
}

func ptr(s string) *string { return &s }

func newTestClient(t *testing.T, api *fakeAPI, opts Options) *Client {
	t.Helper()

	c := New(opts, zerolog.Nop())
	c.newAPI = func(context.Context, model.Credentials) (mailAPI, error) { return api, nil }
	require.NoError(t, c.Authenticate(t.Context(), model.Credentials{Principal: "ap@example.com"}))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOdataFilter(t *testing.T) {
	f := model.FilterCriteria{SubjectSubstring: "Bob's invoice", UnreadOnly: true}
	assert.Equal(t, "isRead eq false and contains(subject,'Bob''s invoice')", odataFilter(f))

	f.UnreadOnly = false
	assert.Equal(t, "contains(subject,'Bob''s invoice')", odataFilter(f))
}

func TestSenderOf(t *testing.T) {
	from := func(addr, name string) models.Messageable {
		ea := models.NewEmailAddress()
		ea.SetAddress(ptr(addr))
		if name != "" {
			ea.SetName(ptr(name))
		}
		rcpt := models.NewRecipient()
		rcpt.SetEmailAddress(ea)
		m := models.NewMessage()
		m.SetFrom(rcpt)
		return m
	}

	addr, name := senderOf(from("billing@example.com", "Billing Team"))
	assert.Equal(t, "billing@example.com", addr)
	assert.Equal(t, "Billing Team", name)

	addr, name = senderOf(from("billing@example.com", "billing@example.com"))
	assert.Equal(t, "billing@example.com", addr)
	assert.Empty(t, name)

	addr, name = senderOf(models.NewMessage())
	assert.Empty(t, addr)
	assert.Empty(t, name)
}

func TestChangeTypes(t *testing.T) {
	assert.Equal(t, "created", changeTypes(nil))
	assert.Equal(t, "created", changeTypes([]model.EventKind{model.EventNewMail, model.EventCreated}))
	assert.Equal(t, "created,updated", changeTypes([]model.EventKind{model.EventNewMail, model.EventModified}))
}

func TestClient_RequiresAuthenticate(t *testing.T) {
	c := New(Options{}, zerolog.Nop())

	_, err := c.Search(t.Context(), model.FilterCriteria{Folder: model.FolderInbox}, 10)
	assert.ErrorIs(t, err, errNotAuthenticated)

	_, err = c.Fetch(t.Context(), model.ItemReference{ID: "m1"}, model.PropCore)
	assert.True(t, mailstore.IsFetchError(err))
}

func TestClient_Search(t *testing.T) {
	api := newFakeAPI()
	api.listResult = []string{"m1", "m2"}
	c := newTestClient(t, api, Options{})

	refs, err := c.Search(t.Context(), model.FilterCriteria{
		Folder:           model.FolderJunk,
		SubjectSubstring: "Invoice",
		UnreadOnly:       true,
	}, 7)
	require.NoError(t, err)

	assert.Equal(t, []model.ItemReference{{ID: "m1"}, {ID: "m2"}}, refs)
	assert.Equal(t, "junkemail", api.listFolder)
	assert.Equal(t, int32(7), api.listTop)
	assert.Equal(t, "isRead eq false and contains(subject,'Invoice')", api.listFilter)
}

func TestClient_FetchScopedProperties(t *testing.T) {
	api := newFakeAPI()
	api.messages["m1"] = &fakeMessage{
		subject:   "Invoice #42",
		from:      "billing@example.com",
		fromName:  "Billing Team",
		text:      "Please pay.",
		html:      "<p>Please pay.</p>",
		changeKey: "ck1",
		files:     map[string][]byte{"a.pdf": []byte("%PDF")},
		items:     []string{"fwd"},
	}
	c := newTestClient(t, api, Options{})

	idOnly, err := c.Fetch(t.Context(), model.ItemReference{ID: "m1"}, model.PropID)
	require.NoError(t, err)
	assert.Equal(t, "m1", idOnly.ID)
	assert.Empty(t, idOnly.Subject)

	item, err := c.Fetch(t.Context(), model.ItemReference{ID: "m1"},
		model.PropCore|model.PropHTMLBody|model.PropAttachments)
	require.NoError(t, err)

	assert.Equal(t, "Invoice #42", item.Subject)
	assert.Equal(t, "billing@example.com", item.Sender)
	assert.Equal(t, "Billing Team", item.SenderName)
	assert.Equal(t, "Please pay.", item.Body)
	assert.Equal(t, "<p>Please pay.</p>", item.HTMLBody)
	assert.Equal(t, "ck1", item.ChangeKey)
	assert.False(t, item.IsRead)

	require.Len(t, item.Attachments, 2)
	kinds := map[string]model.AttachmentKind{}
	for _, a := range item.Attachments {
		kinds[a.Name] = a.Kind
		assert.False(t, a.Loaded)
	}
	assert.Equal(t, model.AttachmentFile, kinds["a.pdf"])
	assert.Equal(t, model.AttachmentItem, kinds["fwd"])
}

func TestClient_FetchMissing(t *testing.T) {
	c := newTestClient(t, newFakeAPI(), Options{})

	_, err := c.Fetch(t.Context(), model.ItemReference{ID: "gone"}, model.PropCore)
	require.Error(t, err)
	assert.True(t, mailstore.IsFetchError(err))
	assert.ErrorIs(t, err, mailstore.ErrNotFound)
}

func TestClient_LoadAttachmentContent(t *testing.T) {
	api := newFakeAPI()
	api.messages["m1"] = &fakeMessage{
		files: map[string][]byte{"a.pdf": []byte("%PDF-1.7")},
		items: []string{"fwd"},
	}
	c := newTestClient(t, api, Options{})

	item := &model.MailItem{ID: "m1"}
	att := &model.AttachmentRef{ID: "file-a.pdf", Name: "a.pdf"}
	require.NoError(t, c.LoadAttachmentContent(t.Context(), item, att))
	assert.True(t, att.Loaded)
	assert.Equal(t, []byte("%PDF-1.7"), att.Content)
	assert.Equal(t, int64(8), att.Size)

	err := c.LoadAttachmentContent(t.Context(), item, &model.AttachmentRef{ID: "item-fwd", Name: "fwd"})
	assert.True(t, mailstore.IsFetchError(err))
}

func TestClient_Update(t *testing.T) {
	api := newFakeAPI()
	api.messages["m1"] = &fakeMessage{subject: "Invoice", changeKey: "ck1"}
	c := newTestClient(t, api, Options{})

	item := &model.MailItem{ID: "m1", Subject: "Invoice", ChangeKey: "ck1"}
	item.MarkProcessed(model.DefaultProcessedTag)

	require.NoError(t, c.Update(t.Context(), item, model.ConflictAutoResolve))
	assert.Equal(t, "Invoice_processed", api.messages["m1"].subject)
	assert.True(t, api.messages["m1"].isRead)
}

func TestClient_UpdateNeverOverwriteConflict(t *testing.T) {
	api := newFakeAPI()
	api.messages["m1"] = &fakeMessage{subject: "Invoice", changeKey: "ck2"}
	c := newTestClient(t, api, Options{})

	item := &model.MailItem{ID: "m1", Subject: "Invoice_processed", IsRead: true, ChangeKey: "ck1"}
	err := c.Update(t.Context(), item, model.ConflictNeverOverwrite)

	require.Error(t, err)
	assert.True(t, mailstore.IsUpdateError(err))
	assert.ErrorIs(t, err, mailstore.ErrConflict)
	assert.Equal(t, 0, api.patches)

	item.ChangeKey = "ck2"
	require.NoError(t, c.Update(t.Context(), item, model.ConflictNeverOverwrite))
	assert.Equal(t, 1, api.patches)
}

func TestClient_UpdatePatchFailure(t *testing.T) {
	api := newFakeAPI()
	api.messages["m1"] = &fakeMessage{}
	api.patchErr = errors.New("503")
	c := newTestClient(t, api, Options{})

	err := c.Update(t.Context(), &model.MailItem{ID: "m1"}, model.ConflictAlwaysOverwrite)
	assert.True(t, mailstore.IsUpdateError(err))
}

func TestClient_SubscribeNewMail(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api, Options{
		ListenAddr:      "127.0.0.1:0",
		NotificationURL: "https://hooks.example.com/graph/",
		SubscriptionTTL: time.Hour,
	})

	sub, err := c.SubscribeNewMail(t.Context(), true, []model.EventKind{model.EventNewMail})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.Len(t, api.created, 1)
	req := api.created[0]
	assert.Equal(t, "created", *req.GetChangeType())
	assert.Equal(t, "users/ap@example.com/messages", *req.GetResource())
	assert.Equal(t, "https://hooks.example.com/graph/notifications", *req.GetNotificationUrl())
	assert.Equal(t, "https://hooks.example.com/graph/lifecycle", *req.GetLifecycleNotificationUrl())
	assert.Equal(t, c.hook.clientState, *req.GetClientState())
	assert.WithinDuration(t, time.Now().Add(time.Hour), *req.GetExpirationDateTime(), time.Minute)

	assert.NotNil(t, c.hook.lookup("sub-1"))

	require.NoError(t, sub.Close())
	assert.Nil(t, c.hook.lookup("sub-1"))
	assert.Equal(t, []string{"sub-1"}, api.deleted)
}

func TestClient_SubscribeInboxOnly(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api, Options{
		ListenAddr:      "127.0.0.1:0",
		NotificationURL: "https://hooks.example.com",
	})

	sub, err := c.SubscribeNewMail(t.Context(), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	assert.Equal(t, "users/ap@example.com/mailFolders('inbox')/messages", *api.created[0].GetResource())
}

func TestClient_SubscribeWithoutNotificationURL(t *testing.T) {
	c := newTestClient(t, newFakeAPI(), Options{})

	_, err := c.SubscribeNewMail(t.Context(), true, nil)
	assert.Error(t, err)
}

func TestSubscription_RenewsPeriodically(t *testing.T) {
	api := newFakeAPI()
	sub := newSubscription("sub-1", api, 40*time.Millisecond, zerolog.Nop())
	go sub.renewLoop()
	t.Cleanup(func() { _ = sub.Close() })

	assert.Eventually(t, func() bool { return api.renewCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscription_RenewFailureDisconnects(t *testing.T) {
	api := newFakeAPI()
	api.renewErr = errors.New("403")
	sub := newSubscription("sub-1", api, time.Hour, zerolog.Nop())
	go sub.renewLoop()
	t.Cleanup(func() { _ = sub.Close() })

	sub.requestRenewal()

	select {
	case err := <-sub.Disconnected():
		assert.ErrorContains(t, err, "renewing subscription")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not dropped after failed renewal")
	}
}

func TestSubscription_DeliverNeverBlocks(t *testing.T) {
	sub := newSubscription("sub-1", newFakeAPI(), time.Hour, zerolog.Nop())
	go sub.renewLoop()
	t.Cleanup(func() { _ = sub.Close() })

	batch := model.NotificationBatch{{Kind: model.EventCreated}}
	for range cap(sub.batches) + 10 {
		sub.deliver(batch)
	}
	assert.Len(t, sub.batches, cap(sub.batches))

	sub.deliver(nil)
	assert.Len(t, sub.batches, cap(sub.batches))
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	api := newFakeAPI()
	sub := newSubscription("sub-1", api, time.Hour, zerolog.Nop())
	go sub.renewLoop()

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, []string{"sub-1"}, api.deleted)
}
