package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/model"
)

// refPrefix marks search handles so tests exercise the resolve step.
const refPrefix = "ref:"

// FakeAttachment is an attachment stored in a FakeMailStore.
type FakeAttachment struct {
	Name    string
	Kind    model.AttachmentKind
	Content []byte
}

// FakeMessage is a message stored in a FakeMailStore.
type FakeMessage struct {
	ID          string
	Folder      model.WellKnownFolder
	Subject     string
	Sender      string
	SenderName  string
	Body        string
	HTMLBody    string
	IsRead      bool
	Attachments []FakeAttachment
}

type fault struct {
	err       error
	remaining int
}

// FakeMailStore is an in-memory mailstore.Client with failure injection.
// It is safe for concurrent use.
type FakeMailStore struct {
	mu       sync.Mutex
	messages map[string]*FakeMessage
	versions map[string]int
	faults   map[string]*fault
	updates  map[string]int
	loads    int

	authFailures      int
	subscribeFailures int
	authCalls         int
	subscribeCalls    int

	subs chan *FakeSubscription
}

var _ mailstore.Client = (*FakeMailStore)(nil)

// NewFakeMailStore returns an empty store.
func NewFakeMailStore() *FakeMailStore {
	return &FakeMailStore{
		messages: make(map[string]*FakeMessage),
		versions: make(map[string]int),
		faults:   make(map[string]*fault),
		updates:  make(map[string]int),
		subs:     make(chan *FakeSubscription, 128),
	}
}

// Add stores msg, defaulting its folder to the inbox.
func (f *FakeMailStore) Add(msg FakeMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if msg.Folder == "" {
		msg.Folder = model.FolderInbox
	}
	m := msg
	f.messages[msg.ID] = &m
	f.versions[msg.ID] = 1
}

// Message returns a copy of the stored message.
func (f *FakeMailStore) Message(id string) (FakeMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.messages[id]
	if !ok {
		return FakeMessage{}, false
	}
	return *m, true
}

// UpdateCount returns how many successful updates id has received.
func (f *FakeMailStore) UpdateCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[id]
}

// LoadCount returns how many attachment loads succeeded.
func (f *FakeMailStore) LoadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// FailAuthenticate makes the next n Authenticate calls fail.
func (f *FakeMailStore) FailAuthenticate(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authFailures = n
}

// FailSubscribe makes the next n SubscribeNewMail calls fail.
func (f *FakeMailStore) FailSubscribe(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeFailures = n
}

// AuthCalls returns the number of Authenticate calls.
func (f *FakeMailStore) AuthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

// SubscribeCalls returns the number of SubscribeNewMail calls.
func (f *FakeMailStore) SubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls
}

// FailFetch makes the next n fetches of id with props fail with err.
func (f *FakeMailStore) FailFetch(id string, props model.PropertySet, err error, n int) {
	f.setFault(fmt.Sprintf("fetch:%s:%d", id, props), err, n)
}

// FailLoad makes the next n content loads of the named attachment fail.
func (f *FakeMailStore) FailLoad(id, name string, err error, n int) {
	f.setFault("load:"+id+":"+name, err, n)
}

// FailUpdate makes the next n updates of id fail with err.
func (f *FakeMailStore) FailUpdate(id string, err error, n int) {
	f.setFault("update:"+id, err, n)
}

func (f *FakeMailStore) setFault(key string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[key] = &fault{err: err, remaining: n}
}

// takeFault must be called with f.mu held.
func (f *FakeMailStore) takeFault(key string) error {
	flt, ok := f.faults[key]
	if !ok || flt.remaining == 0 {
		return nil
	}
	flt.remaining--
	return flt.err
}

// Authenticate implements mailstore.Client.
func (f *FakeMailStore) Authenticate(_ context.Context, creds model.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.authCalls++
	if f.authFailures > 0 {
		f.authFailures--
		return fmt.Errorf("authentication failed for %s", creds.Principal)
	}
	return nil
}

// SubscribeNewMail implements mailstore.Client.
func (f *FakeMailStore) SubscribeNewMail(
	_ context.Context,
	_ bool,
	_ []model.EventKind,
) (mailstore.Subscription, error) {
	f.mu.Lock()
	f.subscribeCalls++
	if f.subscribeFailures > 0 {
		f.subscribeFailures--
		f.mu.Unlock()
		return nil, errors.New("subscribe refused")
	}
	f.mu.Unlock()

	sub := newFakeSubscription()
	select {
	case f.subs <- sub:
	default:
	}
	return sub, nil
}

// NextSubscription waits for the next subscription opened on the store.
func (f *FakeMailStore) NextSubscription(t *testing.T, timeout time.Duration) *FakeSubscription {
	t.Helper()

	select {
	case sub := <-f.subs:
		return sub
	case <-time.After(timeout):
		t.Fatalf("no subscription opened within %s", timeout)
		return nil
	}
}

// Search implements mailstore.Client. Handles carry a prefix that only
// Fetch with PropID strips, like stores that return transient handles.
func (f *FakeMailStore) Search(
	_ context.Context,
	filter model.FilterCriteria,
	pageSize int,
) ([]model.ItemReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.messages))
	for id := range f.messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var refs []model.ItemReference
	for _, id := range ids {
		m := f.messages[id]
		if m.Folder != filter.Folder {
			continue
		}
		if !filter.Matches(&model.MailItem{Subject: m.Subject, IsRead: m.IsRead}) {
			continue
		}
		refs = append(refs, model.ItemReference{ID: refPrefix + id})
		if pageSize > 0 && len(refs) == pageSize {
			break
		}
	}
	return refs, nil
}

// Fetch implements mailstore.Client.
func (f *FakeMailStore) Fetch(
	_ context.Context,
	ref model.ItemReference,
	props model.PropertySet,
) (*model.MailItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := strings.TrimPrefix(ref.ID, refPrefix)
	if err := f.takeFault(fmt.Sprintf("fetch:%s:%d", id, props)); err != nil {
		return nil, err
	}

	m, ok := f.messages[id]
	if !ok {
		return nil, &mailstore.FetchError{ItemID: id, Op: "fetch", Err: mailstore.ErrNotFound}
	}

	item := &model.MailItem{ID: id}
	if props.Has(model.PropCore) {
		item.ChangeKey = strconv.Itoa(f.versions[id])
		item.Subject = m.Subject
		item.Sender = m.Sender
		item.SenderName = m.SenderName
		item.Body = m.Body
		item.IsRead = m.IsRead
	}
	if props.Has(model.PropHTMLBody) {
		item.HTMLBody = m.HTMLBody
	}
	if props.Has(model.PropAttachments) {
		for i, a := range m.Attachments {
			item.Attachments = append(item.Attachments, &model.AttachmentRef{
				ID:   strconv.Itoa(i),
				Name: a.Name,
				Kind: a.Kind,
				Size: int64(len(a.Content)),
			})
		}
	}
	return item, nil
}

// Update implements mailstore.Client.
func (f *FakeMailStore) Update(
	_ context.Context,
	item *model.MailItem,
	policy model.ConflictPolicy,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFault("update:" + item.ID); err != nil {
		return err
	}

	m, ok := f.messages[item.ID]
	if !ok {
		return &mailstore.UpdateError{ItemID: item.ID, Err: mailstore.ErrNotFound}
	}
	if policy == model.ConflictNeverOverwrite && item.ChangeKey != strconv.Itoa(f.versions[item.ID]) {
		return &mailstore.UpdateError{ItemID: item.ID, Err: mailstore.ErrConflict}
	}

	m.IsRead = item.IsRead
	m.Subject = item.Subject
	f.versions[item.ID]++
	f.updates[item.ID]++
	return nil
}

// LoadAttachmentContent implements mailstore.Client.
func (f *FakeMailStore) LoadAttachmentContent(
	_ context.Context,
	item *model.MailItem,
	att *model.AttachmentRef,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFault("load:" + item.ID + ":" + att.Name); err != nil {
		return err
	}

	m, ok := f.messages[item.ID]
	if !ok {
		return &mailstore.FetchError{ItemID: item.ID, Op: "load attachment", Err: mailstore.ErrNotFound}
	}
	idx, err := strconv.Atoi(att.ID)
	if err != nil || idx < 0 || idx >= len(m.Attachments) {
		return &mailstore.FetchError{ItemID: item.ID, Op: "load attachment", Err: mailstore.ErrNotFound}
	}

	att.Content = append([]byte(nil), m.Attachments[idx].Content...)
	att.Loaded = true
	f.loads++
	return nil
}

// FakeSubscription is a subscription the test drives by hand.
type FakeSubscription struct {
	batches  chan model.NotificationBatch
	disc     chan error
	closed   chan struct{}
	once     sync.Once
	dropOnce sync.Once
}

func newFakeSubscription() *FakeSubscription {
	return &FakeSubscription{
		batches: make(chan model.NotificationBatch),
		disc:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Batches implements mailstore.Subscription.
func (s *FakeSubscription) Batches() <-chan model.NotificationBatch { return s.batches }

// Disconnected implements mailstore.Subscription.
func (s *FakeSubscription) Disconnected() <-chan error { return s.disc }

// Close implements mailstore.Subscription.
func (s *FakeSubscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether Close has been called.
func (s *FakeSubscription) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Push delivers batch and waits until the consumer has received it.
// It returns false if the subscription is closed or timeout elapses.
func (s *FakeSubscription) Push(batch model.NotificationBatch, timeout time.Duration) bool {
	select {
	case s.batches <- batch:
		return true
	case <-s.closed:
		return false
	case <-time.After(timeout):
		return false
	}
}

// Drop simulates the server dropping the subscription.
func (s *FakeSubscription) Drop(err error) {
	s.dropOnce.Do(func() { s.disc <- err })
}

// NewMailBatch returns a batch of n new-mail events.
func NewMailBatch(n int) model.NotificationBatch {
	batch := make(model.NotificationBatch, n)
	for i := range batch {
		batch[i] = model.NotificationEvent{Kind: model.EventNewMail, Folder: string(model.FolderInbox)}
	}
	return batch
}
