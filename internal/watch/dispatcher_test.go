package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailwatch/internal/attachment"
	"github.com/nhle/mailwatch/internal/logging"
	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/processor"
	"github.com/nhle/mailwatch/tests/testutil"
)

var reportFilter = model.FilterCriteria{
	Folder:           model.FolderInbox,
	SubjectSubstring: "Report",
	UnreadOnly:       true,
}

// gatedProcessor blocks every Process call until release is closed.
type gatedProcessor struct {
	mu      sync.Mutex
	refs    []string
	ctxErrs []error
	release chan struct{}
}

func newGatedProcessor() *gatedProcessor {
	return &gatedProcessor{release: make(chan struct{})}
}

func (g *gatedProcessor) Process(ctx context.Context, ref model.ItemReference, _ model.FilterCriteria) processor.Result {
	g.mu.Lock()
	g.refs = append(g.refs, ref.ID)
	g.ctxErrs = append(g.ctxErrs, ctx.Err())
	g.mu.Unlock()

	<-g.release
	return processor.Result{ItemID: ref.ID}
}

func (g *gatedProcessor) started() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refs)
}

func (g *gatedProcessor) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]string(nil), g.refs...)
	sort.Strings(out)
	return out
}

func TestDispatcher_ProcessesItemsConcurrently(t *testing.T) {
	fake := testutil.NewFakeMailStore()
	fake.Add(testutil.FakeMessage{ID: "m1", Subject: "Report A"})
	fake.Add(testutil.FakeMessage{ID: "m2", Subject: "Report B"})
	fake.Add(testutil.FakeMessage{ID: "m3", Subject: "Lunch"})
	proc := newGatedProcessor()

	d := NewDispatcher(context.Background(), fake, proc, reportFilter, 0, zerolog.Nop())

	returned := make(chan struct{})
	go func() {
		d.HandleBatch(testutil.NewMailBatch(1))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("HandleBatch blocked")
	}

	// Both flows are in Process at the same time.
	require.Eventually(t, func() bool { return proc.started() == 2 }, waitFor, 5*time.Millisecond)
	close(proc.release)
	d.Wait()

	assert.Equal(t, []string{"ref:m1", "ref:m2"}, proc.seen())
}

func TestDispatcher_SearchesOncePerEvent(t *testing.T) {
	fake := testutil.NewFakeMailStore()
	fake.Add(testutil.FakeMessage{ID: "m1", Subject: "Report A"})
	proc := newGatedProcessor()
	close(proc.release)

	d := NewDispatcher(context.Background(), fake, proc, reportFilter, 0, zerolog.Nop())
	d.HandleBatch(testutil.NewMailBatch(2))
	d.HandleBatch(testutil.NewMailBatch(1))
	d.Wait()

	// The gated processor never marks anything, so every search sees m1.
	assert.Equal(t, []string{"ref:m1", "ref:m1", "ref:m1"}, proc.seen())
}

func TestDispatcher_FlowsIgnoreCancellation(t *testing.T) {
	fake := testutil.NewFakeMailStore()
	fake.Add(testutil.FakeMessage{ID: "m1", Subject: "Report A"})
	proc := newGatedProcessor()
	close(proc.release)

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ctx, fake, proc, reportFilter, 0, zerolog.Nop())
	cancel()

	d.HandleBatch(testutil.NewMailBatch(1))
	d.Wait()

	require.Len(t, proc.ctxErrs, 1)
	assert.NoError(t, proc.ctxErrs[0])
}

func TestDispatcher_PageSizeBoundsSearch(t *testing.T) {
	fake := testutil.NewFakeMailStore()
	for _, id := range []string{"m1", "m2", "m3"} {
		fake.Add(testutil.FakeMessage{ID: id, Subject: "Report " + id})
	}
	proc := newGatedProcessor()
	close(proc.release)

	d := NewDispatcher(context.Background(), fake, proc, reportFilter, 2, zerolog.Nop())
	d.HandleBatch(testutil.NewMailBatch(1))
	d.Wait()

	assert.Len(t, proc.seen(), 2)
}

func TestDispatcher_WaitTimeout(t *testing.T) {
	fake := testutil.NewFakeMailStore()
	fake.Add(testutil.FakeMessage{ID: "m1", Subject: "Report A"})
	proc := newGatedProcessor()

	d := NewDispatcher(context.Background(), fake, proc, reportFilter, 0, zerolog.Nop())
	d.HandleBatch(testutil.NewMailBatch(1))
	require.Eventually(t, func() bool { return proc.started() == 1 }, waitFor, 5*time.Millisecond)

	assert.False(t, d.WaitTimeout(20*time.Millisecond))
	close(proc.release)
	assert.True(t, d.WaitTimeout(waitFor))
}

// The full pipeline: a notification on a live subscription leads to the
// attachments on disk and the item marked on the store.
func TestWatcher_EndToEndInvoice(t *testing.T) {
	fake := testutil.NewFakeMailStore()
	fake.Add(testutil.FakeMessage{
		ID:      "inv-42",
		Subject: "Invoice #42",
		Sender:  "billing@example.com",
		Body:    "Two files attached.",
		Attachments: []testutil.FakeAttachment{
			{Name: "a.pdf", Content: []byte("%PDF a")},
			{Name: "b.png", Content: []byte("PNG b")},
		},
	})
	fake.Add(testutil.FakeMessage{ID: "other", Subject: "Newsletter"})

	dir := t.TempDir()
	logger, logs := testutil.NewTestLogger()
	filter := model.FilterCriteria{Folder: model.FolderInbox, SubjectSubstring: "Invoice", UnreadOnly: true}

	proc := processor.New(fake, attachment.NewWriter(), logger, processor.Options{OutputDir: dir})
	d := NewDispatcher(context.Background(), fake, proc, filter, 0, logger)
	s := startSupervisor(t, fake, d, SupervisorOptions{}, nil)

	// Survive a couple of drops before mail arrives.
	for i := 0; i < 2; i++ {
		fake.NextSubscription(t, waitFor).Drop(errors.New("reset"))
	}
	sub := fake.NextSubscription(t, waitFor)
	requireState(t, s, StateActive)

	require.True(t, sub.Push(testutil.NewMailBatch(1), waitFor))
	require.Eventually(t, func() bool {
		return len(logs.WithEvent(t, logging.EventMarkedRead)) == 1
	}, waitFor, 10*time.Millisecond)
	d.Wait()

	for name, want := range map[string]string{"a.pdf": "%PDF a", "b.png": "PNG b"} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	msg, _ := fake.Message("inv-42")
	assert.True(t, msg.IsRead)
	assert.Equal(t, "Invoice #42_processed", msg.Subject)

	other, _ := fake.Message("other")
	assert.False(t, other.IsRead)
	assert.Equal(t, "Newsletter", other.Subject)

	assert.Len(t, logs.WithEvent(t, logging.EventNewEmail), 1)
	assert.Len(t, logs.WithEvent(t, logging.EventAttachmentDownloaded), 2)
	assert.Len(t, logs.WithEvent(t, logging.EventMarkedRead), 1)
}
