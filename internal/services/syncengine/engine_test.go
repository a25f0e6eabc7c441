package syncengine

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"textsync/internal/models"
)

var errNotOpen = errors.New("not open")

// fakeTransport records frames and lets the test drive connection events
type fakeTransport struct {
	mu        sync.Mutex
	ready     bool
	sent      []string
	closed    bool
	onOpen    func()
	onMessage func([]byte)
	onClose   func(error)
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(frame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return errNotOpen
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.ready = false
	return nil
}

func (f *fakeTransport) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) OnOpen(fn func()) { f.onOpen = fn }
func (f *fakeTransport) OnMessage(fn func(frame []byte)) { f.onMessage = fn }
func (f *fakeTransport) OnClose(fn func(err error)) { f.onClose = fn }

func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.ready = true
	f.mu.Unlock()
	f.onOpen()
}

func (f *fakeTransport) disconnect() {
	f.mu.Lock()
	f.ready = false
	f.mu.Unlock()
	f.onClose(io.EOF)
}

func (f *fakeTransport) deliver(t *testing.T, msg *models.MessageEnvelope) {
	t.Helper()
	frame, err := msg.Encode()
	require.NoError(t, err)
	f.onMessage(frame)
}

func (f *fakeTransport) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func decodeFrame(t *testing.T, frame string) *models.MessageEnvelope {
	t.Helper()
	msg, err := models.DecodeEnvelope([]byte(frame))
	require.NoError(t, err)
	return msg
}

func testConfig() Config {
	cfg := DefaultConfig("doc-1")
	cfg.FlushInterval = time.Hour
	cfg.RetryInitial = 5 * time.Millisecond
	cfg.RetryMax = 10 * time.Millisecond
	cfg.RetryAttempts = 1000
	cfg.ResyncOnConnect = false
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

func attach(t *testing.T, cfg Config, view View) (*Engine, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	eng, err := Attach(context.Background(), cfg, tr, view)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Detach() })
	return eng, tr
}

func typeKeys(t *testing.T, eng *Engine, s string) {
	t.Helper()
	st, err := eng.Status()
	require.NoError(t, err)
	text := []rune(st.Content)
	for _, r := range s {
		text = append(text, r)
		require.NoError(t, eng.LocalEdit(string(text), len(text)))
	}
}

func status(t *testing.T, eng *Engine) Status {
	t.Helper()
	st, err := eng.Status()
	require.NoError(t, err)
	return st
}

func TestAttach_Validation(t *testing.T) {
	_, err := Attach(context.Background(), Config{}, &fakeTransport{}, nil)
	assert.Error(t, err)

	_, err = Attach(context.Background(), Config{DocID: "x"}, nil, nil)
	assert.Error(t, err)
}

func TestEngine_RetryUntilReady(t *testing.T) {
	eng, tr := attach(t, testConfig(), nil)

	typeKeys(t, eng, "cat ")
	require.NoError(t, eng.Flush())
	typeKeys(t, eng, "sat.")
	require.NoError(t, eng.Flush())

	st := status(t, eng)
	assert.Len(t, st.Pending, 2)
	assert.Empty(t, tr.frames())

	tr.connect()
	require.Eventually(t, func() bool { return len(tr.frames()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, eng.Flush())
	require.NoError(t, eng.Flush())
	st = status(t, eng)
	assert.Empty(t, st.Pending)
	assert.Equal(t, "cat sat.", st.LastSent)

	time.Sleep(30 * time.Millisecond) // any stale retry would have fired by now
	frames := tr.frames()
	require.Len(t, frames, 1)

	msg := decodeFrame(t, frames[0])
	assert.Equal(t, models.ActionMessage, msg.Action)
	assert.Equal(t, "doc-1", msg.DocID)
	assert.Equal(t, []models.Operation{models.Insert(0, "cat "), models.Insert(4, "sat.")}, msg.Changes)
}

func TestEngine_FlushEmptyQueueIsNoop(t *testing.T) {
	eng, tr := attach(t, testConfig(), nil)
	tr.connect()

	require.NoError(t, eng.Flush())
	st := status(t, eng)
	assert.Equal(t, Synced, st.State)
	assert.Empty(t, st.LastSent)
	assert.Empty(t, tr.frames())
}

func TestEngine_ResyncRequiredAfterAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 3
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond
	eng, _ := attach(t, cfg, nil)

	typeKeys(t, eng, "hi ")
	require.NoError(t, eng.Flush())

	select {
	case err := <-eng.Errors():
		assert.ErrorIs(t, err, ErrResyncRequired)
	case <-time.After(time.Second):
		t.Fatal("expected ErrResyncRequired")
	}

	st := status(t, eng)
	assert.Equal(t, Disconnected, st.State)
	assert.Equal(t, []models.Operation{models.Insert(0, "hi ")}, st.Pending)
}

func TestEngine_AppliesRemoteAndSuppressesEcho(t *testing.T) {
	var (
		eng     *Engine
		mu      sync.Mutex
		renders []string
	)
	view := ViewFunc(func(content string) {
		mu.Lock()
		renders = append(renders, content)
		mu.Unlock()
		// The surface reports the programmatic change like any other edit.
		eng.LocalEdit(content, len([]rune(content)))
	})
	eng, tr := attach(t, testConfig(), view)
	tr.connect()

	tr.deliver(t, models.NewRelayedBatch("doc-1", []models.Operation{models.Insert(0, "Hi")}))
	tr.deliver(t, models.NewRelayedBatch("doc-1", []models.Operation{models.Insert(2, " there")}))

	st := status(t, eng)
	assert.Equal(t, "Hi there", st.Content)
	assert.Empty(t, st.Pending)
	assert.Empty(t, st.Accumulated)

	require.NoError(t, eng.Flush())
	status(t, eng)
	assert.Empty(t, tr.frames())

	mu.Lock()
	assert.Equal(t, []string{"Hi", "Hi there"}, renders)
	mu.Unlock()

	typeKeys(t, eng, "!")
	assert.Equal(t, []models.Operation{models.Insert(8, "!")}, status(t, eng).Pending)
}

func TestEngine_EditAppliesOnCurrentContent(t *testing.T) {
	eng, tr := attach(t, testConfig(), nil)
	tr.connect()

	tr.deliver(t, models.NewRelayedBatch("doc-1", []models.Operation{models.Insert(0, "Hi")}))

	appendText := func(s string) EditFunc {
		return func(content string, _ int) (string, int) {
			next := content + s
			return next, len([]rune(next))
		}
	}
	require.NoError(t, eng.Edit(appendText(" you")))
	require.NoError(t, eng.Edit(appendText("!")))

	st := status(t, eng)
	assert.Equal(t, "Hi you!", st.Content)
	assert.Equal(t, []models.Operation{models.Insert(2, " you"), models.Insert(6, "!")}, st.Pending)
}

func TestEngine_DropsMalformedAndForeignMessages(t *testing.T) {
	eng, tr := attach(t, testConfig(), nil)
	tr.connect()

	tr.onMessage([]byte(`not json`))
	tr.onMessage([]byte(`{"docId":"doc-1","changes":[{"type":"retain","position":0,"text":"x"}]}`))
	tr.onMessage([]byte(`{"docId":"doc-1","changes":[{"type":"insert","position":-1,"text":"x"}]}`))
	tr.deliver(t, models.NewRelayedBatch("other-doc", []models.Operation{models.Insert(0, "nope")}))

	assert.Empty(t, status(t, eng).Content)
}

func TestEngine_HandshakeAndOutOfRangeResync(t *testing.T) {
	cfg := testConfig()
	cfg.ResyncOnConnect = true
	eng, tr := attach(t, cfg, nil)

	tr.connect()
	require.Eventually(t, func() bool { return len(tr.frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.ActionSync, decodeFrame(t, tr.frames()[0]).Action)
	assert.Equal(t, Connecting, status(t, eng).State)

	tr.deliver(t, models.NewSnapshot("doc-1", "abc"))
	st := status(t, eng)
	assert.Equal(t, Synced, st.State)
	assert.Equal(t, "abc", st.Content)

	tr.deliver(t, models.NewRelayedBatch("doc-1", []models.Operation{models.Insert(10, "x")}))
	st = status(t, eng)
	assert.Equal(t, "abc", st.Content)
	assert.Equal(t, Connecting, st.State)

	frames := tr.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, models.ActionSync, decodeFrame(t, frames[1]).Action)
}

func TestEngine_FlushesWhenRelayNeverAnswersSync(t *testing.T) {
	cfg := testConfig()
	cfg.ResyncOnConnect = true
	cfg.SnapshotTimeout = 30 * time.Millisecond
	eng, tr := attach(t, cfg, nil)

	tr.connect()
	typeKeys(t, eng, "cat ")
	require.NoError(t, eng.Flush())

	require.Eventually(t, func() bool { return len(tr.frames()) == 2 }, time.Second, 5*time.Millisecond)
	frames := tr.frames()
	assert.Equal(t, models.ActionSync, decodeFrame(t, frames[0]).Action)

	msg := decodeFrame(t, frames[1])
	assert.Equal(t, models.ActionMessage, msg.Action)
	assert.Equal(t, []models.Operation{models.Insert(0, "cat ")}, msg.Changes)

	st := status(t, eng)
	assert.Equal(t, Synced, st.State)
	assert.Empty(t, st.Pending)
}

func TestEngine_SnapshotCancelsSyncFallback(t *testing.T) {
	cfg := testConfig()
	cfg.ResyncOnConnect = true
	cfg.SnapshotTimeout = 30 * time.Millisecond
	eng, tr := attach(t, cfg, nil)

	tr.connect()
	tr.deliver(t, models.NewSnapshot("doc-1", "abc"))
	require.Equal(t, Synced, status(t, eng).State)

	// A later disconnect must not be overridden by the stale deadline
	tr.disconnect()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, Disconnected, status(t, eng).State)
	assert.Len(t, tr.frames(), 1)
}

func TestEngine_DetachFromRenderCallback(t *testing.T) {
	var eng *Engine
	detached := make(chan error, 1)
	view := ViewFunc(func(content string) {
		if content == "bye" {
			go func() { detached <- eng.Detach() }()
		}
	})
	eng, tr := attach(t, testConfig(), view)
	tr.connect()

	tr.deliver(t, models.NewRelayedBatch("doc-1", []models.Operation{models.Insert(0, "bye")}))

	select {
	case err := <-detached:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("detach from render did not finish")
	}
	assert.ErrorIs(t, eng.LocalEdit("x", 1), ErrDetached)
}

func TestEngine_ReconnectKeepsEditsAndRebases(t *testing.T) {
	cfg := testConfig()
	cfg.ResyncOnConnect = true
	eng, tr := attach(t, cfg, nil)

	typeKeys(t, eng, "hi ")
	tr.connect()
	require.Eventually(t, func() bool { return len(tr.frames()) == 1 }, time.Second, 5*time.Millisecond)

	tr.deliver(t, models.NewSnapshot("doc-1", "abc"))
	require.Eventually(t, func() bool { return len(tr.frames()) == 2 }, time.Second, 5*time.Millisecond)

	msg := decodeFrame(t, tr.frames()[1])
	assert.Equal(t, []models.Operation{models.Insert(0, "hi ")}, msg.Changes)
	assert.Equal(t, "hi abc", status(t, eng).Content)

	tr.disconnect()
	typeKeys(t, eng, "yo ")
	assert.Equal(t, Disconnected, status(t, eng).State)
	assert.Len(t, tr.frames(), 2)

	tr.connect()
	tr.deliver(t, models.NewSnapshot("doc-1", "hi abc"))
	require.Eventually(t, func() bool { return len(tr.frames()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.Operation{models.Insert(6, "yo ")}, decodeFrame(t, tr.frames()[3]).Changes)
}

func TestEngine_TickPromotesAccumulator(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	eng, tr := attach(t, cfg, nil)
	tr.connect()

	require.NoError(t, eng.LocalEdit("ca", 2))
	require.Eventually(t, func() bool { return len(tr.frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.Operation{models.Insert(0, "ca")}, decodeFrame(t, tr.frames()[0]).Changes)
}

func TestEngine_DetachFlushesAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tr := &fakeTransport{}
	eng, err := Attach(context.Background(), testConfig(), tr, nil)
	require.NoError(t, err)
	tr.connect()

	typeKeys(t, eng, "draft")
	require.NoError(t, eng.Detach())
	require.NoError(t, eng.Detach())

	frames := tr.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, []models.Operation{models.Insert(0, "draft")}, decodeFrame(t, frames[0]).Changes)
	assert.True(t, tr.closed)

	assert.ErrorIs(t, eng.LocalEdit("x", 1), ErrDetached)
	assert.ErrorIs(t, eng.Flush(), ErrDetached)
	_, err = eng.Status()
	assert.ErrorIs(t, err, ErrDetached)
}

func TestEngine_DetachCancelsPendingRetry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.RetryInitial = 20 * time.Millisecond
	tr := &fakeTransport{}
	eng, err := Attach(context.Background(), cfg, tr, nil)
	require.NoError(t, err)

	typeKeys(t, eng, "lost? ")
	require.NoError(t, eng.Flush())
	status(t, eng)
	require.NoError(t, eng.Detach())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tr.frames())
}
