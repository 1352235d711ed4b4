package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/deskchat/internal/config"
	"github.com/harun/deskchat/pkg/backend"
	"github.com/harun/deskchat/pkg/events"
	"github.com/harun/deskchat/pkg/sandbox"
	"github.com/harun/deskchat/pkg/tasks"
	"github.com/harun/deskchat/pkg/thread"
	"github.com/harun/deskchat/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend answers each call with the next reply. A call blocks while
// gate is non-nil and open.
type scriptedBackend struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
	last    backend.Request
	// Stream panics with this value when set
	panicWith any
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) next(ctx context.Context, req backend.Request) (string, error) {
	n := int(b.calls.Add(1))
	b.mu.Lock()
	b.last = req
	b.mu.Unlock()
	if b.entered != nil {
		select {
		case b.entered <- struct{}{}:
		default:
		}
	}
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if b.err != nil {
		return "", b.err
	}
	if n > len(b.replies) {
		return "", errors.New("no more replies")
	}
	return b.replies[n-1], nil
}

func (b *scriptedBackend) Complete(ctx context.Context, req backend.Request) (string, error) {
	return b.next(ctx, req)
}

func (b *scriptedBackend) Stream(ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
	if b.panicWith != nil {
		b.calls.Add(1)
		panic(b.panicWith)
	}
	text, err := b.next(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan backend.Chunk, len(text)+1)
	for _, r := range text {
		ch <- backend.Chunk{Delta: string(r)}
	}
	ch <- backend.Chunk{Done: true}
	close(ch)
	return ch, nil
}

type fakeBackends struct{ b backend.Backend }

func (f fakeBackends) ForProfile(string, config.ProfileSettings) (backend.Backend, string, error) {
	return f.b, "test-model", nil
}

type fakeSettings struct{ s config.ProfileSettings }

func (f fakeSettings) Get(string) (config.ProfileSettings, error) { return f.s, nil }

type captured struct {
	mu     sync.Mutex
	events []events.ChatStreamEvent
}

func (c *captured) Publish(e events.ChatStreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captured) snapshot() []events.ChatStreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.ChatStreamEvent(nil), c.events...)
}

type memJournal struct {
	mu       sync.Mutex
	begun    []string
	finished map[string]error
}

func (j *memJournal) Begin(_ context.Context, runID, _, _, mode, _ string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.begun = append(j.begun, mode)
	return runID, nil
}

func (j *memJournal) Finish(_ context.Context, runID string, _ int, runErr error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished == nil {
		j.finished = map[string]error{}
	}
	j.finished[runID] = runErr
	return nil
}

type harness struct {
	orch    *Orchestrator
	store   *thread.Store
	backend *scriptedBackend
	sink    *captured
	journal *memJournal
	execs   atomic.Int32
}

func newHarness(t *testing.T, settings config.ProfileSettings, b *scriptedBackend) *harness {
	t.Helper()
	store, err := thread.New(t.TempDir())
	require.NoError(t, err)

	h := &harness{store: store, backend: b, sink: &captured{}, journal: &memJournal{}}

	te := toolexecutor.New(toolexecutor.Options{})
	require.NoError(t, toolexecutor.RegisterBuiltins(te, toolexecutor.BuiltinOptions{
		Shell: "/bin/sh",
		Runner: sandbox.RunnerFunc(func(context.Context, sandbox.Request) (sandbox.Result, error) {
			h.execs.Add(1)
			return sandbox.Result{Stdout: []byte("ok\n")}, nil
		}),
	}))

	h.orch, err = New(Deps{
		Store:    store,
		Settings: fakeSettings{s: settings},
		Backends: fakeBackends{b: b},
		Tools:    te,
	}, WithEventSink(h.sink), WithJournal(h.journal), WithPersistInterval(time.Millisecond))
	require.NoError(t, err)
	return h
}

func (h *harness) chat(t *testing.T) thread.Chat {
	t.Helper()
	c, err := h.orch.CreateChat(context.Background(), "p1", "")
	require.NoError(t, err)
	return c
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestChatCRUD(t *testing.T) {
	h := newHarness(t, config.ProfileSettings{}, &scriptedBackend{})
	ctx := context.Background()

	idx, err := h.orch.ListChats(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, idx.Chats)

	first := h.chat(t)
	second, err := h.orch.CreateChat(ctx, "p1", "  Ideas  ")
	require.NoError(t, err)
	assert.Equal(t, thread.DefaultTitle, first.Title)
	assert.Equal(t, "Ideas", second.Title)

	idx, err = h.orch.ListChats(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, idx.Chats, 2)
	assert.Equal(t, second.ID, idx.Chats[0].ID)

	_, err = h.orch.RenameChat(ctx, "p1", first.ID, "   ")
	assert.ErrorIs(t, err, ErrTitleRequired)
	_, err = h.orch.RenameChat(ctx, "p1", "c-missing", "x")
	assert.ErrorIs(t, err, ErrChatNotFound)
	renamed, err := h.orch.RenameChat(ctx, "p1", first.ID, " Renamed ")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Title)

	agent, blank := " my-agent ", "  "
	updated, err := h.orch.UpdateChat(ctx, "p1", first.ID, ChatPatch{AgentID: &agent, Thinking: &blank})
	require.NoError(t, err)
	require.NotNil(t, updated.AgentID)
	assert.Equal(t, "my-agent", *updated.AgentID)
	assert.Nil(t, updated.Thinking)
	require.NotNil(t, updated.Worker)
	assert.Equal(t, thread.DefaultWorker, *updated.Worker)

	require.NoError(t, h.orch.DeleteChat(ctx, "p1", second.ID))
	assert.ErrorIs(t, h.orch.DeleteChat(ctx, "p1", second.ID), ErrChatNotFound)
	idx, err = h.orch.ListChats(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, idx.Chats, 1)
}

func TestSendPlainAnswer(t *testing.T) {
	b := &scriptedBackend{replies: []string{"hi there"}}
	h := newHarness(t, config.ProfileSettings{}, b)
	c := h.chat(t)

	got, err := h.orch.Send(context.Background(), "p1", c.ID, "hello")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, thread.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[0].Text)
	assert.Equal(t, thread.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "hi there", got.Messages[1].Text)

	assert.False(t, h.orch.IsInflight("p1", c.ID))
	assert.Equal(t, c.SessionID, b.last.SessionID)
	assert.Equal(t, "test-model", b.last.Model)
	assert.Empty(t, h.sink.snapshot())
	assert.Equal(t, []string{ModeSync}, h.journal.begun)

	onDisk, err := h.store.LoadThread(context.Background(), "p1", c.ID)
	require.NoError(t, err)
	assert.Len(t, onDisk.Messages, 2)
}

func TestSendStoresBackendError(t *testing.T) {
	b := &scriptedBackend{err: errors.New("connection refused")}
	h := newHarness(t, config.ProfileSettings{}, b)
	c := h.chat(t)

	got, err := h.orch.Send(context.Background(), "p1", c.ID, "hello")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "[error] connection refused", got.Messages[1].Text)
	assert.False(t, h.orch.IsInflight("p1", c.ID))

	for _, runErr := range h.journal.finished {
		assert.EqualError(t, runErr, "connection refused")
	}
}

func TestSendRejections(t *testing.T) {
	h := newHarness(t, config.ProfileSettings{}, &scriptedBackend{replies: []string{"x"}})
	ctx := context.Background()

	_, err := h.orch.Send(ctx, "p1", "c-missing", "hello")
	assert.ErrorIs(t, err, ErrChatNotFound)
	assert.False(t, h.orch.IsInflight("p1", "c-missing"))

	c := h.chat(t)
	_, err = h.orch.Send(ctx, "p1", c.ID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	t0, err := h.store.LoadThread(ctx, "p1", c.ID)
	require.NoError(t, err)
	assert.Empty(t, t0.Messages)
}

func TestConcurrentSendIsBusy(t *testing.T) {
	b := &scriptedBackend{
		replies: []string{"done"},
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	h := newHarness(t, config.ProfileSettings{}, b)
	c := h.chat(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.Send(ctx, "p1", c.ID, "first")
		errCh <- err
	}()
	<-b.entered

	before, err := h.store.LoadThread(ctx, "p1", c.ID)
	require.NoError(t, err)

	_, err = h.orch.Send(ctx, "p1", c.ID, "second")
	assert.ErrorIs(t, err, ErrChatBusy)
	_, err = h.orch.SendStream(ctx, "p1", c.ID, "third")
	assert.ErrorIs(t, err, ErrChatBusy)
	_, err = h.orch.ResetChat(ctx, "p1", c.ID)
	assert.ErrorIs(t, err, ErrChatBusy)
	assert.ErrorIs(t, h.orch.DeleteChat(ctx, "p1", c.ID), ErrChatBusy)

	after, err := h.store.LoadThread(ctx, "p1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Messages, after.Messages)

	close(b.gate)
	require.NoError(t, <-errCh)
	assert.False(t, h.orch.IsInflight("p1", c.ID))
}

func TestSendExecDeniedWhenRestricted(t *testing.T) {
	b := &scriptedBackend{replies: []string{
		`{"tool":"exec","cmd":"rm -rf /"}`,
		"I can't run that.",
	}}
	h := newHarness(t, config.ProfileSettings{UnrestrictedExec: false}, b)
	c := h.chat(t)

	got, err := h.orch.Send(context.Background(), "p1", c.ID, "clean up")
	require.NoError(t, err)
	assert.Zero(t, h.execs.Load())
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "I can't run that.", got.Messages[1].Text)
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestSendExecRecordsToolMessage(t *testing.T) {
	b := &scriptedBackend{replies: []string{
		`{"tool":"exec","cmd":"ls"}`,
		`{"tool":"final","text":"listed"}`,
	}}
	h := newHarness(t, config.ProfileSettings{UnrestrictedExec: true}, b)
	c := h.chat(t)

	got, err := h.orch.Send(context.Background(), "p1", c.ID, "list files")
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.execs.Load())
	require.Len(t, got.Messages, 3)
	assert.Equal(t, thread.RoleTool, got.Messages[1].Role)
	assert.Contains(t, got.Messages[1].Text, "$ ls")
	assert.Equal(t, "listed", got.Messages[2].Text)
}

func TestSendLoopExceeded(t *testing.T) {
	replies := make([]string, 10)
	for i := range replies {
		replies[i] = `{"tool":"web_get","url":"http://127.0.0.1:1/"}`
	}
	b := &scriptedBackend{replies: replies}
	h := newHarness(t, config.ProfileSettings{}, b)
	c := h.chat(t)

	got, err := h.orch.Send(context.Background(), "p1", c.ID, "fetch forever")
	require.NoError(t, err)
	assert.Equal(t, "[error] tool loop exceeded", got.Last().Text)
	assert.Equal(t, int32(6), b.calls.Load())
}

func TestSendStream(t *testing.T) {
	b := &scriptedBackend{replies: []string{"Hi!"}}
	h := newHarness(t, config.ProfileSettings{}, b)
	c := h.chat(t)

	ack, err := h.orch.SendStream(context.Background(), "p1", c.ID, "hello")
	require.NoError(t, err)
	require.Len(t, ack.Thread.Messages, 2)
	assert.Equal(t, ack.AssistantMessageID, ack.Thread.Messages[1].ID)
	assert.Empty(t, ack.Thread.Messages[1].Text)
	assert.Equal(t, thread.DefaultWorker, ack.Worker)
	assert.NotEmpty(t, ack.RunID)

	require.NoError(t, ack.Handle.Wait())
	assert.False(t, h.orch.IsInflight("p1", c.ID))

	evts := h.sink.snapshot()
	require.Len(t, evts, 4)
	for _, e := range evts[:3] {
		assert.False(t, e.Done)
		assert.Equal(t, ack.AssistantMessageID, e.MessageID)
	}
	assert.True(t, evts[3].Done)
	assert.Empty(t, evts[3].Delta)
	assert.Empty(t, evts[3].Error)

	final, err := h.store.LoadThread(context.Background(), "p1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi!", final.Messages[1].Text)
	assert.Equal(t, []string{ModeStream}, h.journal.begun)
}

func TestSendStreamFailurePublishesError(t *testing.T) {
	b := &scriptedBackend{err: errors.New("model not found")}
	h := newHarness(t, config.ProfileSettings{}, b)
	c := h.chat(t)

	ack, err := h.orch.SendStream(context.Background(), "p1", c.ID, "hello")
	require.NoError(t, err)
	assert.Error(t, ack.Handle.Wait())
	assert.False(t, h.orch.IsInflight("p1", c.ID))

	evts := h.sink.snapshot()
	require.NotEmpty(t, evts)
	last := evts[len(evts)-1]
	assert.True(t, last.Done)
	assert.Contains(t, last.Error, "model not found")
}

func TestSendStreamPanicReleasesInflight(t *testing.T) {
	b := &scriptedBackend{panicWith: "backend exploded"}
	h := newHarness(t, config.ProfileSettings{}, b)
	c := h.chat(t)

	ack, err := h.orch.SendStream(context.Background(), "p1", c.ID, "hello")
	require.NoError(t, err)

	err = ack.Handle.Wait()
	var pe *tasks.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "backend exploded", pe.Value)
	assert.False(t, h.orch.IsInflight("p1", c.ID))

	evts := h.sink.snapshot()
	require.NotEmpty(t, evts)
	last := evts[len(evts)-1]
	assert.True(t, last.Done)
	assert.Equal(t, ack.AssistantMessageID, last.MessageID)
	assert.Contains(t, last.Error, "backend exploded")

	// the worker lock was released too
	b.panicWith = nil
	b.replies = []string{"recovered"}
	b.calls.Store(0)
	ack, err = h.orch.SendStream(context.Background(), "p1", c.ID, "again")
	require.NoError(t, err)
	require.NoError(t, ack.Handle.Wait())
	assert.False(t, h.orch.IsInflight("p1", c.ID))
}

func TestResetChat(t *testing.T) {
	b := &scriptedBackend{replies: []string{"hi"}}
	h := newHarness(t, config.ProfileSettings{}, b)
	c := h.chat(t)
	ctx := context.Background()

	_, err := h.orch.Send(ctx, "p1", c.ID, "hello")
	require.NoError(t, err)

	reset, err := h.orch.ResetChat(ctx, "p1", c.ID)
	require.NoError(t, err)
	assert.Empty(t, reset.Messages)

	_, err = h.orch.ResetChat(ctx, "p1", "c-missing")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestShutdownDrainsAndRefuses(t *testing.T) {
	b := &scriptedBackend{
		replies: []string{"slow"},
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	h := newHarness(t, config.ProfileSettings{}, b)
	c := h.chat(t)
	ctx := context.Background()

	ack, err := h.orch.SendStream(ctx, "p1", c.ID, "hello")
	require.NoError(t, err)
	<-b.entered

	done := make(chan error, 1)
	go func() { done <- h.orch.Shutdown(ctx) }()

	require.Eventually(t, func() bool { return h.orch.Stats().ShuttingDown }, time.Second, 5*time.Millisecond)
	other := h.chat(t)
	_, err = h.orch.Send(ctx, "p1", other.ID, "late")
	assert.ErrorIs(t, err, ErrShuttingDown)

	close(b.gate)
	require.NoError(t, <-done)
	require.NoError(t, ack.Handle.Wait())
	assert.Zero(t, h.orch.Stats().BackgroundSends)
}

func TestShutdownDeadlineCancels(t *testing.T) {
	b := &scriptedBackend{
		replies: []string{"never"},
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	h := newHarness(t, config.ProfileSettings{}, b)
	c := h.chat(t)

	ack, err := h.orch.SendStream(context.Background(), "p1", c.ID, "hello")
	require.NoError(t, err)
	<-b.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.orch.Shutdown(ctx), context.DeadlineExceeded)
	assert.Error(t, ack.Handle.Wait())
	assert.False(t, h.orch.IsInflight("p1", c.ID))
}
