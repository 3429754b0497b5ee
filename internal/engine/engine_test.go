package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/ironclaw/internal/backend"
	"github.com/antoniostano/ironclaw/internal/cron"
	"github.com/antoniostano/ironclaw/internal/observability"
	"github.com/antoniostano/ironclaw/internal/session"
	"github.com/antoniostano/ironclaw/internal/store"
	"github.com/antoniostano/ironclaw/internal/workspace"
)

// scriptedBackend returns queued replies in order and records every prompt.
type scriptedBackend struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []backend.Prompt
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Complete(_ context.Context, p backend.Prompt, _ time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, p)
	if b.err != nil {
		return "", b.err
	}
	if len(b.replies) == 0 {
		last := p.Messages[len(p.Messages)-1].Content
		return "echo: " + last, nil
	}
	r := b.replies[0]
	b.replies = b.replies[1:]
	return r, nil
}

func (b *scriptedBackend) lastPrompt() backend.Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prompts[len(b.prompts)-1]
}

// flakyStore fails AppendExchange while failAppend is set.
type flakyStore struct {
	*store.InMemoryStore
	failAppend bool
}

func (s *flakyStore) AppendExchange(ctx context.Context, user, assistant store.Turn) ([]store.Turn, error) {
	if s.failAppend {
		return nil, fmt.Errorf("%w: append exchange: disk full", store.ErrStoreWrite)
	}
	return s.InMemoryStore.AppendExchange(ctx, user, assistant)
}

type fixture struct {
	engine  *Engine
	store   store.Store
	backend *scriptedBackend
	ws      *workspace.Workspace
}

var fixedNow = time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)

func newFixture(t *testing.T, st store.Store, replies ...string) fixture {
	t.Helper()
	if st == nil {
		st = store.NewInMemoryStore()
	}
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	b := &scriptedBackend{replies: replies}
	e, err := New(Config{SystemPrompt: "You are Claw.", Location: time.UTC}, Deps{
		Store:     st,
		Sessions:  session.NewManager(st, 6),
		Backend:   b,
		Workspace: ws,
		Metrics:   observability.NewMetrics("engine_test"),
	})
	require.NoError(t, err)
	e.now = func() time.Time { return fixedNow }
	return fixture{engine: e, store: st, backend: b, ws: ws}
}

func TestHandleTurnRecordsSequentialTurns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		reply, err := f.engine.HandleTurn(ctx, "u1", fmt.Sprintf("message %d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("echo: message %d", i), reply.Text)
	}

	turns, err := f.store.RecentTurns(ctx, "u1", 100)
	require.NoError(t, err)
	require.Len(t, turns, 10)
	for i, turn := range turns {
		assert.Equal(t, int64(i+1), turn.Seq)
	}

	// window is bounded to 6 turns, plus the inbound message
	p := f.backend.lastPrompt()
	assert.Len(t, p.Messages, 7)
	assert.Equal(t, "message 1", p.Messages[0].Content)
	assert.Equal(t, "message 4", p.Messages[6].Content)
}

func TestHandleTurnSerializesSameUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.engine.HandleTurn(ctx, "u1", fmt.Sprintf("m%d", n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	turns, err := f.store.RecentTurns(ctx, "u1", 100)
	require.NoError(t, err)
	require.Len(t, turns, 16)
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, store.RoleUser, turns[i].Role)
		assert.Equal(t, store.RoleAssistant, turns[i+1].Role)
		assert.Equal(t, "echo: "+turns[i].Text, turns[i+1].Text, "exchange pairs must not interleave")
	}
}

func TestHandleTurnMalformedCronKeepsValidMemory(t *testing.T) {
	f := newFixture(t, nil, "Got it.\n```cron\n{not json}\n```\n```memory\nUser likes hiking\n```")
	ctx := context.Background()

	reply, err := f.engine.HandleTurn(ctx, "u1", "I like hiking, remind me daily")
	require.NoError(t, err)
	assert.Equal(t, "Got it.", reply.Text)
	require.Len(t, reply.Directives, 1)

	facts, err := f.store.ListFacts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "User likes hiking", facts[0].Text)

	jobs, err := f.store.ListJobs(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	assert.True(t, hasNotePrefix(reply.Notes, "⚠️"), "notes = %v", reply.Notes)
	assert.True(t, hasNotePrefix(reply.Notes, "🧠 Remembered: User likes hiking"), "notes = %v", reply.Notes)

	turns, err := f.store.RecentTurns(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "Got it.", turns[1].Text, "the visible reply is what gets recorded")
}

func TestHandleTurnSchedulesJobAndDeduplicates(t *testing.T) {
	block := "```cron\n{\"schedule\":\"*/5 * * * *\",\"task\":\"water\",\"message\":\"drink water\"}\n```"
	f := newFixture(t, nil, block+"\n"+block+"\nWill do.")
	ctx := context.Background()

	reply, err := f.engine.HandleTurn(ctx, "u1", "remind me to drink water every 5 minutes")
	require.NoError(t, err)
	assert.Equal(t, "Will do.", reply.Text)

	jobs, err := f.store.ListJobs(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "*/5 * * * *", jobs[0].CronExpr)
	assert.Equal(t, "drink water", jobs[0].Prompt)
	assert.True(t, jobs[0].Active)
	assert.True(t, jobs[0].NextFireAt.Equal(time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)), "next = %s", jobs[0].NextFireAt)
	assert.True(t, hasNotePrefix(reply.Notes, fmt.Sprintf("✅ Scheduled job #%d", jobs[0].ID)))
}

func TestHandleTurnSavesFileToWorkspace(t *testing.T) {
	f := newFixture(t, nil, "```save:../plan.md\n# Plan\n```")
	ctx := context.Background()

	reply, err := f.engine.HandleTurn(ctx, "u1", "save a plan")
	require.NoError(t, err)
	assert.Equal(t, "", reply.Text)
	assert.Equal(t, []string{"💾 Saved plan.md to workspace"}, reply.Notes)

	content, err := f.ws.ReadFile("plan.md")
	require.NoError(t, err)
	assert.Equal(t, "# Plan", content)
}

func TestHandleTurnBackendFailureRecordsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.err = errors.New("connection refused")
	ctx := context.Background()

	_, err := f.engine.HandleTurn(ctx, "u1", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	turns, err := f.store.RecentTurns(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)

	f.backend.err = nil
	_, err = f.engine.HandleTurn(ctx, "u1", "hello again")
	require.NoError(t, err)
	assert.Len(t, f.backend.lastPrompt().Messages, 1, "failed turn must not reach the window")
}

func TestHandleTurnStoreFailureLeavesWindowUntouched(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore()}
	f := newFixture(t, st)
	ctx := context.Background()

	_, err := f.engine.HandleTurn(ctx, "u1", "first")
	require.NoError(t, err)

	st.failAppend = true
	_, err = f.engine.HandleTurn(ctx, "u1", "lost")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStoreWrite)

	st.failAppend = false
	_, err = f.engine.HandleTurn(ctx, "u1", "third")
	require.NoError(t, err)
	msgs := f.backend.lastPrompt().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestHandleTurnPromptIncludesMemories(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.Remember(ctx, "u1", "prefers tea")
	require.NoError(t, err)

	_, err = f.engine.HandleTurn(ctx, "u1", "what do I drink?")
	require.NoError(t, err)
	sys := f.backend.lastPrompt().System
	assert.True(t, strings.HasPrefix(sys, "You are Claw."))
	assert.Contains(t, sys, "- prefers tea")
	assert.Contains(t, sys, "```cron")
}

func TestHandleTurnRejectsEmptyInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.HandleTurn(context.Background(), "u1", "   ")
	assert.ErrorIs(t, err, ErrEmptyTurn)
	_, err = f.engine.HandleTurn(context.Background(), "", "hi")
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestScheduleAndCancelJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Schedule(ctx, "u1", "0 9 * *", "bad")
	assert.ErrorIs(t, err, cron.ErrInvalidCron)

	job, err := f.engine.Schedule(ctx, "u1", "0 9 * * *", "morning briefing")
	require.NoError(t, err)
	assert.True(t, job.NextFireAt.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).Add(24*time.Hour)))

	ok, err := f.engine.CancelJob(ctx, "u2", job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "other users cannot cancel the job")

	ok, err = f.engine.CancelJob(ctx, "u1", 9999)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.engine.CancelJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	jobs, err := f.engine.Jobs(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClearHistoryAndForget(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.HandleTurn(ctx, "u1", "one")
	require.NoError(t, err)
	_, err = f.engine.Remember(ctx, "u1", "likes cats")
	require.NoError(t, err)

	require.NoError(t, f.engine.ClearHistory(ctx, "u1"))
	_, err = f.engine.HandleTurn(ctx, "u1", "two")
	require.NoError(t, err)
	assert.Len(t, f.backend.lastPrompt().Messages, 1)

	n, err := f.engine.Forget(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	facts, err := f.engine.Memories(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, facts)

	st, err := f.engine.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "scripted", st.Backend)
	assert.Equal(t, "memory", st.StoreMode)
	assert.Equal(t, 2, st.HistoryTurns)
	assert.Equal(t, 0, st.Memories)
}

func TestClearedHistoryStaysCleared(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.HandleTurn(ctx, "u1", "secret context")
	require.NoError(t, err)
	require.NoError(t, f.engine.ClearHistory(ctx, "u1"))

	_, err = f.engine.HandleTurn(ctx, "u1", "next")
	require.NoError(t, err)
	_, err = f.engine.HandleTurn(ctx, "u1", "after")
	require.NoError(t, err)

	for _, m := range f.backend.lastPrompt().Messages {
		assert.NotContains(t, m.Content, "secret context")
	}
	assert.Len(t, f.backend.lastPrompt().Messages, 3)

	// The store keeps everything; only the window was cleared.
	turns, err := f.store.RecentTurns(ctx, "u1", 100)
	require.NoError(t, err)
	assert.Len(t, turns, 6)
}

// gateBackend blocks every call until release is closed.
type gateBackend struct {
	entered chan struct{}
	release chan struct{}
}

func (b *gateBackend) Name() string { return "gate" }

func (b *gateBackend) Complete(ctx context.Context, p backend.Prompt, _ time.Duration) (string, error) {
	close(b.entered)
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "done", nil
}

func TestStatusDoesNotWaitForInFlightTurn(t *testing.T) {
	st := store.NewInMemoryStore()
	gate := &gateBackend{entered: make(chan struct{}), release: make(chan struct{})}
	sessions := session.NewManager(st, 6)
	e, err := New(Config{SystemPrompt: "test", Location: time.UTC}, Deps{
		Store:    st,
		Sessions: sessions,
		Backend:  gate,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.HandleTurn(context.Background(), "u1", "slow question")
		done <- err
	}()
	<-gate.entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := e.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.HistoryTurns)

	_, err = e.Status(ctx, "stranger")
	require.NoError(t, err)
	assert.Equal(t, 1, sessions.ActiveCount())

	close(gate.release)
	require.NoError(t, <-done)
	status, err = e.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.HistoryTurns)
}

func TestReplyRender(t *testing.T) {
	assert.Equal(t, "hi\n\nnote a\nnote b", Reply{Text: "hi", Notes: []string{"note a", "note b"}}.Render())
	assert.Equal(t, "note", Reply{Notes: []string{"note"}}.Render())
	assert.Equal(t, "", Reply{}.Render())
}

func TestSourceFromContext(t *testing.T) {
	assert.Equal(t, "api", SourceFrom(context.Background()))
	assert.Equal(t, "telegram", SourceFrom(WithSource(context.Background(), "telegram")))
}

func hasNotePrefix(notes []string, prefix string) bool {
	for _, n := range notes {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
