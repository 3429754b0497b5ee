package command

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/ironclaw/internal/backend"
	"github.com/antoniostano/ironclaw/internal/engine"
	"github.com/antoniostano/ironclaw/internal/store"
	"github.com/antoniostano/ironclaw/internal/workspace"
)

type fixture struct {
	router *Router
	engine *engine.Engine
	store  *store.InMemoryStore
	ws     *workspace.Workspace
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	e, err := engine.New(engine.Config{Location: time.UTC}, engine.Deps{
		Store:     st,
		Backend:   backend.NewMockBackend(),
		Workspace: ws,
	})
	require.NoError(t, err)
	return fixture{router: NewRouter(e, ws), engine: e, store: st, ws: ws}
}

func TestSplit(t *testing.T) {
	name, args, ok := Split("/Schedule@ironclaw_bot */5 * * * * stretch")
	require.True(t, ok)
	assert.Equal(t, "schedule", name)
	assert.Equal(t, "*/5 * * * * stretch", args)

	_, _, ok = Split("hello /status")
	assert.False(t, ok)
	_, _, ok = Split("/")
	assert.False(t, ok)
}

func TestHandleIgnoresPlainText(t *testing.T) {
	f := newFixture(t)
	_, handled := f.router.Handle(context.Background(), "u1", "what's up?")
	assert.False(t, handled)
}

func TestScheduleJobsAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, handled := f.router.Handle(ctx, "u1", "/schedule */3 * * * * Tell me a joke")
	require.True(t, handled)
	assert.True(t, strings.HasPrefix(out, "✅ Scheduled job #1: Tell me a joke"), out)

	out, _ = f.router.Handle(ctx, "u1", "/schedule 0 9 * *")
	assert.True(t, strings.HasPrefix(out, "Usage: /schedule"), out)

	out, _ = f.router.Handle(ctx, "u1", "/schedule 99 9 * * * bad minute")
	assert.True(t, strings.HasPrefix(out, "❌ Invalid cron expression"), out)

	out, _ = f.router.Handle(ctx, "u1", "/jobs")
	assert.Contains(t, out, "#1 — Tell me a joke")
	assert.Contains(t, out, "Schedule: */3 * * * *")

	out, _ = f.router.Handle(ctx, "u1", "/cancel 42")
	assert.Equal(t, "Job #42 not found.", out)
	out, _ = f.router.Handle(ctx, "u1", "/cancel nope")
	assert.Equal(t, "Usage: /cancel <job_id>", out)
	out, _ = f.router.Handle(ctx, "u1", "/cancel #1")
	assert.Equal(t, "✅ Cancelled job #1", out)

	out, _ = f.router.Handle(ctx, "u1", "/jobs")
	assert.Equal(t, "No scheduled jobs. Ask me to schedule something!", out)
}

func TestSaveWritesLastCodeBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, _ := f.router.Handle(ctx, "u1", "/save hello.py")
	assert.Equal(t, "❌ No code blocks found in recent conversation.", out)

	_, err := f.store.AppendExchange(ctx,
		store.Turn{UserID: "u1", Role: store.RoleUser, Text: "write hello world"},
		store.Turn{UserID: "u1", Role: store.RoleAssistant, Text: "Here:\n```python\nprint('hello')\n```"},
	)
	require.NoError(t, err)
	_, err = f.store.AppendExchange(ctx,
		store.Turn{UserID: "u1", Role: store.RoleUser, Text: "thanks"},
		store.Turn{UserID: "u1", Role: store.RoleAssistant, Text: "You're welcome."},
	)
	require.NoError(t, err)

	out, _ = f.router.Handle(ctx, "u1", "/save hello.py")
	assert.Equal(t, "💾 Saved hello.py to workspace", out)
	content, err := f.ws.ReadFile("hello.py")
	require.NoError(t, err)
	assert.Equal(t, "print('hello')", content)

	out, _ = f.router.Handle(ctx, "u1", "/save hello.py")
	assert.Equal(t, "💾 Saved hello_1.py to workspace", out)

	out, _ = f.router.Handle(ctx, "u1", "/workspace")
	assert.Contains(t, out, "📁 Workspace Files")
	assert.Contains(t, out, "hello.py (0.0 KB)")
	assert.Contains(t, out, "hello_1.py")
}

func TestMemoryWarnsWhenLarge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, _ := f.router.Handle(ctx, "u1", "/memory")
	assert.Contains(t, out, "No memories saved yet")

	for i := 0; i <= LargeMemoryThreshold; i++ {
		_, err := f.engine.Remember(ctx, "u1", fmt.Sprintf("fact %d", i))
		require.NoError(t, err)
	}
	out, _ = f.router.Handle(ctx, "u1", "/memory")
	assert.Contains(t, out, "(101 facts)")
	assert.Contains(t, out, "⚠️ Memory is getting large!")
	assert.Contains(t, out, "- fact 100")

	out, _ = f.router.Handle(ctx, "u1", "/forget")
	assert.Equal(t, "🧹 All memories have been forgotten (101 removed).", out)
	facts, err := f.engine.Memories(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestStatusClearHelpAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleTurn(ctx, "u1", "hello")
	require.NoError(t, err)

	out, _ := f.router.Handle(ctx, "u1", "/status")
	assert.Contains(t, out, "Model: mock")
	assert.Contains(t, out, "History: 2/50 turns")

	out, _ = f.router.Handle(ctx, "u1", "/clear")
	assert.Equal(t, "🧹 Conversation history cleared.", out)
	out, _ = f.router.Handle(ctx, "u1", "/status")
	assert.Contains(t, out, "History: 0/50 turns")

	out, _ = f.router.Handle(ctx, "u1", "/help")
	for _, s := range Commands() {
		assert.Contains(t, out, "/"+s.Name)
	}

	out, handled := f.router.Handle(ctx, "u1", "/dance")
	assert.True(t, handled)
	assert.Contains(t, out, "Unknown command /dance")

	out, _ = f.router.Handle(ctx, "u1", "/start")
	assert.True(t, strings.HasPrefix(out, "🦾 IronClaw is online!"))
}
