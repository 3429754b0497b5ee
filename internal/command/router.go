// Package command implements the slash commands shared by the chat front-ends.
package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/antoniostano/ironclaw/internal/directive"
	"github.com/antoniostano/ironclaw/internal/engine"
	"github.com/antoniostano/ironclaw/internal/store"
	"github.com/antoniostano/ironclaw/internal/workspace"
)

// LargeMemoryThreshold is the fact count above which /memory warns.
const LargeMemoryThreshold = 100

// Engine is the part of the orchestration engine commands operate on.
type Engine interface {
	Schedule(ctx context.Context, userID, expr, prompt string) (store.Job, error)
	CancelJob(ctx context.Context, userID string, id int64) (bool, error)
	Jobs(ctx context.Context, userID string) ([]store.Job, error)
	Memories(ctx context.Context, userID string) ([]store.Fact, error)
	Forget(ctx context.Context, userID string) (int64, error)
	ClearHistory(ctx context.Context, userID string) error
	RecentTurns(ctx context.Context, userID string, limit int) ([]store.Turn, error)
	Status(ctx context.Context, userID string) (engine.Status, error)
}

type Files interface {
	WriteFile(filename, content string) (string, error)
	ListFiles() ([]workspace.FileInfo, error)
}

// Info describes one command for menus and /help.
type Info struct {
	Name        string
	Usage       string
	Description string
}

var catalog = []Info{
	{Name: "start", Description: "Welcome message"},
	{Name: "status", Description: "System status"},
	{Name: "jobs", Description: "List scheduled tasks"},
	{Name: "schedule", Usage: "<cron> <prompt>", Description: "Create a cron job"},
	{Name: "cancel", Usage: "<id>", Description: "Cancel a task"},
	{Name: "workspace", Description: "List saved files"},
	{Name: "save", Usage: "<filename>", Description: "Save last code block"},
	{Name: "memory", Description: "View saved memories"},
	{Name: "forget", Description: "Clear all memories"},
	{Name: "clear", Description: "Clear chat history"},
	{Name: "help", Description: "Show all commands"},
}

// Commands returns the command list in menu order.
func Commands() []Info {
	out := make([]Info, len(catalog))
	copy(out, catalog)
	return out
}

type Router struct {
	engine Engine
	files  Files
}

func NewRouter(e Engine, files Files) *Router {
	return &Router{engine: e, files: files}
}

// Handle runs text as a command. handled is false when text is not a slash
// command, in which case the caller should treat it as a chat turn.
func (r *Router) Handle(ctx context.Context, userID, text string) (reply string, handled bool) {
	name, args, ok := Split(text)
	if !ok {
		return "", false
	}

	switch name {
	case "start":
		return r.start(), true
	case "help":
		return r.help(), true
	case "status":
		return r.status(ctx, userID), true
	case "jobs":
		return r.jobs(ctx, userID), true
	case "schedule":
		return r.schedule(ctx, userID, args), true
	case "cancel":
		return r.cancel(ctx, userID, args), true
	case "workspace":
		return r.workspace(), true
	case "save":
		return r.save(ctx, userID, args), true
	case "memory":
		return r.memory(ctx, userID), true
	case "forget":
		return r.forget(ctx, userID), true
	case "clear":
		return r.clear(ctx, userID), true
	default:
		return fmt.Sprintf("Unknown command /%s. Type /help for the list.", name), true
	}
}

// Split parses "/name@bot args" into its parts.
func Split(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func (r *Router) start() string {
	var b strings.Builder
	b.WriteString("🦾 IronClaw is online!\n\n")
	b.WriteString("I'm your self-hosted assistant. Just send me a message to chat, or use:\n")
	for _, s := range catalog {
		if s.Name == "start" || s.Name == "cancel" || s.Name == "save" || s.Name == "memory" || s.Name == "forget" {
			continue
		}
		fmt.Fprintf(&b, "/%s — %s\n", s.Name, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) help() string {
	var b strings.Builder
	b.WriteString("🦾 IronClaw Commands\n\n")
	for _, s := range catalog {
		if s.Usage != "" {
			fmt.Fprintf(&b, "/%s %s — %s\n", s.Name, s.Usage, s.Description)
			continue
		}
		fmt.Fprintf(&b, "/%s — %s\n", s.Name, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) status(ctx context.Context, userID string) string {
	st, err := r.engine.Status(ctx, userID)
	if err != nil {
		return fmt.Sprintf("❌ Status unavailable: %v", err)
	}
	files := 0
	if r.files != nil {
		if list, err := r.files.ListFiles(); err == nil {
			files = len(list)
		}
	}

	var b strings.Builder
	b.WriteString("🦾 IronClaw Status\n\n")
	fmt.Fprintf(&b, "Model: %s\n", st.Backend)
	fmt.Fprintf(&b, "Store: %s\n", st.StoreMode)
	fmt.Fprintf(&b, "Uptime: %s\n", st.Uptime)
	fmt.Fprintf(&b, "History: %d/%d turns\n", st.HistoryTurns, st.MaxHistory)
	fmt.Fprintf(&b, "Scheduled jobs: %d\n", st.ActiveJobs)
	fmt.Fprintf(&b, "Memories: %d\n", st.Memories)
	fmt.Fprintf(&b, "Workspace files: %d", files)
	if s, ok := st.Latency.Find("backend"); ok {
		fmt.Fprintf(&b, "\nModel latency: p50 %.0fms, p95 %.0fms (%d samples)", s.P50MS, s.P95MS, s.Samples)
	}
	return b.String()
}

func (r *Router) jobs(ctx context.Context, userID string) string {
	jobs, err := r.engine.Jobs(ctx, userID)
	if err != nil {
		return fmt.Sprintf("❌ Could not list jobs: %v", err)
	}
	if len(jobs) == 0 {
		return "No scheduled jobs. Ask me to schedule something!"
	}
	lines := []string{"🕐 Scheduled Jobs\n"}
	for _, j := range jobs {
		lines = append(lines, fmt.Sprintf("#%d — %s\n  Schedule: %s\n  Next: %s",
			j.ID, j.Task, j.CronExpr, j.NextFireAt.Local().Format("Mon 02 Jan 15:04")))
	}
	return strings.Join(lines, "\n")
}

const scheduleUsage = "Usage: /schedule <cron> <prompt>\n\n" +
	"The prompt will be sent to me when the job triggers.\n\n" +
	"Cron format: minute hour day month weekday\n\n" +
	"Examples:\n" +
	"/schedule */3 * * * * Tell me a joke\n" +
	"/schedule 0 9 * * * Give me a motivational quote"

func (r *Router) schedule(ctx context.Context, userID, args string) string {
	fields := strings.Fields(args)
	if len(fields) < 6 {
		return scheduleUsage
	}
	expr := strings.Join(fields[:5], " ")
	prompt := strings.Join(fields[5:], " ")
	job, err := r.engine.Schedule(ctx, userID, expr, prompt)
	if err != nil {
		return fmt.Sprintf("❌ Invalid cron expression: %v", err)
	}
	return fmt.Sprintf("✅ Scheduled job #%d: %s\nSchedule: %s\nMessage: %s", job.ID, job.Task, job.CronExpr, job.Prompt)
}

func (r *Router) cancel(ctx context.Context, userID, args string) string {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(args), "#"), 10, 64)
	if err != nil {
		return "Usage: /cancel <job_id>"
	}
	ok, err := r.engine.CancelJob(ctx, userID, id)
	switch {
	case err != nil:
		return fmt.Sprintf("Error: %v", err)
	case !ok:
		return fmt.Sprintf("Job #%d not found.", id)
	default:
		return fmt.Sprintf("✅ Cancelled job #%d", id)
	}
}

func (r *Router) workspace() string {
	if r.files == nil {
		return "Workspace is disabled."
	}
	files, err := r.files.ListFiles()
	if err != nil {
		return fmt.Sprintf("❌ Could not list workspace: %v", err)
	}
	if len(files) == 0 {
		return "Workspace is empty. Ask me to write some code!"
	}
	lines := []string{"📁 Workspace Files\n"}
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("%s (%.1f KB)", f.Name, float64(f.Size)/1024))
	}
	return strings.Join(lines, "\n")
}

func (r *Router) save(ctx context.Context, userID, args string) string {
	filename := strings.TrimSpace(args)
	if filename == "" {
		return "Usage: /save filename.py\n\nThis will save the last code block from my response."
	}
	if r.files == nil {
		return "Workspace is disabled."
	}
	turns, err := r.engine.RecentTurns(ctx, userID, 10)
	if err != nil {
		return fmt.Sprintf("❌ Could not read history: %v", err)
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != store.RoleAssistant {
			continue
		}
		blocks := directive.CodeBlocks(turns[i].Text)
		if len(blocks) == 0 {
			continue
		}
		name, err := r.files.WriteFile(filename, blocks[0].Content)
		if err != nil {
			return fmt.Sprintf("❌ Error saving file: %v", err)
		}
		return fmt.Sprintf("💾 Saved %s to workspace", name)
	}
	return "❌ No code blocks found in recent conversation."
}

func (r *Router) memory(ctx context.Context, userID string) string {
	facts, err := r.engine.Memories(ctx, userID)
	if err != nil {
		return fmt.Sprintf("❌ Could not read memories: %v", err)
	}
	if len(facts) == 0 {
		return "🧠 My Memory\n\nNo memories saved yet. Tell me something about yourself!"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🧠 My Memory (%d facts)\n\n", len(facts))
	if len(facts) > LargeMemoryThreshold {
		b.WriteString("⚠️ Memory is getting large! Consider /forget.\n\n")
	}
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s\n", f.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) forget(ctx context.Context, userID string) string {
	n, err := r.engine.Forget(ctx, userID)
	if err != nil {
		return "❌ Failed to clear memory."
	}
	return fmt.Sprintf("🧹 All memories have been forgotten (%d removed).", n)
}

func (r *Router) clear(ctx context.Context, userID string) string {
	if err := r.engine.ClearHistory(ctx, userID); err != nil {
		return fmt.Sprintf("❌ Could not clear history: %v", err)
	}
	return "🧹 Conversation history cleared."
}
