package engine

import (
	"fmt"
	"strings"

	"github.com/antoniostano/ironclaw/internal/backend"
	"github.com/antoniostano/ironclaw/internal/store"
)

const defaultPersonality = "You are a helpful, concise personal assistant."

// directiveGuide teaches the model the fenced blocks the engine acts on.
const directiveGuide = `You can act on the user's behalf by adding fenced blocks to your reply.
They are removed before the user sees the reply.

To schedule a recurring prompt (five-field cron: minute hour day month weekday):
` + "```cron" + `
{"schedule": "0 9 * * *", "task": "short name", "message": "the prompt to run"}
` + "```" + `

To save a file to the user's workspace:
` + "```save:filename.ext" + `
file content
` + "```" + `

To remember a fact about the user:
` + "```memory" + `
the fact
` + "```"

func (e *Engine) buildPrompt(facts []store.Fact, history []store.Turn, text string) backend.Prompt {
	var sys strings.Builder
	personality := strings.TrimSpace(e.systemPrompt)
	if personality == "" {
		personality = defaultPersonality
	}
	sys.WriteString(personality)
	sys.WriteString("\n\n")
	sys.WriteString(directiveGuide)

	if len(facts) > 0 {
		sys.WriteString("\n\nThings you remember about the user:\n")
		for _, f := range facts {
			sys.WriteString("- ")
			sys.WriteString(f.Text)
			sys.WriteString("\n")
		}
	}
	fmt.Fprintf(&sys, "\n\nCurrent time: %s", e.now().In(e.location).Format("Monday, 02 Jan 2006 15:04 MST"))

	msgs := make([]backend.Message, 0, len(history)+1)
	for _, t := range history {
		role := backend.RoleUser
		if t.Role == store.RoleAssistant {
			role = backend.RoleAssistant
		}
		msgs = append(msgs, backend.Message{Role: role, Content: t.Text})
	}
	msgs = append(msgs, backend.Message{Role: backend.RoleUser, Content: text})

	return backend.Prompt{System: strings.TrimRight(sys.String(), "\n"), Messages: msgs}
}
