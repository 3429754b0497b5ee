// Package directive extracts structured side-effect requests (schedules, file
// saves, memory notes) from fenced blocks in a model reply.
package directive

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/ironclaw/internal/cron"
)

var ErrMalformedDirective = errors.New("malformed directive")

type Kind string

const (
	KindSchedule   Kind = "schedule"
	KindSaveFile   Kind = "save_file"
	KindSaveMemory Kind = "save_memory"
)

const (
	labelCron       = "cron"
	labelMemory     = "memory"
	labelSavePrefix = "save:"
	fence           = "```"
)

type Schedule struct {
	CronExpr string
	Task     string
	Prompt   string
}

type SaveFile struct {
	Filename string
	Content  string
}

type SaveMemory struct {
	Text string
}

// Directive is a tagged variant: exactly one payload matches Kind.
type Directive struct {
	Kind       Kind
	Schedule   *Schedule
	SaveFile   *SaveFile
	SaveMemory *SaveMemory
}

type Result struct {
	Visible    string
	Directives []Directive
	Errors     []error
}

// MalformedError describes one recognized block that could not be applied.
type MalformedError struct {
	Label  string
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s block: %s: %v", e.Label, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s block: %s", e.Label, e.Reason)
}

func (e *MalformedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedDirective, e.Err}
	}
	return []error{ErrMalformedDirective}
}

// CodeBlock is one terminated fenced block.
type CodeBlock struct {
	Lang    string
	Content string
}

type block struct {
	label   string
	content string
	start   int // index of the opening fence line
	end     int // index of the closing fence line
}

// scan walks lines and returns every terminated fenced block. An opening
// fence without a matching close is left as ordinary text.
func scan(lines []string) []block {
	var out []block
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, fence) {
			continue
		}
		end := -1
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == fence {
				end = j
				break
			}
		}
		if end < 0 {
			break
		}
		out = append(out, block{
			label:   strings.TrimSpace(strings.TrimPrefix(trimmed, fence)),
			content: strings.Join(lines[i+1:end], "\n"),
			start:   i,
			end:     end,
		})
		i = end
	}
	return out
}

func splitLines(text string) []string {
	return strings.Split(text, "\n")
}

func CodeBlocks(text string) []CodeBlock {
	blocks := scan(splitLines(text))
	out := make([]CodeBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, CodeBlock{Lang: b.label, Content: b.content})
	}
	return out
}

func recognized(label string) bool {
	l := strings.ToLower(label)
	return l == labelCron || l == labelMemory || strings.HasPrefix(l, labelSavePrefix)
}

// Parse is pure: it performs no I/O and never fails as a whole. Malformed
// recognized blocks are reported in Result.Errors and removed from Visible.
func Parse(raw string) Result {
	lines := splitLines(raw)
	blocks := scan(lines)

	var res Result
	drop := make([]bool, len(lines))
	for _, b := range blocks {
		if !recognized(b.label) {
			continue
		}
		for i := b.start; i <= b.end; i++ {
			drop[i] = true
		}
		d, err := decode(b)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Directives = append(res.Directives, d)
	}
	res.Visible = visible(lines, drop)
	return res
}

// visible rebuilds the reply without dropped lines and without the blank
// runs their removal leaves behind.
func visible(lines []string, drop []bool) string {
	out := make([]string, 0, len(lines))
	removed := false
	for i, line := range lines {
		if drop[i] {
			removed = true
			continue
		}
		blank := strings.TrimSpace(line) == ""
		if removed && blank && (len(out) == 0 || strings.TrimSpace(out[len(out)-1]) == "") {
			continue
		}
		if !blank {
			removed = false
		}
		out = append(out, line)
	}
	// Trim blank lines only; the first line may be indented code.
	for len(out) > 0 && strings.TrimSpace(out[0]) == "" {
		out = out[1:]
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

type cronPayload struct {
	Schedule string `json:"schedule"`
	Task     string `json:"task"`
	Message  string `json:"message"`
}

func decode(b block) (Directive, error) {
	label := strings.ToLower(b.label)
	switch {
	case label == labelCron:
		return decodeCron(b.content)
	case label == labelMemory:
		text := strings.TrimSpace(b.content)
		if text == "" {
			return Directive{}, &MalformedError{Label: labelMemory, Reason: "empty memory"}
		}
		return Directive{Kind: KindSaveMemory, SaveMemory: &SaveMemory{Text: text}}, nil
	default:
		name := strings.TrimSpace(b.label[len(labelSavePrefix):])
		if name == "" {
			return Directive{}, &MalformedError{Label: "save", Reason: "missing filename"}
		}
		return Directive{Kind: KindSaveFile, SaveFile: &SaveFile{Filename: name, Content: b.content}}, nil
	}
}

func decodeCron(content string) (Directive, error) {
	var p cronPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return Directive{}, &MalformedError{Label: labelCron, Reason: "invalid JSON", Err: err}
	}
	p.Schedule = strings.TrimSpace(p.Schedule)
	p.Message = strings.TrimSpace(p.Message)
	p.Task = strings.TrimSpace(p.Task)
	if p.Schedule == "" {
		return Directive{}, &MalformedError{Label: labelCron, Reason: "missing schedule"}
	}
	if p.Message == "" {
		return Directive{}, &MalformedError{Label: labelCron, Reason: "missing message"}
	}
	if _, err := cron.Parse(p.Schedule); err != nil {
		return Directive{}, &MalformedError{Label: labelCron, Reason: "bad schedule", Err: err}
	}
	if p.Task == "" {
		p.Task = summarize(p.Message)
	}
	return Directive{Kind: KindSchedule, Schedule: &Schedule{
		CronExpr: cron.Normalize(p.Schedule),
		Task:     p.Task,
		Prompt:   p.Message,
	}}, nil
}

func summarize(s string) string {
	const limit = 48
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
