package directive

import (
	"errors"
	"testing"

	"github.com/antoniostano/ironclaw/internal/cron"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleWithTrailingProse(t *testing.T) {
	raw := "```cron\n{\"schedule\":\"0 9 * * *\",\"task\":\"standup\",\"message\":\"remind me\"}\n```\nSure, I'll remind you every morning."

	res := Parse(raw)

	require.Empty(t, res.Errors)
	require.Len(t, res.Directives, 1)
	d := res.Directives[0]
	assert.Equal(t, KindSchedule, d.Kind)
	require.NotNil(t, d.Schedule)
	assert.Equal(t, "0 9 * * *", d.Schedule.CronExpr)
	assert.Equal(t, "standup", d.Schedule.Task)
	assert.Equal(t, "remind me", d.Schedule.Prompt)
	assert.Equal(t, "Sure, I'll remind you every morning.", res.Visible)
}

func TestParseMalformedCronKeepsValidMemory(t *testing.T) {
	raw := "Noted.\n```cron\n{not json}\n```\n```memory\nUser likes hiking\n```"

	res := Parse(raw)

	require.Len(t, res.Directives, 1)
	assert.Equal(t, KindSaveMemory, res.Directives[0].Kind)
	assert.Equal(t, "User likes hiking", res.Directives[0].SaveMemory.Text)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrMalformedDirective)
	var me *MalformedError
	require.True(t, errors.As(res.Errors[0], &me))
	assert.Equal(t, "cron", me.Label)
	assert.Equal(t, "Noted.", res.Visible)
}

func TestParseInvalidCronFieldsWrapsErrInvalidCron(t *testing.T) {
	raw := "```cron\n{\"schedule\":\"0 0 9 * * *\",\"task\":\"t\",\"message\":\"m\"}\n```"

	res := Parse(raw)

	assert.Empty(t, res.Directives)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrMalformedDirective)
	assert.ErrorIs(t, res.Errors[0], cron.ErrInvalidCron)
	assert.Equal(t, "", res.Visible)
}

func TestParseCronMissingFields(t *testing.T) {
	for _, body := range []string{
		`{"task":"t","message":"m"}`,
		`{"schedule":"* * * * *","task":"t"}`,
	} {
		res := Parse("```cron\n" + body + "\n```")
		assert.Empty(t, res.Directives, body)
		assert.Len(t, res.Errors, 1, body)
	}
}

func TestParseCronDefaultsTaskFromMessage(t *testing.T) {
	res := Parse("```cron\n{\"schedule\":\"*/5 * * * *\",\"message\":\"drink water\"}\n```")
	require.Len(t, res.Directives, 1)
	assert.Equal(t, "drink water", res.Directives[0].Schedule.Task)
}

func TestParseSaveFileKeepsContentVerbatim(t *testing.T) {
	raw := "Here you go.\n\n```save:notes/todo.md\n# Todo\n\n  - item\n```\n\nSaved it."

	res := Parse(raw)

	require.Empty(t, res.Errors)
	require.Len(t, res.Directives, 1)
	d := res.Directives[0]
	assert.Equal(t, KindSaveFile, d.Kind)
	assert.Equal(t, "notes/todo.md", d.SaveFile.Filename)
	assert.Equal(t, "# Todo\n\n  - item", d.SaveFile.Content)
	assert.Equal(t, "Here you go.\n\nSaved it.", res.Visible)
}

func TestParseSaveWithoutFilenameIsMalformed(t *testing.T) {
	res := Parse("```save:\nbody\n```")
	assert.Empty(t, res.Directives)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrMalformedDirective)
}

func TestParseLeavesUnrecognizedFences(t *testing.T) {
	raw := "Example:\n```go\nfmt.Println(\"hi\")\n```"

	res := Parse(raw)

	assert.Empty(t, res.Directives)
	assert.Empty(t, res.Errors)
	assert.Equal(t, raw, res.Visible)
}

func TestParseKeepsDirectiveOrder(t *testing.T) {
	raw := "```memory\nfirst\n```\n```save:a.txt\nA\n```\n```cron\n{\"schedule\":\"0 8 * * 1\",\"task\":\"w\",\"message\":\"weekly\"}\n```"

	res := Parse(raw)

	require.Len(t, res.Directives, 3)
	assert.Equal(t, KindSaveMemory, res.Directives[0].Kind)
	assert.Equal(t, KindSaveFile, res.Directives[1].Kind)
	assert.Equal(t, KindSchedule, res.Directives[2].Kind)
	assert.Equal(t, "", res.Visible, "an all-directive reply has empty visible text")
}

func TestParseUnterminatedFenceIsText(t *testing.T) {
	raw := "start\n```memory\nnever closed"

	res := Parse(raw)

	assert.Empty(t, res.Directives)
	assert.Equal(t, raw, res.Visible)
}

func TestParseCronInsideOtherBlockIsContent(t *testing.T) {
	raw := "```markdown\n```cron\n{\"schedule\":\"* * * * *\",\"message\":\"x\"}\n```"

	res := Parse(raw)

	assert.Empty(t, res.Directives)
	assert.Equal(t, raw, res.Visible)
}

func TestParseIsIdempotentOnVisible(t *testing.T) {
	inputs := []string{
		"a\n```memory\nm\n```\nb\n```python\nprint(1)\n```",
		"```cron\n{bad}\n```\n\n\ntext",
		"```memory\nonly\n```",
		"unterminated\n```cron\n{",
	}
	for _, raw := range inputs {
		first := Parse(raw)
		second := Parse(first.Visible)
		assert.Empty(t, second.Directives, raw)
		assert.Empty(t, second.Errors, raw)
		assert.Equal(t, first.Visible, second.Visible, raw)
	}
}

func TestCodeBlocks(t *testing.T) {
	blocks := CodeBlocks("x\n```py\nprint(1)\n```\ny\n```\nplain\n```")
	require.Len(t, blocks, 2)
	assert.Equal(t, CodeBlock{Lang: "py", Content: "print(1)"}, blocks[0])
	assert.Equal(t, CodeBlock{Lang: "", Content: "plain"}, blocks[1])
}

func TestParseCronTrailingGarbageIsMalformed(t *testing.T) {
	raw := "```cron\n{\"schedule\":\"0 9 * * *\",\"task\":\"t\",\"message\":\"m\"} this is not json\n```\nOk."

	res := Parse(raw)

	assert.Empty(t, res.Directives)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrMalformedDirective)
	assert.Equal(t, "Ok.", res.Visible)
}

func TestParseKeepsLeadingIndentation(t *testing.T) {
	raw := "```memory\nprefers tabs\n```\n\n    indented first line\nplain\n\n"

	res := Parse(raw)

	require.Len(t, res.Directives, 1)
	assert.Equal(t, "    indented first line\nplain", res.Visible)
}
