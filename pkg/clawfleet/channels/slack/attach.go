package slack

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

const (
	colorSuccess = "#5865F2"
	colorError   = "#EF4444"

	// inputSummaryMax caps the tool input shown in an attachment.
	inputSummaryMax = 200

	// descriptionMax caps free-text attachment bodies.
	descriptionMax = 2048
)

// buildToolAttachment renders one tool invocation as an attachment: the
// tool name as title, the input summary as text, and the (truncated)
// output in a code-block field. Errors turn the bar red and rename the
// output field.
func buildToolAttachment(use runner.ToolUse, result runner.ToolResult, elapsed time.Duration, maxOutput int) slack.Attachment {
	name := use.Name
	if name == "" {
		name = "Tool"
	}
	attachment := slack.Attachment{
		Title: "🔧 " + name,
		Text:  toolInputSummary(use.Name, use.Input),
		Color: colorSuccess,
	}
	if result.IsError {
		attachment.Color = colorError
	}

	if elapsed > 0 {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: "Duration",
			Value: formatDuration(elapsed),
			Short: true,
		})
	}
	if result.Content != "" {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: "Output",
			Value: formatChars(len(result.Content)),
			Short: true,
		})

		fieldName := "Result"
		if result.IsError {
			fieldName = "Error"
		}
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: fieldName,
			Value: "```\n" + truncate(result.Content, maxOutput) + "\n```",
		})
	}
	return attachment
}

// toolInputSummary extracts the one input field worth showing for the
// well-known tools, falling back to compact JSON of the whole input.
func toolInputSummary(name string, input map[string]any) string {
	key := ""
	switch name {
	case "Bash":
		key = "command"
	case "Read", "Write", "Edit":
		key = "file_path"
	case "Glob", "Grep":
		key = "pattern"
	case "WebSearch":
		key = "query"
	}
	if key != "" {
		if v, ok := input[key].(string); ok && v != "" {
			return truncate(v, inputSummaryMax)
		}
	}
	if len(input) == 0 {
		return ""
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return truncate(string(raw), inputSummaryMax)
}

// buildResultAttachment renders the final result summary of a job.
func buildResultAttachment(info *runner.ResultInfo) slack.Attachment {
	attachment := slack.Attachment{
		Title: "✅ Task Complete",
		Color: colorSuccess,
	}
	if info.IsError {
		attachment.Title = "❌ Task Failed"
		attachment.Color = colorError
	}
	if info.Summary != "" {
		attachment.Text = truncate(info.Summary, descriptionMax)
	}
	if info.DurationMs > 0 {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: "Duration",
			Value: formatDuration(time.Duration(info.DurationMs) * time.Millisecond),
			Short: true,
		})
	}
	if info.NumTurns > 0 {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: "Turns",
			Value: fmt.Sprintf("%d", info.NumTurns),
			Short: true,
		})
	}
	return attachment
}

// buildErrorAttachment renders a stream error message.
func buildErrorAttachment(text string) slack.Attachment {
	if text == "" {
		text = "unknown error"
	}
	return slack.Attachment{
		Title: "❌ Error",
		Text:  truncate(text, descriptionMax),
		Color: colorError,
	}
}

// truncate shortens s to at most max bytes, ellipsis included.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// formatChars renders a byte count for the Output field, switching to a
// "k" suffix above 1000.
func formatChars(n int) string {
	if n > 1000 {
		return fmt.Sprintf("%.1fk chars", float64(n)/1000)
	}
	return fmt.Sprintf("%d chars", n)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(100 * time.Millisecond).String()
}
