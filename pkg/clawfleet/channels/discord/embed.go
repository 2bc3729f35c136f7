package discord

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
)

const (
	colorSuccess = 0x5865F2
	colorError   = 0xEF4444

	// inputSummaryMax caps the tool input shown in an embed description.
	inputSummaryMax = 200

	// descriptionMax caps free-text embed descriptions.
	descriptionMax = 2048

	// embedFieldCap is Discord's limit on a single field value.
	embedFieldCap = 1024
)

// buildToolEmbed renders one tool invocation as an embed: the tool name
// as title, the input summary as description, and the (truncated) output
// in a code-block field. Errors turn the embed red and rename the output
// field.
func buildToolEmbed(use runner.ToolUse, result runner.ToolResult, elapsed time.Duration, maxOutput int) *discordgo.MessageEmbed {
	name := use.Name
	if name == "" {
		name = "Tool"
	}
	embed := &discordgo.MessageEmbed{
		Title:       "🔧 " + name,
		Description: getToolInputSummary(use.Name, use.Input),
		Color:       colorSuccess,
	}
	if result.IsError {
		embed.Color = colorError
	}

	if elapsed > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   "Duration",
			Value:  formatDuration(elapsed),
			Inline: true,
		})
	}
	if result.Content != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   "Output",
			Value:  formatChars(len(result.Content)),
			Inline: true,
		})

		fieldName := "Result"
		if result.IsError {
			fieldName = "Error"
		}
		budget := maxOutput
		if wrapped := budget + len("```\n\n```"); wrapped > embedFieldCap {
			budget = embedFieldCap - len("```\n\n```")
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  fieldName,
			Value: "```\n" + truncate(result.Content, budget) + "\n```",
		})
	}
	return embed
}

// getToolInputSummary extracts the one input field worth showing for the
// well-known tools, falling back to compact JSON of the whole input.
// Returns "" when there is nothing to show.
func getToolInputSummary(name string, input map[string]any) string {
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

// buildStatusEmbed renders a system status message, typically the init
// message that opens a stream. Returns nil when there is nothing to show.
func buildStatusEmbed(msg *runner.Message) *discordgo.MessageEmbed {
	subtype := msg.Subtype()
	if subtype == "" {
		return nil
	}
	embed := &discordgo.MessageEmbed{
		Title:       "⚙️ System",
		Description: subtype,
		Color:       colorSuccess,
	}

	var meta struct {
		Model string   `json:"model"`
		Tools []string `json:"tools"`
	}
	if err := json.Unmarshal(msg.Raw, &meta); err == nil {
		if meta.Model != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:   "Model",
				Value:  meta.Model,
				Inline: true,
			})
		}
		if len(meta.Tools) > 0 {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:   "Tools",
				Value:  fmt.Sprintf("%d available", len(meta.Tools)),
				Inline: true,
			})
		}
	}
	return embed
}

// buildResultEmbed renders the final result summary of a job.
func buildResultEmbed(info *runner.ResultInfo) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "✅ Task Complete",
		Color: colorSuccess,
	}
	if info.IsError {
		embed.Title = "❌ Task Failed"
		embed.Color = colorError
	}
	if info.Summary != "" {
		embed.Description = truncate(info.Summary, descriptionMax)
	}
	if info.DurationMs > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   "Duration",
			Value:  formatDuration(time.Duration(info.DurationMs) * time.Millisecond),
			Inline: true,
		})
	}
	if info.NumTurns > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   "Turns",
			Value:  fmt.Sprintf("%d", info.NumTurns),
			Inline: true,
		})
	}
	if info.CostUSD > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   "Cost",
			Value:  fmt.Sprintf("$%.4f", info.CostUSD),
			Inline: true,
		})
	}
	return embed
}

// buildErrorEmbed renders a stream error message.
func buildErrorEmbed(text string) *discordgo.MessageEmbed {
	if text == "" {
		text = "unknown error"
	}
	return &discordgo.MessageEmbed{
		Title:       "❌ Error",
		Description: truncate(text, descriptionMax),
		Color:       colorError,
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
