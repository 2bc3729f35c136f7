package slack

import (
	"fmt"
	"strings"
	"time"
)

const (
	// messageLimit is Slack's practical cap on one message's text.
	messageLimit = 4000

	// boundaryWindow is how far back from the limit a natural break may
	// sit and still be preferred over a hard cut.
	boundaryWindow = 500
)

// splitResponse splits text into Slack-sized chunks. Text at or under the
// limit comes back as a single chunk, the empty string included. Longer
// text is cut greedily, preferring a paragraph break, then a newline, then
// a space within the trailing boundary window; without one the cut lands
// exactly at the limit. Concatenating the chunks reproduces the input.
// Slack renders each message independently, so unlike Discord there is no
// code-fence rewriting at this level.
func splitResponse(text string) []string {
	if len(text) <= messageLimit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > messageLimit {
		cut := findCut(rest, messageLimit)
		chunks = append(chunks, rest[:cut])
		rest = rest[cut:]
	}
	return append(chunks, rest)
}

// sendResponse delivers text through reply, split to the message limit,
// with a delay between chunks to stay inside Slack's per-channel rate
// limit.
func sendResponse(reply func(string) error, text string, delay time.Duration) error {
	for i, chunk := range splitResponse(text) {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		if err := reply(chunk); err != nil {
			return fmt.Errorf("sending chunk %d: %w", i+1, err)
		}
	}
	return nil
}

// findCut picks the byte offset to end the current chunk at. Break
// preference inside the trailing window: paragraph break, then newline,
// then space, each at its last occurrence; the cut lands just after the
// break. No break means a hard cut at max.
func findCut(s string, max int) int {
	window := max - boundaryWindow
	if window < 0 {
		window = 0
	}
	seg := s[:max]
	if idx := strings.LastIndex(seg, "\n\n"); idx >= window {
		return idx + 2
	}
	if idx := strings.LastIndex(seg, "\n"); idx >= window {
		return idx + 1
	}
	if idx := strings.LastIndex(seg, " "); idx >= window {
		return idx + 1
	}
	return max
}
