package discord

import (
	"fmt"
	"strings"
	"time"
)

const (
	// messageLimit is Discord's hard cap on a single message.
	messageLimit = 2000

	// boundaryWindow is how far back from the limit a natural break may
	// sit and still be preferred over a hard cut.
	boundaryWindow = 500

	// fenceReserve is the worst-case cost of closing an open code fence
	// at the end of a chunk ("\n```").
	fenceReserve = 4
)

// splitResponse splits text into Discord-sized chunks. Text at or under
// the limit comes back as a single chunk, the empty string included.
// Longer text is cut greedily, preferring a paragraph break, then a
// newline, then a space within the trailing boundary window; without one
// the cut lands exactly at the limit, so concatenating the chunks
// reproduces the input. A cut inside an open ``` fence closes the fence
// at the chunk end and reopens it, language tag included, at the start of
// the next chunk so Discord keeps rendering continuous code.
func splitResponse(text string) []string {
	if len(text) <= messageLimit {
		return []string{text}
	}

	var chunks []string
	open, lang := false, ""
	rest := text
	for len(rest) > 0 {
		prefix := ""
		if open {
			prefix = "```" + lang + "\n"
			// A language tag near the message limit leaves no room for
			// content; reopen the fence without it.
			if messageLimit-len(prefix) <= fenceReserve {
				prefix = "```\n"
			}
		}
		avail := messageLimit - len(prefix)
		if len(rest) <= avail {
			chunks = append(chunks, prefix+rest)
			break
		}

		cut := findCut(rest, avail)
		nowOpen, nowLang := scanFences(rest[:cut], open, lang)
		suffix := ""
		if nowOpen {
			suffix = fenceCloser(rest[:cut])
			if len(prefix)+cut+len(suffix) > messageLimit {
				cut = findCut(rest, avail-fenceReserve)
				nowOpen, nowLang = scanFences(rest[:cut], open, lang)
				suffix = ""
				if nowOpen {
					suffix = fenceCloser(rest[:cut])
				}
			}
		}

		chunks = append(chunks, prefix+rest[:cut]+suffix)
		open, lang = nowOpen, nowLang
		rest = rest[cut:]
	}
	return chunks
}

// sendResponse delivers text through reply, split to the message limit,
// with a delay between chunks to stay inside rate limits.
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

// findCut picks the byte offset to end the current chunk at, given max
// bytes of room. Break preference inside the trailing window: paragraph
// break, then newline, then space; the cut lands just after the break so
// chunks concatenate back to the input. No break means a hard cut at max.
func findCut(s string, max int) int {
	if max < 1 {
		max = 1
	}
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

// scanFences walks a chunk and returns the ``` fence state at its end
// given the state at its start. An opening fence captures the rest of its
// line as the language tag.
func scanFences(s string, open bool, lang string) (bool, string) {
	i := 0
	for {
		j := strings.Index(s[i:], "```")
		if j < 0 {
			return open, lang
		}
		i += j + 3
		if open {
			open, lang = false, ""
			continue
		}
		end := i
		for end < len(s) && s[end] != '\n' && s[end] != '\r' && s[end] != ' ' && s[end] != '`' {
			end++
		}
		open, lang = true, s[i:end]
		i = end
	}
}

// fenceCloser returns the characters that close an open fence at the end
// of chunk without gluing the backticks onto the last line of code.
func fenceCloser(chunk string) string {
	if strings.HasSuffix(chunk, "\n") {
		return "```"
	}
	return "\n```"
}
