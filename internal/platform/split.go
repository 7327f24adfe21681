package platform

import (
	"strings"
	"unicode/utf8"
)

const fence = "```"

// Measure returns the length of s in a platform's own units. It must be
// additive: the length of a string is the sum of the lengths of its runes.
type Measure func(s string) int

// Measurer is implemented by adapters whose message limit is not counted
// in runes.
type Measurer interface {
	MeasureText(s string) int
}

// Split chunks text for adapter, measuring with the adapter's own units
// when it provides them.
func Split(adapter Adapter, text string) []string {
	if m, ok := adapter.(Measurer); ok {
		return SplitMessageFunc(text, adapter.MaxMessageLength(), m.MeasureText)
	}
	return SplitMessage(text, adapter.MaxMessageLength())
}

// SplitMessage breaks text into chunks of at most limit runes, preferring
// paragraph, then line, then word boundaries. A code fence left open at
// the end of a chunk is closed there and reopened, with its language tag,
// at the start of the next.
func SplitMessage(text string, limit int) []string {
	return SplitMessageFunc(text, limit, utf8.RuneCountInString)
}

// SplitMessageFunc is SplitMessage with limit counted by measure.
func SplitMessageFunc(text string, limit int, measure Measure) []string {
	if limit <= 0 || measure(text) <= limit {
		return []string{text}
	}

	var (
		chunks  []string
		reopen  string
		closing = "\n" + fence
	)
	rest := text
	for rest != "" {
		prefix := ""
		if reopen != "" {
			prefix = reopen + "\n"
		}
		if measure(prefix)+measure(rest) <= limit {
			chunks = append(chunks, prefix+rest)
			break
		}

		budget := limit - measure(prefix)
		piece, remainder := cut(rest, max(budget, 1), measure)
		open, header := openFence(prefix + piece)
		if open {
			// Leave room for the closing fence.
			piece, remainder = cut(rest, max(budget-measure(closing), 1), measure)
			open, header = openFence(prefix + piece)
		}
		chunk := prefix + piece
		rest = remainder

		reopen = ""
		if open {
			chunk += closing
			reopen = header
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// cut splits s so the head measures at most budget. At least one rune is
// always taken so a rune wider than budget still makes progress.
func cut(s string, budget int, measure Measure) (head, tail string) {
	end := len(s)
	n := 0
	for i, r := range s {
		w := measure(string(r))
		if n+w > budget && i > 0 {
			end = i
			break
		}
		n += w
	}
	window := s[:end]

	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return s[:i], strings.TrimLeft(s[i:], "\n")
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return s[:i], strings.TrimLeft(s[i:], "\n")
	}
	if i := strings.LastIndex(window, " "); i > 0 {
		return s[:i], s[i+1:]
	}
	return window, s[end:]
}

// openFence reports whether chunk ends inside a code fence and, if so, the
// line that opened it.
func openFence(chunk string) (bool, string) {
	open := false
	header := ""
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, fence) {
			continue
		}
		if open {
			open = false
			header = ""
		} else {
			open = true
			header = trimmed
		}
	}
	return open, header
}
