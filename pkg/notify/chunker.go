package notify

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into transport-sized chunks. Boundaries are tried in
// priority order: paragraph, line, sentence, word, then a hard split.
// A boundary is only used past the 50% mark of the chunk so no tiny
// pieces are produced. Chunks are exact substrings; concatenating them
// reproduces the input.
func Split(text string, maxChars int) []string {
	if maxChars < 2 || len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > maxChars {
		cut := splitPoint(rest, maxChars)
		chunks = append(chunks, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// splitPoint returns the cut index for the next chunk, in
// (maxChars/2, maxChars].
func splitPoint(text string, maxChars int) int {
	window := text[:maxChars]
	floor := maxChars / 2

	// Paragraph boundary: cut after the blank line.
	if idx := strings.LastIndex(window, "\n\n"); idx > floor {
		return idx + 2
	}

	// Line boundary: cut after the newline.
	if idx := strings.LastIndexByte(window, '\n'); idx > floor {
		return idx + 1
	}

	// Sentence boundary: cut after the terminator and its trailing space.
	if idx := lastSentenceEnd(window); idx > floor {
		return idx
	}

	// Word boundary: cut after the space.
	if idx := strings.LastIndexByte(window, ' '); idx > floor {
		return idx + 1
	}

	// Hard split, backed off to a rune boundary so a multi-byte
	// character is never cut in half.
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		return maxChars
	}
	return cut
}

// lastSentenceEnd finds the end of the last complete sentence in the
// window, returning the index just past the terminator's following
// space, or -1.
func lastSentenceEnd(window string) int {
	best := -1
	for i := len(window) - 2; i > 0; i-- {
		c := window[i]
		if (c == '.' || c == '!' || c == '?') && window[i+1] == ' ' {
			best = i + 2
			break
		}
	}
	return best
}
