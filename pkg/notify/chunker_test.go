package notify

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortMessageUntouched(t *testing.T) {
	chunks := Split("hello", 100)
	assert.Equal(t, []string{"hello"}, chunks)
}

func TestSplitExactlyMaxCharsIsOneChunk(t *testing.T) {
	text := strings.Repeat("a", 100)
	chunks := Split(text, 100)
	assert.Equal(t, []string{text}, chunks)
}

func TestSplitOneOverMaxSplits(t *testing.T) {
	text := strings.Repeat("a", 101)
	chunks := Split(text, 100)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 100, "no boundary available, hard split at max")
	assert.Len(t, chunks[1], 1)
}

func TestSplitConcatenationLaw(t *testing.T) {
	texts := []string{
		strings.Repeat("word ", 400),
		strings.Repeat("First sentence. Second one! A third? ", 100),
		strings.Repeat("para one\n\npara two\n\n", 80),
		strings.Repeat("x", 9999),
		"line one\nline two\n" + strings.Repeat("y", 300),
	}
	for _, text := range texts {
		chunks := Split(text, 100)
		assert.Equal(t, text, strings.Join(chunks, ""), "chunks must reassemble to the input")
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), 100)
			assert.NotEmpty(t, c)
		}
	}
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 70) + "\n\n" + strings.Repeat("b", 70)
	chunks := Split(text, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 70)+"\n\n", chunks[0])
	assert.Equal(t, strings.Repeat("b", 70), chunks[1])
}

func TestSplitFallsBackToLineBoundary(t *testing.T) {
	text := strings.Repeat("a", 70) + "\n" + strings.Repeat("b", 70)
	chunks := Split(text, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 70)+"\n", chunks[0])
}

func TestSplitFallsBackToSentenceBoundary(t *testing.T) {
	first := strings.Repeat("a", 68) + ". "
	text := first + strings.Repeat("b", 70)
	chunks := Split(text, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, first, chunks[0])
}

func TestSplitFallsBackToWordBoundary(t *testing.T) {
	first := strings.Repeat("a", 69) + " "
	text := first + strings.Repeat("b", 70)
	chunks := Split(text, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, first, chunks[0])
}

func TestSplitHardSplitKeepsRunesIntact(t *testing.T) {
	// No spaces or newlines, so every cut is a hard split. Each rune here
	// is multi-byte and must never be severed.
	texts := []string{
		strings.Repeat("日本語テキスト", 40),
		strings.Repeat("héllø", 50),
		strings.Repeat("🚀", 60),
	}
	for _, text := range texts {
		chunks := Split(text, 100)
		assert.Equal(t, text, strings.Join(chunks, ""))
		for _, c := range chunks {
			assert.True(t, utf8.ValidString(c), "chunk severed a rune: %q", c)
			assert.LessOrEqual(t, len(c), 100)
			assert.NotEmpty(t, c)
		}
	}
}

func TestSplitIgnoresBoundaryBeforeHalfMark(t *testing.T) {
	// The only paragraph break sits at 20% of the window; it must not be
	// used, and the word boundary later in the window wins.
	text := strings.Repeat("a", 20) + "\n\n" + strings.Repeat("b", 55) + " " + strings.Repeat("c", 60)
	chunks := Split(text, 100)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Greater(t, len(chunks[0]), 50, "no chunk smaller than half the limit from a boundary split")
}
