// Package chunking normalizes free text and splits it into bounded,
// overlapping, sentence-aligned segments for the retrieval index.
//
// Invariants:
// - Chunk is deterministic: identical input always yields identical output.
// - Chunk boundaries always fall on sentence boundaries; a sentence is never split.
// - Consecutive chunks share at most OverlapWords words of trailing context.
package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

const (
	DefaultMaxWords     = 220
	DefaultOverlapWords = 40
)

// Options configures chunking behavior.
type Options struct {
	MaxWords     int `json:"max_words" mapstructure:"max_words"`
	OverlapWords int `json:"overlap_words" mapstructure:"overlap_words"`
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		MaxWords:     DefaultMaxWords,
		OverlapWords: DefaultOverlapWords,
	}
}

func (o Options) withDefaults() Options {
	if o == (Options{}) {
		return DefaultOptions()
	}
	if o.MaxWords <= 0 {
		o.MaxWords = DefaultMaxWords
	}
	if o.OverlapWords < 0 {
		o.OverlapWords = 0
	}
	return o
}

// Normalize collapses every whitespace run to a single space and trims both ends.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Fingerprint returns the hex SHA-256 digest of text. It is used for change
// detection, not identity.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CountWords returns the number of whitespace-separated words in text.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// SplitSentences splits text after every run of '.', '!' or '?' that is
// followed by whitespace. Empty sentences are dropped.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string

	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}

	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}

		end := i
		for end+1 < len(runes) && isTerminator(runes[end+1]) {
			end++
		}

		if end+1 < len(runes) && unicode.IsSpace(runes[end+1]) {
			emit(string(runes[start : end+1]))

			next := end + 1
			for next < len(runes) && unicode.IsSpace(runes[next]) {
				next++
			}
			start = next
			i = next - 1
			continue
		}
		i = end
	}

	if start < len(runes) {
		emit(string(runes[start:]))
	}

	return sentences
}

// Chunk splits text into sentence-aligned chunks of at most opts.MaxWords
// words. A single sentence longer than MaxWords is kept whole.
func Chunk(text string, opts Options) []string {
	opts = opts.withDefaults()

	text = Normalize(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var current []string
	currentWords := 0

	for _, sentence := range SplitSentences(text) {
		words := CountWords(sentence)

		if currentWords+words > opts.MaxWords && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))

			current = append(overlapTail(current, opts.OverlapWords), sentence)
			currentWords = 0
			for _, s := range current {
				currentWords += CountWords(s)
			}
			continue
		}

		current = append(current, sentence)
		currentWords += words
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}

	return chunks
}

// overlapTail returns the trailing sentences of a closed chunk whose combined
// word count does not exceed limit, in their original order.
func overlapTail(sentences []string, limit int) []string {
	words := 0
	start := len(sentences)
	for i := len(sentences) - 1; i >= 0; i-- {
		w := CountWords(sentences[i])
		if words+w > limit {
			break
		}
		words += w
		start = i
	}

	tail := make([]string, len(sentences)-start, len(sentences)-start+1)
	copy(tail, sentences[start:])
	return tail
}
