package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkRunes bounds one synthesis request.
const DefaultMaxChunkRunes = 300

// SplitSentences groups whole sentences into chunks of at most maxRunes runes.
// Sentences end after 。！？!? or a '.' that is followed by whitespace or the end
// of the text. A sentence longer than maxRunes is cut at the limit. Joining the
// returned chunks reproduces text exactly.
func SplitSentences(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxChunkRunes
	}

	if text == "" {
		return nil
	}

	var (
		chunks  []string
		current strings.Builder
		size    int
	)

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			size = 0
		}
	}

	for _, sentence := range sentences(text) {
		for _, piece := range cut(sentence, maxRunes) {
			pieceSize := utf8.RuneCountInString(piece)
			if size+pieceSize > maxRunes {
				flush()
			}

			current.WriteString(piece)
			size += pieceSize
		}
	}

	flush()

	return chunks
}

// sentences splits text after each sentence terminator, keeping the terminator
// and any closing quotes with the sentence. Invalid UTF-8 passes through as
// single bytes.
func sentences(text string) []string {
	var (
		parts []string
		start int
	)

	offset := 0

	for offset < len(text) {
		char, size := utf8.DecodeRuneInString(text[offset:])
		offset += size

		if !endsSentence(char, text[offset:]) {
			continue
		}

		for offset < len(text) {
			next, nextSize := utf8.DecodeRuneInString(text[offset:])
			if !isClosing(next) {
				break
			}

			offset += nextSize
		}

		parts = append(parts, text[start:offset])
		start = offset
	}

	if start < len(text) {
		parts = append(parts, text[start:])
	}

	return parts
}

// endsSentence reports whether char, followed by rest, closes a sentence.
func endsSentence(char rune, rest string) bool {
	switch char {
	case '。', '！', '？', '!', '?':
		return true
	case '.':
		if rest == "" {
			return true
		}

		next, _ := utf8.DecodeRuneInString(rest)

		return unicode.IsSpace(next)
	default:
		return false
	}
}

func isClosing(char rune) bool {
	switch char {
	case '”', '’', '"', '\'', '）', ')', '」', '』':
		return true
	default:
		return false
	}
}

// cut splits sentence into pieces of at most limit runes.
func cut(sentence string, limit int) []string {
	if utf8.RuneCountInString(sentence) <= limit {
		return []string{sentence}
	}

	var pieces []string

	start, count := 0, 0

	for offset := 0; offset < len(sentence); {
		_, size := utf8.DecodeRuneInString(sentence[offset:])
		offset += size
		count++

		if count == limit {
			pieces = append(pieces, sentence[start:offset])
			start, count = offset, 0
		}
	}

	if start < len(sentence) {
		pieces = append(pieces, sentence[start:])
	}

	return pieces
}
