// Package text prepares digest summaries for speech synthesis.
//
// Summaries are stored as lightly formatted markdown. Before they are sent to the
// synthesizer, markup, emoji and citation markers are removed so that none of them
// is read aloud, and the result is split into sentence-aligned chunks small enough
// for one synthesis request each.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Regex patterns for text preprocessing.
const (
	headingRegexPattern    = `(?m)#{1,6}\s`
	boldRegexPattern       = `\*\*|__`
	italicRegexPattern     = `\*`
	linkRegexPattern       = `\[([^\]]+)\]\([^)]+\)`
	referenceRegexPattern  = `\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	emojiRegexPattern      = `[\x{1F300}-\x{1F6FF}\x{1F900}-\x{1F9FF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}\x{FE0F}]`
	whitespaceRegexPattern = `\s+`
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
	fullStop     = "。"
	asciiStop    = "."
)

// Preprocessor cleans text for speech.
type Preprocessor struct {
	headingPattern    *regexp.Regexp
	boldPattern       *regexp.Regexp
	italicPattern     *regexp.Regexp
	linkPattern       *regexp.Regexp
	referencePattern  *regexp.Regexp
	emojiPattern      *regexp.Regexp
	whitespacePattern *regexp.Regexp
	punctuationFixer  *strings.Replacer
}

// NewPreprocessor creates a text preprocessor with compiled patterns.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		headingPattern:    regexp.MustCompile(headingRegexPattern),
		boldPattern:       regexp.MustCompile(boldRegexPattern),
		italicPattern:     regexp.MustCompile(italicRegexPattern),
		linkPattern:       regexp.MustCompile(linkRegexPattern),
		referencePattern:  regexp.MustCompile(referenceRegexPattern),
		emojiPattern:      regexp.MustCompile(emojiRegexPattern),
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		punctuationFixer: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// PreprocessText strips markdown and emoji, collapses whitespace and makes sure
// the text ends like a sentence.
func (p *Preprocessor) PreprocessText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	cleanedText := p.stripMarkdown(text)

	cleanedText = p.referencePattern.ReplaceAllString(cleanedText, "")

	cleanedText = p.emojiPattern.ReplaceAllString(cleanedText, "")

	cleanedText = p.normalizeWhitespace(cleanedText)

	cleanedText = p.removeRepeatedPunctuation(cleanedText)

	cleanedText = p.punctuationFixer.Replace(cleanedText)

	return ensureSentenceEnding(cleanedText)
}

// stripMarkdown removes headings and emphasis markers and replaces links with
// their label.
func (p *Preprocessor) stripMarkdown(text string) string {
	text = p.headingPattern.ReplaceAllString(text, "")
	text = p.linkPattern.ReplaceAllString(text, "$1")
	text = p.boldPattern.ReplaceAllString(text, "")

	return p.italicPattern.ReplaceAllString(text, "")
}

func (p *Preprocessor) normalizeWhitespace(text string) string {
	return strings.TrimSpace(p.whitespacePattern.ReplaceAllString(text, " "))
}

// removeRepeatedPunctuation collapses runs of the same punctuation mark, so "！！！"
// is read once.
func (p *Preprocessor) removeRepeatedPunctuation(text string) string {
	var (
		builder strings.Builder
		last    rune
	)

	builder.Grow(len(text))

	for _, char := range text {
		if unicode.IsPunct(char) && char == last {
			continue
		}

		builder.WriteRune(char)
		last = char
	}

	return builder.String()
}

// ensureSentenceEnding appends a full stop when the text does not already end with
// terminal punctuation. Chinese text gets "。".
func ensureSentenceEnding(text string) string {
	trimmedText := strings.TrimSpace(text)
	if trimmedText == "" {
		return ""
	}

	body := strings.TrimRightFunc(trimmedText, isClosing)

	lastChar, _ := utf8.DecodeLastRuneInString(body)
	if isTerminal(lastChar) {
		return trimmedText
	}

	for _, char := range trimmedText {
		if unicode.Is(unicode.Han, char) {
			return trimmedText + fullStop
		}
	}

	return trimmedText + asciiStop
}

func isTerminal(char rune) bool {
	switch char {
	case '。', '！', '？', '.', '!', '?', '…':
		return true
	default:
		return false
	}
}
