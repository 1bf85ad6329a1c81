package text_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/book-expert/news-digest/internal/tts/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocessText(t *testing.T) {
	t.Parallel()

	preprocessor := text.NewPreprocessor()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "markdown and emoji",
			input:    "## 今日要闻\n**人工智能**：OpenAI 发布新模型🚀",
			expected: "今日要闻 人工智能：OpenAI 发布新模型。",
		},
		{
			name:     "links keep their label",
			input:    "详见[新华社报道](https://example.com/a)。",
			expected: "详见新华社报道。",
		},
		{
			name:     "citations and repeated marks",
			input:    "据报道[1]，增长5%！！！",
			expected: "据报道，增长5%！",
		},
		{
			name:     "english text gets an ascii stop",
			input:    "*Breaking* news—markets rally",
			expected: "Breaking news-markets rally.",
		},
		{
			name:     "quoted sentence is already terminated",
			input:    "他说：“我们会继续努力。”",
			expected: `他说："我们会继续努力。"`,
		},
		{
			name:     "blank",
			input:    "  \n\t ",
			expected: "",
		},
		{
			name:     "emoji only",
			input:    "🎉✨",
			expected: "",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, preprocessor.PreprocessText(testCase.input))
		})
	}
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		maxRunes int
		expected []string
	}{
		{
			name:     "one sentence per chunk",
			input:    "第一句。第二句！第三句？",
			maxRunes: 4,
			expected: []string{"第一句。", "第二句！", "第三句？"},
		},
		{
			name:     "sentences share a chunk when they fit",
			input:    "第一句。第二句！第三句？",
			maxRunes: 100,
			expected: []string{"第一句。第二句！第三句？"},
		},
		{
			name:     "decimal point does not end a sentence",
			input:    "Rate is 3.5 now. Next.",
			maxRunes: 16,
			expected: []string{"Rate is 3.5 now.", " Next."},
		},
		{
			name:     "closing quote stays with its sentence",
			input:    "他说：“好。”然后离开。",
			maxRunes: 7,
			expected: []string{"他说：“好。”", "然后离开。"},
		},
		{
			name:     "long sentence is cut at the limit",
			input:    strings.Repeat("长", 7) + "。",
			maxRunes: 3,
			expected: []string{"长长长", "长长长", "长长。"},
		},
		{
			name:     "empty",
			input:    "",
			maxRunes: 10,
			expected: nil,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, text.SplitSentences(testCase.input, testCase.maxRunes))
		})
	}
}

func TestSplitSentences_NeverDropsText(t *testing.T) {
	t.Parallel()

	input := "国务院常务会议今天召开。会议指出，要加快推进“人工智能+”行动！" +
		strings.Repeat("经济数据持续向好", 20) + "。Markets closed 1.2% higher. 结束"

	for _, limit := range []int{1, 5, 17, 64, text.DefaultMaxChunkRunes} {
		chunks := text.SplitSentences(input, limit)
		require.NotEmpty(t, chunks)

		for _, chunk := range chunks {
			assert.LessOrEqual(t, utf8.RuneCountInString(chunk), limit)
			assert.NotEmpty(t, chunk)
		}

		assert.Equal(t, input, strings.Join(chunks, ""), "limit %d", limit)
	}
}

func TestSplitSentences_DefaultLimit(t *testing.T) {
	t.Parallel()

	chunks := text.SplitSentences(strings.Repeat("a", text.DefaultMaxChunkRunes+1), 0)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[1], 1)
}

func TestSplitSentences_InvalidUTF8(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		maxRunes int
		expected []string
	}{
		{name: "one chunk", input: "\xff\xff\xff\xff。x", maxRunes: 300, expected: []string{"\xff\xff\xff\xff。x"}},
		{name: "before terminator", input: "\xff\xff\xff\xff。x", maxRunes: 5, expected: []string{"\xff\xff\xff\xff。", "x"}},
		{name: "after period", input: "a.\xffb", maxRunes: 300, expected: []string{"a.\xffb"}},
		{name: "cut inside", input: "\xff\xfe\xfd\xfc\xfb", maxRunes: 2, expected: []string{"\xff\xfe", "\xfd\xfc", "\xfb"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			chunks := text.SplitSentences(testCase.input, testCase.maxRunes)
			assert.Equal(t, testCase.expected, chunks)
			assert.Equal(t, testCase.input, strings.Join(chunks, ""))
		})
	}
}
