package utils

import (
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestSplitLines(t *testing.T) {
	type scenario struct {
		multilineString string
		expected        []string
	}

	scenarios := []scenario{
		{"", []string{}},
		{"\n", []string{}},
		{
			"hello world !\nhello universe !\n",
			[]string{"hello world !", "hello universe !"},
		},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, SplitLines(s.multilineString))
	}
}

func TestWithPadding(t *testing.T) {
	type scenario struct {
		str      string
		padding  int
		expected string
	}

	scenarios := []scenario{
		{"hello world !", 1, "hello world !"},
		{"hello world !", 14, "hello world ! "},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, WithPadding(s.str, s.padding))
	}
}

func TestDisplayArraysAligned(t *testing.T) {
	type scenario struct {
		input    [][]string
		expected bool
	}

	scenarios := []scenario{
		{[][]string{{"", ""}, {"", ""}}, true},
		{[][]string{{""}, {"", ""}}, false},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, displayArraysAligned(s.input))
	}
}

func TestGetPaddedDisplayStrings(t *testing.T) {
	type scenario struct {
		stringArrays [][]string
		padWidths    []int
		expected     []string
	}

	scenarios := []scenario{
		{
			[][]string{{"a", "b"}, {"c", "d"}},
			[]int{1},
			[]string{"a b", "c d"},
		},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, getPaddedDisplayStrings(s.stringArrays, s.padWidths))
	}
}

func TestGetPadWidths(t *testing.T) {
	type scenario struct {
		stringArrays [][]string
		expected     []int
	}

	scenarios := []scenario{
		{[][]string{{""}, {""}}, []int{}},
		{[][]string{{"a"}, {""}}, []int{}},
		{[][]string{{"aa", "b", "ccc"}, {"c", "d", "e"}}, []int{2, 1}},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, getPadWidths(s.stringArrays))
	}
}

func TestRenderTable(t *testing.T) {
	type scenario struct {
		input       [][]string
		expected    string
		expectedErr string
	}

	scenarios := []scenario{
		{
			input:    [][]string{{"a", "b"}, {"c", "d"}},
			expected: "a b\nc d",
		},
		{
			input:    [][]string{{"aaaa", "b"}, {"c", "d"}},
			expected: "aaaa b\nc    d",
		},
		{
			input:       [][]string{{"a"}, {"c", "d"}},
			expected:    "",
			expectedErr: "each row must have the same number of columns",
		},
	}

	for _, s := range scenarios {
		output, err := RenderTable(s.input)
		assert.EqualValues(t, s.expected, output)
		if s.expectedErr != "" {
			assert.EqualError(t, err, s.expectedErr)
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestSafeTruncate(t *testing.T) {
	assert.Equal(t, "hel", SafeTruncate("hello", 3))
	assert.Equal(t, "hi", SafeTruncate("hi", 10))
}

func TestDecolorise(t *testing.T) {
	assert.Equal(t, "hello", Decolorise("\x1b[31mhello\x1b[0m"))
}

func TestColoredStringPassesWhiteThrough(t *testing.T) {
	assert.Equal(t, "plain", ColoredString("plain", color.FgWhite))
}

func TestColoredStringColorsNonWhite(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = noColor }()

	assert.NotEqual(t, "red", ColoredString("red", color.FgRed))
	assert.Contains(t, ColoredString("red", color.FgRed), "red")
}

func TestFormatBinaryBytes(t *testing.T) {
	type scenario struct {
		bytes    int
		expected string
	}

	scenarios := []scenario{
		{0, "0B"},
		{512, "512.00B"},
		{1024 * 1024, "1.00MiB"},
	}

	for _, s := range scenarios {
		assert.Equal(t, s.expected, FormatBinaryBytes(s.bytes))
	}
}

type fakeCloser struct {
	err error
}

func (f fakeCloser) Close() error { return f.err }

func TestCloseManyNoErrors(t *testing.T) {
	closers := []interface{ Close() error }{fakeCloser{}, fakeCloser{}}
	assert.NoError(t, CloseMany(closers))
}

func TestCloseManyCombinesErrors(t *testing.T) {
	closers := []interface{ Close() error }{
		fakeCloser{},
		fakeCloser{err: errors.New("boom")},
	}
	err := CloseMany(closers)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
