package supervisor

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLines(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		prefix   string
		expLines []string
	}{
		{
			name: "empty",
		},
		{
			name:     "single line without newline",
			input:    "foo",
			expLines: []string{"foo"},
		},
		{
			name:     "multiple lines",
			input:    "foo\nbar\n",
			expLines: []string{"foo", "bar"},
		},
		{
			name:     "CRLF",
			input:    "foo\r\nbar\r\n",
			expLines: []string{"foo", "bar"},
		},
		{
			name:     "blank lines are kept",
			input:    "foo\n\nbar\n",
			expLines: []string{"foo", "", "bar"},
		},
		{
			name:     "prefix",
			input:    "foo\nbar\n",
			prefix:   StderrPrefix,
			expLines: []string{"stderr: foo", "stderr: bar"},
		},
		{
			name:     "invalid UTF-8 is replaced",
			input:    "a\xffb\n",
			expLines: []string{"a�b"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var lines []string
			err := ReadLines(strings.NewReader(c.input), c.prefix, func(l string) { lines = append(lines, l) })
			require.NoError(t, err)
			assert.Equal(t, c.expLines, lines)
		})
	}
}

func TestReadLinesSplitsLongLines(t *testing.T) {
	long := strings.Repeat("x", maxLineLen+10)
	var lines []string
	err := ReadLines(strings.NewReader(long+"\nend\n"), "", func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Len(t, lines[0], maxLineLen)
	assert.Equal(t, strings.Repeat("x", 10), lines[1])
	assert.Equal(t, "end", lines[2])
}

type errReader struct{ err error }

func (r *errReader) Read(p []byte) (int, error) { return 0, r.err }

func TestReadLinesReturnsReadError(t *testing.T) {
	readErr := errors.New("read failed")
	r := io.MultiReader(strings.NewReader("foo\n"), &errReader{err: readErr})

	var lines []string
	err := ReadLines(r, "", func(l string) { lines = append(lines, l) })
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, []string{"foo"}, lines)
}
