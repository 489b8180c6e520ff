package supervisor

import (
	"bufio"
	"io"
	"strings"
)

// StderrPrefix is prepended to every line read from the watched command's stderr.
const StderrPrefix = "stderr: "

// maxLineLen is the longest line delivered in one piece. Longer lines are split.
const maxLineLen = 1 << 20

// ReadLines reads r until EOF or a read error, calling emit once per line with prefix prepended.
// It returns nil on EOF.
func ReadLines(r io.Reader, prefix string, emit func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*maxLineLen)
	scanner.Split(splitLines(maxLineLen))
	for scanner.Scan() {
		emit(prefix + strings.ToValidUTF8(scanner.Text(), "�"))
	}
	return scanner.Err()
}

// splitLines is bufio.ScanLines, except that a line reaching maxLen is returned without waiting for its newline.
func splitLines(maxLen int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := bufio.ScanLines(data, atEOF)
		if err == nil && token == nil && !atEOF && len(data) >= maxLen {
			return maxLen, data[:maxLen], nil
		}
		return advance, token, err
	}
}
