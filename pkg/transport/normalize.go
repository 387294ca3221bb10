package transport

import (
	"regexp"
	"strings"
)

// Interactive measurement tools draw spinners with backspaces, redraw lines
// with bare carriage returns, and color output with ANSI escapes. The
// normalizer flattens all of that into plain text lines so recognizers match
// against stable content instead of byte offsets.

var ansiEscape = regexp.MustCompile(`\x1b(\[[0-9;?]*[ -/]*[@-~]|[@-_])`)

type lineNormalizer struct {
	buf strings.Builder
}

// Feed consumes a chunk of raw output and returns the lines completed by it.
// Partial trailing content stays buffered until a later chunk finishes it.
func (n *lineNormalizer) Feed(b []byte) []string {
	var lines []string
	for _, c := range b {
		switch c {
		case '\n', '\r':
			if line := n.take(); line != "" {
				lines = append(lines, line)
			}
		case '\b':
			// Backspace erases the previous character (spinner animation).
			s := n.buf.String()
			n.buf.Reset()
			if len(s) > 0 {
				n.buf.WriteString(s[:len(s)-1])
			}
		case '\t':
			n.buf.WriteByte(' ')
		default:
			if c >= 0x20 || c == 0x1b {
				n.buf.WriteByte(c)
			}
		}
	}
	return lines
}

// Peek returns the normalized view of the current partial line without
// consuming it. Prompts typically arrive without a trailing newline, so
// pattern waits must see partials too.
func (n *lineNormalizer) Peek() (string, bool) {
	line := strings.TrimSpace(ansiEscape.ReplaceAllString(n.buf.String(), ""))
	return line, line != ""
}

// Flush returns any buffered partial line. Called on stream end so a final
// unterminated prompt is still visible to recognizers.
func (n *lineNormalizer) Flush() (string, bool) {
	line := n.take()
	return line, line != ""
}

func (n *lineNormalizer) take() string {
	line := n.buf.String()
	n.buf.Reset()
	line = ansiEscape.ReplaceAllString(line, "")
	return strings.TrimSpace(line)
}
