// Package transport owns the measurement process: it spawns the external
// colorimetry tool under a pseudo-terminal, normalizes its output into lines,
// and exposes blocking pattern waits with timeouts. It is the only reader and
// writer of the tool's combined output stream.
package transport

import (
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
)

// Pattern is one recognizer: a named regular expression tested against
// normalized output lines.
type Pattern struct {
	Name string
	Expr *regexp.Regexp
}

// Match reports which pattern fired, on which line, with its submatches.
type Match struct {
	Name     string
	Line     string
	Captures []string
}

// ptyStart is a seam so tests can spawn without a real pty.
var ptyStart = func(cmd *exec.Cmd) (*os.File, error) { return pty.Start(cmd) }

type Transport struct {
	mu sync.Mutex

	cmd    *exec.Cmd
	w      io.Writer
	closer io.Closer

	// Normalized completed lines, append-only. consumed is the index of the
	// first line no wait has looked at yet.
	acc      []string
	consumed int
	// Current unterminated line (e.g. a prompt without a trailing newline)
	// and, if a wait matched it, its content so the reader can drop the
	// duplicate once the line completes.
	partial        string
	matchedPartial string

	recent  *lineRing
	closed  bool
	exitErr error

	notify chan struct{}
	done   chan struct{}
}

// Start spawns the measurement tool attached to a pty. dir and env must match
// the instrument driver's expectations (device permissions, locale).
func Start(command string, args []string, env []string, dir string) (*Transport, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}

	f, err := ptyStart(cmd)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"command": command,
		"args":    args,
		"pid":     cmd.Process.Pid,
	}).Debug("measurement process started")

	return newTransport(f, f, cmd, f), nil
}

// newTransport wires a transport over an arbitrary duplex channel. Tests use
// it with in-memory pipes.
func newTransport(r io.Reader, w io.Writer, cmd *exec.Cmd, closer io.Closer) *Transport {
	t := &Transport{
		cmd:    cmd,
		w:      w,
		closer: closer,
		recent: newLineRing(64),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go t.readLoop(r)
	return t
}

func (t *Transport) readLoop(r io.Reader) {
	norm := &lineNormalizer{}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines := norm.Feed(buf[:n])
			t.mu.Lock()
			for _, line := range lines {
				t.appendLineLocked(line)
			}
			t.partial, _ = norm.Peek()
			t.mu.Unlock()
			t.wake()
		}
		if err != nil {
			break
		}
	}

	// Stream ended: the process exited or the channel closed underneath us.
	var exitErr error
	if t.cmd != nil {
		exitErr = t.cmd.Wait()
	}

	t.mu.Lock()
	if line, ok := norm.Flush(); ok {
		t.appendLineLocked(line)
	}
	t.partial = ""
	t.closed = true
	t.exitErr = exitErr
	t.mu.Unlock()
	t.wake()
	close(t.done)
}

func (t *Transport) appendLineLocked(line string) {
	if t.matchedPartial != "" && line == t.matchedPartial {
		// This line was already consumed while it was a partial prompt.
		t.matchedPartial = ""
		return
	}
	t.acc = append(t.acc, line)
	t.recent.Append(line)
}

func (t *Transport) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// SendLine writes one line to the measurement tool.
func (t *Transport) SendLine(text string) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return &TransportFault{Reason: "channel closed"}
	}
	if _, err := io.WriteString(t.w, text+"\n"); err != nil {
		return &TransportFault{Reason: "write failed", Err: err}
	}
	return nil
}

// WaitForPattern blocks until one of the patterns matches an output line, the
// timeout elapses, or the process exits. Patterns are tested in order against
// each line, so callers control recognizer precedence by ordering.
func (t *Transport) WaitForPattern(patterns []Pattern, timeout time.Duration) (*Match, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		if m := t.scanLocked(patterns); m != nil {
			t.mu.Unlock()
			return m, nil
		}
		if t.closed {
			err := t.exitErr
			t.mu.Unlock()
			return nil, &TransportFault{Reason: "process exited unexpectedly", Err: err}
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-timer.C:
			return nil, &TimeoutError{After: timeout}
		}
	}
}

// scanLocked walks unconsumed lines (then the current partial line) against
// the pattern list. Matched lines and everything before them are consumed;
// unmatched noise is skipped but stays in the recent ring.
func (t *Transport) scanLocked(patterns []Pattern) *Match {
	for i := t.consumed; i < len(t.acc); i++ {
		line := t.acc[i]
		for _, p := range patterns {
			if sub := p.Expr.FindStringSubmatch(line); sub != nil {
				t.consumed = i + 1
				return &Match{Name: p.Name, Line: line, Captures: sub[1:]}
			}
		}
	}
	t.consumed = len(t.acc)

	// Prompts usually do not end with a newline; match the partial too.
	if t.partial != "" && t.partial != t.matchedPartial {
		for _, p := range patterns {
			if sub := p.Expr.FindStringSubmatch(t.partial); sub != nil {
				t.matchedPartial = t.partial
				return &Match{Name: p.Name, Line: t.partial, Captures: sub[1:]}
			}
		}
	}
	return nil
}

// Recent returns up to n recent output lines, oldest first. Used to build
// human-readable failure summaries.
func (t *Transport) Recent(n int) []string {
	return t.recent.LastN(n)
}

// Alive reports whether the process (or test channel) is still open.
func (t *Transport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Terminate stops the measurement process: SIGTERM first, escalating to
// SIGKILL after the grace period. It returns once the process is reaped (or
// the channel is closed, for transports without a process).
func (t *Transport) Terminate(grace time.Duration) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}

	if t.cmd == nil || t.cmd.Process == nil {
		if t.closer != nil {
			_ = t.closer.Close()
		}
		<-t.done
		return nil
	}

	logrus.WithField("pid", t.cmd.Process.Pid).Debug("terminating measurement process")
	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logrus.WithError(err).Debug("SIGTERM failed, killing")
		_ = t.cmd.Process.Kill()
	}

	select {
	case <-t.done:
	case <-time.After(grace):
		logrus.WithField("pid", t.cmd.Process.Pid).Warn("measurement process did not exit in time, killing")
		if err := t.cmd.Process.Kill(); err != nil {
			logrus.WithError(err).Error("failed to kill measurement process")
		}
		<-t.done
	}

	if t.closer != nil {
		_ = t.closer.Close()
	}
	return nil
}
