package transport

import (
	"reflect"
	"testing"
)

func TestNormalizerSplitsLines(t *testing.T) {
	n := &lineNormalizer{}
	lines := n.Feed([]byte("first line\r\nsecond"))
	if !reflect.DeepEqual(lines, []string{"first line"}) {
		t.Fatalf("got %v", lines)
	}
	lines = n.Feed([]byte(" half\nthird\n"))
	if !reflect.DeepEqual(lines, []string{"second half", "third"}) {
		t.Fatalf("got %v", lines)
	}
}

func TestNormalizerStripsANSI(t *testing.T) {
	n := &lineNormalizer{}
	lines := n.Feed([]byte("\x1b[1;32mResult\x1b[0m is 1.0\n"))
	if !reflect.DeepEqual(lines, []string{"Result is 1.0"}) {
		t.Fatalf("got %v", lines)
	}
}

func TestNormalizerSpinnerBackspaces(t *testing.T) {
	n := &lineNormalizer{}
	// A typical progress spinner: char, backspace, next char...
	lines := n.Feed([]byte("|\b/\b-\b\\\bdone\n"))
	if !reflect.DeepEqual(lines, []string{"done"}) {
		t.Fatalf("got %v", lines)
	}
}

func TestNormalizerBareCRRedraw(t *testing.T) {
	n := &lineNormalizer{}
	lines := n.Feed([]byte("progress 10%\rprogress 20%\rprogress 100%\n"))
	want := []string{"progress 10%", "progress 20%", "progress 100%"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("got %v, want %v", lines, want)
	}
}

func TestNormalizerPeekAndFlush(t *testing.T) {
	n := &lineNormalizer{}
	n.Feed([]byte("Press any key to continue: "))
	if p, ok := n.Peek(); !ok || p != "Press any key to continue:" {
		t.Fatalf("Peek = %q, %v", p, ok)
	}
	// Peek must not consume.
	if p, ok := n.Peek(); !ok || p == "" {
		t.Fatalf("second Peek = %q, %v", p, ok)
	}
	if l, ok := n.Flush(); !ok || l != "Press any key to continue:" {
		t.Fatalf("Flush = %q, %v", l, ok)
	}
	if _, ok := n.Flush(); ok {
		t.Fatal("Flush after Flush should be empty")
	}
}

func TestNormalizerDropsControlChars(t *testing.T) {
	n := &lineNormalizer{}
	lines := n.Feed([]byte("a\x07b\x01c\td\n"))
	if !reflect.DeepEqual(lines, []string{"abc d"}) {
		t.Fatalf("got %v", lines)
	}
}
