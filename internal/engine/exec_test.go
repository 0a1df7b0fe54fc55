package engine

import (
	"strings"
	"testing"
)

func TestLimitedWriterUnderLimit(t *testing.T) {
	w := newLimitedWriter(16)
	n, err := w.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = (%d, %v)", n, err)
	}
	if w.String() != "hello" || w.truncated {
		t.Errorf("String() = %q, truncated = %v", w.String(), w.truncated)
	}
}

func TestLimitedWriterTruncates(t *testing.T) {
	w := newLimitedWriter(8)
	n, err := w.Write([]byte("0123456789"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	// The writer must claim the full count so io.Copy keeps draining.
	if n != 10 {
		t.Errorf("n = %d, want 10", n)
	}
	if w.String() != "01234567" {
		t.Errorf("String() = %q, want first 8 bytes", w.String())
	}
	if !w.truncated {
		t.Error("truncated = false")
	}

	// Writes past the limit are swallowed without error.
	n, err = w.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Errorf("post-limit Write = (%d, %v)", n, err)
	}
	if w.String() != "01234567" {
		t.Errorf("buffer grew past the limit: %q", w.String())
	}
}

func TestLimitedWriterExactLimit(t *testing.T) {
	w := newLimitedWriter(4)
	if _, err := w.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if w.truncated {
		t.Error("exact-limit write marked truncated")
	}
	if _, err := w.Write(nil); err != nil {
		t.Fatal(err)
	}
	if w.truncated {
		t.Error("empty write after exact limit marked truncated")
	}
}

func TestLimitedWriterLargeStream(t *testing.T) {
	w := newLimitedWriter(maxOutputBytes)
	chunk := []byte(strings.Repeat("x", 64<<10))
	for i := 0; i < 32; i++ { // 2 MiB total
		if _, err := w.Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	if len(w.String()) != maxOutputBytes {
		t.Errorf("retained %d bytes, want %d", len(w.String()), maxOutputBytes)
	}
	if !w.truncated {
		t.Error("truncated = false for oversized stream")
	}
}
