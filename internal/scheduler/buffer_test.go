package scheduler

import (
	"bytes"
	"testing"
)

func TestBufferAppendCopiesAndIndexes(t *testing.T) {
	b := NewBuffer()
	data := []byte("abc")
	first := b.Append(data, true)
	data[0] = 'x'
	second := b.Append([]byte("de"), false)

	if first.Index != 0 || second.Index != 1 {
		t.Fatalf("unexpected indexes %d, %d", first.Index, second.Index)
	}
	if string(first.Data) != "abc" {
		t.Fatalf("chunk mutated through caller slice: %q", first.Data)
	}
	if b.Len() != 2 || b.Size() != 5 {
		t.Fatalf("unexpected len=%d size=%d", b.Len(), b.Size())
	}
	if b.HeaderCount() != 1 {
		t.Fatalf("expected 1 header chunk, got %d", b.HeaderCount())
	}
}

func TestBufferAssemble(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("H"), true)
	b.Append([]byte("a"), false)
	b.Append([]byte("b"), false)
	b.Append([]byte("c"), false)

	cases := []struct {
		from, to int
		want     string
	}{
		{0, 4, "Habc"},
		{0, 2, "Ha"},
		{2, 4, "Hbc"},
		{3, 10, "Hc"},
	}
	for _, tc := range cases {
		if got := b.Assemble(tc.from, tc.to); !bytes.Equal(got, []byte(tc.want)) {
			t.Fatalf("Assemble(%d, %d) = %q, want %q", tc.from, tc.to, got, tc.want)
		}
	}

	b.Reset()
	if b.Len() != 0 || b.Size() != 0 {
		t.Fatalf("expected empty buffer after reset")
	}
}
