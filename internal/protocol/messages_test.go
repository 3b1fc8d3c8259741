package protocol

import "testing"

func TestSubjects(t *testing.T) {
	if got := AudioChunkSubject("abc"); got != "audio.chunk.abc" {
		t.Fatalf("unexpected audio subject %s", got)
	}
	if got := SessionControlSubject("abc"); got != "session.control.abc" {
		t.Fatalf("unexpected control subject %s", got)
	}
	if got := TranscriptSubject("abc"); got != "stt.transcript.abc" {
		t.Fatalf("unexpected transcript subject %s", got)
	}
}

func TestValidSessionID(t *testing.T) {
	for _, id := range []string{"abc", "2f1c6c1e-7d0a-4b8e-9f51-0d3c1b1f7a10"} {
		if !ValidSessionID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}
	for _, id := range []string{"", "a.b", "a*", "a>", "a b"} {
		if ValidSessionID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}
