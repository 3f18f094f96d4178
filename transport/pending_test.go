package transport

import (
	"testing"
)

func TestPending_ImmediateSendWhenEmpty(t *testing.T) {
	var p Pending

	sent := [][]byte{}
	p.SendOrQueue([]byte("a"), func(msg []byte) bool {
		sent = append(sent, msg)
		return true
	})

	if len(sent) != 1 || string(sent[0]) != "a" {
		t.Errorf("sent = %q, want [a]", sent)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0", p.Len())
	}
}

func TestPending_QueuesOnFailure(t *testing.T) {
	var p Pending

	p.SendOrQueue([]byte("a"), func([]byte) bool { return false })
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}
}

func TestPending_FIFOPreservedWhileQueued(t *testing.T) {
	var p Pending

	p.SendOrQueue([]byte("a"), func([]byte) bool { return false })

	// A slot is free again, but "b" must queue behind "a" to keep order.
	tried := false
	p.SendOrQueue([]byte("b"), func([]byte) bool {
		tried = true
		return true
	})
	if tried {
		t.Error("send should not be attempted while older messages are queued")
	}
	if p.Len() != 2 {
		t.Fatalf("Len = %d, want 2", p.Len())
	}

	var drained []string
	p.Drain(func(msg []byte) bool {
		drained = append(drained, string(msg))
		return true
	})
	if len(drained) != 2 || drained[0] != "a" || drained[1] != "b" {
		t.Errorf("drained = %v, want [a b]", drained)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after drain, want 0", p.Len())
	}
}

func TestPending_DrainStopsAtFirstFailure(t *testing.T) {
	var p Pending

	for _, m := range []string{"a", "b", "c"} {
		p.SendOrQueue([]byte(m), func([]byte) bool { return false })
	}

	budget := 1
	p.Drain(func([]byte) bool {
		if budget == 0 {
			return false
		}
		budget--
		return true
	})

	if p.Len() != 2 {
		t.Errorf("Len = %d after partial drain, want 2", p.Len())
	}

	var rest []string
	p.Drain(func(msg []byte) bool {
		rest = append(rest, string(msg))
		return true
	})
	if len(rest) != 2 || rest[0] != "b" || rest[1] != "c" {
		t.Errorf("second drain = %v, want [b c]", rest)
	}
}

func TestPending_QueuedMessageIsCopied(t *testing.T) {
	var p Pending

	msg := []byte("original")
	p.SendOrQueue(msg, func([]byte) bool { return false })
	copy(msg, "clobber!")

	p.Drain(func(got []byte) bool {
		if string(got) != "original" {
			t.Errorf("drained = %q, want original", got)
		}
		return true
	})
}
