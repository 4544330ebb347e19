package mesh

import (
	"bytes"
	"testing"
	"time"

	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

func testFragmentManager() *FragmentManager {
	return NewFragmentManager(469, 8, 1<<20, time.Minute)
}

func TestSplitAndReassemble(t *testing.T) {
	fm := testFragmentManager()
	sender := protocol.GeneratePeerID()

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i)
	}

	frags := fm.Split(protocol.MsgTypeMessage, payload)
	if len(frags) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(frags))
	}
	for _, f := range frags {
		if protocol.FragmentHeaderSize+len(f.Data) > 469 {
			t.Fatalf("fragment %d exceeds the size bound", f.Index)
		}
	}

	var got []byte
	var origType uint8
	for i, f := range frags {
		out, typ, complete, err := fm.Add(sender, f)
		if err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
		if complete != (i == len(frags)-1) {
			t.Fatalf("fragment %d: complete=%v", i, complete)
		}
		if complete {
			got, origType = out, typ
		}
	}

	if !bytes.Equal(got, payload) {
		t.Fatal("reassembled payload differs from original")
	}
	if origType != protocol.MsgTypeMessage {
		t.Fatalf("original type 0x%02x, want 0x%02x", origType, protocol.MsgTypeMessage)
	}
	if fm.ActiveAssemblies() != 0 {
		t.Fatal("completed assembly not discarded")
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	fm := testFragmentManager()
	sender := protocol.GeneratePeerID()

	payload := make([]byte, 1500)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	frags := fm.Split(protocol.MsgTypeNoiseEncrypted, payload)

	// Deliver back to front
	var got []byte
	for i := len(frags) - 1; i >= 0; i-- {
		out, _, complete, err := fm.Add(sender, frags[i])
		if err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
		if complete {
			got = out
		}
	}

	if !bytes.Equal(got, payload) {
		t.Fatal("out-of-order reassembly produced wrong payload")
	}
}

func TestDuplicateFragmentDoesNotComplete(t *testing.T) {
	fm := testFragmentManager()
	sender := protocol.GeneratePeerID()

	frags := fm.Split(protocol.MsgTypeMessage, make([]byte, 1200))
	if len(frags) < 3 {
		t.Fatalf("need at least 3 fragments, got %d", len(frags))
	}

	fm.Add(sender, frags[0])
	fm.Add(sender, frags[1])

	// Replaying an index must not count toward completion
	_, _, complete, err := fm.Add(sender, frags[1])
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Fatal("assembly completed with a missing fragment")
	}
}

func TestSendersDoNotShareGroups(t *testing.T) {
	fm := testFragmentManager()
	a := protocol.GeneratePeerID()
	b := protocol.GeneratePeerID()

	frags := fm.Split(protocol.MsgTypeMessage, make([]byte, 900))
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}

	fm.Add(a, frags[0])
	_, _, complete, err := fm.Add(b, frags[1])
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Fatal("fragments from different senders completed one assembly")
	}
}

func TestOversizedAssemblyRejected(t *testing.T) {
	fm := NewFragmentManager(469, 8, 500, time.Minute)
	sender := protocol.GeneratePeerID()

	frags := fm.Split(protocol.MsgTypeMessage, make([]byte, 1200))

	var lastErr error
	for _, f := range frags {
		if _, _, _, err := fm.Add(sender, f); err != nil {
			lastErr = err
			break
		}
	}

	if lastErr != ErrFragmentTooLarge {
		t.Fatalf("got %v, want ErrFragmentTooLarge", lastErr)
	}
	if fm.ActiveAssemblies() != 0 {
		t.Fatal("oversized assembly not discarded")
	}
}

func TestAssemblyCapEvictsOldest(t *testing.T) {
	fm := NewFragmentManager(469, 2, 1<<20, time.Minute)
	sender := protocol.GeneratePeerID()

	for i := 0; i < 3; i++ {
		frags := fm.Split(protocol.MsgTypeMessage, make([]byte, 1200))
		fm.Add(sender, frags[0])
	}

	if fm.ActiveAssemblies() > 2 {
		t.Fatalf("%d assemblies live past the cap", fm.ActiveAssemblies())
	}
}
