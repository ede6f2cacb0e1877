package multiplexer

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

func pipePair() (*Node, *Node, func()) {
	aReader, bWriter := io.Pipe()
	bReader, aWriter := io.Pipe()

	a := New(aReader, aWriter)
	b := New(bReader, bWriter)

	cleanup := func() {
		aReader.Close()
		bReader.Close()
		aWriter.Close()
		bWriter.Close()
	}
	return a, b, cleanup
}

func receiveOne(t *testing.T, ch chan *Message) *Message {
	t.Helper()

	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("message channel closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestNode_WriteRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, receiver, cleanup := pipePair()
	defer cleanup()

	recv, err := receiver.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	want := []byte("hello module")
	go func() {
		if err := sender.WriteMessage(ctx, want); err != nil {
			t.Errorf("WriteMessage failed: %v", err)
		}
	}()

	msg := receiveOne(t, recv)
	if !bytes.Equal(msg.Data, want) {
		t.Errorf("Expected %q, got %q", want, msg.Data)
	}
	if msg.Sequence == 0 {
		t.Error("Automatic sequence should start at 1")
	}
}

func TestNode_ExplicitSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, receiver, cleanup := pipePair()
	defer cleanup()

	recv, err := receiver.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	go func() {
		if err := sender.WriteMessageWithSequence(ctx, 77, []byte("tagged")); err != nil {
			t.Errorf("WriteMessageWithSequence failed: %v", err)
		}
	}()

	msg := receiveOne(t, recv)
	if msg.Sequence != 77 {
		t.Errorf("Expected sequence 77, got %d", msg.Sequence)
	}
}

func TestNode_ChunkedMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, receiver, cleanup := pipePair()
	defer cleanup()

	recv, err := receiver.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	// Three and a half chunks.
	want := make([]byte, ChunkSize*3+ChunkSize/2)
	for i := range want {
		want[i] = byte(i % 251)
	}

	go func() {
		if err := sender.WriteMessageWithSequence(ctx, 5, want); err != nil {
			t.Errorf("WriteMessageWithSequence failed: %v", err)
		}
	}()

	msg := receiveOne(t, recv)
	if msg.Sequence != 5 {
		t.Errorf("Expected sequence 5, got %d", msg.Sequence)
	}
	if !bytes.Equal(msg.Data, want) {
		t.Errorf("Chunked message corrupted: %d bytes vs %d expected", len(msg.Data), len(want))
	}
}

func TestNode_InterleavedSequences(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, receiver, cleanup := pipePair()
	defer cleanup()

	recv, err := receiver.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	go func() {
		for i := uint32(1); i <= 3; i++ {
			if err := sender.WriteMessageWithSequence(ctx, i, []byte{byte(i)}); err != nil {
				t.Errorf("write %d failed: %v", i, err)
			}
		}
	}()

	seen := map[uint32]byte{}
	for i := 0; i < 3; i++ {
		msg := receiveOne(t, recv)
		seen[msg.Sequence] = msg.Data[0]
	}

	for i := uint32(1); i <= 3; i++ {
		if seen[i] != byte(i) {
			t.Errorf("Expected payload %d for sequence %d, got %d", i, i, seen[i])
		}
	}
}

func TestNode_ReassemblyRespectsMaxSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, receiver, cleanup := pipePair()
	defer cleanup()

	recv, err := receiver.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	// A Start frame at the cap plus an End frame pushes the reassembled
	// message over MaxMessageSize; it must be dropped, not delivered.
	go func() {
		sender.writeMu.Lock()
		if err := sender.writeFrame(frameTypeStart, 9, make([]byte, MaxMessageSize)); err != nil {
			t.Errorf("start frame write failed: %v", err)
		}
		if err := sender.writeFrame(frameTypeEnd, 9, []byte{1}); err != nil {
			t.Errorf("end frame write failed: %v", err)
		}
		sender.writeMu.Unlock()

		if err := sender.WriteMessageWithSequence(ctx, 10, []byte("ok")); err != nil {
			t.Errorf("follow-up write failed: %v", err)
		}
	}()

	msg := receiveOne(t, recv)
	if msg.Sequence != 10 {
		t.Fatalf("Oversized reassembled message was delivered (sequence %d)", msg.Sequence)
	}
	if !bytes.Equal(msg.Data, []byte("ok")) {
		t.Errorf("Expected follow-up payload, got %q", msg.Data)
	}
}

func TestNode_MessageTooLarge(t *testing.T) {
	node := New(bytes.NewReader(nil), io.Discard)

	err := node.WriteMessage(context.Background(), make([]byte, MaxMessageSize+1))
	if err == nil {
		t.Fatal("Expected error for oversized message")
	}
}

func TestNode_ChannelClosesOnEOF(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := New(bytes.NewReader(nil), io.Discard)

	recv, err := node.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	select {
	case _, ok := <-recv:
		if ok {
			t.Error("Expected closed channel on EOF")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed on EOF")
	}
}

func TestNode_WriteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	node := New(bytes.NewReader(nil), io.Discard)
	if err := node.WriteMessage(ctx, []byte("late")); err == nil {
		t.Error("Expected error writing with cancelled context")
	}
}
