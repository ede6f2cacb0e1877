// Package multiplexer frames discrete messages over a byte stream pair.
// Each frame carries a type, a message sequence number, and a payload
// length; messages larger than the chunk size are split into Start/Data/End
// frame runs and reassembled on the receiving side.
package multiplexer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	// frameHeaderSize is 1 byte frame type, 4 bytes sequence, 4 bytes
	// payload length.
	frameHeaderSize = 9

	frameTypeComplete = uint8(0x01) // whole message in one frame
	frameTypeStart    = uint8(0x02) // first frame of a chunked message
	frameTypeData     = uint8(0x03) // middle frame of a chunked message
	frameTypeEnd      = uint8(0x04) // last frame of a chunked message
	frameTypeAbort    = uint8(0x05) // sender abandoned a chunked message

	// ChunkSize is the maximum payload carried by a single frame.
	ChunkSize = 32 * 1024

	// MaxMessageSize caps reassembled message size.
	MaxMessageSize = 10 * 1024 * 1024
)

// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// Message is a complete reassembled message.
type Message struct {
	Sequence uint32
	Data     []byte
}

// Node frames messages over a reader/writer pair. Writes are serialized
// internally; a single ReadMessage loop owns the reader.
type Node struct {
	reader io.Reader
	writer io.Writer

	writeMu  sync.Mutex
	sequence atomic.Uint32
}

// New creates a Node over the given stream pair.
func New(reader io.Reader, writer io.Writer) *Node {
	return &Node{reader: reader, writer: writer}
}

// WriteMessage sends data with the next automatic sequence number.
func (n *Node) WriteMessage(ctx context.Context, data []byte) error {
	return n.WriteMessageWithSequence(ctx, n.sequence.Add(1), data)
}

// WriteMessageWithSequence sends data tagged with the given sequence number.
func (n *Node) WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if len(data) <= ChunkSize {
		return n.writeFrame(frameTypeComplete, seq, data)
	}

	if err := n.writeFrame(frameTypeStart, seq, data[:ChunkSize]); err != nil {
		return err
	}
	rest := data[ChunkSize:]
	for len(rest) > ChunkSize {
		if err := ctx.Err(); err != nil {
			// Receiver drops the partial message on abort.
			_ = n.writeFrame(frameTypeAbort, seq, nil)
			return err
		}
		if err := n.writeFrame(frameTypeData, seq, rest[:ChunkSize]); err != nil {
			return err
		}
		rest = rest[ChunkSize:]
	}
	return n.writeFrame(frameTypeEnd, seq, rest)
}

func (n *Node) writeFrame(frameType uint8, seq uint32, payload []byte) error {
	var header [frameHeaderSize]byte
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:5], seq)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))

	if _, err := n.writer.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := n.writer.Write(payload); err != nil {
			return fmt.Errorf("failed to write frame payload: %w", err)
		}
	}
	return nil
}

// ReadMessage starts the read loop and returns a channel of reassembled
// messages. The channel is closed when the stream ends, an unrecoverable
// read error occurs, or ctx is done.
func (n *Node) ReadMessage(ctx context.Context) (chan *Message, error) {
	const channelBuffer = 64
	ch := make(chan *Message, channelBuffer)

	go func() {
		defer close(ch)

		partial := make(map[uint32][]byte)
		done := ctx.Done()

		for {
			select {
			case <-done:
				return
			default:
			}

			var header [frameHeaderSize]byte
			if _, err := io.ReadFull(n.reader, header[:]); err != nil {
				// EOF and closed-pipe both mean the peer is gone.
				return
			}

			frameType := header[0]
			seq := binary.BigEndian.Uint32(header[1:5])
			length := binary.BigEndian.Uint32(header[5:9])

			if length > MaxMessageSize {
				return
			}

			payload := make([]byte, length)
			if _, err := io.ReadFull(n.reader, payload); err != nil {
				return
			}

			switch frameType {
			case frameTypeComplete:
				select {
				case ch <- &Message{Sequence: seq, Data: payload}:
				case <-done:
					return
				}
			case frameTypeStart:
				partial[seq] = payload
			case frameTypeData:
				buf, ok := partial[seq]
				if !ok {
					continue
				}
				if len(buf)+len(payload) > MaxMessageSize {
					delete(partial, seq)
					continue
				}
				partial[seq] = append(buf, payload...)
			case frameTypeEnd:
				buf, ok := partial[seq]
				if !ok {
					continue
				}
				delete(partial, seq)
				if len(buf)+len(payload) > MaxMessageSize {
					continue
				}
				select {
				case ch <- &Message{Sequence: seq, Data: append(buf, payload...)}:
				case <-done:
					return
				}
			case frameTypeAbort:
				delete(partial, seq)
			}
		}
	}()

	return ch, nil
}
