// Package esm implements asynchronous module loading. A module is an
// external executable that, once started, announces its namespace (name,
// version and export payloads) over a framed stdio channel. Loading never
// blocks the caller: BeginLoad returns a result slot that the message loop
// settles when the module's manifest arrives or the load fails.
package esm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType represents the type of message being sent.
type MessageType uint8

const (
	MessageTypeRequest  MessageType = 0x01 // expects a response
	MessageTypeResponse MessageType = 0x02 // response to a request
	MessageTypeNotify   MessageType = 0x03 // no response expected
	MessageTypeAck      MessageType = 0x04 // acknowledgment
	MessageTypeError    MessageType = 0x05 // error response
)

// String returns the string representation of MessageType.
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeRequest:
		return "Request"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeNotify:
		return "Notify"
	case MessageTypeAck:
		return "Ack"
	case MessageTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Built-in message names exchanged between loader and module.
const (
	msgManifest         = "manifest"
	msgInitError        = "init_error"
	msgShutdown         = "shutdown"
	msgShutdownAck      = "shutdown_ack"
	msgForceShutdown    = "force_shutdown"
	msgForceShutdownAck = "force_shutdown_ack"
	msgLog              = "log"
)

// Header is the message envelope: a named channel, an error flag, the
// message type, and the payload.
type Header struct {
	Name        string
	IsError     bool
	MessageType MessageType
	Payload     []byte
}

// MarshalBinary encodes the header into binary format.
func (h *Header) MarshalBinary() ([]byte, error) {
	var buffer bytes.Buffer

	nameBytes := []byte(h.Name)
	nameLen := uint32(len(nameBytes))

	if err := binary.Write(&buffer, binary.BigEndian, nameLen); err != nil {
		return nil, fmt.Errorf("failed to write name length: %w", err)
	}
	if _, err := buffer.Write(nameBytes); err != nil {
		return nil, fmt.Errorf("failed to write name: %w", err)
	}

	var isErrorByte byte
	if h.IsError {
		isErrorByte = 1
	}
	if err := binary.Write(&buffer, binary.BigEndian, isErrorByte); err != nil {
		return nil, fmt.Errorf("failed to write IsError flag: %w", err)
	}

	if err := binary.Write(&buffer, binary.BigEndian, uint8(h.MessageType)); err != nil {
		return nil, fmt.Errorf("failed to write message type: %w", err)
	}

	payloadLen := uint32(len(h.Payload))
	if err := binary.Write(&buffer, binary.BigEndian, payloadLen); err != nil {
		return nil, fmt.Errorf("failed to write payload length: %w", err)
	}
	if _, err := buffer.Write(h.Payload); err != nil {
		return nil, fmt.Errorf("failed to write payload: %w", err)
	}

	return buffer.Bytes(), nil
}

// UnmarshalBinary decodes the header from binary format.
func (h *Header) UnmarshalBinary(data []byte) error {
	buffer := bytes.NewReader(data)

	var nameLen uint32
	if err := binary.Read(buffer, binary.BigEndian, &nameLen); err != nil {
		return fmt.Errorf("failed to read name length: %w", err)
	}
	if int(nameLen) > buffer.Len() {
		return fmt.Errorf("name length %d exceeds remaining data", nameLen)
	}

	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(buffer, nameBytes); err != nil {
		return fmt.Errorf("failed to read name: %w", err)
	}
	h.Name = string(nameBytes)

	var isErrorByte byte
	if err := binary.Read(buffer, binary.BigEndian, &isErrorByte); err != nil {
		return fmt.Errorf("failed to read IsError flag: %w", err)
	}
	h.IsError = isErrorByte == 1

	var messageTypeByte uint8
	if err := binary.Read(buffer, binary.BigEndian, &messageTypeByte); err != nil {
		return fmt.Errorf("failed to read message type: %w", err)
	}
	h.MessageType = MessageType(messageTypeByte)

	var payloadLen uint32
	if err := binary.Read(buffer, binary.BigEndian, &payloadLen); err != nil {
		return fmt.Errorf("failed to read payload length: %w", err)
	}
	if int(payloadLen) > buffer.Len() {
		return fmt.Errorf("payload length %d exceeds remaining data", payloadLen)
	}

	h.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(buffer, h.Payload); err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	return nil
}
