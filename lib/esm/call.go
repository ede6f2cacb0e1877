package esm

import (
	"context"
	"fmt"

	"github.com/SamGoody/require-esm-in-cjs/lib/future"
)

// Call sends a request to the loaded module's export handler and waits for
// its response. It requires a settled load; use it for exports the module
// serves as callable services rather than static payloads.
func Call(ctx context.Context, l *Loader, name string, requestPayload []byte) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	mux := l.node()
	if l.manifest.State() != future.Fulfilled || mux == nil {
		return nil, ErrNotLoaded
	}

	requestHeader := Header{
		Name:        name,
		MessageType: MessageTypeRequest,
		Payload:     requestPayload,
	}

	headerData, err := requestHeader.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}

	requestID := l.generateRequestID()

	l.requestMutex.Lock()
	if l.closed.Load() {
		l.requestMutex.Unlock()
		return nil, fmt.Errorf("loader closed before dispatching request: %w", ErrClosed)
	}

	responseChan := make(chan []byte, 1)
	l.pendingRequests[requestID] = responseChan
	l.requestMutex.Unlock()

	defer func() {
		l.requestMutex.Lock()
		delete(l.pendingRequests, requestID)
		l.requestMutex.Unlock()
	}()

	if err := mux.WriteMessageWithSequence(ctx, requestID, headerData); err != nil {
		return nil, fmt.Errorf("failed to write request message: %w", err)
	}

	select {
	case responseData, ok := <-responseChan:
		if !ok {
			return nil, ErrShuttingDown
		}

		var responseHeader Header
		if err := responseHeader.UnmarshalBinary(responseData); err != nil {
			return nil, fmt.Errorf("failed to decode response header: %w", err)
		}

		if responseHeader.IsError {
			return nil, &CallError{Service: name, Message: string(responseHeader.Payload)}
		}

		return responseHeader.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.loadCtx.Done():
		return nil, ErrShuttingDown
	}
}

// Notify sends a one-way message to the module without expecting a
// response.
func (l *Loader) Notify(ctx context.Context, name string, payload []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	mux := l.node()
	if mux == nil {
		return ErrNotLoaded
	}

	header := Header{
		Name:        name,
		MessageType: MessageTypeNotify,
		Payload:     payload,
	}

	headerData, err := header.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	return mux.WriteMessage(ctx, headerData)
}

// sendWithSequence sends a response to a module-initiated request.
func (l *Loader) sendWithSequence(ctx context.Context, sequenceID uint32, name string, payload []byte, isError bool) error {
	if l.closed.Load() {
		return ErrClosed
	}
	mux := l.node()
	if mux == nil {
		return ErrNotLoaded
	}

	messageType := MessageTypeResponse
	if isError {
		messageType = MessageTypeError
	}

	header := Header{
		Name:        name,
		IsError:     isError,
		MessageType: messageType,
		Payload:     payload,
	}

	headerData, err := header.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	return mux.WriteMessageWithSequence(ctx, sequenceID, headerData)
}

// generateRequestID returns a request ID not currently in use by a pending
// request. Zero is reserved for unsequenced messages.
func (l *Loader) generateRequestID() uint32 {
	const maxAttempts = 100

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := l.requestID.Add(1)
		if id == 0 {
			continue
		}

		l.requestMutex.RLock()
		_, exists := l.pendingRequests[id]
		l.requestMutex.RUnlock()

		if !exists {
			return id
		}
	}

	return l.requestID.Load()
}
