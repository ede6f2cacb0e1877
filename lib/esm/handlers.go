package esm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RegisterMessageHandler registers a handler for module-initiated
// notifications with the given name.
func (l *Loader) RegisterMessageHandler(name string, handler MessageHandler) error {
	l.handlerMutex.Lock()
	defer l.handlerMutex.Unlock()

	if _, exists := l.messageHandlers[name]; exists {
		return fmt.Errorf("message handler for %q already registered", name)
	}

	l.messageHandlers[name] = handler
	return nil
}

// RegisterRequestHandler registers a handler for module-initiated requests
// with the given name.
func (l *Loader) RegisterRequestHandler(name string, handler RequestHandler) error {
	l.handlerMutex.Lock()
	defer l.handlerMutex.Unlock()

	if _, exists := l.requestHandlers[name]; exists {
		return fmt.Errorf("request handler for %q already registered", name)
	}

	l.requestHandlers[name] = handler
	return nil
}

func (l *Loader) getMessageHandler(name string) (MessageHandler, bool) {
	l.handlerMutex.RLock()
	defer l.handlerMutex.RUnlock()
	handler, ok := l.messageHandlers[name]
	return handler, ok
}

func (l *Loader) getRequestHandler(name string) (RequestHandler, bool) {
	l.handlerMutex.RLock()
	defer l.handlerMutex.RUnlock()
	handler, ok := l.requestHandlers[name]
	return handler, ok
}

// registerBuiltinHandlers wires the handlers every loader carries: module
// log lines are forwarded to the loader's structured logger.
func (l *Loader) registerBuiltinHandlers() {
	l.messageHandlers[msgLog] = MessageHandlerFunc(func(ctx context.Context, header Header) error {
		if header.IsError {
			l.logger.Warn("module log", zap.ByteString("message", header.Payload))
		} else {
			l.logger.Info("module log", zap.ByteString("message", header.Payload))
		}
		return nil
	})
}
