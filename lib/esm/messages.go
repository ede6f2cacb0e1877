package esm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// handlerTimeout bounds module-initiated handler executions.
const handlerTimeout = 30 * time.Second

// handleMessages drives the message loop: it settles the manifest slot,
// routes responses to pending requests, and dispatches module-initiated
// traffic to registered handlers.
func (l *Loader) handleMessages() {
	defer l.wg.Done()
	defer func() {
		l.requestMutex.Lock()
		defer l.requestMutex.Unlock()
		// Closing keeps any buffered response: the waiting caller drains
		// it first, then observes the closure.
		for id, ch := range l.pendingRequests {
			close(ch)
			delete(l.pendingRequests, id)
		}
	}()
	defer l.rejectIfPending()

	recv, err := l.node().ReadMessage(l.loadCtx)
	if err != nil {
		return
	}

	for {
		select {
		case <-l.loadCtx.Done():
			return
		case mesg, ok := <-recv:
			if !ok {
				return
			}

			var header Header
			if err := header.UnmarshalBinary(mesg.Data); err != nil {
				l.logger.Debug("skipping malformed message", zap.Error(err))
				continue
			}

			switch header.Name {
			case msgManifest:
				l.handleManifest(header.Payload)
				continue
			case msgInitError:
				l.manifest.Reject(&InitError{Message: string(header.Payload)})
				continue
			case msgShutdownAck:
				select {
				case l.shutdownAck <- struct{}{}:
				default:
				}
				continue
			case msgForceShutdownAck:
				select {
				case l.forceShutdownAck <- struct{}{}:
				default:
				}
				continue
			}

			// Responses to pending loader requests.
			if mesg.Sequence != 0 && (header.MessageType == MessageTypeResponse || header.MessageType == MessageTypeError) {
				l.requestMutex.RLock()
				responseChan, exists := l.pendingRequests[mesg.Sequence]
				l.requestMutex.RUnlock()

				if exists {
					select {
					case responseChan <- mesg.Data:
					case <-l.loadCtx.Done():
						return
					default:
						// Buffer full, caller gave up already.
					}
					continue
				}
			}

			// Module-initiated requests that expect a response.
			if header.MessageType == MessageTypeRequest && mesg.Sequence != 0 {
				if handler, exists := l.getRequestHandler(header.Name); exists {
					go l.dispatchRequest(handler, header, mesg.Sequence)
					continue
				}
			}

			// Module-initiated notifications.
			if header.MessageType == MessageTypeNotify || header.MessageType == MessageTypeAck {
				if handler, exists := l.getMessageHandler(header.Name); exists {
					go l.dispatchNotify(handler, header)
				}
			}
			// Messages with no registered handler are dropped.
		}
	}
}

// handleManifest settles the load with the announced namespace, or rejects
// it when the manifest is malformed.
func (l *Loader) handleManifest(payload []byte) {
	ns, err := parseNamespace(payload)
	if err != nil {
		if l.manifest.Reject(err) {
			l.logger.Warn("rejecting load", zap.Error(err))
		}
		return
	}

	if l.manifest.Resolve(ns) {
		l.logger.Info("module loaded",
			zap.String("name", ns.Name),
			zap.String("version", ns.Version),
			zap.Int("exports", len(ns.Exports)))
	}
}

// rejectIfPending fails the load when the message loop ends before the
// module announced itself.
func (l *Loader) rejectIfPending() {
	if l.manifest.Settled() {
		return
	}

	err := fmt.Errorf("module channel closed before manifest")
	if proc := l.process(); proc != nil {
		if stderr := proc.Stderr(); len(stderr) > 0 {
			err = fmt.Errorf("%w; stderr: %s", err, stderr)
		}
	}
	l.manifest.Reject(err)
}

func (l *Loader) dispatchRequest(handler RequestHandler, header Header, seq uint32) {
	ctx, cancel := context.WithTimeout(l.loadCtx, handlerTimeout)
	defer cancel()

	responsePayload, isError, err := handler.HandleRequest(ctx, header)
	if err != nil {
		errorMsg := fmt.Sprintf("request handler error for %q: %v", header.Name, err)
		if sendErr := l.sendWithSequence(ctx, seq, header.Name+"_response", []byte(errorMsg), true); sendErr != nil {
			l.logger.Warn("failed to send handler error response", zap.Error(sendErr))
		}
		return
	}

	if sendErr := l.sendWithSequence(ctx, seq, header.Name+"_response", responsePayload, isError); sendErr != nil {
		l.logger.Warn("failed to send handler response", zap.Error(sendErr))
	}
}

func (l *Loader) dispatchNotify(handler MessageHandler, header Header) {
	ctx, cancel := context.WithTimeout(l.loadCtx, handlerTimeout)
	defer cancel()

	if err := handler.Handle(ctx, header); err != nil {
		l.logger.Warn("message handler failed",
			zap.String("name", header.Name),
			zap.Error(err))
	}
}
