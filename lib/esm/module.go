package esm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SamGoody/require-esm-in-cjs/lib/multiplexer"
)

// AppHandlerResult holds the result of an export handler execution.
type AppHandlerResult struct {
	Payload []byte // raw payload
	IsError bool   // true if Payload is an error payload
}

// Handler is the registered form of an export handler. The error return is
// for critical failures inside the wrapper itself, not application errors.
type Handler func(requestPayload []byte) (AppHandlerResult, error)

// Module is the guest-side runtime of a module executable. It announces the
// module's namespace when Listen starts and then serves export calls until
// it is told to shut down.
type Module struct {
	mux *multiplexer.Node

	name     string
	version  string
	instance string

	exportsLock sync.Mutex
	exports     map[string]json.RawMessage

	handler     map[string]Handler
	handlerLock sync.RWMutex

	shutdownChan      chan struct{}
	forceShutdownChan chan struct{}
	shutdownOnce      sync.Once
	forceShutdownOnce sync.Once

	activeJobs     sync.WaitGroup
	activeJobCount atomic.Int64

	logger *zap.Logger
}

// ModuleOption configures a Module.
type ModuleOption func(*Module)

// WithModuleLogger sets the guest-side structured logger. The default
// discards everything; modules communicating over stdio must not log to
// stdout.
func WithModuleLogger(logger *zap.Logger) ModuleOption {
	return func(m *Module) {
		m.logger = logger
	}
}

// NewModule creates a module runtime speaking over the given stream pair.
// Nil reader or writer default to stdin and stdout.
func NewModule(name, version string, reader io.Reader, writer io.Writer, opts ...ModuleOption) *Module {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}

	m := &Module{
		mux:               multiplexer.New(reader, writer),
		name:              name,
		version:           version,
		instance:          newInstanceID(),
		exports:           make(map[string]json.RawMessage),
		handler:           make(map[string]Handler),
		shutdownChan:      make(chan struct{}),
		forceShutdownChan: make(chan struct{}),
		logger:            zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// NewStdModule creates a module runtime over stdin and stdout.
func NewStdModule(name, version string, opts ...ModuleOption) *Module {
	return NewModule(name, version, nil, nil, opts...)
}

// SetExport declares a named export with a JSON-encodable value. Exports
// become part of the manifest sent when Listen starts.
func (m *Module) SetExport(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode export %q: %w", name, err)
	}

	m.exportsLock.Lock()
	defer m.exportsLock.Unlock()
	m.exports[name] = payload
	return nil
}

// SetDefault declares the module's default export.
func (m *Module) SetDefault(v any) error {
	return m.SetExport(DefaultExport, v)
}

// RegisterHandler registers a callable export handler for the given
// service name. It panics when a handler name is registered twice.
func RegisterHandler(m *Module, name string, handler func(requestPayload []byte) (responsePayload []byte, isAppError bool)) {
	m.handlerLock.Lock()
	defer m.handlerLock.Unlock()

	if _, exists := m.handler[name]; exists {
		panic(fmt.Sprintf("handler for %s already registered", name))
	}

	m.handler[name] = func(requestPayload []byte) (AppHandlerResult, error) {
		responseBytes, isErr := handler(requestPayload)
		return AppHandlerResult{Payload: responseBytes, IsError: isErr}, nil
	}
}

// ReportInitError tells the loader that the module failed to initialize.
// The loader rejects the load with the given message.
func (m *Module) ReportInitError(ctx context.Context, initErr error) error {
	header := Header{
		Name:        msgInitError,
		IsError:     true,
		MessageType: MessageTypeError,
		Payload:     []byte(initErr.Error()),
	}

	data, err := header.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal init error header: %w", err)
	}

	return m.mux.WriteMessage(ctx, data)
}

// Log sends a log line to the loader, where it surfaces through the host's
// structured logger.
func (m *Module) Log(ctx context.Context, message string) error {
	header := Header{
		Name:        msgLog,
		MessageType: MessageTypeNotify,
		Payload:     []byte(message),
	}

	data, err := header.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal log header: %w", err)
	}

	return m.mux.WriteMessage(ctx, data)
}

// sendManifest announces the module's namespace to the loader.
func (m *Module) sendManifest(ctx context.Context) error {
	m.exportsLock.Lock()
	ns := Namespace{
		Name:     m.name,
		Version:  m.version,
		Instance: m.instance,
		Exports:  m.exports,
	}
	payload, err := json.Marshal(&ns)
	m.exportsLock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	header := Header{
		Name:        msgManifest,
		MessageType: MessageTypeNotify,
		Payload:     payload,
	}

	data, err := header.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal manifest header: %w", err)
	}

	return m.mux.WriteMessage(ctx, data)
}

// Shutdown initiates graceful shutdown of the module.
func (m *Module) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownChan)
	})
}

// ForceShutdown initiates immediate shutdown of the module.
func (m *Module) ForceShutdown() {
	m.forceShutdownOnce.Do(func() {
		close(m.forceShutdownChan)
	})
}

// IsShutdown reports whether graceful shutdown has started.
func (m *Module) IsShutdown() bool {
	select {
	case <-m.shutdownChan:
		return true
	default:
		return false
	}
}

// ActiveJobs returns the number of export calls currently executing.
func (m *Module) ActiveJobs() int64 {
	return m.activeJobCount.Load()
}

// Listen announces the manifest and serves export calls until the context
// ends or a shutdown request arrives.
func (m *Module) Listen(ctx context.Context) error {
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recv, err := m.mux.ReadMessage(listenCtx)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	if err := m.sendManifest(listenCtx); err != nil {
		return fmt.Errorf("failed to announce manifest: %w", err)
	}

	for {
		select {
		case <-listenCtx.Done():
			return listenCtx.Err()
		case <-m.forceShutdownChan:
			return nil
		case <-m.shutdownChan:
			m.drainJobs(listenCtx)
			return nil
		case mesg, ok := <-recv:
			if !ok {
				return nil
			}

			var header Header
			if err := header.UnmarshalBinary(mesg.Data); err != nil {
				m.logger.Debug("skipping malformed message", zap.Error(err))
				continue
			}

			switch header.Name {
			case msgShutdown:
				m.Shutdown()
				m.drainJobs(listenCtx)
				m.sendAck(listenCtx, msgShutdownAck)
				return nil
			case msgForceShutdown:
				m.ForceShutdown()
				m.sendAck(listenCtx, msgForceShutdownAck)
				return nil
			}

			if header.MessageType == MessageTypeRequest && mesg.Sequence != 0 {
				m.serveRequest(listenCtx, header, mesg.Sequence)
			}
		}
	}
}

// serveRequest dispatches an export call to its registered handler in a
// tracked goroutine.
func (m *Module) serveRequest(ctx context.Context, header Header, seq uint32) {
	m.handlerLock.RLock()
	handler, exists := m.handler[header.Name]
	m.handlerLock.RUnlock()

	if !exists {
		errMsg := fmt.Sprintf("no handler registered for %q", header.Name)
		m.respond(ctx, seq, header.Name, []byte(errMsg), true)
		return
	}

	m.activeJobs.Add(1)
	m.activeJobCount.Add(1)
	go func() {
		defer m.activeJobs.Done()
		defer m.activeJobCount.Add(-1)

		result, err := handler(header.Payload)
		if err != nil {
			errMsg := fmt.Sprintf("handler failure for %q: %v", header.Name, err)
			m.respond(ctx, seq, header.Name, []byte(errMsg), true)
			return
		}

		m.respond(ctx, seq, header.Name, result.Payload, result.IsError)
	}()
}

func (m *Module) respond(ctx context.Context, seq uint32, name string, payload []byte, isError bool) {
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

	data, err := header.MarshalBinary()
	if err != nil {
		m.logger.Warn("failed to marshal response", zap.Error(err))
		return
	}

	if err := m.mux.WriteMessageWithSequence(ctx, seq, data); err != nil {
		m.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (m *Module) sendAck(ctx context.Context, name string) {
	header := Header{
		Name:        name,
		MessageType: MessageTypeAck,
	}

	data, err := header.MarshalBinary()
	if err != nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := m.mux.WriteMessage(sendCtx, data); err != nil {
		m.logger.Warn("failed to send ack", zap.String("ack", name), zap.Error(err))
	}
}

// drainJobs waits for in-flight export calls, bounded so a stuck handler
// cannot block shutdown forever.
func (m *Module) drainJobs(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.activeJobs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		m.logger.Warn("export calls did not drain before shutdown",
			zap.Int64("active", m.activeJobCount.Load()))
	}
}
