package esm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SamGoody/require-esm-in-cjs/lib/future"
	"github.com/SamGoody/require-esm-in-cjs/lib/multiplexer"
	"github.com/SamGoody/require-esm-in-cjs/lib/process"
)

// MessageHandler handles notification messages initiated by the module.
type MessageHandler interface {
	Handle(ctx context.Context, header Header) error
}

// RequestHandler handles module-initiated requests that expect a response.
type RequestHandler interface {
	HandleRequest(ctx context.Context, header Header) (responsePayload []byte, isError bool, err error)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, header Header) error

// Handle implements MessageHandler.
func (f MessageHandlerFunc) Handle(ctx context.Context, header Header) error {
	return f(ctx, header)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, header Header) (responsePayload []byte, isError bool, err error)

// HandleRequest implements RequestHandler.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, header Header) (responsePayload []byte, isError bool, err error) {
	return f(ctx, header)
}

// Loader owns one asynchronous module load and, after settlement, the
// communication channel to the running module.
type Loader struct {
	Path string

	id       string
	provider CommunicationProvider

	// channelMu guards mux and proc, which the load goroutine publishes
	// while Close and ForceClose may already be reading them.
	channelMu sync.Mutex
	mux       *multiplexer.Node
	proc      *process.Process

	manifest *future.Future[*Namespace]
	started  atomic.Bool

	requestID       atomic.Uint32
	pendingRequests map[uint32]chan []byte
	requestMutex    sync.RWMutex

	loadCtx    context.Context
	cancelLoad context.CancelFunc
	closed     atomic.Bool
	wg         sync.WaitGroup

	processExited atomic.Bool

	shutdownAck      chan struct{}
	forceShutdownAck chan struct{}

	messageHandlers map[string]MessageHandler
	requestHandlers map[string]RequestHandler
	handlerMutex    sync.RWMutex

	handshakeTimeout time.Duration
	logger           *zap.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithProvider sets the communication provider. The default forks the
// module executable and talks over its stdio pipes.
func WithProvider(p CommunicationProvider) LoaderOption {
	return func(l *Loader) {
		l.provider = p
	}
}

// WithHandshakeTimeout bounds how long the loader waits for the module's
// manifest after the channel opens. Zero disables the bound.
func WithHandshakeTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.handshakeTimeout = d
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a loader for the module executable at path. The load
// itself does not start until BeginLoad.
func NewLoader(path string, opts ...LoaderOption) *Loader {
	l := &Loader{
		Path:             path,
		id:               newInstanceID(),
		provider:         &ProcessProvider{},
		manifest:         future.New[*Namespace](),
		pendingRequests:  make(map[uint32]chan []byte),
		shutdownAck:      make(chan struct{}, 1),
		forceShutdownAck: make(chan struct{}, 1),
		messageHandlers:  make(map[string]MessageHandler),
		requestHandlers:  make(map[string]RequestHandler),
		handshakeTimeout: 10 * time.Second,
		logger:           zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	l.logger = l.logger.With(zap.String("module", path), zap.String("load_id", l.id))
	l.registerBuiltinHandlers()

	return l
}

// node returns the message channel, or nil while the provider is still
// opening.
func (l *Loader) node() *multiplexer.Node {
	l.channelMu.Lock()
	defer l.channelMu.Unlock()
	return l.mux
}

// process returns the forked process, or nil when the provider does not
// fork one or has not opened yet.
func (l *Loader) process() *process.Process {
	l.channelMu.Lock()
	defer l.channelMu.Unlock()
	return l.proc
}

// ID returns the unique ID assigned to this load.
func (l *Loader) ID() string {
	return l.id
}

// Manifest returns the result slot for this load. It is pending until
// BeginLoad has been called and the module announced its namespace or the
// load failed.
func (l *Loader) Manifest() *future.Future[*Namespace] {
	return l.manifest
}

// BeginLoad starts the asynchronous load and returns its result slot
// without waiting. The first call starts the load; subsequent calls return
// the same slot. ctx bounds the lifetime of the module channel, not the
// handshake; pass a context that outlives the intended use of the module.
func (l *Loader) BeginLoad(ctx context.Context) *future.Future[*Namespace] {
	if !l.started.CompareAndSwap(false, true) {
		return l.manifest
	}
	if l.closed.Load() {
		l.manifest.Reject(ErrClosed)
		return l.manifest
	}

	l.loadCtx, l.cancelLoad = context.WithCancel(ctx)
	go l.load()

	return l.manifest
}

// load opens the channel and starts the message loop. The loop (or the
// handshake timer) settles the manifest slot.
func (l *Loader) load() {
	reader, writer, err := l.provider.Open(l.loadCtx, l.Path)
	if err != nil {
		l.logger.Warn("module channel open failed", zap.Error(err))
		l.manifest.Reject(fmt.Errorf("failed to open module channel: %w", err))
		l.cancelLoad()
		return
	}

	l.channelMu.Lock()
	l.mux = multiplexer.New(reader, writer)
	l.channelMu.Unlock()

	if pp, ok := l.provider.(*ProcessProvider); ok {
		l.channelMu.Lock()
		l.proc = pp.Process()
		l.channelMu.Unlock()
		l.wg.Add(1)
		go l.monitorProcess()
	}

	l.wg.Add(1)
	go l.handleMessages()

	if l.handshakeTimeout > 0 {
		l.wg.Add(1)
		go l.watchHandshake()
	}
}

// watchHandshake rejects the manifest if the module does not announce
// itself in time.
func (l *Loader) watchHandshake() {
	defer l.wg.Done()

	timer := time.NewTimer(l.handshakeTimeout)
	defer timer.Stop()

	select {
	case <-l.manifest.Done():
	case <-l.loadCtx.Done():
	case <-timer.C:
		if l.manifest.Reject(fmt.Errorf("timeout waiting for module manifest after %s", l.handshakeTimeout)) {
			l.logger.Warn("module handshake timed out", zap.Duration("timeout", l.handshakeTimeout))
			l.cancelLoad()
		}
	}
}

// monitorProcess watches the forked process and fails the load if it exits
// before settlement.
func (l *Loader) monitorProcess() {
	defer l.wg.Done()

	proc := l.process()
	waitErr := proc.Wait()
	l.processExited.Store(true)

	if !l.manifest.Settled() {
		stderr := proc.Stderr()
		err := fmt.Errorf("module process exited before announcing its manifest")
		if waitErr != nil {
			err = fmt.Errorf("module process failed: %w", waitErr)
		}
		if len(stderr) > 0 {
			err = fmt.Errorf("%w; stderr: %s", err, stderr)
		}
		l.manifest.Reject(err)
	}

	if !l.closed.Load() {
		l.closed.Store(true)
		if l.cancelLoad != nil {
			l.cancelLoad()
		}
	}
}

// IsAlive reports whether the module channel is still usable.
func (l *Loader) IsAlive() bool {
	return !l.processExited.Load() && !l.closed.Load()
}

// Close shuts the loader down gracefully: it asks the module to shut down,
// waits briefly for the acknowledgment, then tears the channel down.
func (l *Loader) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("loader already closed")
	}

	l.manifest.Reject(ErrClosed)

	var closeErr error

	if mux := l.node(); mux != nil && l.loadCtx != nil {
		shutdownHeader := Header{
			Name:        msgShutdown,
			MessageType: MessageTypeRequest,
		}

		if data, err := shutdownHeader.MarshalBinary(); err == nil {
			if l.sendBounded(mux, data, 500*time.Millisecond) {
				select {
				case <-l.shutdownAck:
				case <-time.After(2 * time.Second):
					l.logger.Warn("module did not acknowledge shutdown")
				}
			}
		}
	}

	if l.cancelLoad != nil {
		l.cancelLoad()
	}

	closeErr = l.provider.Close()

	l.drainGoroutines(2 * time.Second)
	return closeErr
}

// ForceClose tears the loader down without waiting for a graceful
// shutdown.
func (l *Loader) ForceClose() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("loader already closed")
	}

	l.manifest.Reject(ErrClosed)

	if mux := l.node(); mux != nil && l.loadCtx != nil {
		forceHeader := Header{
			Name:        msgForceShutdown,
			MessageType: MessageTypeRequest,
		}

		if data, err := forceHeader.MarshalBinary(); err == nil {
			if l.sendBounded(mux, data, 200*time.Millisecond) {
				select {
				case <-l.forceShutdownAck:
				case <-time.After(500 * time.Millisecond):
				}
			}
		}
	}

	if l.cancelLoad != nil {
		l.cancelLoad()
	}

	closeErr := l.provider.Close()

	l.drainGoroutines(500 * time.Millisecond)
	return closeErr
}

// sendBounded writes a teardown message without letting a peer that
// stopped reading block Close forever. Pipe writes ignore the context, so
// the write runs in its own goroutine; an abandoned write unblocks when
// the provider closes the channel.
func (l *Loader) sendBounded(mux *multiplexer.Node, data []byte, bound time.Duration) bool {
	sendCtx, cancel := context.WithTimeout(context.Background(), bound)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- mux.WriteMessage(sendCtx, data)
	}()

	select {
	case err := <-done:
		return err == nil
	case <-sendCtx.Done():
		return false
	}
}

// drainGoroutines waits for the loader's goroutines with an upper bound.
func (l *Loader) drainGoroutines(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Warn("loader goroutines did not drain in time", zap.Duration("timeout", timeout))
	}
}
