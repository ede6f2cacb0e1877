// Package require presents asynchronous module loading as an ordinary
// synchronous call. Require begins the asynchronous load of a module,
// blocks only the calling goroutine until the load settles, and then
// returns the module's default export or propagates the load failure as an
// error. Other goroutines, including other loads, keep making progress
// while a Require call waits.
package require

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SamGoody/require-esm-in-cjs/lib/esm"
	"github.com/SamGoody/require-esm-in-cjs/lib/future"
	"github.com/SamGoody/require-esm-in-cjs/lib/resolver"
)

// Source is one asynchronous module load. BeginLoad starts the load
// without waiting and returns its result slot; calling it again returns
// the same slot.
type Source interface {
	BeginLoad(ctx context.Context) *future.Future[*esm.Namespace]
	Close() error
}

// SourceFactory creates the Source for a resolved module path. The default
// factory forks the module executable.
type SourceFactory func(path string) Source

// Bridge gives synchronous access to asynchronous module loads.
type Bridge struct {
	factory      SourceFactory
	resolver     *resolver.Resolver
	timeout      time.Duration
	pollInterval time.Duration
	baseCtx      context.Context
	logger       *zap.Logger

	mu           sync.Mutex
	closed       bool
	cacheEnabled bool
	cache        map[string]*cacheEntry
	live         []Source
}

// ErrClosed is returned by require calls on a closed bridge.
var ErrClosed = errors.New("bridge is closed")

type cacheEntry struct {
	source Source
	fut    *future.Future[*esm.Namespace]
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout bounds each require call. Zero (the default) waits
// indefinitely for the load to settle: a module that never announces
// itself blocks the calling goroutine forever, though never the rest of
// the process.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// WithPollInterval switches the wait from a blocking settlement wait to a
// periodic re-check of the result slot at the given interval. A
// non-positive interval selects the default of 100ms. The blocking wait is
// cheaper and is the default; polling exists for callers that want
// bounded-latency reactions to external state between checks.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d <= 0 {
			d = 100 * time.Millisecond
		}
		b.pollInterval = d
	}
}

// WithCache reuses settled loads: repeated requires of one specifier share
// a single module instance. Without it every call owns an independent
// load.
func WithCache() Option {
	return func(b *Bridge) {
		b.cacheEnabled = true
	}
}

// WithResolver sets the specifier resolver.
func WithResolver(r *resolver.Resolver) Option {
	return func(b *Bridge) {
		b.resolver = r
	}
}

// WithSourceFactory replaces how module sources are created.
func WithSourceFactory(factory SourceFactory) Option {
	return func(b *Bridge) {
		b.factory = factory
	}
}

// WithBaseContext sets the context module lifetimes are bound to. Defaults
// to context.Background; per-call contexts bound only the wait, not the
// loaded module.
func WithBaseContext(ctx context.Context) Option {
	return func(b *Bridge) {
		b.baseCtx = ctx
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// New creates a Bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		resolver: resolver.New(),
		baseCtx:  context.Background(),
		logger:   zap.NewNop(),
		cache:    make(map[string]*cacheEntry),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.factory == nil {
		logger := b.logger
		b.factory = func(path string) Source {
			return esm.NewLoader(path, esm.WithLogger(logger))
		}
	}

	return b
}

// Require loads the module named by specifier and returns its default
// export. The call blocks until the asynchronous load settles; it never
// returns a pending placeholder. A module without a default export yields
// its *esm.Namespace. Failures are returned as *LoadError wrapping the
// original cause.
func (b *Bridge) Require(specifier string) (any, error) {
	return b.RequireContext(context.Background(), specifier)
}

// RequireContext is Require with a caller-controlled wait: cancelling ctx
// abandons the wait (and the load, when it is not shared through the
// cache).
func (b *Bridge) RequireContext(ctx context.Context, specifier string) (any, error) {
	ns, err := b.requireNamespace(ctx, specifier)
	if err != nil {
		return nil, err
	}

	payload, ok := ns.Default()
	if !ok {
		return ns, nil
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, &LoadError{Specifier: specifier, Err: fmt.Errorf("failed to decode default export: %w", err)}
	}
	return value, nil
}

// RequireNamespace is Require without the default-export unwrap.
func (b *Bridge) RequireNamespace(specifier string) (*esm.Namespace, error) {
	return b.requireNamespace(context.Background(), specifier)
}

// RequireAs loads a module and decodes its default export into T.
func RequireAs[T any](b *Bridge, specifier string) (T, error) {
	var value T

	ns, err := b.requireNamespace(context.Background(), specifier)
	if err != nil {
		return value, err
	}

	if err := ns.DecodeDefault(&value); err != nil {
		return value, &LoadError{Specifier: specifier, Err: err}
	}
	return value, nil
}

// Require is a one-shot convenience: it builds a Bridge, loads the module,
// and tears the bridge down again. Use a Bridge directly when the module
// must stay alive for callable exports.
func Require(specifier string, opts ...Option) (any, error) {
	b := New(opts...)
	defer b.Close()
	return b.Require(specifier)
}

func (b *Bridge) requireNamespace(ctx context.Context, specifier string) (*esm.Namespace, error) {
	path, err := b.resolver.Resolve(specifier)
	if err != nil {
		return nil, &LoadError{Specifier: specifier, Err: err}
	}

	src, fut, cached, err := b.sourceFor(specifier, path)
	if err != nil {
		return nil, &LoadError{Specifier: specifier, Err: err}
	}

	waitCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	b.logger.Debug("awaiting module load", zap.String("specifier", specifier), zap.String("path", path))

	ns, err := b.await(waitCtx, fut)
	if err != nil {
		b.logger.Warn("module load failed", zap.String("specifier", specifier), zap.Error(err))
		b.discard(specifier, src, fut, cached)
		return nil, &LoadError{Specifier: specifier, Err: err}
	}

	return ns, nil
}

// await blocks until the slot settles. In polling mode the slot state is
// re-checked every interval instead of waiting on the settlement signal.
func (b *Bridge) await(ctx context.Context, fut *future.Future[*esm.Namespace]) (*esm.Namespace, error) {
	if b.pollInterval <= 0 {
		return fut.Wait(ctx)
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if ns, err, state := fut.Peek(); state != future.Pending {
			return ns, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// sourceFor returns the load to wait on, beginning a new one unless a
// cached load exists for the specifier. Registration and the closed check
// share a critical section so a racing Close never strands a source.
func (b *Bridge) sourceFor(specifier, path string) (Source, *future.Future[*esm.Namespace], bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, false, ErrClosed
	}

	if b.cacheEnabled {
		if entry, ok := b.cache[specifier]; ok {
			return entry.source, entry.fut, true, nil
		}
	}

	src := b.factory(path)
	fut := src.BeginLoad(b.baseCtx)

	if b.cacheEnabled {
		b.cache[specifier] = &cacheEntry{source: src, fut: fut}
	} else {
		b.live = append(b.live, src)
	}

	return src, fut, b.cacheEnabled, nil
}

// discard drops a failed or abandoned load. A cached load whose slot is
// still pending is kept: an abandoned wait does not fail the shared load
// for later callers.
func (b *Bridge) discard(specifier string, src Source, fut *future.Future[*esm.Namespace], cached bool) {
	if cached {
		if fut.State() != future.Rejected {
			return
		}
		b.mu.Lock()
		if entry, ok := b.cache[specifier]; ok && entry.source == src {
			delete(b.cache, specifier)
		}
		b.mu.Unlock()
	} else {
		b.mu.Lock()
		for i, s := range b.live {
			if s == src {
				b.live = append(b.live[:i], b.live[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}

	if err := src.Close(); err != nil {
		b.logger.Debug("source close failed", zap.String("specifier", specifier), zap.Error(err))
	}
}

// Close tears down every module this bridge loaded. Subsequent require
// calls fail with ErrClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	sources := make([]Source, 0, len(b.cache)+len(b.live))
	for _, entry := range b.cache {
		sources = append(sources, entry.source)
	}
	sources = append(sources, b.live...)
	b.cache = make(map[string]*cacheEntry)
	b.live = nil
	b.mu.Unlock()

	var errs []error
	for _, src := range sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
