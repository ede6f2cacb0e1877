package esm

import (
	"context"
	"io"

	"github.com/SamGoody/require-esm-in-cjs/lib/process"
)

// CommunicationProvider opens the byte channel a loader talks to its module
// over.
type CommunicationProvider interface {
	// Open creates the channel and returns the loader-side reader and
	// writer.
	Open(ctx context.Context, path string) (io.Reader, io.Writer, error)
	// Close releases any resources held by the channel.
	Close() error
}

// ProcessProvider forks the module executable and communicates over its
// stdio pipes. It retains the process handle for monitoring and cleanup.
type ProcessProvider struct {
	proc *process.Process
}

// Open implements CommunicationProvider by forking path.
func (p *ProcessProvider) Open(ctx context.Context, path string) (io.Reader, io.Writer, error) {
	proc, err := process.Fork(path)
	if err != nil {
		return nil, nil, err
	}
	p.proc = proc
	return proc.Stdout(), proc.Stdin(), nil
}

// Process returns the forked process, or nil before Open.
func (p *ProcessProvider) Process() *process.Process {
	return p.proc
}

// Close kills the forked process.
func (p *ProcessProvider) Close() error {
	if p.proc == nil {
		return nil
	}
	return p.proc.Close()
}

// PipeProvider communicates over a caller-supplied reader/writer pair. Used
// for in-memory modules and tests.
type PipeProvider struct {
	Reader io.Reader
	Writer io.Writer
}

// Open implements CommunicationProvider.
func (p *PipeProvider) Open(ctx context.Context, path string) (io.Reader, io.Writer, error) {
	return p.Reader, p.Writer, nil
}

// Close implements CommunicationProvider. Closing the underlying pipes is
// the caller's responsibility.
func (p *PipeProvider) Close() error {
	return nil
}
