// Package process manages forked module executables and their stdio pipes.
package process

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// stderrLimit caps how much module stderr output is retained for
// diagnostics.
const stderrLimit = 64 * 1024

// Process is a running module executable. Stdin and Stdout carry the framed
// message channel; stderr is captured separately so that module diagnostics
// never corrupt the message stream.
type Process struct {
	cmd          *exec.Cmd
	stdinWriter  *io.PipeWriter
	stdoutReader *io.PipeReader

	stderrMu  sync.Mutex
	stderrBuf bytes.Buffer
}

// Fork starts the executable at path with the given arguments and wires up
// its stdio pipes.
func Fork(path string, args ...string) (*Process, error) {
	p := &Process{}

	cmd := exec.Command(path, args...)
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	cmd.Stdin = stdinReader
	cmd.Stdout = stdoutWriter
	cmd.Stderr = cappedWriter{p}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	p.cmd = cmd
	p.stdinWriter = stdinWriter
	p.stdoutReader = stdoutReader
	return p, nil
}

// Stdin returns the writer connected to the process's standard input.
func (p *Process) Stdin() *io.PipeWriter {
	return p.stdinWriter
}

// Stdout returns the reader connected to the process's standard output.
func (p *Process) Stdout() *io.PipeReader {
	return p.stdoutReader
}

// Stderr returns the captured standard error output of the process.
func (p *Process) Stderr() []byte {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return append([]byte(nil), p.stderrBuf.Bytes()...)
}

// Wait blocks until the process exits.
func (p *Process) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("process exited with error: %w", err)
	}
	return nil
}

// Close closes the stdio pipes and kills the process.
func (p *Process) Close() error {
	if err := p.stdinWriter.Close(); err != nil {
		return fmt.Errorf("failed to close stdin writer: %w", err)
	}
	if err := p.stdoutReader.Close(); err != nil {
		return fmt.Errorf("failed to close stdout reader: %w", err)
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}

type cappedWriter struct {
	p *Process
}

func (w cappedWriter) Write(data []byte) (int, error) {
	w.p.stderrMu.Lock()
	defer w.p.stderrMu.Unlock()

	if remaining := stderrLimit - w.p.stderrBuf.Len(); remaining > 0 {
		if len(data) > remaining {
			w.p.stderrBuf.Write(data[:remaining])
		} else {
			w.p.stderrBuf.Write(data)
		}
	}
	// Report full length so the child never blocks on a full buffer.
	return len(data), nil
}
