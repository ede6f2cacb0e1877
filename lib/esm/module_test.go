package esm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/SamGoody/require-esm-in-cjs/lib/multiplexer"
)

func TestModule_New(t *testing.T) {
	reader := &bytes.Buffer{}
	writer := &bytes.Buffer{}

	m := NewModule("mod", "0.1.0", reader, writer)

	if m == nil {
		t.Fatal("NewModule returned nil")
	}
	if m.mux == nil {
		t.Error("Module multiplexer should not be nil")
	}
	if m.handler == nil {
		t.Error("Module handler map should not be nil")
	}
	if m.exports == nil {
		t.Error("Module exports map should not be nil")
	}
	if m.instance == "" {
		t.Error("Module should carry an instance ID")
	}
}

func TestModule_SetExport(t *testing.T) {
	m := NewModule("mod", "0.1.0", &bytes.Buffer{}, &bytes.Buffer{})

	if err := m.SetExport("greeting", "hello"); err != nil {
		t.Fatalf("SetExport failed: %v", err)
	}

	payload, ok := m.exports["greeting"]
	if !ok {
		t.Fatal("Export was not stored")
	}
	if string(payload) != `"hello"` {
		t.Errorf("Expected payload %q, got %q", `"hello"`, payload)
	}
}

func TestModule_SetDefault(t *testing.T) {
	m := NewModule("mod", "0.1.0", &bytes.Buffer{}, &bytes.Buffer{})

	if err := m.SetDefault(42); err != nil {
		t.Fatalf("SetDefault failed: %v", err)
	}

	payload, ok := m.exports[DefaultExport]
	if !ok {
		t.Fatal("Default export was not stored")
	}
	if string(payload) != "42" {
		t.Errorf("Expected payload '42', got %q", payload)
	}
}

func TestModule_SetExport_Unencodable(t *testing.T) {
	m := NewModule("mod", "0.1.0", &bytes.Buffer{}, &bytes.Buffer{})

	if err := m.SetExport("bad", make(chan int)); err == nil {
		t.Error("Expected error for unencodable export value")
	}
}

func TestRegisterHandler_Duplicate(t *testing.T) {
	m := NewModule("mod", "0.1.0", &bytes.Buffer{}, &bytes.Buffer{})

	handler := func(payload []byte) ([]byte, bool) {
		return payload, false
	}

	RegisterHandler(m, "echo", handler)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic on duplicate handler registration")
		}
	}()
	RegisterHandler(m, "echo", handler)
}

func TestModule_ShutdownState(t *testing.T) {
	m := NewModule("mod", "0.1.0", &bytes.Buffer{}, &bytes.Buffer{})

	if m.IsShutdown() {
		t.Error("New module should not be shut down")
	}

	m.Shutdown()
	if !m.IsShutdown() {
		t.Error("Module should report shutdown after Shutdown")
	}

	// Repeated calls must not panic.
	m.Shutdown()
	m.ForceShutdown()
	m.ForceShutdown()
}

func TestModule_ActiveJobs_InitiallyZero(t *testing.T) {
	m := NewModule("mod", "0.1.0", &bytes.Buffer{}, &bytes.Buffer{})

	if jobs := m.ActiveJobs(); jobs != 0 {
		t.Errorf("Expected 0 active jobs, got %d", jobs)
	}
}

// readOneHeader reads a single framed message from the pipe and decodes its
// envelope.
func readOneHeader(t *testing.T, reader io.Reader) Header {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mux := multiplexer.New(reader, io.Discard)
	recv, err := mux.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	select {
	case mesg, ok := <-recv:
		if !ok {
			t.Fatal("Message channel closed before a message arrived")
		}
		var header Header
		if err := header.UnmarshalBinary(mesg.Data); err != nil {
			t.Fatalf("UnmarshalBinary failed: %v", err)
		}
		return header
	case <-ctx.Done():
		t.Fatal("Timed out waiting for message")
	}
	return Header{}
}

func TestModule_ReportInitError_Envelope(t *testing.T) {
	guestReader, _ := io.Pipe()
	hostReader, guestWriter := io.Pipe()
	t.Cleanup(func() {
		guestReader.Close()
		hostReader.Close()
		guestWriter.Close()
	})

	m := NewModule("mod", "0.1.0", guestReader, guestWriter)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.ReportInitError(context.Background(), io.ErrUnexpectedEOF)
	}()

	header := readOneHeader(t, hostReader)

	if err := <-errCh; err != nil {
		t.Fatalf("ReportInitError failed: %v", err)
	}
	if header.Name != msgInitError {
		t.Errorf("Expected message name %q, got %q", msgInitError, header.Name)
	}
	if !header.IsError {
		t.Error("Init error envelope should carry the error flag")
	}
	if string(header.Payload) != io.ErrUnexpectedEOF.Error() {
		t.Errorf("Unexpected payload: %q", header.Payload)
	}
}

func TestModule_Manifest_Envelope(t *testing.T) {
	guestReader, _ := io.Pipe()
	hostReader, guestWriter := io.Pipe()
	t.Cleanup(func() {
		guestReader.Close()
		hostReader.Close()
		guestWriter.Close()
	})

	m := NewModule("manifest-module", "2.3.4", guestReader, guestWriter)
	if err := m.SetDefault("ready"); err != nil {
		t.Fatalf("SetDefault failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.sendManifest(context.Background())
	}()

	header := readOneHeader(t, hostReader)

	if err := <-errCh; err != nil {
		t.Fatalf("sendManifest failed: %v", err)
	}
	if header.Name != msgManifest {
		t.Errorf("Expected message name %q, got %q", msgManifest, header.Name)
	}

	var ns Namespace
	if err := json.Unmarshal(header.Payload, &ns); err != nil {
		t.Fatalf("Manifest payload is not a namespace: %v", err)
	}
	if ns.Name != "manifest-module" {
		t.Errorf("Expected name 'manifest-module', got %q", ns.Name)
	}
	if ns.Version != "2.3.4" {
		t.Errorf("Expected version '2.3.4', got %q", ns.Version)
	}
	if !ns.HasDefault() {
		t.Error("Manifest should carry the default export")
	}
}
