package esm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultExport is the conventional name of a module's primary export.
const DefaultExport = "default"

// Namespace is the value produced by a successful load: the module's
// identity and its named export payloads. Export payloads are JSON-encoded
// by the module when it builds its manifest.
type Namespace struct {
	Name     string                     `json:"name"`
	Version  string                     `json:"version,omitempty"`
	Instance string                     `json:"instance,omitempty"`
	Exports  map[string]json.RawMessage `json:"exports"`
}

// HasDefault reports whether the namespace declares a default export.
func (ns *Namespace) HasDefault() bool {
	_, ok := ns.Exports[DefaultExport]
	return ok
}

// Default returns the default export payload, if declared. The payload may
// legitimately encode null, zero or an empty string; the second return
// value is the presence signal.
func (ns *Namespace) Default() (json.RawMessage, bool) {
	payload, ok := ns.Exports[DefaultExport]
	return payload, ok
}

// Export returns the payload of a named export.
func (ns *Namespace) Export(name string) (json.RawMessage, bool) {
	payload, ok := ns.Exports[name]
	return payload, ok
}

// DecodeExport unmarshals a named export payload into v.
func (ns *Namespace) DecodeExport(name string, v any) error {
	payload, ok := ns.Exports[name]
	if !ok {
		return fmt.Errorf("namespace %s has no export %q", ns.Name, name)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode export %q: %w", name, err)
	}
	return nil
}

// DecodeDefault unmarshals the default export payload into v.
func (ns *Namespace) DecodeDefault(v any) error {
	return ns.DecodeExport(DefaultExport, v)
}

// parseNamespace decodes a manifest payload. Manifests without an exports
// table get an empty one so lookups stay nil-safe.
func parseNamespace(payload []byte) (*Namespace, error) {
	var ns Namespace
	if err := json.Unmarshal(payload, &ns); err != nil {
		return nil, fmt.Errorf("malformed module manifest: %w", err)
	}
	if ns.Name == "" {
		return nil, fmt.Errorf("malformed module manifest: missing name")
	}
	if ns.Exports == nil {
		ns.Exports = make(map[string]json.RawMessage)
	}
	return &ns, nil
}

// newInstanceID returns a sortable unique ID for a load or module instance.
func newInstanceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
