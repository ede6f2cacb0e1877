// Package resolver maps module specifiers to module executable paths.
// Resolution applies alias prefixes first, then probes search paths and
// candidate extensions until an existing file is found.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no candidate path exists for a specifier.
var ErrNotFound = errors.New("module not found")

// Resolver resolves specifiers against a set of search paths and aliases.
// A Resolver is safe for concurrent use.
type Resolver struct {
	searchPaths []string
	aliases     *trie[string]
	extensions  []string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSearchPaths sets the directories probed for relative specifiers,
// in order.
func WithSearchPaths(paths ...string) Option {
	return func(r *Resolver) {
		r.searchPaths = paths
	}
}

// WithExtensions sets the candidate file extensions tried after the bare
// specifier. Extensions include the leading dot.
func WithExtensions(exts ...string) Option {
	return func(r *Resolver) {
		r.extensions = exts
	}
}

// New creates a Resolver. Without options it resolves against the current
// directory with no extra extensions.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		searchPaths: []string{"."},
		aliases:     newTrie[string](),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// AddAlias maps a specifier prefix to a replacement. The longest matching
// alias wins during resolution.
func (r *Resolver) AddAlias(prefix, target string) {
	t := target
	r.aliases.Insert(prefix, &t)
}

// Resolve returns the executable path for specifier, or an error wrapping
// ErrNotFound when no candidate exists.
func (r *Resolver) Resolve(specifier string) (string, error) {
	if specifier == "" {
		return "", fmt.Errorf("empty specifier: %w", ErrNotFound)
	}

	name := specifier
	if target, matched := r.aliases.LongestPrefix(name); target != nil {
		name = *target + name[matched:]
	}

	if filepath.IsAbs(name) || strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") {
		if path, ok := r.probe(name); ok {
			return path, nil
		}
		return "", fmt.Errorf("%q: %w", specifier, ErrNotFound)
	}

	for _, dir := range r.searchPaths {
		if path, ok := r.probe(filepath.Join(dir, name)); ok {
			return path, nil
		}
	}

	return "", fmt.Errorf("%q: %w", specifier, ErrNotFound)
}

// probe checks the bare candidate and each extension variant, returning the
// first path that names an existing regular file.
func (r *Resolver) probe(candidate string) (string, bool) {
	paths := make([]string, 0, len(r.extensions)+1)
	paths = append(paths, candidate)
	for _, ext := range r.extensions {
		paths = append(paths, candidate+ext)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		return path, true
	}

	return "", false
}
