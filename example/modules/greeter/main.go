package main

import (
	"context"
	"log"

	"github.com/SamGoody/require-esm-in-cjs/lib/esm"
)

// Greeter exposes a static default export plus a couple of named exports.
// Build it and point the host's search path at the binary.
func main() {
	module := esm.NewStdModule("greeter", "1.0.0")

	if err := module.SetDefault("hello from greeter"); err != nil {
		log.Fatalf("failed to set default export: %v", err)
	}
	if err := module.SetExport("languages", []string{"en", "ko", "fr"}); err != nil {
		log.Fatalf("failed to set export: %v", err)
	}

	if err := module.Listen(context.Background()); err != nil {
		log.Fatalf("module stopped: %v", err)
	}
}
