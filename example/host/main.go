package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/SamGoody/require-esm-in-cjs/lib/esm"
	"github.com/SamGoody/require-esm-in-cjs/lib/require"
	"github.com/SamGoody/require-esm-in-cjs/lib/resolver"
)

// Build the modules first, then run the host:
//
//	go build -o bin/greeter ../modules/greeter
//	go build -o bin/calculator ../modules/calculator
//	go run .
func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	fmt.Println("--- Synchronous require ---")
	if err := demoRequire(logger); err != nil {
		log.Printf("require demo failed: %v", err)
	}

	fmt.Println("\n--- Callable exports ---")
	if err := demoCallableExport(logger); err != nil {
		log.Printf("callable export demo failed: %v", err)
	}
}

// demoRequire loads the greeter module synchronously and reads its exports.
func demoRequire(logger *zap.Logger) error {
	bridge := require.New(
		require.WithResolver(resolver.New(resolver.WithSearchPaths("./bin"))),
		require.WithTimeout(10*time.Second),
		require.WithCache(),
		require.WithLogger(logger),
	)
	defer bridge.Close()

	// The default export comes back directly.
	greeting, err := bridge.Require("greeter")
	if err != nil {
		return fmt.Errorf("failed to require greeter: %w", err)
	}
	fmt.Printf("default export: %v\n", greeting)

	// Named exports are available through the namespace.
	ns, err := bridge.RequireNamespace("greeter")
	if err != nil {
		return fmt.Errorf("failed to require greeter namespace: %w", err)
	}

	var languages []string
	if err := ns.DecodeExport("languages", &languages); err != nil {
		return fmt.Errorf("failed to decode languages export: %w", err)
	}
	fmt.Printf("languages export: %v\n", languages)

	return nil
}

// demoCallableExport talks to the calculator module's "calculate" service
// through a typed JSON adapter.
func demoCallableExport(logger *zap.Logger) error {
	type CalculateRequest struct {
		Operation string  `json:"operation"`
		A         float64 `json:"a"`
		B         float64 `json:"b"`
	}
	type CalculateResponse struct {
		Result float64 `json:"result"`
		Error  string  `json:"error,omitempty"`
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	loader := esm.NewLoader("./bin/calculator", esm.WithLogger(logger))
	defer func() {
		if err := loader.Close(); err != nil {
			log.Printf("failed to close calculator loader: %v", err)
		}
	}()

	if _, err := loader.BeginLoad(context.Background()).Wait(ctx); err != nil {
		return fmt.Errorf("failed to load calculator: %w", err)
	}

	adapter := esm.NewJSONLoaderAdapter[CalculateRequest, CalculateResponse](loader)

	operations := []CalculateRequest{
		{Operation: "add", A: 19, B: 23},
		{Operation: "divide", A: 1, B: 3},
		{Operation: "divide", A: 1, B: 0},
	}

	for _, op := range operations {
		resp, err := adapter.Call(ctx, "calculate", op)
		if err != nil {
			return fmt.Errorf("calculate call failed: %w", err)
		}
		if resp.Error != "" {
			fmt.Printf("%s(%g, %g) -> error: %s\n", op.Operation, op.A, op.B, resp.Error)
			continue
		}
		fmt.Printf("%s(%g, %g) = %g\n", op.Operation, op.A, op.B, resp.Result)
	}

	return nil
}
