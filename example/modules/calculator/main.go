package main

import (
	"context"
	"fmt"
	"log"

	"github.com/SamGoody/require-esm-in-cjs/lib/esm"
)

// CalculateRequest is the request for the "calculate" export.
type CalculateRequest struct {
	Operation string  `json:"operation"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
}

// CalculateResponse carries the result. Business errors travel inside the
// response object rather than as application errors.
type CalculateResponse struct {
	Result float64 `json:"result"`
	Error  string  `json:"error,omitempty"`
}

func handleCalculate(req CalculateRequest) (CalculateResponse, bool) {
	var result float64
	var errMsg string

	switch req.Operation {
	case "add":
		result = req.A + req.B
	case "subtract":
		result = req.A - req.B
	case "multiply":
		result = req.A * req.B
	case "divide":
		if req.B == 0 {
			errMsg = "division by zero is not allowed"
		} else {
			result = req.A / req.B
		}
	default:
		errMsg = fmt.Sprintf("unsupported operation: %s", req.Operation)
	}

	return CalculateResponse{Result: result, Error: errMsg}, false
}

func main() {
	module := esm.NewStdModule("calculator", "1.0.0")

	if err := module.SetDefault(map[string]any{"precision": "float64"}); err != nil {
		log.Fatalf("failed to set default export: %v", err)
	}

	adapter := esm.NewJSONHandlerAdapter("calculate", handleCalculate)
	esm.RegisterHandler(module, "calculate", adapter.ToHandler())

	if err := module.Listen(context.Background()); err != nil {
		log.Fatalf("module stopped: %v", err)
	}
}
