package esm

import (
	"context"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type sumRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

type sumResponse struct {
	Total int `json:"total"`
}

func TestJSONAdapter_RoundTrip(t *testing.T) {
	loader := newPipedLoader(t, func(m *Module) {
		adapter := NewJSONHandlerAdapter("sum", func(req sumRequest) (sumResponse, bool) {
			return sumResponse{Total: req.A + req.B}, false
		})
		RegisterHandler(m, "sum", adapter.ToHandler())
	})
	awaitManifest(t, loader)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typed := NewJSONLoaderAdapter[sumRequest, sumResponse](loader)
	resp, err := typed.Call(ctx, "sum", sumRequest{A: 19, B: 23})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Total != 42 {
		t.Errorf("Expected total 42, got %d", resp.Total)
	}
}

func TestJSONHandlerAdapter_MalformedRequest(t *testing.T) {
	adapter := NewJSONHandlerAdapter("sum", func(req sumRequest) (sumResponse, bool) {
		return sumResponse{Total: req.A + req.B}, false
	})
	handler := adapter.ToHandler()

	payload, isAppError := handler([]byte("{not json"))
	if !isAppError {
		t.Error("Expected application error for malformed request")
	}
	if !strings.Contains(string(payload), "failed to unmarshal request") {
		t.Errorf("Unexpected error payload: %q", payload)
	}
}

func TestProtobufAdapter_RoundTrip(t *testing.T) {
	loader := newPipedLoader(t, func(m *Module) {
		adapter := NewProtobufHandlerAdapter("upper",
			func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} },
			func(req *wrapperspb.StringValue) (*wrapperspb.StringValue, bool) {
				return wrapperspb.String(strings.ToUpper(req.GetValue())), false
			})
		RegisterHandler(m, "upper", adapter.ToHandler())
	})
	awaitManifest(t, loader)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typed := NewProtobufLoaderAdapter[*wrapperspb.StringValue](loader,
		func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} })
	resp, err := typed.Call(ctx, "upper", wrapperspb.String("quiet"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.GetValue() != "QUIET" {
		t.Errorf("Expected 'QUIET', got %q", resp.GetValue())
	}
}

func TestProtobufHandlerAdapter_AppError(t *testing.T) {
	adapter := NewProtobufHandlerAdapter("validate",
		func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} },
		func(req *wrapperspb.StringValue) (*wrapperspb.StringValue, bool) {
			if req.GetValue() == "" {
				return wrapperspb.String("value is required"), true
			}
			return req, false
		})
	handler := adapter.ToHandler()

	payload, isAppError := handler(nil)
	if !isAppError {
		t.Error("Expected application error for empty value")
	}

	var decoded wrapperspb.StringValue
	if err := proto.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Failed to decode error payload: %v", err)
	}
	if decoded.GetValue() != "value is required" {
		t.Errorf("Unexpected error payload: %q", decoded.GetValue())
	}
}
