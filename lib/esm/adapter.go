package esm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Serializer defines how a typed caller encodes requests and decodes
// responses for callable exports.
type Serializer[Req, Resp any] struct {
	MarshalRequest    func(Req) ([]byte, error)
	UnmarshalResponse func([]byte) (Resp, error)
}

// LoaderAdapter wraps a loader with typed request/response export calls.
type LoaderAdapter[Req, Resp any] struct {
	loader     *Loader
	serializer Serializer[Req, Resp]
}

// NewLoaderAdapter creates a typed adapter over a loader.
func NewLoaderAdapter[Req, Resp any](loader *Loader, serializer Serializer[Req, Resp]) *LoaderAdapter[Req, Resp] {
	return &LoaderAdapter[Req, Resp]{
		loader:     loader,
		serializer: serializer,
	}
}

// Call invokes a callable export on the module.
func (a *LoaderAdapter[Req, Resp]) Call(ctx context.Context, name string, request Req) (Resp, error) {
	var zeroResp Resp

	requestBytes, err := a.serializer.MarshalRequest(request)
	if err != nil {
		return zeroResp, fmt.Errorf("loaderadapter: failed to marshal request for %s: %w", name, err)
	}

	responseBytes, err := Call(ctx, a.loader, name, requestBytes)
	if err != nil {
		return zeroResp, err
	}

	resp, err := a.serializer.UnmarshalResponse(responseBytes)
	if err != nil {
		return zeroResp, fmt.Errorf("loaderadapter: failed to unmarshal response for %s: %w", name, err)
	}

	return resp, nil
}

// HandlerAdapter wraps a typed guest-side handler so it can be registered
// as a raw export handler.
type HandlerAdapter[Req, Resp any] struct {
	unmarshalReq func([]byte) (Req, error)
	marshalResp  func(Resp) ([]byte, error)
	typedHandler func(Req) (Resp, bool)
	serviceName  string
	logger       *zap.Logger
}

// NewHandlerAdapter creates a typed guest-side adapter.
func NewHandlerAdapter[Req, Resp any](
	serviceName string,
	unmarshalReqFunc func([]byte) (Req, error),
	marshalRespFunc func(Resp) ([]byte, error),
	typedHandlerFunc func(Req) (Resp, bool),
) *HandlerAdapter[Req, Resp] {
	return &HandlerAdapter[Req, Resp]{
		unmarshalReq: unmarshalReqFunc,
		marshalResp:  marshalRespFunc,
		typedHandler: typedHandlerFunc,
		serviceName:  serviceName,
		logger:       zap.NewNop(),
	}
}

// WithHandlerLogger sets the logger used for adapter-level failures.
func (ha *HandlerAdapter[Req, Resp]) WithHandlerLogger(logger *zap.Logger) *HandlerAdapter[Req, Resp] {
	ha.logger = logger
	return ha
}

// ToHandler converts the typed handler into the raw handler signature.
// Unmarshal and marshal failures are reported to the caller as application
// errors so the error message travels back to the host.
func (ha *HandlerAdapter[Req, Resp]) ToHandler() func(requestPayload []byte) (responsePayload []byte, isAppError bool) {
	return func(requestPayload []byte) ([]byte, bool) {
		req, err := ha.unmarshalReq(requestPayload)
		if err != nil {
			errMsg := fmt.Sprintf("handler adapter for %s: failed to unmarshal request: %v", ha.serviceName, err)
			ha.logger.Warn("request unmarshal failed",
				zap.String("service", ha.serviceName),
				zap.Error(err))
			return []byte(errMsg), true
		}

		respObj, isAppErr := ha.typedHandler(req)

		marshaledPayload, err := ha.marshalResp(respObj)
		if err != nil {
			errMsg := fmt.Sprintf("handler adapter for %s: failed to marshal response (isAppErr=%t): %v", ha.serviceName, isAppErr, err)
			ha.logger.Warn("response marshal failed",
				zap.String("service", ha.serviceName),
				zap.Error(err))
			return []byte(errMsg), true
		}

		return marshaledPayload, isAppErr
	}
}
