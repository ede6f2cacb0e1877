package esm

import (
	"encoding/json"
)

// NewJSONLoaderAdapter creates a LoaderAdapter specialized for JSON
// serialization. Req and Resp are plain Go types marshaled to and from
// JSON.
func NewJSONLoaderAdapter[Req, Resp any](loader *Loader) *LoaderAdapter[Req, Resp] {
	serializer := Serializer[Req, Resp]{
		MarshalRequest: func(req Req) ([]byte, error) {
			return json.Marshal(req)
		},
		UnmarshalResponse: func(data []byte) (Resp, error) {
			var resp Resp
			err := json.Unmarshal(data, &resp)
			return resp, err
		},
	}
	return NewLoaderAdapter(loader, serializer)
}

// NewJSONHandlerAdapter creates a guest-side HandlerAdapter specialized for
// JSON serialization.
func NewJSONHandlerAdapter[Req, Resp any](serviceName string, handler func(Req) (Resp, bool)) *HandlerAdapter[Req, Resp] {
	return NewHandlerAdapter(
		serviceName,
		func(data []byte) (Req, error) {
			var req Req
			err := json.Unmarshal(data, &req)
			return req, err
		},
		func(resp Resp) ([]byte, error) {
			return json.Marshal(resp)
		},
		handler,
	)
}
