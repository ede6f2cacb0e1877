package esm

import (
	"google.golang.org/protobuf/proto"
)

// NewProtobufLoaderAdapter creates a LoaderAdapter specialized for Protocol
// Buffers serialization. Req and Resp must implement proto.Message, and
// newRespInstance must return a new, non-nil instance of the Resp type.
func NewProtobufLoaderAdapter[Req proto.Message, Resp proto.Message](
	loader *Loader,
	newRespInstance func() Resp,
) *LoaderAdapter[Req, Resp] {
	serializer := Serializer[Req, Resp]{
		MarshalRequest: func(req Req) ([]byte, error) {
			return proto.Marshal(req)
		},
		UnmarshalResponse: func(data []byte) (Resp, error) {
			instance := newRespInstance()
			if err := proto.Unmarshal(data, instance); err != nil {
				var zero Resp
				return zero, err
			}
			return instance, nil
		},
	}
	return NewLoaderAdapter(loader, serializer)
}

// NewProtobufHandlerAdapter creates a guest-side HandlerAdapter specialized
// for Protocol Buffers serialization. newReqInstance must return a new,
// non-nil instance of the Req type.
func NewProtobufHandlerAdapter[Req proto.Message, Resp proto.Message](
	serviceName string,
	newReqInstance func() Req,
	handler func(Req) (Resp, bool),
) *HandlerAdapter[Req, Resp] {
	return NewHandlerAdapter(
		serviceName,
		func(data []byte) (Req, error) {
			instance := newReqInstance()
			if err := proto.Unmarshal(data, instance); err != nil {
				var zero Req
				return zero, err
			}
			return instance, nil
		},
		func(resp Resp) ([]byte, error) {
			return proto.Marshal(resp)
		},
		handler,
	)
}
