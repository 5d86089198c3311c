package scorer

import (
	"NetFusion/internal/model"
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*model.Scorer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: scoreHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "netfusion/scorer/v1/scorer.proto",
}

// Register serves m as the model on s.
func Register(s grpc.ServiceRegistrar, m model.Scorer) {
	s.RegisterService(&serviceDesc, m)
}

func scoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		features, err := DecodeRequest(req.(*structpb.Struct))
		if err != nil {
			return nil, err
		}
		probas, err := srv.(model.Scorer).Score(ctx, features)
		if err != nil {
			return nil, err
		}
		return EncodeResponse(probas), nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DefaultMethod}
	return interceptor(ctx, in, info, handle)
}
