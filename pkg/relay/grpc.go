package relay

import (
	"context"

	"github.com/stleox/spanflow/pkg/tracer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const TagGRPCStatusCode = "rpc.grpc.status_code"

// MetadataCarrier adapts gRPC metadata to a trace carrier. Keys are lower case
// on the wire, which the carrier keys already are.
type MetadataCarrier metadata.MD

func (c MetadataCarrier) Get(key string) string {
	vals := metadata.MD(c).Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (c MetadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c MetadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func (r *Relay) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		ctx, span := r.Inbound(ctx, info.FullMethod, MetadataCarrier(md))
		defer span.Finish()

		resp, err := handler(ctx, req)
		tagGRPCStatus(span, err)
		return resp, err
	}
}

func (r *Relay) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		md, ok := metadata.FromOutgoingContext(ctx)
		if ok {
			md = md.Copy()
		} else {
			md = metadata.MD{}
		}
		return r.Call(ctx, method, MetadataCarrier(md), func(ctx context.Context) error {
			err := invoker(metadata.NewOutgoingContext(ctx, md), method, req, reply, cc, opts...)
			tagGRPCStatus(tracer.SpanFromContext(ctx), err)
			return err
		})
	}
}

func tagGRPCStatus(span *tracer.Span, err error) {
	if span == nil {
		return
	}
	code := status.Code(err)
	span.SetTag(TagGRPCStatusCode, code.String())
	if code != codes.OK {
		span.SetTag(tracer.TagError, "true")
	}
}
