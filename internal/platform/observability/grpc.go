package observability

import (
	"context"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/cart/internal/platform/requestctx"
)

// UnaryServerInterceptor traces, logs and measures inbound unary calls.
func UnaryServerInterceptor(logger *zap.Logger, metrics *Metrics) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		service, method := splitFullMethod(info.FullMethod)

		md, _ := metadata.FromIncomingContext(ctx)
		ctx = propagator.Extract(ctx, metadataCarrier(md))
		ctx, span := tracer.Start(ctx, info.FullMethod, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		span.SetAttributes(rpcAttributes(service, method)...)

		traceMeta := traceInfo(span.SpanContext())
		ctx = requestctx.WithTrace(ctx, traceMeta)
		callLogger := logger.With(
			zap.String("rpc.service", service),
			zap.String("rpc.method", method),
			zap.String("trace_id", traceMeta.TraceID),
		)
		ctx = requestctx.WithLogger(ctx, callLogger)

		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				callLogger.Error("panic recovered", zap.Any("panic", rec))
				err = status.Error(codes.Internal, "internal error")
			}
			code := status.Code(err)
			elapsed := time.Since(start)
			metrics.ObserveRPC(RPCServer, service, method, code.String(), elapsed)
			recordSpanStatus(span, code)

			fields := []zap.Field{zap.String("code", code.String()), zap.Duration("latency", elapsed)}
			switch {
			case isServerFault(code):
				callLogger.Error("rpc completed", append(fields, zap.Error(err))...)
			case code != codes.OK:
				callLogger.Warn("rpc completed", fields...)
			default:
				callLogger.Info("rpc completed", fields...)
			}
		}()

		return handler(ctx, req)
	}
}

// UnaryClientInterceptor traces and measures outbound unary calls to the named peer.
func UnaryClientInterceptor(peer string, metrics *Metrics) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, fullMethod string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		service, method := splitFullMethod(fullMethod)
		ctx, span := tracer.Start(ctx, fullMethod, trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(rpcAttributes(service, method)...)
		span.SetAttributes(attribute.String("peer.service", peer))

		md, ok := metadata.FromOutgoingContext(ctx)
		if ok {
			md = md.Copy()
		} else {
			md = metadata.MD{}
		}
		propagator.Inject(ctx, metadataCarrier(md))
		ctx = metadata.NewOutgoingContext(ctx, md)

		start := time.Now()
		err := invoker(ctx, fullMethod, req, reply, cc, opts...)
		code := status.Code(err)
		metrics.ObserveRPC(RPCClient, peer, method, code.String(), time.Since(start))
		recordSpanStatus(span, code)
		return err
	}
}

type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	values := metadata.MD(c).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}
	return keys
}

func splitFullMethod(fullMethod string) (string, string) {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	service, method := path.Split(trimmed)
	service = strings.TrimSuffix(service, "/")
	if service == "" {
		return "unknown", sanitizeString(method, 64)
	}
	return sanitizeString(service, 128), sanitizeString(method, 64)
}

func rpcAttributes(service, method string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", service),
		attribute.String("rpc.method", method),
	}
}

func recordSpanStatus(span trace.Span, code codes.Code) {
	span.SetAttributes(attribute.Int("rpc.grpc.status_code", int(code)))
	if isServerFault(code) {
		span.SetStatus(otelcodes.Error, code.String())
	}
}

func isServerFault(code codes.Code) bool {
	switch code {
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
