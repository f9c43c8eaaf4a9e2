// Package rpcserver exposes the cart service to internal callers over gRPC using the JSON codec.
package rpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/cart/internal/platform/observability"
	_ "github.com/hanko-field/cart/internal/platform/rpcjson"
	"github.com/hanko-field/cart/internal/services"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ecommerce.cart.CartService"

// CartServiceServer is the server API for the cart RPC facade.
type CartServiceServer interface {
	GetCart(ctx context.Context, req *GetCartRequest) (*GetCartResponse, error)
	PrepareCheckout(ctx context.Context, req *PrepareCheckoutRequest) (*PrepareCheckoutResponse, error)
	ClearCart(ctx context.Context, req *ClearCartRequest) (*ClearCartResponse, error)
	ValidateCart(ctx context.Context, req *ValidateCartRequest) (*ValidateCartResponse, error)
}

// Option customises the server.
type Option func(*Server)

// WithClock overrides the clock used for latency reporting.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Server adapts services.CartService to the RPC wire schema. It holds no business logic.
type Server struct {
	carts services.CartService
	now   func() time.Time
}

var _ CartServiceServer = (*Server)(nil)

// New constructs the facade.
func New(carts services.CartService, opts ...Option) (*Server, error) {
	if carts == nil {
		return nil, errors.New("rpcserver: cart service is required")
	}
	srv := &Server{carts: carts, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	return srv, nil
}

// Register attaches the facade to a gRPC server.
func Register(registrar grpc.ServiceRegistrar, srv CartServiceServer) {
	registrar.RegisterService(&serviceDesc, srv)
}

func (s *Server) GetCart(ctx context.Context, req *GetCartRequest) (*GetCartResponse, error) {
	start := s.now()
	userID, err := requireUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	logCall(ctx, "getting cart", userID, req.Metadata)

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		return nil, toStatus(ctx, "get cart", err)
	}
	resp := &GetCartResponse{Cart: toCartMessage(cart), ResultStatus: ResultStatus{Code: StatusOK, Message: "Success"}}
	if cart == nil {
		resp.ResultStatus = ResultStatus{Code: StatusNotFound, Message: "Cart not found or empty"}
	}
	resp.LatencyMS = s.since(start)
	return resp, nil
}

func (s *Server) PrepareCheckout(ctx context.Context, req *PrepareCheckoutRequest) (*PrepareCheckoutResponse, error) {
	start := s.now()
	userID, err := requireUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	logCall(ctx, "preparing checkout", userID, req.Metadata)

	prep, err := s.carts.PrepareCheckout(ctx, userID)
	if err != nil {
		return nil, toStatus(ctx, "prepare checkout", err)
	}
	return &PrepareCheckoutResponse{
		Cart:       toCartMessage(prep.Cart),
		Validation: toValidationMessage(prep.Validation),
		Summary: &SummaryMessage{
			ItemCount:          prep.Summary.ItemCount,
			TotalAmount:        prep.Summary.TotalAmount,
			Currency:           prep.Summary.Currency,
			IsReadyForCheckout: prep.Summary.IsReadyForCheckout,
		},
		Reservation:  toReservationMessage(prep.Reservation),
		ResultStatus: ResultStatus{Code: StatusOK, Message: "Success"},
		LatencyMS:    s.since(start),
	}, nil
}

func (s *Server) ClearCart(ctx context.Context, req *ClearCartRequest) (*ClearCartResponse, error) {
	start := s.now()
	userID, err := requireUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	observability.FromContext(ctx).Info("clearing cart",
		zap.String("userId", userID),
		zap.String("reason", req.Reason),
		zap.String("source", req.Metadata.value("source")),
	)

	if err := s.carts.ClearCart(ctx, userID); err != nil {
		return nil, toStatus(ctx, "clear cart", err)
	}
	return &ClearCartResponse{
		Success:      true,
		ResultStatus: ResultStatus{Code: StatusOK, Message: "Cart cleared successfully"},
		LatencyMS:    s.since(start),
	}, nil
}

func (s *Server) ValidateCart(ctx context.Context, req *ValidateCartRequest) (*ValidateCartResponse, error) {
	start := s.now()
	userID, err := requireUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	snapshot, err := services.ParsePriceSnapshot(req.PriceSnapshot)
	if err != nil {
		return nil, toStatus(ctx, "validate cart", err)
	}
	logCall(ctx, "validating cart", userID, req.Metadata)

	result, err := s.carts.ValidateCart(ctx, services.ValidateCartCommand{UserID: userID, PriceSnapshot: snapshot})
	if err != nil {
		return nil, toStatus(ctx, "validate cart", err)
	}
	return &ValidateCartResponse{
		Validation:   toValidationMessage(result),
		ResultStatus: ResultStatus{Code: StatusOK, Message: "Success"},
		LatencyMS:    s.since(start),
	}, nil
}

func (s *Server) since(start time.Time) int64 {
	return s.now().Sub(start).Milliseconds()
}

func requireUserID(raw string) (string, error) {
	userID := strings.TrimSpace(raw)
	if userID == "" {
		return "", status.Error(codes.InvalidArgument, "user_id is required")
	}
	return userID, nil
}

func logCall(ctx context.Context, msg, userID string, meta *RequestMetadata) {
	observability.FromContext(ctx).Debug(msg,
		zap.String("userId", userID),
		zap.String("source", meta.value("source")),
		zap.String("requestId", meta.value("request_id")),
	)
}

// toStatus maps service sentinels onto gRPC codes. Internal failures never leak their message.
func toStatus(ctx context.Context, op string, err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		code = codes.InvalidArgument
	case errors.Is(err, services.ErrCartNotFound):
		code = codes.NotFound
	case errors.Is(err, services.ErrCartUnavailable):
		code = codes.Unavailable
	case errors.Is(err, services.ErrCartReservationFailed), errors.Is(err, services.ErrCartInsufficientStock):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		observability.FromContext(ctx).Error("cart rpc failed", zap.String("op", op), zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CartServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetCart", Handler: getCartHandler},
		{MethodName: "PrepareCheckout", Handler: prepareCheckoutHandler},
		{MethodName: "ClearCart", Handler: clearCartHandler},
		{MethodName: "ValidateCart", Handler: validateCartHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cart.proto",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func getCartHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetCartRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CartServiceServer).GetCart(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("GetCart")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CartServiceServer).GetCart(ctx, req.(*GetCartRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func prepareCheckoutHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PrepareCheckoutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CartServiceServer).PrepareCheckout(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("PrepareCheckout")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CartServiceServer).PrepareCheckout(ctx, req.(*PrepareCheckoutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func clearCartHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ClearCartRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CartServiceServer).ClearCart(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("ClearCart")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CartServiceServer).ClearCart(ctx, req.(*ClearCartRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func validateCartHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ValidateCartRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CartServiceServer).ValidateCart(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("ValidateCart")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CartServiceServer).ValidateCart(ctx, req.(*ValidateCartRequest))
	}
	return interceptor(ctx, in, info, handler)
}
