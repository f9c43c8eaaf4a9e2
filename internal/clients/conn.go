package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/cart/internal/platform/retry"
	"github.com/hanko-field/cart/internal/platform/rpcjson"
)

// ErrNotConnected is returned when a call is made before Connect or after Close.
var ErrNotConnected = errors.New("clients: connection not established")

// Connection owns the process-wide gRPC channel to one upstream.
type Connection struct {
	addr     string
	dialOpts []grpc.DialOption

	mu     sync.RWMutex
	conn   grpc.ClientConnInterface
	owned  *grpc.ClientConn
	closed bool
}

// NewConnection prepares a lazily dialled channel. A non-nil conn is used as is and never closed.
func NewConnection(addr string, conn grpc.ClientConnInterface, opts ...grpc.DialOption) *Connection {
	return &Connection{
		addr:     strings.TrimSpace(addr),
		dialOpts: opts,
		conn:     conn,
	}
}

// Connect dials the upstream once. Subsequent calls are no-ops.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if c.conn != nil {
		return nil
	}
	if c.addr == "" {
		return errors.New("clients: address is required")
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.dialOpts...)
	cc, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return fmt.Errorf("clients: dial %s: %w", c.addr, err)
	}
	c.owned = cc
	c.conn = cc
	return nil
}

// Close releases the channel when it was dialled by Connect.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.conn = nil
	if c.owned == nil {
		return nil
	}
	err := c.owned.Close()
	c.owned = nil
	return err
}

// Ready reports an error when the channel is closed or failing to reach the upstream.
// An idle channel is nudged to connect.
func (c *Connection) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil {
		return ErrNotConnected
	}
	c.mu.RLock()
	conn, owned := c.conn, c.owned
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if owned == nil {
		return nil
	}
	state := owned.GetState()
	if state == connectivity.Idle {
		owned.Connect()
		state = owned.GetState()
	}
	if state == connectivity.TransientFailure || state == connectivity.Shutdown {
		return fmt.Errorf("clients: %s is %s", c.addr, state)
	}
	return nil
}

func (c *Connection) get() (grpc.ClientConnInterface, error) {
	if c == nil {
		return nil, ErrNotConnected
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Call describes one unary RPC issued under a retry policy.
type Call struct {
	Service string
	Method  string
	// Timeout bounds each attempt separately.
	Timeout time.Duration
	Policy  retry.Policy
	// OnAttempt is invoked after every failed attempt.
	OnAttempt func(attempt int, err error)
}

// Invoke runs the call against conn, decoding the reply with the JSON codec.
// Failures are returned as *UpstreamError unless the caller's context was cancelled.
func Invoke(ctx context.Context, conn *Connection, call Call, req, reply any) error {
	cc, err := conn.get()
	if err != nil {
		return &UpstreamError{Service: call.Service, Method: call.Method, kind: ErrUnavailable, Err: err}
	}
	fullMethod := "/" + call.Service + "/" + call.Method
	err = call.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx := ctx
		if call.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, call.Timeout)
			defer cancel()
		}
		callErr := cc.Invoke(attemptCtx, fullMethod, req, reply, rpcjson.CallOption())
		if callErr != nil && call.OnAttempt != nil {
			call.OnAttempt(attempt, callErr)
		}
		return callErr
	})
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s.%s: %w", call.Service, call.Method, ctx.Err())
	}
	return Classify(call.Service, call.Method, err)
}
