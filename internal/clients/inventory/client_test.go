package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/cart/internal/clients"
	"github.com/hanko-field/cart/internal/domain"
	"github.com/hanko-field/cart/internal/platform/retry"
	"github.com/hanko-field/cart/internal/platform/rpcjson"
)

// stubConn answers unary calls by round-tripping through the JSON codec.
type stubConn struct {
	mu      sync.Mutex
	methods []string
	handle  func(method string, call int, req []byte) (any, error)
}

func (s *stubConn) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	codec := rpcjson.Codec{}
	payload, err := codec.Marshal(args)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.methods = append(s.methods, method)
	call := len(s.methods)
	s.mu.Unlock()

	resp, err := s.handle(method, call, payload)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(resp)
	if err != nil {
		return err
	}
	return codec.Unmarshal(data, reply)
}

func (s *stubConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("streams not supported")
}

func (s *stubConn) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.methods)
}

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, conn *stubConn) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Conn:  conn,
		Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Clock: func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client
}

func decodeRequest[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var req T
	if err := (rpcjson.Codec{}).Unmarshal(payload, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func TestCheckInventoryMapsResponse(t *testing.T) {
	conn := &stubConn{handle: func(method string, _ int, payload []byte) (any, error) {
		if method != "/ecommerce.inventory.InventoryService/CheckInventory" {
			t.Fatalf("unexpected method %s", method)
		}
		req := decodeRequest[CheckInventoryRequest](t, payload)
		if req.ProductID != "sku-1" || req.Quantity != 4 || req.Metadata.Data["operation"] != "check_inventory" {
			t.Fatalf("unexpected request %#v", req)
		}
		return CheckInventoryResponse{
			ProductID:         "sku-1",
			Available:         true,
			AvailableQuantity: 9,
			Status:            "low_stock",
			ResultStatus:      ResultStatus{Code: "OK"},
		}, nil
	}}
	client := newTestClient(t, conn)

	got, err := client.CheckInventory(context.Background(), "sku-1", 4)
	if err != nil {
		t.Fatalf("check inventory: %v", err)
	}
	want := domain.InventoryAvailability{
		ProductID:         "sku-1",
		RequestedQuantity: 4,
		Available:         true,
		AvailableQuantity: 9,
		Status:            domain.InventoryStatusLowStock,
		Reported:          true,
	}
	if got != want {
		t.Fatalf("expected %#v, got %#v", want, got)
	}
}

func TestCheckInventoryRejectsNonOKStatus(t *testing.T) {
	conn := &stubConn{handle: func(string, int, []byte) (any, error) {
		return CheckInventoryResponse{ResultStatus: ResultStatus{Code: "NOT_FOUND", Message: "unknown product"}}, nil
	}}
	client := newTestClient(t, conn)

	_, err := client.CheckInventory(context.Background(), "sku-1", 1)
	if !errors.Is(err, clients.ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if conn.calls() != 1 {
		t.Fatalf("expected no retry, got %d calls", conn.calls())
	}
}

func TestCheckInventoryBatchPreservesInputOrder(t *testing.T) {
	conn := &stubConn{handle: func(_ string, _ int, payload []byte) (any, error) {
		req := decodeRequest[CheckInventoryBatchRequest](t, payload)
		if len(req.Items) != 3 || req.Metadata.Data["item_count"] != "3" {
			t.Fatalf("unexpected request %#v", req)
		}
		return CheckInventoryBatchResponse{
			ResultStatus: ResultStatus{Code: "OK"},
			Items: []BatchItem{
				{ProductID: "C", Available: false, AvailableQuantity: 0, Status: "out_of_stock"},
				{ProductID: "A", Available: true, AvailableQuantity: 5, ReservedQuantity: 1, Status: "in_stock"},
			},
		}, nil
	}}
	client := newTestClient(t, conn)

	got, err := client.CheckInventoryBatch(context.Background(), []domain.InventoryCheck{
		{ProductID: "A", Quantity: 2},
		{ProductID: "B", Quantity: 1},
		{ProductID: "C", Quantity: 3},
	})
	if err != nil {
		t.Fatalf("check batch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if got[0].ProductID != "A" || !got[0].Available || got[0].AvailableQuantity != 5 || got[0].ReservedQuantity != 1 {
		t.Fatalf("unexpected first result %#v", got[0])
	}
	if got[1].ProductID != "B" || got[1].Reported || got[1].Status != domain.InventoryStatusUnknown {
		t.Fatalf("expected unreported B, got %#v", got[1])
	}
	if got[2].ProductID != "C" || got[2].Available || got[2].Status != domain.InventoryStatusOutOfStock || got[2].RequestedQuantity != 3 {
		t.Fatalf("unexpected third result %#v", got[2])
	}
}

func TestCheckInventoryBatchRetriesThenReportsUnavailable(t *testing.T) {
	conn := &stubConn{handle: func(string, int, []byte) (any, error) {
		return nil, status.Error(codes.DeadlineExceeded, "slow")
	}}
	client := newTestClient(t, conn)

	_, err := client.CheckInventoryBatch(context.Background(), []domain.InventoryCheck{{ProductID: "A", Quantity: 1}})
	if !errors.Is(err, clients.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if conn.calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", conn.calls())
	}
}

func TestReserveInventoryRecomputesAllReserved(t *testing.T) {
	expiresAt := testNow.Add(15 * time.Minute)
	conn := &stubConn{handle: func(_ string, _ int, payload []byte) (any, error) {
		req := decodeRequest[ReserveInventoryRequest](t, payload)
		if req.ReservationID != "res_1" || req.UserID != "user-1" || req.ExpiresAt != expiresAt.Unix() {
			t.Fatalf("unexpected request %#v", req)
		}
		return ReserveInventoryResponse{
			ReservationID: "res_1",
			AllReserved:   true,
			ResultStatus:  ResultStatus{Code: "OK"},
			Results: []ReserveResult{
				{ProductID: "A", RequestedQuantity: 2, ReservedQuantity: 2, Success: true},
			},
		}, nil
	}}
	client := newTestClient(t, conn)

	result, err := client.ReserveInventory(context.Background(), "res_1", "user-1", []domain.ReservationItem{
		{ProductID: "A", Quantity: 2},
		{ProductID: "B", Quantity: 1},
	}, expiresAt)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if result.AllReserved {
		t.Fatalf("expected missing line to make reservation partial")
	}
	if len(result.Items) != 2 || !result.Items[0].Success || result.Items[1].Success {
		t.Fatalf("unexpected per-item results %#v", result.Items)
	}
	if result.Items[1].ErrorMessage == "" {
		t.Fatalf("expected message for unreported line")
	}
	if !result.ExpiresAt.Equal(expiresAt) || result.ReservationID != "res_1" {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestReserveInventoryPartialSuccessIsAResult(t *testing.T) {
	conn := &stubConn{handle: func(string, int, []byte) (any, error) {
		return ReserveInventoryResponse{
			ResultStatus: ResultStatus{Code: "OK"},
			Results: []ReserveResult{
				{ProductID: "A", RequestedQuantity: 2, ReservedQuantity: 2, Success: true},
				{ProductID: "B", RequestedQuantity: 3, ReservedQuantity: 1, Success: false, ErrorMessage: "insufficient stock"},
			},
		}, nil
	}}
	client := newTestClient(t, conn)

	result, err := client.ReserveInventory(context.Background(), "res_2", "user-1", []domain.ReservationItem{
		{ProductID: "A", Quantity: 2},
		{ProductID: "B", Quantity: 3},
	}, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if result.AllReserved || result.Items[1].ReservedQuantity != 1 || result.Items[1].ErrorMessage != "insufficient stock" {
		t.Fatalf("unexpected result %#v", result)
	}
	if conn.calls() != 1 {
		t.Fatalf("expected per-item failures not to be retried, got %d calls", conn.calls())
	}
}

func TestReserveInventoryRejectsPastExpiry(t *testing.T) {
	conn := &stubConn{handle: func(string, int, []byte) (any, error) {
		t.Fatalf("unexpected rpc")
		return nil, nil
	}}
	client := newTestClient(t, conn)

	_, err := client.ReserveInventory(context.Background(), "res_3", "user-1", []domain.ReservationItem{{ProductID: "A", Quantity: 1}}, testNow)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestReserveInventoryRetriesTransportErrors(t *testing.T) {
	conn := &stubConn{handle: func(_ string, call int, _ []byte) (any, error) {
		if call == 1 {
			return nil, status.Error(codes.Unavailable, "reset")
		}
		return ReserveInventoryResponse{
			ReservationID: "res_4",
			ResultStatus:  ResultStatus{Code: "OK"},
			Results:       []ReserveResult{{ProductID: "A", RequestedQuantity: 1, ReservedQuantity: 1, Success: true}},
		}, nil
	}}
	client := newTestClient(t, conn)

	result, err := client.ReserveInventory(context.Background(), "res_4", "user-1", []domain.ReservationItem{{ProductID: "A", Quantity: 1}}, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !result.AllReserved || conn.calls() != 2 {
		t.Fatalf("expected success on second attempt, got %#v after %d calls", result, conn.calls())
	}
}

func TestReserveInventoryRejectedRequest(t *testing.T) {
	conn := &stubConn{handle: func(string, int, []byte) (any, error) {
		return ReserveInventoryResponse{ResultStatus: ResultStatus{Code: "FAILED_PRECONDITION", Message: "inventory locked"}}, nil
	}}
	client := newTestClient(t, conn)

	_, err := client.ReserveInventory(context.Background(), "res_5", "user-1", []domain.ReservationItem{{ProductID: "A", Quantity: 1}}, testNow.Add(time.Minute))
	if !errors.Is(err, clients.ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
}
