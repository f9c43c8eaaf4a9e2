package inventory

import (
	"strings"
)

// RequestMetadata is attached to every outbound request.
type RequestMetadata struct {
	Data map[string]string `json:"data,omitempty"`
}

// ResultStatus is the application level status embedded in replies.
type ResultStatus struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the upstream accepted the request.
func (s ResultStatus) OK() bool {
	return strings.EqualFold(strings.TrimSpace(s.Code), "OK")
}

// CheckInventoryRequest asks for availability of a single product.
type CheckInventoryRequest struct {
	ProductID string           `json:"product_id"`
	Quantity  int              `json:"quantity"`
	Metadata  *RequestMetadata `json:"metadata,omitempty"`
}

// CheckInventoryResponse answers CheckInventoryRequest.
type CheckInventoryResponse struct {
	ProductID         string       `json:"product_id"`
	Available         bool         `json:"available"`
	AvailableQuantity int          `json:"available_quantity"`
	Status            string       `json:"status,omitempty"`
	ResultStatus      ResultStatus `json:"result_status"`
	LatencyMS         int64        `json:"latency_ms,omitempty"`
}

// ItemRequest is a product and quantity pair.
type ItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CheckInventoryBatchRequest asks for availability of many products.
type CheckInventoryBatchRequest struct {
	Items    []ItemRequest    `json:"items"`
	Metadata *RequestMetadata `json:"metadata,omitempty"`
}

// BatchItem is one entry of a batch availability reply.
type BatchItem struct {
	ProductID         string `json:"product_id"`
	Available         bool   `json:"available"`
	AvailableQuantity int    `json:"available_quantity"`
	ReservedQuantity  int    `json:"reserved_quantity"`
	Status            string `json:"status,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// CheckInventoryBatchResponse answers CheckInventoryBatchRequest.
type CheckInventoryBatchResponse struct {
	Items        []BatchItem  `json:"items"`
	ResultStatus ResultStatus `json:"result_status"`
	LatencyMS    int64        `json:"latency_ms,omitempty"`
}

// ReserveInventoryRequest holds stock for a checkout. ExpiresAt is in unix seconds.
type ReserveInventoryRequest struct {
	ReservationID string           `json:"reservation_id"`
	UserID        string           `json:"user_id"`
	Items         []ItemRequest    `json:"items"`
	ExpiresAt     int64            `json:"expires_at"`
	Metadata      *RequestMetadata `json:"metadata,omitempty"`
}

// ReserveResult is the per-item reservation outcome.
type ReserveResult struct {
	ProductID         string `json:"product_id"`
	RequestedQuantity int    `json:"requested_quantity"`
	ReservedQuantity  int    `json:"reserved_quantity"`
	Success           bool   `json:"success"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// ReserveInventoryResponse answers ReserveInventoryRequest.
type ReserveInventoryResponse struct {
	ReservationID string          `json:"reservation_id"`
	Results       []ReserveResult `json:"results"`
	AllReserved   bool            `json:"all_reserved"`
	ResultStatus  ResultStatus    `json:"result_status"`
	LatencyMS     int64           `json:"latency_ms,omitempty"`
}
