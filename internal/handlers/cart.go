package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hanko-field/cart/internal/platform/auth"
	"github.com/hanko-field/cart/internal/platform/httpx"
	"github.com/hanko-field/cart/internal/platform/observability"
	"github.com/hanko-field/cart/internal/platform/requestctx"
	"github.com/hanko-field/cart/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn   *auth.Authenticator
	carts   services.CartService
	limiter RateLimiter
	replay  func(http.Handler) http.Handler
}

// CartOption customises CartHandlers.
type CartOption func(*CartHandlers)

// WithCartRateLimiter limits requests per user on every cart route.
func WithCartRateLimiter(limiter RateLimiter) CartOption {
	return func(h *CartHandlers) {
		h.limiter = limiter
	}
}

// WithCartIdempotency guards mutating cart routes with an Idempotency-Key replay middleware.
func WithCartIdempotency(mw func(http.Handler) http.Handler) CartOption {
	return func(h *CartHandlers) {
		h.replay = mw
	}
}

// NewCartHandlers constructs handlers enforcing bearer authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{
		authn: authn,
		carts: carts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	if h.limiter != nil {
		r.Use(RateLimitMiddleware(h.limiter))
	}
	if h.replay != nil {
		r.Use(h.replay)
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Put("/items/{productId}", h.updateItem)
	r.Delete("/items/{productId}", h.removeItem)
	r.Get("/count", h.countItems)
	r.Get("/validate", h.validateCart)
	r.Post("/validate", h.validateCart)
	r.Post("/merge", h.mergeGuestCart)
	r.Post("/checkout/prepare", h.prepareCheckout)
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  *int   `json:"quantity"`
}

type updateItemRequest struct {
	Quantity *int `json:"quantity"`
}

type validateRequest struct {
	PriceSnapshot map[string]string `json:"priceSnapshot"`
}

type mergeRequest struct {
	GuestCartItems []guestItemRequest `json:"guestCartItems"`
}

type guestItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.begin(w, r, "get cart")
	if !ok {
		return
	}

	cart, err := h.carts.GetCart(ctx, userID)
	if err != nil {
		writeCartError(ctx, w, "get cart", err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.begin(w, r, "add to cart")
	if !ok {
		return
	}

	var req addItemRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.AddToCart(ctx, services.AddToCartCommand{
		UserID:    userID,
		ProductID: strings.TrimSpace(req.ProductID),
		Quantity:  *req.Quantity,
	})
	if err != nil {
		writeCartError(ctx, w, "add to cart", err)
		return
	}
	writeCart(w, http.StatusCreated, cart)
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.begin(w, r, "update cart item")
	if !ok {
		return
	}

	var req updateItemRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.UpdateCartItem(ctx, services.UpdateCartItemCommand{
		UserID:    userID,
		ProductID: strings.TrimSpace(chi.URLParam(r, "productId")),
		Quantity:  *req.Quantity,
	})
	if err != nil {
		writeCartError(ctx, w, "update cart item", err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.begin(w, r, "remove from cart")
	if !ok {
		return
	}

	cart, err := h.carts.RemoveFromCart(ctx, userID, strings.TrimSpace(chi.URLParam(r, "productId")))
	if err != nil {
		writeCartError(ctx, w, "remove from cart", err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.begin(w, r, "clear cart")
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, userID); err != nil {
		writeCartError(ctx, w, "clear cart", err)
		return
	}
	w.Header().Set("Cache-Control", noStore)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) countItems(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.begin(w, r, "count cart items")
	if !ok {
		return
	}

	count, err := h.carts.GetCartItemCount(ctx, userID)
	if err != nil {
		writeCartError(ctx, w, "count cart items", err)
		return
	}
	w.Header().Set("Cache-Control", noStore)
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *CartHandlers) validateCart(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.begin(w, r, "validate cart")
	if !ok {
		return
	}

	raw, ok := priceSnapshotFromRequest(ctx, w, r)
	if !ok {
		return
	}
	snapshot, err := services.ParsePriceSnapshot(raw)
	if err != nil {
		writeCartError(ctx, w, "validate cart", err)
		return
	}

	result, err := h.carts.ValidateCart(ctx, services.ValidateCartCommand{UserID: userID, PriceSnapshot: snapshot})
	if err != nil {
		writeCartError(ctx, w, "validate cart", err)
		return
	}
	w.Header().Set("Cache-Control", noStore)
	httpx.WriteJSON(w, http.StatusOK, validationResponse{Validation: buildValidationPayload(result)})
}

func (h *CartHandlers) mergeGuestCart(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.begin(w, r, "merge guest cart")
	if !ok {
		return
	}

	var req mergeRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	if req.GuestCartItems == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "guestCartItems must be an array", http.StatusBadRequest))
		return
	}

	guest := make([]services.GuestCartItem, 0, len(req.GuestCartItems))
	for _, item := range req.GuestCartItems {
		guest = append(guest, services.GuestCartItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	result, err := h.carts.MergeGuestCart(ctx, userID, guest)
	if err != nil {
		writeCartError(ctx, w, "merge guest cart", err)
		return
	}

	payload := mergeResponse{
		Cart:        buildCartPayload(result.Cart),
		Adjustments: make([]mergeAdjustmentPayload, 0, len(result.Adjustments)),
	}
	for _, adj := range result.Adjustments {
		payload.Adjustments = append(payload.Adjustments, mergeAdjustmentPayload{
			ProductID: adj.ProductID,
			Requested: adj.Requested,
			Applied:   adj.Applied,
			Reason:    string(adj.Reason),
		})
	}
	setCartResponseHeaders(w, result.Cart)
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *CartHandlers) prepareCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.begin(w, r, "prepare checkout")
	if !ok {
		return
	}

	prep, err := h.carts.PrepareCheckout(ctx, userID)
	if err != nil {
		writeCartError(ctx, w, "prepare checkout", err)
		return
	}

	payload := checkoutResponse{
		Cart:        buildCartPayload(prep.Cart),
		Validation:  buildValidationPayload(prep.Validation),
		Reservation: buildReservationPayload(prep.Reservation),
		Summary: checkoutSummaryPayload{
			ItemCount:          prep.Summary.ItemCount,
			TotalAmount:        prep.Summary.TotalAmount,
			Currency:           prep.Summary.Currency,
			IsReadyForCheckout: prep.Summary.IsReadyForCheckout,
		},
	}
	w.Header().Set("Cache-Control", noStore)
	httpx.WriteJSON(w, http.StatusOK, payload)
}

// begin resolves the authenticated user. It writes the error response and reports false when the
// request cannot proceed.
// begin resolves the caller and tags the request log with the user, operation and product.
func (h *CartHandlers) begin(w http.ResponseWriter, r *http.Request, op string) (context.Context, string, bool) {
	ctx := requestctx.Annotate(r.Context(), requestctx.FieldOperation, op)
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return ctx, "", false
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UserID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return ctx, "", false
	}
	userID := strings.TrimSpace(identity.UserID)
	ctx = requestctx.Annotate(ctx, requestctx.FieldUserID, observability.SanitizeUserID(userID))
	ctx = requestctx.Annotate(ctx, requestctx.FieldProductID, strings.TrimSpace(chi.URLParam(r, "productId")))
	return ctx, userID, true
}

// priceSnapshotFromRequest reads previously seen unit prices from repeated "price=<productId>:<amount>"
// query parameters or, on POST, from an optional JSON body {"priceSnapshot": {"<productId>": "<amount>"}}.
func priceSnapshotFromRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	raw := make(map[string]string)
	for _, value := range r.URL.Query()["price"] {
		sep := strings.LastIndex(value, ":")
		if sep <= 0 || sep == len(value)-1 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "price must be formatted as productId:amount", http.StatusBadRequest))
			return nil, false
		}
		raw[value[:sep]] = value[sep+1:]
	}
	if r.Method != http.MethodPost {
		return raw, true
	}

	var req validateRequest
	err := httpx.DecodeJSON(r, maxCartBodySize, &req)
	switch {
	case err == nil:
	case errors.Is(err, httpx.ErrEmptyBody):
		return raw, true
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return nil, false
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return nil, false
	}
	for productID, amount := range req.PriceSnapshot {
		raw[productID] = amount
	}
	return raw, true
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	err := httpx.DecodeJSON(r, maxCartBodySize, dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
	return false
}

// cartErrorRules maps service sentinels to API envelopes, most specific first.
var cartErrorRules = []httpx.ErrorRule{
	{Target: services.ErrCartInvalidInput, Code: "invalid_request", Status: http.StatusBadRequest},
	{Target: services.ErrCartNotFound, Code: "not_found", Status: http.StatusNotFound},
	{Target: services.ErrCartInsufficientStock, Code: "insufficient_stock", Status: http.StatusConflict},
	{Target: services.ErrCartReservationFailed, Code: "reservation_failed", Status: http.StatusConflict},
	{
		Target:     services.ErrCartUnavailable,
		Code:       "cart_service_unavailable",
		Status:     http.StatusServiceUnavailable,
		Message:    "a cart dependency is unavailable",
		RetryAfter: unavailableRetryAfter,
	},
}

const unavailableRetryAfter = 5 * time.Second

func writeCartError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	if err == nil {
		return
	}
	if apiErr, ok := httpx.Classify(err, cartErrorRules); ok {
		if apiErr.Status >= http.StatusInternalServerError {
			observability.FromContext(ctx).Warn("cart dependency unavailable", zap.String("op", op), zap.Error(err))
		}
		httpx.WriteError(ctx, w, apiErr)
		return
	}
	observability.FromContext(ctx).Error("cart request failed", zap.String("op", op), zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("cart_error", fmt.Sprintf("failed to %s", op), http.StatusInternalServerError))
}

const noStore = "no-store, no-cache, max-age=0, must-revalidate"

func writeCart(w http.ResponseWriter, status int, cart *services.Cart) {
	setCartResponseHeaders(w, cart)
	httpx.WriteJSON(w, status, cartResponse{Cart: buildCartPayload(cart)})
}

func setCartResponseHeaders(w http.ResponseWriter, cart *services.Cart) {
	w.Header().Set("Cache-Control", noStore)
	w.Header().Set("Pragma", "no-cache")
	if cart == nil {
		return
	}
	if !cart.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cart.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(cart); etag != "" {
		w.Header().Set("ETag", etag)
	}
}

func buildCartETag(cart *services.Cart) string {
	if cart == nil || cart.UpdatedAt.IsZero() {
		return ""
	}
	input := fmt.Sprintf("%s:%d:%d:%s", cart.UserID, cart.UpdatedAt.UTC().UnixNano(), cart.ItemCount, cart.TotalAmount.String())
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf(`W/"%s"`, hex.EncodeToString(sum[:8]))
}

type cartResponse struct {
	Cart *cartPayload `json:"cart"`
}

type validationResponse struct {
	Validation validationPayload `json:"validation"`
}

type mergeResponse struct {
	Cart        *cartPayload             `json:"cart"`
	Adjustments []mergeAdjustmentPayload `json:"adjustments"`
}

type checkoutResponse struct {
	Cart        *cartPayload           `json:"cart"`
	Validation  validationPayload      `json:"validation"`
	Reservation *reservationPayload    `json:"reservation,omitempty"`
	Summary     checkoutSummaryPayload `json:"summary"`
}

type cartPayload struct {
	UserID      string               `json:"userId"`
	Items       []cartItemPayload    `json:"items"`
	ItemCount   int                  `json:"itemCount"`
	TotalAmount decimal.Decimal      `json:"totalAmount"`
	Currency    string               `json:"currency"`
	Estimate    *cartEstimatePayload `json:"estimate,omitempty"`
	CreatedAt   string               `json:"createdAt,omitempty"`
	UpdatedAt   string               `json:"updatedAt,omitempty"`
	ExpiresAt   string               `json:"expiresAt,omitempty"`
}

type cartItemPayload struct {
	ProductID         string           `json:"productId"`
	Quantity          int              `json:"quantity"`
	Name              string           `json:"name"`
	ImageURL          string           `json:"imageUrl,omitempty"`
	UnitPrice         decimal.Decimal  `json:"unitPrice"`
	OriginalPrice     *decimal.Decimal `json:"originalPrice,omitempty"`
	LineTotal         decimal.Decimal  `json:"lineTotal"`
	InventoryStatus   string           `json:"inventoryStatus"`
	IsAvailable       bool             `json:"isAvailable"`
	AvailableQuantity int              `json:"availableQuantity"`
	AddedAt           string           `json:"addedAt,omitempty"`
	UpdatedAt         string           `json:"updatedAt,omitempty"`
}

type cartEstimatePayload struct {
	Subtotal              decimal.Decimal   `json:"subtotal"`
	Discount              decimal.Decimal   `json:"discount"`
	Tax                   decimal.Decimal   `json:"tax"`
	Shipping              decimal.Decimal   `json:"shipping"`
	Total                 decimal.Decimal   `json:"total"`
	TaxRate               decimal.Decimal   `json:"taxRate"`
	FreeShippingThreshold decimal.Decimal   `json:"freeShippingThreshold"`
	FreeShipping          bool              `json:"freeShipping"`
	Formatted             map[string]string `json:"formatted"`
}

type validationPayload struct {
	IsValid      bool                     `json:"isValid"`
	Errors       []string                 `json:"errors"`
	InvalidItems []string                 `json:"invalidItems"`
	Issues       []validationIssuePayload `json:"issues"`
}

type validationIssuePayload struct {
	ProductID string `json:"productId,omitempty"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

type reservationPayload struct {
	ReservationID string                   `json:"reservationId"`
	AllReserved   bool                     `json:"allReserved"`
	ExpiresAt     string                   `json:"expiresAt"`
	Items         []reservationItemPayload `json:"items"`
}

type reservationItemPayload struct {
	ProductID         string `json:"productId"`
	RequestedQuantity int    `json:"requestedQuantity"`
	ReservedQuantity  int    `json:"reservedQuantity"`
	Success           bool   `json:"success"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
}

type checkoutSummaryPayload struct {
	ItemCount          int             `json:"itemCount"`
	TotalAmount        decimal.Decimal `json:"totalAmount"`
	Currency           string          `json:"currency"`
	IsReadyForCheckout bool            `json:"isReadyForCheckout"`
}

type mergeAdjustmentPayload struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Applied   int    `json:"applied"`
	Reason    string `json:"reason"`
}

func buildCartPayload(cart *services.Cart) *cartPayload {
	if cart == nil {
		return nil
	}
	payload := &cartPayload{
		UserID:      cart.UserID,
		Items:       make([]cartItemPayload, 0, len(cart.Items)),
		ItemCount:   cart.ItemCount,
		TotalAmount: cart.TotalAmount,
		Currency:    strings.ToUpper(strings.TrimSpace(cart.Currency)),
		CreatedAt:   formatTime(cart.CreatedAt),
		UpdatedAt:   formatTime(cart.UpdatedAt),
		ExpiresAt:   formatTime(cart.ExpiresAt),
	}
	for _, line := range cart.Items {
		item := cartItemPayload{
			ProductID:         line.ProductID,
			Quantity:          line.Quantity,
			Name:              line.Name,
			ImageURL:          line.ImageURL,
			UnitPrice:         line.UnitPrice,
			LineTotal:         line.LineTotal,
			InventoryStatus:   string(line.InventoryStatus),
			IsAvailable:       line.Available,
			AvailableQuantity: line.AvailableQuantity,
			AddedAt:           formatTime(line.AddedAt),
			UpdatedAt:         formatTime(line.UpdatedAt),
		}
		if line.Product != nil {
			item.OriginalPrice = line.Product.OriginalPrice
		}
		payload.Items = append(payload.Items, item)
	}
	if est := cart.Estimate; est != nil {
		payload.Estimate = &cartEstimatePayload{
			Subtotal:              est.Subtotal,
			Discount:              est.Discount,
			Tax:                   est.Tax,
			Shipping:              est.Shipping,
			Total:                 est.Total,
			TaxRate:               est.TaxRate,
			FreeShippingThreshold: est.FreeShippingThreshold,
			FreeShipping:          est.FreeShipping,
			Formatted: map[string]string{
				"subtotal": est.Formatted.Subtotal,
				"discount": est.Formatted.Discount,
				"tax":      est.Formatted.Tax,
				"shipping": est.Formatted.Shipping,
				"total":    est.Formatted.Total,
			},
		}
	}
	return payload
}

func buildValidationPayload(result services.CartValidationResult) validationPayload {
	payload := validationPayload{
		IsValid:      result.IsValid,
		Errors:       result.Errors(),
		InvalidItems: result.InvalidItems(),
		Issues:       make([]validationIssuePayload, 0, len(result.Issues)),
	}
	for _, issue := range result.Issues {
		payload.Issues = append(payload.Issues, validationIssuePayload{
			ProductID: issue.ProductID,
			Reason:    string(issue.Reason),
			Message:   issue.Message,
		})
	}
	return payload
}

func buildReservationPayload(result *services.ReservationResult) *reservationPayload {
	if result == nil {
		return nil
	}
	payload := &reservationPayload{
		ReservationID: result.ReservationID,
		AllReserved:   result.AllReserved,
		ExpiresAt:     formatTime(result.ExpiresAt),
		Items:         make([]reservationItemPayload, 0, len(result.Items)),
	}
	for _, item := range result.Items {
		payload.Items = append(payload.Items, reservationItemPayload{
			ProductID:         item.ProductID,
			RequestedQuantity: item.RequestedQuantity,
			ReservedQuantity:  item.ReservedQuantity,
			Success:           item.Success,
			ErrorMessage:      item.ErrorMessage,
		})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
