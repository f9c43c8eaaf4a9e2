package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
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

// ProductsBatchRequest is the GetProductsBatch request body.
type ProductsBatchRequest struct {
	ProductIDs []string         `json:"product_ids"`
	Metadata   *RequestMetadata `json:"metadata,omitempty"`
}

// ProductsBatchResponse is the GetProductsBatch reply body.
type ProductsBatchResponse struct {
	Products  []Product        `json:"products"`
	Status    ResultStatus     `json:"status"`
	LatencyMS int64            `json:"latency_ms,omitempty"`
	Metadata  *RequestMetadata `json:"metadata,omitempty"`
}

// Product mirrors the catalog product summary on the wire.
type Product struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	ShortDescription string           `json:"short_description,omitempty"`
	Price            decimal.Decimal  `json:"price"`
	OriginalPrice    *decimal.Decimal `json:"original_price,omitempty"`
	RatingAverage    float64          `json:"rating_average,omitempty"`
	ReviewCount      int              `json:"review_count,omitempty"`
	InventoryStatus  string           `json:"inventory_status,omitempty"`
	QuantitySold     int              `json:"quantity_sold,omitempty"`
	Brand            *Brand           `json:"brand,omitempty"`
	Images           []Image          `json:"images,omitempty"`
	Categories       []Category       `json:"categories,omitempty"`
}

// Brand is the product brand.
type Brand struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Slug            string `json:"slug,omitempty"`
	CountryOfOrigin string `json:"country_of_origin,omitempty"`
}

// Image is a product image.
type Image struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Position int    `json:"position,omitempty"`
}

// Category is a product category.
type Category struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	Level    int    `json:"level,omitempty"`
}

// Validate checks the reply shape before it is mapped to domain types.
func (r *ProductsBatchResponse) Validate() error {
	if r == nil {
		return errors.New("empty response")
	}
	var errs []error
	for i, p := range r.Products {
		if strings.TrimSpace(p.ID) == "" {
			errs = append(errs, fmt.Errorf("products[%d].id is required", i))
		}
		if p.Price.IsNegative() {
			errs = append(errs, fmt.Errorf("products[%d].price must not be negative", i))
		}
		if p.OriginalPrice != nil && p.OriginalPrice.IsNegative() {
			errs = append(errs, fmt.Errorf("products[%d].original_price must not be negative", i))
		}
	}
	return errors.Join(errs...)
}
