package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	domain "github.com/hanko-field/cart/internal/domain"
)

const (
	defaultCurrency  = "VND"
	defaultLocale    = "vi-VN"
	maxDecimalPlaces = 8
)

var errCartPricingInvalid = errors.New("cart service: invalid pricing settings")

// PricingSettings controls rounding and the informational estimate attached to carts.
type PricingSettings struct {
	Currency                string
	DecimalPlaces           int
	TaxRate                 decimal.Decimal
	ShippingCost            decimal.Decimal
	FreeShippingThreshold   decimal.Decimal
	BulkDiscountMinQuantity int
	BulkDiscountRate        decimal.Decimal
	Locale                  string
}

// estimator rounds totals and builds the tax, shipping and discount estimate.
// The estimate never feeds back into Cart.TotalAmount.
type estimator struct {
	currency        string
	unit            currency.Unit
	places          int32
	taxRate         decimal.Decimal
	shippingCost    decimal.Decimal
	freeThreshold   decimal.Decimal
	bulkMinQuantity int
	bulkRate        decimal.Decimal
	printer         *message.Printer
}

func newEstimator(settings PricingSettings) (*estimator, error) {
	code := strings.ToUpper(strings.TrimSpace(settings.Currency))
	if code == "" {
		code = defaultCurrency
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return nil, fmt.Errorf("%w: currency %q: %v", errCartPricingInvalid, code, err)
	}
	if settings.DecimalPlaces < 0 || settings.DecimalPlaces > maxDecimalPlaces {
		return nil, fmt.Errorf("%w: decimal places must be between 0 and %d", errCartPricingInvalid, maxDecimalPlaces)
	}
	for name, value := range map[string]decimal.Decimal{
		"tax rate":                settings.TaxRate,
		"shipping cost":           settings.ShippingCost,
		"free shipping threshold": settings.FreeShippingThreshold,
		"bulk discount rate":      settings.BulkDiscountRate,
	} {
		if value.IsNegative() {
			return nil, fmt.Errorf("%w: %s must not be negative", errCartPricingInvalid, name)
		}
	}
	if settings.BulkDiscountRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: bulk discount rate must not exceed 1", errCartPricingInvalid)
	}

	locale := strings.TrimSpace(settings.Locale)
	if locale == "" {
		locale = defaultLocale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("%w: locale %q: %v", errCartPricingInvalid, locale, err)
	}

	return &estimator{
		currency:        code,
		unit:            unit,
		places:          int32(settings.DecimalPlaces),
		taxRate:         settings.TaxRate,
		shippingCost:    settings.ShippingCost,
		freeThreshold:   settings.FreeShippingThreshold,
		bulkMinQuantity: settings.BulkDiscountMinQuantity,
		bulkRate:        settings.BulkDiscountRate,
		printer:         message.NewPrinter(tag),
	}, nil
}

func (e *estimator) round(amount decimal.Decimal) decimal.Decimal {
	return domain.RoundMoney(amount, e.places)
}

// estimate derives tax, shipping and bulk discount from the unrounded subtotal.
// Each figure is rounded once.
func (e *estimator) estimate(items []EnrichedCartItem, subtotal decimal.Decimal) CartEstimate {
	quantity := 0
	for _, item := range items {
		if item.Found {
			quantity += item.Quantity
		}
	}

	discount := decimal.Zero
	if e.bulkMinQuantity > 0 && quantity > e.bulkMinQuantity {
		discount = subtotal.Mul(e.bulkRate)
	}
	tax := subtotal.Mul(e.taxRate)
	shipping := e.shippingCost
	free := subtotal.GreaterThanOrEqual(e.freeThreshold)
	if free {
		shipping = decimal.Zero
	}
	total := subtotal.Add(tax).Add(shipping).Sub(discount)

	est := CartEstimate{
		Currency:              e.currency,
		Subtotal:              e.round(subtotal),
		Discount:              e.round(discount),
		Tax:                   e.round(tax),
		Shipping:              e.round(shipping),
		Total:                 e.round(total),
		TaxRate:               e.taxRate,
		FreeShippingThreshold: e.freeThreshold,
		FreeShipping:          free,
	}
	est.Formatted = domain.FormattedEstimate{
		Subtotal: e.format(est.Subtotal),
		Discount: e.format(est.Discount),
		Tax:      e.format(est.Tax),
		Shipping: e.format(est.Shipping),
		Total:    e.format(est.Total),
	}
	return est
}

// format renders an amount with locale separators followed by the currency symbol.
func (e *estimator) format(amount decimal.Decimal) string {
	value := amount.InexactFloat64()
	return e.printer.Sprintf("%v %v", number.Decimal(value, number.Scale(int(e.places))), currency.Symbol(e.unit))
}
