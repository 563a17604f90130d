package ledger

import (
	"sync"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"github.com/shopspring/decimal"
)

// PricingResolver returns the unit price of one outcome's billing category on
// a given gateway. FREE always prices to zero.
type PricingResolver interface {
	UnitPrice(gatewayID string, category domain.BillingCategory) decimal.Decimal
}

// TablePricing is a static per-gateway price table with a fallback row.
type TablePricing struct {
	mu       sync.RWMutex
	prices   map[string]map[domain.BillingCategory]decimal.Decimal
	fallback map[domain.BillingCategory]decimal.Decimal
}

func NewTablePricing(fallback map[domain.BillingCategory]decimal.Decimal) *TablePricing {
	if fallback == nil {
		fallback = map[domain.BillingCategory]decimal.Decimal{}
	}
	return &TablePricing{
		prices:   make(map[string]map[domain.BillingCategory]decimal.Decimal),
		fallback: fallback,
	}
}

func (t *TablePricing) SetGatewayPrices(gatewayID string, prices map[domain.BillingCategory]decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row := make(map[domain.BillingCategory]decimal.Decimal, len(prices))
	for category, price := range prices {
		row[category] = price
	}
	t.prices[gatewayID] = row
}

func (t *TablePricing) UnitPrice(gatewayID string, category domain.BillingCategory) decimal.Decimal {
	if !category.Billable() {
		return decimal.Zero
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if row, ok := t.prices[gatewayID]; ok {
		if price, ok := row[category]; ok {
			return price
		}
	}
	if price, ok := t.fallback[category]; ok {
		return price
	}
	return decimal.Zero
}

// MaxUnitPrice is the worst-case price across billable categories, used by
// the advisory admission check.
func MaxUnitPrice(pricing PricingResolver, gatewayID string) decimal.Decimal {
	max := decimal.Zero
	for _, category := range domain.BillableCategories() {
		if price := pricing.UnitPrice(gatewayID, category); price.GreaterThan(max) {
			max = price
		}
	}
	return max
}
