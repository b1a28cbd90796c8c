package model

import (
	"github.com/shopspring/decimal"
)

// IsOrder returns 1 iff the type is exactly ORDER.
func IsOrder(typ string) int {
	if typ == TypeOrder {
		return 1
	}
	return 0
}

// IsReturn returns 1 iff the type is exactly RETURN.
func IsReturn(typ string) int {
	if typ == TypeReturn {
		return 1
	}
	return 0
}

// TotalItems sums the line quantities.
func TotalItems(items []LineItem) int64 {
	var n int64
	for _, it := range items {
		n += int64(it.Quantity)
	}
	return n
}

// TotalCost sums quantity*unit_price over the lines, negated for returns.
func TotalCost(items []LineItem, typ string) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt32(it.Quantity)))
	}
	if typ == TypeReturn {
		return total.Neg()
	}
	return total
}

// Normalize converts a decoded RawEvent into an EnrichedEvent.
// ok is false when the event has no usable timestamp and must be skipped.
func Normalize(ev RawEvent) (out EnrichedEvent, ok bool) {
	if ev.Timestamp.IsZero() {
		return EnrichedEvent{}, false
	}
	out = EnrichedEvent{
		InvoiceNo: ev.InvoiceNo,
		Country:   ev.Country,
		Timestamp: ev.Timestamp.Time().UTC(),
		IsOrder:   IsOrder(ev.Type),
		IsReturn:  IsReturn(ev.Type),
		TotalCost: decimal.Zero,
		HasItems:  ev.Items != nil,
	}
	if out.HasItems {
		out.TotalItems = TotalItems(ev.Items)
		out.TotalCost = TotalCost(ev.Items, ev.Type)
	}
	return out, true
}
