package aggregate

import (
	"github.com/shopspring/decimal"

	"retailkpi/internal/model"
)

// Accumulator is the partial aggregate of one (window, group) pair.
// All fields are sums, so folding order never changes the result.
type Accumulator struct {
	SumTotalCost decimal.Decimal `json:"sumTotalCost"`
	Count        int64           `json:"count"`
	SumIsOrder   int64           `json:"sumIsOrder"`
	SumIsReturn  int64           `json:"sumIsReturn"`
	SumItems     int64           `json:"sumItems"`
}

// Add folds one event into the accumulator. Events without an item list
// are counted but contribute no cost or items.
func (a *Accumulator) Add(ev model.EnrichedEvent) {
	a.Count++
	a.SumIsOrder += int64(ev.IsOrder)
	a.SumIsReturn += int64(ev.IsReturn)
	if ev.HasItems {
		a.SumTotalCost = a.SumTotalCost.Add(ev.TotalCost)
		a.SumItems += ev.TotalItems
	}
}

// Merge folds another partial aggregate into a.
func (a *Accumulator) Merge(o Accumulator) {
	a.SumTotalCost = a.SumTotalCost.Add(o.SumTotalCost)
	a.Count += o.Count
	a.SumIsOrder += o.SumIsOrder
	a.SumIsReturn += o.SumIsReturn
	a.SumItems += o.SumItems
}

// OPM is the number of invoices observed in the window.
func (a Accumulator) OPM() int64 { return a.Count }

// TotalVolumeOfSales is the signed sum of all transaction costs.
func (a Accumulator) TotalVolumeOfSales() float64 {
	return a.SumTotalCost.InexactFloat64()
}

// AverageTransactionSize is the mean signed cost per invoice.
func (a Accumulator) AverageTransactionSize() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.SumTotalCost.Div(decimal.NewFromInt(a.Count)).InexactFloat64()
}

// RateOfReturn is the fraction of invoices that were returns.
func (a Accumulator) RateOfReturn() float64 {
	if a.Count == 0 {
		return 0
	}
	return float64(a.SumIsReturn) / float64(a.Count)
}
