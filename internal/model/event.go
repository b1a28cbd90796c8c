package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypeOrder  = "ORDER"
	TypeReturn = "RETURN"
)

// LineItem is one purchased (or returned) SKU inside an invoice.
type LineItem struct {
	SKU       string          `json:"SKU"`
	Title     string          `json:"title"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int32           `json:"quantity"`
}

// RawEvent is the decoded wire payload of one retail transaction.
// Items is nil when the payload carried no item list at all.
type RawEvent struct {
	InvoiceNo int64      `json:"invoice_no"`
	Country   string     `json:"country"`
	Timestamp EventTime  `json:"timestamp"`
	Type      string     `json:"type"`
	Items     []LineItem `json:"items"`
}

// EnrichedEvent is RawEvent plus the derived KPI inputs.
type EnrichedEvent struct {
	InvoiceNo  int64           `json:"invoice_no"`
	Country    string          `json:"country"`
	Timestamp  time.Time       `json:"timestamp"`
	IsOrder    int             `json:"is_order"`
	IsReturn   int             `json:"is_return"`
	TotalItems int64           `json:"total_items"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	// HasItems is false when the item list was absent, in which case
	// TotalItems and TotalCost are zero and carry no contribution.
	HasItems bool `json:"-"`
}
