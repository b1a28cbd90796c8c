package sink

import (
	"sync"

	"go.uber.org/zap"

	"retailkpi/internal/model"
)

// Console buffers per-event diagnostic rows and logs them in batches.
// Rows are logged in full; nothing is truncated.
type Console struct {
	log      *zap.SugaredLogger
	maxBatch int

	mu  sync.Mutex
	buf []model.EnrichedEvent
}

func NewConsole(log *zap.SugaredLogger, maxBatch int) *Console {
	if maxBatch <= 0 {
		maxBatch = 10000
	}
	return &Console{log: log, maxBatch: maxBatch}
}

// Add queues ev for the next flush. When the buffer is full it is flushed
// immediately.
func (c *Console) Add(ev model.EnrichedEvent) {
	c.mu.Lock()
	c.buf = append(c.buf, ev)
	full := len(c.buf) >= c.maxBatch
	c.mu.Unlock()
	if full {
		c.Flush()
	}
}

// Flush logs all queued rows and returns how many were logged.
func (c *Console) Flush() int {
	c.mu.Lock()
	rows := c.buf
	c.buf = nil
	c.mu.Unlock()
	for _, ev := range rows {
		c.log.Infow("event",
			"invoice_no", ev.InvoiceNo,
			"country", ev.Country,
			"timestamp", ev.Timestamp,
			"total_cost", ev.TotalCost.String(),
			"total_items", ev.TotalItems,
			"is_order", ev.IsOrder,
			"is_return", ev.IsReturn,
		)
	}
	return len(rows)
}
