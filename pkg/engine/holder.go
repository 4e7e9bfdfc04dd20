package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/polisai/polis-routes/pkg/policy"
)

// PolicyHolder publishes the active policy table to request handlers.
// Tables are never modified; a reload swaps the pointer.
type PolicyHolder struct {
	table atomic.Pointer[policy.Table]
}

// NewPolicyHolder creates a holder serving table.
func NewPolicyHolder(table *policy.Table) *PolicyHolder {
	if table == nil {
		panic("engine: policy table is required")
	}
	h := &PolicyHolder{}
	h.table.Store(table)
	return h
}

// Current returns the active table.
func (h *PolicyHolder) Current() *policy.Table {
	return h.table.Load()
}

// Store replaces the active table. Nil is ignored.
func (h *PolicyHolder) Store(table *policy.Table) {
	if table != nil {
		h.table.Store(table)
	}
}

// Follow stores every table received on updates until ctx is done or the
// channel closes. onSwap, if set, runs after each swap.
func (h *PolicyHolder) Follow(ctx context.Context, updates <-chan *policy.Table, logger *slog.Logger, onSwap func(*policy.Table)) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case table, ok := <-updates:
			if !ok {
				return
			}
			if table == nil || table == h.Current() {
				continue
			}
			h.Store(table)
			stats := table.Stats()
			logger.Info("Route policy swapped",
				"redirects", stats.RedirectRules,
				"rewrites", stats.RewriteRules,
				"header_rules", stats.HeaderRules,
			)
			if onSwap != nil {
				onSwap(table)
			}
		}
	}
}
