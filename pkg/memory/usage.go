package memory

import (
	"context"
	"fmt"

	"github.com/koedyhq/koedy/pkg/config"
	"github.com/koedyhq/koedy/pkg/providers"
)

// Ledger prices model calls and appends them to the usage table. Every
// round-trip goes through Record, including pipeline-internal ones.
type Ledger struct {
	store   Store
	pricing config.PricingConfig
}

func NewLedger(store Store, pricing config.PricingConfig) *Ledger {
	return &Ledger{store: store, pricing: pricing}
}

func (l *Ledger) Record(ctx context.Context, userID string, callType CallType, usage providers.UsageInfo) error {
	inCost := float64(usage.InputTokens) * l.pricing.InputCostPerToken
	outCost := float64(usage.OutputTokens) * l.pricing.OutputCostPerToken
	entry := UsageEntry{
		UserID:       userID,
		CallType:     callType,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		InputCost:    inCost,
		OutputCost:   outCost,
		TotalCost:    inCost + outCost,
	}
	if err := l.store.LogUsage(ctx, entry); err != nil {
		return fmt.Errorf("log usage: %w", err)
	}
	return nil
}

func (l *Ledger) Totals(ctx context.Context, userID string) (UsageTotals, error) {
	return l.store.TotalUsage(ctx, userID)
}

// OverLimit reports whether a user's lifetime spend has reached their cap.
// Checked before the main call only; compaction is never blocked by spend.
func (l *Ledger) OverLimit(ctx context.Context, userID string, limit float64) (bool, UsageTotals, error) {
	totals, err := l.store.TotalUsage(ctx, userID)
	if err != nil {
		return false, totals, err
	}
	return totals.TotalCost >= limit, totals, nil
}
