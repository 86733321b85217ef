package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
)

// Spend windows
const (
	DailyWindow   = 24 * time.Hour
	WeeklyWindow  = 7 * 24 * time.Hour
	MonthlyWindow = 30 * 24 * time.Hour
)

// AssetNative is the spend asset of native currency movements. Token
// movements use the checksummed token address.
const AssetNative = "native"

// Spend is the value a request would move, in units of Asset
type Spend struct {
	Asset  string
	Amount float64
}

// SpendTotals is the value an organization moved in each rolling window
type SpendTotals struct {
	Daily   float64 `json:"daily"`
	Weekly  float64 `json:"weekly"`
	Monthly float64 `json:"monthly"`
}

// SpendRecord is one completed value movement
type SpendRecord struct {
	OrganizationID string
	ExecutionID    string
	Network        string
	Asset          string
	Amount         float64
}

// SpendTracker records spend and enforces per-organization caps.
type SpendTracker struct {
	db  *db.DB
	now func() time.Time

	mu     sync.RWMutex
	config am.AdmissionConfig
}

// NewSpendTracker creates a tracker enforcing the caps in config
func NewSpendTracker(conn *db.DB, config am.AdmissionConfig) *SpendTracker {
	return &SpendTracker{db: conn, now: time.Now, config: config}
}

// SetConfig swaps the caps for subsequent checks
func (t *SpendTracker) SetConfig(config am.AdmissionConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = config
}

// RecordSpend stores a completed movement of value
func (t *SpendTracker) RecordSpend(ctx context.Context, r SpendRecord) error {
	if r.Amount <= 0 {
		return nil
	}
	if r.Asset == "" {
		r.Asset = AssetNative
	}
	_, err := t.db.ExecContext(ctx, `INSERT INTO spend_records
		(id, organization_id, execution_id, network, asset, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), r.OrganizationID, r.ExecutionID, r.Network, r.Asset, r.Amount,
		db.FormatTime(t.now().UTC()))
	if err != nil {
		return errors.Wrap(err, "failed to record spend")
	}
	return nil
}

// Totals sums an organization's spend of one asset over the daily, weekly
// and monthly windows. Amounts of different assets are never added together.
func (t *SpendTracker) Totals(ctx context.Context, organizationID, asset string) (SpendTotals, error) {
	if asset == "" {
		asset = AssetNative
	}
	now := t.now().UTC()
	var totals SpendTotals
	windows := []struct {
		span time.Duration
		dst  *float64
	}{
		{DailyWindow, &totals.Daily},
		{WeeklyWindow, &totals.Weekly},
		{MonthlyWindow, &totals.Monthly},
	}
	for _, w := range windows {
		err := t.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM spend_records
			WHERE organization_id = ? AND asset = ? AND created_at > ?`,
			organizationID, asset, db.FormatTime(now.Add(-w.span))).Scan(w.dst)
		if err != nil {
			return SpendTotals{}, errors.Wrap(err, "failed to sum spend")
		}
	}
	return totals, nil
}

// CheckSpendingCap rejects spend if it would push any window of its asset
// past the cap. Caps of 0 are disabled.
func (t *SpendTracker) CheckSpendingCap(ctx context.Context, organizationID string, spend Spend) error {
	t.mu.RLock()
	caps := t.config.CapsFor(organizationID)
	t.mu.RUnlock()

	if caps.Daily <= 0 && caps.Weekly <= 0 && caps.Monthly <= 0 {
		return nil
	}

	totals, err := t.Totals(ctx, organizationID, spend.Asset)
	if err != nil {
		return err
	}

	checks := []struct {
		name    string
		current float64
		limit   float64
	}{
		{"daily", totals.Daily, caps.Daily},
		{"weekly", totals.Weekly, caps.Weekly},
		{"monthly", totals.Monthly, caps.Monthly},
	}
	for _, c := range checks {
		if c.limit > 0 && c.current+spend.Amount > c.limit {
			return errors.NewAdmissionError("%s spending cap would be exceeded: current %g + requested %g > limit %g",
				c.name, c.current, spend.Amount, c.limit)
		}
	}
	return nil
}
