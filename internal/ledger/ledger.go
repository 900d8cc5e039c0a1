// Package ledger implements the per-user credit balance used to meter task
// execution. Every debit is a single conditional UPDATE in the store, so
// concurrent callers charging the same user can never drive a balance negative.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pulce2011/GPU-Code-Runner/internal/config"
	"github.com/pulce2011/GPU-Code-Runner/internal/logging"
	"github.com/pulce2011/GPU-Code-Runner/internal/metrics"
	"github.com/pulce2011/GPU-Code-Runner/internal/store"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// Ledger answers balance queries and applies debits.
type Ledger struct {
	store    store.Store
	rate     int64
	unit     time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Ledger charging cfg.CostRate credits per cfg.RateUnit.
func New(st store.Store, cfg config.RuntimeConfig, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:    st,
		rate:     cfg.CostRate,
		unit:     cfg.RateUnit.Duration,
		interval: cfg.BillingInterval.Duration,
		logger:   logging.Component(logger, "ledger"),
	}
}

// HasSufficient reports whether the user can pay amount. Privileged users
// always can.
func (l *Ledger) HasSufficient(ctx context.Context, userID string, amount int64) (bool, error) {
	u, err := l.user(ctx, userID)
	if err != nil {
		return false, err
	}
	if u.Privileged {
		return true, nil
	}
	return u.Credits >= amount, nil
}

// Deduct charges amount to the user and records a ledger entry. It returns
// false, leaving the balance untouched, if the user cannot cover amount.
// Privileged users and non-positive amounts succeed without any write.
func (l *Ledger) Deduct(ctx context.Context, userID, taskID string, amount int64, reason model.LedgerReason) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	u, err := l.user(ctx, userID)
	if err != nil {
		return false, err
	}
	if u.Privileged {
		return true, nil
	}

	balance, ok, err := l.store.DeductCredits(ctx, userID, amount)
	if err != nil {
		return false, fmt.Errorf("deduct %d from %s: %w", amount, userID, err)
	}
	if !ok {
		metrics.DebitsDeclined.Inc()
		l.logger.Debug("debit declined", "user_id", userID, "task_id", taskID, "amount", amount, "balance", balance)
		return false, nil
	}
	metrics.CreditsCharged.WithLabelValues(string(reason)).Add(float64(amount))

	entry := &model.LedgerEntry{
		UserID:    userID,
		TaskID:    taskID,
		Amount:    amount,
		Reason:    reason,
		Balance:   balance,
		Timestamp: time.Now().UTC(),
	}
	if err := l.store.InsertLedgerEntry(ctx, entry); err != nil {
		// The debit itself is already committed.
		l.logger.Warn("ledger entry not recorded", "user_id", userID, "task_id", taskID, "error", err)
	}
	l.logger.Debug("debit", "user_id", userID, "task_id", taskID, "amount", amount, "reason", reason, "balance", balance)
	return true, nil
}

// Owed returns the credits due for elapsed wall time beyond what was already
// charged: floor(elapsed/unit * rate) - charged, never negative.
func (l *Ledger) Owed(elapsed time.Duration, charged int64) int64 {
	if elapsed <= 0 || l.rate == 0 {
		return 0
	}
	due := int64(elapsed/l.unit)*l.rate + int64(elapsed%l.unit)*l.rate/int64(l.unit)
	if owed := due - charged; owed > 0 {
		return owed
	}
	return 0
}

// Increment is the cost of one billing interval, at least one credit when
// the rate is non-zero.
func (l *Ledger) Increment() int64 {
	if l.rate == 0 {
		return 0
	}
	inc := l.Owed(l.interval, 0)
	if inc < 1 {
		return 1
	}
	return inc
}

// Reset raises every non-privileged balance below floor to floor.
func (l *Ledger) Reset(ctx context.Context, floor int64) (int64, error) {
	if floor < 0 {
		return 0, fmt.Errorf("reset floor must be >= 0, got %d", floor)
	}
	n, err := l.store.ResetCredits(ctx, floor)
	if err != nil {
		return 0, fmt.Errorf("reset credits: %w", err)
	}
	l.logger.Info("credits reset", "floor", floor, "users", n)
	return n, nil
}

func (l *Ledger) user(ctx context.Context, userID string) (*model.User, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if u == nil {
		return nil, model.ErrUserNotFound
	}
	return u, nil
}
