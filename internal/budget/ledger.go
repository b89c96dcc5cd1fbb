package budget

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/metrics"
)

// Ledger tracks cumulative spend for a single run against a hard ceiling.
//
// Reserve is a compare-and-commit: the check against the ceiling and the
// commit of the reservation happen inside one critical section, so two
// concurrent steps can never both reserve more than the remaining budget.
// Reconcile adjusts a prior reservation to the provider's actual cost and is
// allowed to push spent past the ceiling; the only hard guarantee is that no
// new reservation is granted once the ledger is exhausted.
//
// A Ledger is owned by one run and passed by reference to every component
// that can incur cost. Spent never decreases and is never reset mid-run.
type Ledger struct {
	mu      sync.Mutex
	ceiling decimal.Decimal
	spent   decimal.Decimal
	logger  *zap.Logger
}

// NewLedger creates a ledger with the given spending ceiling in USD.
// A negative ceiling is treated as zero.
func NewLedger(ceiling decimal.Decimal, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ceiling.IsNegative() {
		ceiling = decimal.Zero
	}
	return &Ledger{
		ceiling: ceiling,
		spent:   decimal.Zero,
		logger:  logger,
	}
}

// Reserve attempts to commit amount against the ceiling. It returns true and
// records the spend iff spent + amount <= ceiling. Zero and negative amounts
// are reserved for free without moving the counter.
func (l *Ledger) Reserve(amount decimal.Decimal) bool {
	if amount.Sign() <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.spent.Add(amount)
	if next.GreaterThan(l.ceiling) {
		l.logger.Debug("budget reservation refused",
			zap.String("requested", amount.String()),
			zap.String("spent", l.spent.String()),
			zap.String("ceiling", l.ceiling.String()),
		)
		return false
	}
	l.spent = next
	metrics.BudgetReserved.Add(amount.InexactFloat64())
	return true
}

// Reconcile replaces a prior estimate with the provider's actual cost.
// The delta is applied without a ceiling check; providers report exact cost
// only after the call completes, so the overshoot is bounded by one step's
// estimate error. A negative actual is treated as zero.
func (l *Ledger) Reconcile(estimate, actual decimal.Decimal) {
	if actual.IsNegative() {
		actual = decimal.Zero
	}
	delta := actual.Sub(estimate)
	if delta.IsZero() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.spent.Add(delta)
	if next.IsNegative() {
		next = decimal.Zero
	}
	l.spent = next
	// The counter is monotonic: refunds from cheaper-than-estimated calls
	// are reflected in the ledger, never subtracted from the counter.
	if delta.Sign() > 0 {
		metrics.BudgetReserved.Add(delta.InexactFloat64())
	}
	if l.spent.GreaterThan(l.ceiling) {
		l.logger.Warn("budget reconciliation pushed spend over ceiling",
			zap.String("spent", l.spent.String()),
			zap.String("ceiling", l.ceiling.String()),
		)
	}
}

// Remaining returns ceiling - spent. It can be negative after a reconcile
// overshoot; callers treat anything <= 0 as exhausted.
func (l *Ledger) Remaining() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ceiling.Sub(l.spent)
}

// Exhausted reports whether no further reservations can succeed.
func (l *Ledger) Exhausted() bool {
	return l.Remaining().Sign() <= 0
}

// Spent returns the cumulative committed spend.
func (l *Ledger) Spent() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent
}

// Ceiling returns the configured spending ceiling.
func (l *Ledger) Ceiling() decimal.Decimal {
	return l.ceiling
}
