// Package ledger owns the spendable credit balance of each crawler. Every
// metered request moves through reserve, then exactly one of commit or
// refund, and every resolution emits one durable transaction record. The
// balance itself lives in the store; the ledger adds per-crawler
// serialization, settlement retry, and idempotent resolution on top.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tachi-protocol/gateway/internal/model"
	"github.com/tachi-protocol/gateway/internal/resilience"
	"github.com/tachi-protocol/gateway/internal/store"
)

// ErrInsufficientCredits mirrors the store sentinel so callers depend on the
// ledger alone.
var ErrInsufficientCredits = store.ErrInsufficientCredits

// ErrAlreadySettled is returned when a reservation is committed or refunded
// a second time. The duplicate resolution is a no-op; the balance is never
// moved twice.
var ErrAlreadySettled = eris.New("ledger: reservation already settled")

// Alerter receives escalations the ledger cannot resolve on its own, such
// as a refund whose transaction record could not be written.
type Alerter interface {
	Alert(ctx context.Context, kind, detail string)
}

// Reservation is a provisional debit held until the request's outcome is
// known. It is resolved exactly once via Commit or Refund.
type Reservation struct {
	ID          string
	CrawlerID   string
	PublisherID string
	URL         string
	Amount      float64

	// Remaining is the crawler's balance immediately after the debit.
	Remaining float64

	CreatedAt time.Time
	settled   bool
}

// Ledger serializes balance mutations per crawler and guarantees that every
// reservation resolves exactly once with a durable record.
type Ledger struct {
	store   store.Store
	alerter Alerter
	retry   resilience.RetryConfig

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	pending map[string]*Reservation
}

// New builds a Ledger over the given store. alerter may be nil; escalations
// then only reach the log.
func New(s store.Store, alerter Alerter) *Ledger {
	return &Ledger{
		store:   s,
		alerter: alerter,
		retry:   resilience.SettlementRetryConfig(),
		locks:   make(map[string]*sync.Mutex),
		pending: make(map[string]*Reservation),
	}
}

func (l *Ledger) crawlerLock(crawlerID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[crawlerID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[crawlerID] = m
	}
	return m
}

// Reserve atomically debits amount from the crawler's balance and returns a
// handle to settle later. Reservations against the same crawler are
// serialized so two concurrent requests cannot both pass a balance check
// that only one can satisfy.
func (l *Ledger) Reserve(ctx context.Context, crawlerID, publisherID, url string, amount float64) (*Reservation, error) {
	if amount < 0 {
		return nil, eris.Errorf("ledger: negative reserve amount %f", amount)
	}

	lock := l.crawlerLock(crawlerID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.store.DeductCredits(ctx, crawlerID, amount)
	if err != nil {
		if eris.Is(err, store.ErrInsufficientCredits) {
			return nil, eris.Wrapf(ErrInsufficientCredits, "crawler %s reserving %.4f", crawlerID, amount)
		}
		return nil, eris.Wrapf(err, "reserving %.4f for crawler %s", amount, crawlerID)
	}

	res := &Reservation{
		ID:          uuid.NewString(),
		CrawlerID:   crawlerID,
		PublisherID: publisherID,
		URL:         url,
		Amount:      amount,
		Remaining:   balance,
		CreatedAt:   time.Now(),
	}

	l.mu.Lock()
	l.pending[res.ID] = res
	l.mu.Unlock()

	return res, nil
}

// Commit finalizes a reservation: the debit becomes permanent, lifetime
// counters roll forward, and a completed transaction is written. txn carries
// the response metrics and safety snapshot; the ledger fills the billing
// fields.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, txn *model.Transaction) error {
	if err := l.beginSettle(res); err != nil {
		return err
	}

	txn.ID = uuid.NewString()
	txn.CrawlerID = res.CrawlerID
	txn.PublisherID = res.PublisherID
	txn.URL = res.URL
	txn.Charged = res.Amount
	txn.Status = model.TransactionStatusCompleted
	txn.CreatedAt = time.Now()

	// The two writes retry independently. A combined retry would re-run
	// CreateTransaction after it already succeeded, and the duplicate key
	// turns a transient RecordSpend failure into a permanent one.
	err := resilience.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.store.CreateTransaction(ctx, txn)
	})
	if err != nil {
		l.escalate(ctx, "settlement_failure", res, err)
		return eris.Wrapf(err, "committing reservation %s", res.ID)
	}

	err = resilience.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.store.RecordSpend(ctx, res.CrawlerID, res.Amount)
	})
	if err != nil {
		l.escalate(ctx, "settlement_failure", res, err)
		return eris.Wrapf(err, "committing reservation %s", res.ID)
	}

	l.finishSettle(res)
	return nil
}

// Refund restores the reserved amount and writes a failed transaction with
// charged=0 and the restored amount in Refunded. Calling Refund after
// Commit, or twice, returns ErrAlreadySettled and never credits the balance
// a second time.
func (l *Ledger) Refund(ctx context.Context, res *Reservation, reason string, txn *model.Transaction) error {
	if err := l.beginSettle(res); err != nil {
		return err
	}

	balance, err := l.store.AddCredits(ctx, res.CrawlerID, res.Amount)
	if err != nil {
		// The balance was not restored; reopen the reservation so a
		// later resolution can try again before funds are lost.
		l.reopen(res)
		l.escalate(ctx, "refund_failed", res, err)
		return eris.Wrapf(err, "refunding reservation %s", res.ID)
	}
	res.Remaining = balance

	txn.ID = uuid.NewString()
	txn.CrawlerID = res.CrawlerID
	txn.PublisherID = res.PublisherID
	txn.URL = res.URL
	txn.Charged = 0
	txn.Refunded = res.Amount
	txn.Status = model.TransactionStatusFailed
	txn.FailReason = reason
	txn.CreatedAt = time.Now()

	err = resilience.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.store.CreateTransaction(ctx, txn)
	})
	if err != nil {
		// The money is back but the record is not. The reservation stays
		// out of the pending set (it is settled), the gap is escalated
		// for reconciliation instead.
		l.escalate(ctx, "refund_record_failed", res, err)
		return eris.Wrapf(err, "recording refund for reservation %s", res.ID)
	}

	l.finishSettle(res)
	return nil
}

// Debit performs a direct conditional debit outside the reserve/settle
// cycle. The batch coordinator uses it to apply one real charge for a whole
// batch after per-item accounting ran against a virtual balance.
func (l *Ledger) Debit(ctx context.Context, crawlerID string, amount float64) (float64, error) {
	lock := l.crawlerLock(crawlerID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.store.DeductCredits(ctx, crawlerID, amount)
	if err != nil {
		if eris.Is(err, store.ErrInsufficientCredits) {
			return 0, eris.Wrapf(ErrInsufficientCredits, "crawler %s debiting %.4f", crawlerID, amount)
		}
		return 0, eris.Wrapf(err, "debiting %.4f from crawler %s", amount, crawlerID)
	}
	if err := l.store.RecordSpend(ctx, crawlerID, amount); err != nil {
		zap.L().Warn("failed to record spend counters",
			zap.String("crawler_id", crawlerID),
			zap.Float64("amount", amount),
			zap.Error(err))
	}
	return balance, nil
}

// Pending reports the number of unresolved reservations. A nonzero value at
// quiesce means a request exited without settling.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Ledger) beginSettle(res *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.settled {
		return eris.Wrapf(ErrAlreadySettled, "reservation %s", res.ID)
	}
	res.settled = true
	return nil
}

func (l *Ledger) reopen(res *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res.settled = false
}

func (l *Ledger) finishSettle(res *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, res.ID)
}

func (l *Ledger) escalate(ctx context.Context, kind string, res *Reservation, err error) {
	zap.L().Error("ledger escalation",
		zap.String("kind", kind),
		zap.String("reservation_id", res.ID),
		zap.String("crawler_id", res.CrawlerID),
		zap.Float64("amount", res.Amount),
		zap.Error(err))
	if l.alerter != nil {
		l.alerter.Alert(ctx, kind, eris.ToString(err, false))
	}
}
