package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachi-protocol/gateway/internal/model"
	"github.com/tachi-protocol/gateway/internal/store"
)

// fakeStore is an in-memory store.Store with injectable write failures.
type fakeStore struct {
	mu       sync.Mutex
	balances map[string]float64
	spent    map[string]float64
	requests map[string]int
	txns     []model.Transaction

	failCreateTxn   int
	failAddCredits  int
	failRecordSpend int
	createCalls     int
	spendCalls      int
}

func newFakeStore(balances map[string]float64) *fakeStore {
	return &fakeStore{
		balances: balances,
		spent:    make(map[string]float64),
		requests: make(map[string]int),
	}
}

func (f *fakeStore) FindCrawlerByID(context.Context, string) (*model.Crawler, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) FindCrawlerByAPIKey(context.Context, string) (*model.Crawler, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) DeductCredits(_ context.Context, id string, amount float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal, ok := f.balances[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	if bal < amount {
		return 0, store.ErrInsufficientCredits
	}
	f.balances[id] = bal - amount
	return f.balances[id], nil
}

func (f *fakeStore) AddCredits(_ context.Context, id string, amount float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAddCredits > 0 {
		f.failAddCredits--
		return 0, eris.New("write failed")
	}
	f.balances[id] += amount
	return f.balances[id], nil
}

func (f *fakeStore) RecordSpend(_ context.Context, id string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spendCalls++
	if f.failRecordSpend > 0 {
		f.failRecordSpend--
		return eris.New("write failed")
	}
	f.spent[id] += amount
	f.requests[id]++
	return nil
}

func (f *fakeStore) FindPublisherByDomain(context.Context, string) (*model.Publisher, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateTransaction(_ context.Context, tx *model.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failCreateTxn > 0 {
		f.failCreateTxn--
		return eris.New("write failed")
	}
	f.txns = append(f.txns, *tx)
	return nil
}

func (f *fakeStore) ListTransactions(context.Context, model.TransactionFilter) ([]model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Transaction, len(f.txns))
	copy(out, f.txns)
	return out, nil
}

func (f *fakeStore) SummarizeUsage(context.Context, model.TransactionFilter) (*store.UsageSummary, error) {
	return &store.UsageSummary{}, nil
}

func (f *fakeStore) GetLicense(context.Context, string) (*model.License, error) { return nil, nil }
func (f *fakeStore) PutLicense(context.Context, *model.License) error           { return nil }
func (f *fakeStore) Migrate(context.Context) error                              { return nil }
func (f *fakeStore) Ping(context.Context) error                                 { return nil }
func (f *fakeStore) Close() error                                               { return nil }

func (f *fakeStore) balance(id string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[id]
}

type recordingAlerter struct {
	mu    sync.Mutex
	kinds []string
}

func (a *recordingAlerter) Alert(_ context.Context, kind, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

func TestReserve_DebitsBalance(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 1.00})
	l := New(fs, nil)

	res, err := l.Reserve(context.Background(), "c1", "p1", "https://example.com/a", 0.50)
	require.NoError(t, err)
	assert.InDelta(t, 0.50, res.Remaining, 1e-9)
	assert.InDelta(t, 0.50, fs.balance("c1"), 1e-9)
	assert.Equal(t, 1, l.Pending())
}

func TestReserve_InsufficientCredits(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 0.25})
	l := New(fs, nil)

	_, err := l.Reserve(context.Background(), "c1", "p1", "https://example.com/a", 0.50)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.InDelta(t, 0.25, fs.balance("c1"), 1e-9)
	assert.Equal(t, 0, l.Pending())
}

func TestReserve_ZeroBalanceDenied(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 0})
	l := New(fs, nil)

	_, err := l.Reserve(context.Background(), "c1", "p1", "https://example.com/a", 0.50)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestCommit_WritesCompletedTransaction(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 1.00})
	l := New(fs, nil)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "c1", "p1", "https://example.com/a", 0.50)
	require.NoError(t, err)

	err = l.Commit(ctx, res, &model.Transaction{StatusCode: 200, BodyBytes: 1024})
	require.NoError(t, err)

	require.Len(t, fs.txns, 1)
	txn := fs.txns[0]
	assert.Equal(t, model.TransactionStatusCompleted, txn.Status)
	assert.InDelta(t, 0.50, txn.Charged, 1e-9)
	assert.Equal(t, "c1", txn.CrawlerID)
	assert.Equal(t, 200, txn.StatusCode)
	assert.NotEmpty(t, txn.ID)

	assert.InDelta(t, 0.50, fs.spent["c1"], 1e-9)
	assert.Equal(t, 1, fs.requests["c1"])
	assert.Equal(t, 0, l.Pending())
}

func TestRefund_RestoresBalance(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 1.00})
	l := New(fs, nil)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "c1", "p1", "https://example.com/a", 0.50)
	require.NoError(t, err)

	err = l.Refund(ctx, res, "fetch_timeout", &model.Transaction{})
	require.NoError(t, err)

	assert.InDelta(t, 1.00, fs.balance("c1"), 1e-9)
	require.Len(t, fs.txns, 1)
	txn := fs.txns[0]
	assert.Equal(t, model.TransactionStatusFailed, txn.Status)
	assert.InDelta(t, 0, txn.Charged, 1e-9)
	assert.InDelta(t, 0.50, txn.Refunded, 1e-9)
	assert.Equal(t, "fetch_timeout", txn.FailReason)
	assert.Equal(t, 0, l.Pending())
}

func TestSettle_ExactlyOnce(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 1.00})
	l := New(fs, nil)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "c1", "p1", "https://example.com/a", 0.50)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res, &model.Transaction{}))

	// A refund after commit must not credit the balance.
	err = l.Refund(ctx, res, "late", &model.Transaction{})
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.InDelta(t, 0.50, fs.balance("c1"), 1e-9)

	err = l.Commit(ctx, res, &model.Transaction{})
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Len(t, fs.txns, 1)
}

func TestRefund_Twice(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 1.00})
	l := New(fs, nil)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "c1", "p1", "https://example.com/a", 0.50)
	require.NoError(t, err)
	require.NoError(t, l.Refund(ctx, res, "blocked", &model.Transaction{}))

	err = l.Refund(ctx, res, "blocked", &model.Transaction{})
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.InDelta(t, 1.00, fs.balance("c1"), 1e-9)
}

func TestCommit_RetriesTransientWriteOnce(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 1.00})
	fs.failCreateTxn = 1
	l := New(fs, nil)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "c1", "p1", "https://example.com/a", 0.50)
	require.NoError(t, err)

	err = l.Commit(ctx, res, &model.Transaction{})
	require.NoError(t, err)
	assert.Equal(t, 2, fs.createCalls)
	assert.Len(t, fs.txns, 1)
}

func TestCommit_PersistentFailureEscalates(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 1.00})
	fs.failCreateTxn = 10
	alerter := &recordingAlerter{}
	l := New(fs, alerter)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "c1", "p1", "https://example.com/a", 0.50)
	require.NoError(t, err)

	err = l.Commit(ctx, res, &model.Transaction{})
	require.Error(t, err)
	assert.Equal(t, 2, fs.createCalls)
	assert.Equal(t, []string{"settlement_failure"}, alerter.kinds)
}

// A transient spend-counter failure must not re-insert the transaction
// record. The first write already succeeded; retrying both together would
// hit a duplicate key and turn the commit into a spurious escalation.
func TestCommit_TransientSpendWriteDoesNotDuplicateRecord(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 1.00})
	fs.failRecordSpend = 1
	alerter := &recordingAlerter{}
	l := New(fs, alerter)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "c1", "p1", "https://example.com/a", 0.50)
	require.NoError(t, err)

	err = l.Commit(ctx, res, &model.Transaction{})
	require.NoError(t, err)

	assert.Equal(t, 1, fs.createCalls)
	assert.Equal(t, 2, fs.spendCalls)
	assert.Len(t, fs.txns, 1)
	assert.InDelta(t, 0.50, fs.spent["c1"], 1e-9)
	assert.Empty(t, alerter.kinds)
	assert.Equal(t, 0, l.Pending())
}

func TestRefund_BalanceWriteFailureReopens(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 1.00})
	fs.failAddCredits = 1
	alerter := &recordingAlerter{}
	l := New(fs, alerter)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "c1", "p1", "https://example.com/a", 0.50)
	require.NoError(t, err)

	err = l.Refund(ctx, res, "fetch_failed", &model.Transaction{})
	require.Error(t, err)
	assert.Equal(t, []string{"refund_failed"}, alerter.kinds)

	// The reservation is still open; a later refund restores the funds.
	assert.Equal(t, 1, l.Pending())
	err = l.Refund(ctx, res, "fetch_failed", &model.Transaction{})
	require.NoError(t, err)
	assert.InDelta(t, 1.00, fs.balance("c1"), 1e-9)
	assert.Equal(t, 0, l.Pending())
}

func TestDebit_Direct(t *testing.T) {
	fs := newFakeStore(map[string]float64{"c1": 1.00})
	l := New(fs, nil)
	ctx := context.Background()

	remaining, err := l.Debit(ctx, "c1", 0.80)
	require.NoError(t, err)
	assert.InDelta(t, 0.20, remaining, 1e-9)
	assert.InDelta(t, 0.80, fs.spent["c1"], 1e-9)

	_, err = l.Debit(ctx, "c1", 0.80)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

// The balance after N interleaved reserve/commit/refund operations must
// equal initial minus the sum of committed amounts, for any interleaving.
func TestConcurrentSettlementInvariant(t *testing.T) {
	const (
		initial = 100.0
		workers = 50
		amount  = 1.0
	)
	fs := newFakeStore(map[string]float64{"c1": initial})
	l := New(fs, nil)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		committed float64
		wg        sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Reserve(ctx, "c1", "p1", "https://example.com/a", amount)
			if err != nil {
				return
			}
			if i%2 == 0 {
				if l.Commit(ctx, res, &model.Transaction{}) == nil {
					mu.Lock()
					committed += amount
					mu.Unlock()
				}
			} else {
				assert.NoError(t, l.Refund(ctx, res, "test", &model.Transaction{}))
			}
		}(i)
	}
	wg.Wait()

	assert.InDelta(t, initial-committed, fs.balance("c1"), 1e-9)
	assert.InDelta(t, committed, fs.spent["c1"], 1e-9)
	assert.Equal(t, 0, l.Pending())
}
