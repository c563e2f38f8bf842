package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachi-protocol/gateway/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCrawler(t *testing.T, s *SQLiteStore, id string, credits float64) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO crawlers (id, name, api_key, credits, status, tier) VALUES (?, ?, ?, ?, 'active', 'starter')`,
		id, "bot-"+id, "key-"+id, credits)
	require.NoError(t, err)
}

func seedPublisher(t *testing.T, s *SQLiteStore, id, domain string, price float64) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO publishers (id, domain, name, price_per_request, status) VALUES (?, ?, ?, ?, 'active')`,
		id, domain, "pub-"+id, price)
	require.NoError(t, err)
}

func TestSQLiteStore_CrawlerLookup(t *testing.T) {
	s := newTestSQLite(t)
	seedCrawler(t, s, "cr-1", 1.0)

	c, err := s.FindCrawlerByID(context.Background(), "cr-1")
	require.NoError(t, err)
	assert.Equal(t, "cr-1", c.ID)
	assert.InDelta(t, 1.0, c.Credits, 1e-9)

	byKey, err := s.FindCrawlerByAPIKey(context.Background(), "key-cr-1")
	require.NoError(t, err)
	assert.Equal(t, "cr-1", byKey.ID)

	_, err = s.FindCrawlerByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DeductAddCredits(t *testing.T) {
	s := newTestSQLite(t)
	seedCrawler(t, s, "cr-1", 1.0)
	ctx := context.Background()

	balance, err := s.DeductCredits(ctx, "cr-1", 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, balance, 1e-9)

	// Deducting more than remains fails and leaves the balance untouched.
	_, err = s.DeductCredits(ctx, "cr-1", 0.75)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	c, err := s.FindCrawlerByID(ctx, "cr-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, c.Credits, 1e-9)

	balance, err = s.AddCredits(ctx, "cr-1", 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, balance, 1e-9)
}

func TestSQLiteStore_DeductCredits_ExactBalance(t *testing.T) {
	s := newTestSQLite(t)
	seedCrawler(t, s, "cr-1", 0.5)

	balance, err := s.DeductCredits(context.Background(), "cr-1", 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, balance, 1e-9)
}

func TestSQLiteStore_RecordSpend(t *testing.T) {
	s := newTestSQLite(t)
	seedCrawler(t, s, "cr-1", 1.0)
	ctx := context.Background()

	require.NoError(t, s.RecordSpend(ctx, "cr-1", 0.5))
	require.NoError(t, s.RecordSpend(ctx, "cr-1", 0.25))

	c, err := s.FindCrawlerByID(ctx, "cr-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, c.TotalSpent, 1e-9)
	assert.Equal(t, int64(2), c.TotalRequests)
}

func TestSQLiteStore_Transactions(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	txs := []*model.Transaction{
		{CrawlerID: "cr-1", PublisherID: "pub-1", URL: "https://a.com/x", Charged: 0.5, Status: model.TransactionStatusCompleted, BodyBytes: 2048},
		{CrawlerID: "cr-1", PublisherID: "pub-1", URL: "https://a.com/y", Charged: 0, Refunded: 0.5, Status: model.TransactionStatusFailed, FailReason: "fetch_timeout"},
		{CrawlerID: "cr-2", PublisherID: "pub-1", URL: "https://a.com/z", Charged: 0.5, Status: model.TransactionStatusCompleted, ContentBlocked: false},
	}
	for _, tx := range txs {
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}

	got, err := s.ListTransactions(ctx, model.TransactionFilter{CrawlerID: "cr-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListTransactions(ctx, model.TransactionFilter{Status: model.TransactionStatusFailed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fetch_timeout", got[0].FailReason)
	assert.InDelta(t, 0.5, got[0].Refunded, 1e-9)

	sum, err := s.SummarizeUsage(ctx, model.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.InDelta(t, 1.0, sum.Revenue, 1e-9)
	assert.InDelta(t, 0.5, sum.Refunded, 1e-9)
	assert.Equal(t, int64(2048), sum.BodyBytes)
}

func TestSQLiteStore_LicenseCache(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	lic, err := s.GetLicense(ctx, "pub-1")
	require.NoError(t, err)
	assert.Nil(t, lic)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.PutLicense(ctx, &model.License{
		PublisherID: "pub-1", TokenID: "42", IsActive: true,
		Source: model.LicenseSourceChain, LastUpdated: now,
	}))

	lic, err = s.GetLicense(ctx, "pub-1")
	require.NoError(t, err)
	require.NotNil(t, lic)
	assert.True(t, lic.IsActive)
	assert.Equal(t, "42", lic.TokenID)

	// Upsert overwrites.
	require.NoError(t, s.PutLicense(ctx, &model.License{
		PublisherID: "pub-1", TokenID: "42", IsActive: false,
		Source: model.LicenseSourceOffline, LastUpdated: now,
	}))
	lic, err = s.GetLicense(ctx, "pub-1")
	require.NoError(t, err)
	assert.False(t, lic.IsActive)
	assert.Equal(t, model.LicenseSourceOffline, lic.Source)
}

func TestSQLiteStore_Publisher(t *testing.T) {
	s := newTestSQLite(t)
	seedPublisher(t, s, "pub-1", "example.com", 0.5)

	p, err := s.FindPublisherByDomain(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "pub-1", p.ID)
	assert.InDelta(t, 0.5, p.PricePerRequest, 1e-9)

	_, err = s.FindPublisherByDomain(context.Background(), "unknown.com")
	assert.ErrorIs(t, err, ErrNotFound)
}
