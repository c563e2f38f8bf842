// Package store defines the persistence interface behind the gateway and
// its Postgres and SQLite implementations.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/tachi-protocol/gateway/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrInsufficientCredits is returned by DeductCredits when the conditional
// decrement would drive the balance negative.
var ErrInsufficientCredits = eris.New("store: insufficient credits")

// UsageSummary aggregates transaction activity for the monitoring collector.
type UsageSummary struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Revenue       float64 `json:"revenue"`
	Refunded      float64 `json:"refunded"`
	ContentBlocks int     `json:"content_blocks"`
	BodyBytes     int64   `json:"body_bytes"`
}

// Store defines the persistence interface for the gateway. Each call is
// individually atomic; nothing here spans a cross-call transaction. The
// ledger compensates explicitly instead.
type Store interface {
	// Crawlers
	FindCrawlerByID(ctx context.Context, id string) (*model.Crawler, error)
	FindCrawlerByAPIKey(ctx context.Context, apiKey string) (*model.Crawler, error)
	// DeductCredits atomically decrements the balance if and only if
	// credits >= amount, returning the new balance. Returns
	// ErrInsufficientCredits otherwise.
	DeductCredits(ctx context.Context, id string, amount float64) (float64, error)
	// AddCredits increments the balance (refund path) and returns the new balance.
	AddCredits(ctx context.Context, id string, amount float64) (float64, error)
	// RecordSpend rolls a committed charge into the lifetime counters.
	RecordSpend(ctx context.Context, id string, amount float64) error

	// Publishers
	FindPublisherByDomain(ctx context.Context, domain string) (*model.Publisher, error)

	// Transactions
	CreateTransaction(ctx context.Context, tx *model.Transaction) error
	ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error)
	SummarizeUsage(ctx context.Context, filter model.TransactionFilter) (*UsageSummary, error)

	// License cache (last-known-good views for offline mode)
	GetLicense(ctx context.Context, publisherID string) (*model.License, error)
	PutLicense(ctx context.Context, lic *model.License) error

	// Lifecycle
	Migrate(ctx context.Context) error
	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
