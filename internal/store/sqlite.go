package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/tachi-protocol/gateway/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// development and tests; Postgres is the production driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// The conditional credit decrement relies on a single writer.
	sdb.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS crawlers (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	api_key        TEXT NOT NULL UNIQUE,
	credits        REAL NOT NULL DEFAULT 0 CHECK (credits >= 0),
	status         TEXT NOT NULL DEFAULT 'active',
	tier           TEXT NOT NULL DEFAULT 'starter',
	total_spent    REAL NOT NULL DEFAULT 0,
	total_requests INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS publishers (
	id                  TEXT PRIMARY KEY,
	domain              TEXT NOT NULL UNIQUE,
	name                TEXT NOT NULL,
	wallet_address      TEXT NOT NULL DEFAULT '',
	price_per_request   REAL NOT NULL CHECK (price_per_request > 0),
	status              TEXT NOT NULL DEFAULT 'active',
	rate_limit_per_hour INTEGER NOT NULL DEFAULT 1000,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS transactions (
	id                TEXT PRIMARY KEY,
	crawler_id        TEXT NOT NULL,
	publisher_id      TEXT NOT NULL,
	url               TEXT NOT NULL,
	charged           REAL NOT NULL,
	refunded          REAL NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	fail_reason       TEXT,
	status_code       INTEGER,
	body_bytes        INTEGER,
	fetch_time_ms     INTEGER,
	url_risk_score    REAL NOT NULL DEFAULT 0,
	content_blocked   INTEGER NOT NULL DEFAULT 0,
	sensitive_removed INTEGER NOT NULL DEFAULT 0,
	license_source    TEXT,
	license_active    INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS license_cache (
	publisher_id TEXT PRIMARY KEY,
	token_id     TEXT NOT NULL DEFAULT '',
	is_active    INTEGER NOT NULL DEFAULT 0,
	source       TEXT NOT NULL DEFAULT 'chain',
	last_updated DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_crawler ON transactions(crawler_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_publisher ON transactions(publisher_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity for health checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) FindCrawlerByID(ctx context.Context, id string) (*model.Crawler, error) {
	return s.scanCrawler(s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, credits, status, tier, total_spent, total_requests, created_at, updated_at FROM crawlers WHERE id = ?`, id))
}

func (s *SQLiteStore) FindCrawlerByAPIKey(ctx context.Context, apiKey string) (*model.Crawler, error) {
	return s.scanCrawler(s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, credits, status, tier, total_spent, total_requests, created_at, updated_at FROM crawlers WHERE api_key = ?`, apiKey))
}

func (s *SQLiteStore) scanCrawler(row *sql.Row) (*model.Crawler, error) {
	var c model.Crawler
	err := row.Scan(&c.ID, &c.Name, &c.APIKey, &c.Credits, &c.Status, &c.Tier,
		&c.TotalSpent, &c.TotalRequests, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan crawler")
	}
	return &c, nil
}

func (s *SQLiteStore) DeductCredits(ctx context.Context, id string, amount float64) (float64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawlers SET credits = credits - ?, updated_at = datetime('now') WHERE id = ? AND credits >= ?`,
		amount, id, amount)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: deduct credits")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: deduct credits rows")
	}
	if n == 0 {
		return 0, ErrInsufficientCredits
	}
	return s.balance(ctx, id)
}

func (s *SQLiteStore) AddCredits(ctx context.Context, id string, amount float64) (float64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawlers SET credits = credits + ?, updated_at = datetime('now') WHERE id = ?`,
		amount, id)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: add credits")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: add credits rows")
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return s.balance(ctx, id)
}

func (s *SQLiteStore) balance(ctx context.Context, id string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM crawlers WHERE id = ?`, id).Scan(&balance)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: read balance")
	}
	return balance, nil
}

func (s *SQLiteStore) RecordSpend(ctx context.Context, id string, amount float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawlers SET total_spent = total_spent + ?, total_requests = total_requests + 1, updated_at = datetime('now') WHERE id = ?`,
		amount, id)
	if err != nil {
		return eris.Wrap(err, "sqlite: record spend")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: record spend rows")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FindPublisherByDomain(ctx context.Context, domain string) (*model.Publisher, error) {
	var p model.Publisher
	err := s.db.QueryRowContext(ctx,
		`SELECT id, domain, name, wallet_address, price_per_request, status, rate_limit_per_hour, created_at, updated_at FROM publishers WHERE domain = ?`,
		domain).Scan(&p.ID, &p.Domain, &p.Name, &p.WalletAddress, &p.PricePerRequest,
		&p.Status, &p.RateLimitPerHour, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find publisher")
	}
	return &p, nil
}

func (s *SQLiteStore) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, crawler_id, publisher_id, url, charged, refunded, status, fail_reason, status_code, body_bytes, fetch_time_ms, url_risk_score, content_blocked, sensitive_removed, license_source, license_active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.CrawlerID, tx.PublisherID, tx.URL, tx.Charged, tx.Refunded, tx.Status, tx.FailReason,
		tx.StatusCode, tx.BodyBytes, tx.FetchTime.Milliseconds(), tx.URLRiskScore,
		tx.ContentBlocked, tx.SensitiveRemoved, tx.LicenseSource, tx.LicenseActive, tx.CreatedAt)
	return eris.Wrap(err, "sqlite: create transaction")
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error) {
	query := `SELECT id, crawler_id, publisher_id, url, charged, refunded, status, COALESCE(fail_reason, ''), COALESCE(status_code, 0), COALESCE(body_bytes, 0), COALESCE(fetch_time_ms, 0), url_risk_score, content_blocked, sensitive_removed, COALESCE(license_source, ''), license_active, created_at FROM transactions WHERE 1=1`
	var args []any
	if filter.CrawlerID != "" {
		query += ` AND crawler_id = ?`
		args = append(args, filter.CrawlerID)
	}
	if filter.PublisherID != "" {
		query += ` AND publisher_id = ?`
		args = append(args, filter.PublisherID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list transactions")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var fetchMs int64
		if err := rows.Scan(&tx.ID, &tx.CrawlerID, &tx.PublisherID, &tx.URL, &tx.Charged,
			&tx.Refunded, &tx.Status, &tx.FailReason, &tx.StatusCode, &tx.BodyBytes, &fetchMs,
			&tx.URLRiskScore, &tx.ContentBlocked, &tx.SensitiveRemoved,
			&tx.LicenseSource, &tx.LicenseActive, &tx.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		tx.FetchTime = time.Duration(fetchMs) * time.Millisecond
		out = append(out, tx)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate transactions")
}

func (s *SQLiteStore) SummarizeUsage(ctx context.Context, filter model.TransactionFilter) (*UsageSummary, error) {
	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(charged), 0),
		COALESCE(SUM(refunded), 0),
		COALESCE(SUM(CASE WHEN content_blocked THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(body_bytes), 0)
		FROM transactions WHERE 1=1`
	var args []any
	if filter.CrawlerID != "" {
		query += ` AND crawler_id = ?`
		args = append(args, filter.CrawlerID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
	}

	var sum UsageSummary
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&sum.Total, &sum.Completed,
		&sum.Failed, &sum.Revenue, &sum.Refunded, &sum.ContentBlocks, &sum.BodyBytes)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize usage")
	}
	return &sum, nil
}

func (s *SQLiteStore) GetLicense(ctx context.Context, publisherID string) (*model.License, error) {
	var lic model.License
	err := s.db.QueryRowContext(ctx,
		`SELECT publisher_id, token_id, is_active, source, last_updated FROM license_cache WHERE publisher_id = ?`,
		publisherID).Scan(&lic.PublisherID, &lic.TokenID, &lic.IsActive, &lic.Source, &lic.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get license")
	}
	return &lic, nil
}

func (s *SQLiteStore) PutLicense(ctx context.Context, lic *model.License) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO license_cache (publisher_id, token_id, is_active, source, last_updated) VALUES (?, ?, ?, ?, ?) ON CONFLICT (publisher_id) DO UPDATE SET token_id = excluded.token_id, is_active = excluded.is_active, source = excluded.source, last_updated = excluded.last_updated`,
		lic.PublisherID, lic.TokenID, lic.IsActive, lic.Source, lic.LastUpdated)
	return eris.Wrap(err, "sqlite: put license")
}
