package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/tachi-protocol/gateway/internal/config"
	"github.com/tachi-protocol/gateway/internal/db"
	"github.com/tachi-protocol/gateway/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists queries to prepare on each new connection for
// the hot path of every metered request.
var preparedStatements = map[string]string{
	"find_crawler_by_id":       `SELECT id, name, api_key, credits, status, tier, total_spent, total_requests, created_at, updated_at FROM crawlers WHERE id = $1`,
	"find_crawler_by_key":      `SELECT id, name, api_key, credits, status, tier, total_spent, total_requests, created_at, updated_at FROM crawlers WHERE api_key = $1`,
	"deduct_credits":           `UPDATE crawlers SET credits = credits - $1, updated_at = now() WHERE id = $2 AND credits >= $1 RETURNING credits`,
	"add_credits":              `UPDATE crawlers SET credits = credits + $1, updated_at = now() WHERE id = $2 RETURNING credits`,
	"record_spend":             `UPDATE crawlers SET total_spent = total_spent + $1, total_requests = total_requests + 1, updated_at = now() WHERE id = $2`,
	"find_publisher_by_domain": `SELECT id, domain, name, wallet_address, price_per_request, status, rate_limit_per_hour, created_at, updated_at FROM publishers WHERE domain = $1`,
	"insert_transaction":       `INSERT INTO transactions (id, crawler_id, publisher_id, url, charged, refunded, status, fail_reason, status_code, body_bytes, fetch_time_ms, url_risk_score, content_blocked, sensitive_removed, license_source, license_active, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
	"get_license":              `SELECT publisher_id, token_id, is_active, source, last_updated FROM license_cache WHERE publisher_id = $1`,
	"put_license":              `INSERT INTO license_cache (publisher_id, token_id, is_active, source, last_updated) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (publisher_id) DO UPDATE SET token_id = EXCLUDED.token_id, is_active = EXCLUDED.is_active, source = EXCLUDED.source, last_updated = EXCLUDED.last_updated`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare hot-path statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS crawlers (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name           TEXT NOT NULL,
	api_key        TEXT NOT NULL UNIQUE,
	credits        NUMERIC(12,6) NOT NULL DEFAULT 0 CHECK (credits >= 0),
	status         TEXT NOT NULL DEFAULT 'active',
	tier           TEXT NOT NULL DEFAULT 'starter',
	total_spent    NUMERIC(14,6) NOT NULL DEFAULT 0,
	total_requests BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS publishers (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	domain              TEXT NOT NULL UNIQUE,
	name                TEXT NOT NULL,
	wallet_address      TEXT NOT NULL DEFAULT '',
	price_per_request   NUMERIC(12,6) NOT NULL CHECK (price_per_request > 0),
	status              TEXT NOT NULL DEFAULT 'active',
	rate_limit_per_hour INT NOT NULL DEFAULT 1000,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	id                TEXT PRIMARY KEY,
	crawler_id        TEXT NOT NULL,
	publisher_id      TEXT NOT NULL,
	url               TEXT NOT NULL,
	charged           NUMERIC(12,6) NOT NULL,
	refunded          NUMERIC(12,6) NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	fail_reason       TEXT,
	status_code       INT,
	body_bytes        BIGINT,
	fetch_time_ms     BIGINT,
	url_risk_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
	content_blocked   BOOLEAN NOT NULL DEFAULT false,
	sensitive_removed INT NOT NULL DEFAULT 0,
	license_source    TEXT,
	license_active    BOOLEAN NOT NULL DEFAULT false,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS license_cache (
	publisher_id TEXT PRIMARY KEY,
	token_id     TEXT NOT NULL DEFAULT '',
	is_active    BOOLEAN NOT NULL DEFAULT false,
	source       TEXT NOT NULL DEFAULT 'chain',
	last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transactions_crawler ON transactions(crawler_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_publisher ON transactions(publisher_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
`

// Migrate applies the embedded DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Ping checks database connectivity for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) FindCrawlerByID(ctx context.Context, id string) (*model.Crawler, error) {
	return s.scanCrawler(s.pool.QueryRow(ctx,
		`SELECT id, name, api_key, credits, status, tier, total_spent, total_requests, created_at, updated_at FROM crawlers WHERE id = $1`, id))
}

func (s *PostgresStore) FindCrawlerByAPIKey(ctx context.Context, apiKey string) (*model.Crawler, error) {
	return s.scanCrawler(s.pool.QueryRow(ctx,
		`SELECT id, name, api_key, credits, status, tier, total_spent, total_requests, created_at, updated_at FROM crawlers WHERE api_key = $1`, apiKey))
}

func (s *PostgresStore) scanCrawler(row pgx.Row) (*model.Crawler, error) {
	var c model.Crawler
	err := row.Scan(&c.ID, &c.Name, &c.APIKey, &c.Credits, &c.Status, &c.Tier,
		&c.TotalSpent, &c.TotalRequests, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan crawler")
	}
	return &c, nil
}

func (s *PostgresStore) DeductCredits(ctx context.Context, id string, amount float64) (float64, error) {
	var balance float64
	err := s.pool.QueryRow(ctx,
		`UPDATE crawlers SET credits = credits - $1, updated_at = now() WHERE id = $2 AND credits >= $1 RETURNING credits`,
		amount, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the crawler does not exist or the balance is too low; the
		// caller has already resolved identity, so report the latter.
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: deduct credits")
	}
	return balance, nil
}

func (s *PostgresStore) AddCredits(ctx context.Context, id string, amount float64) (float64, error) {
	var balance float64
	err := s.pool.QueryRow(ctx,
		`UPDATE crawlers SET credits = credits + $1, updated_at = now() WHERE id = $2 RETURNING credits`,
		amount, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: add credits")
	}
	return balance, nil
}

func (s *PostgresStore) RecordSpend(ctx context.Context, id string, amount float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE crawlers SET total_spent = total_spent + $1, total_requests = total_requests + 1, updated_at = now() WHERE id = $2`,
		amount, id)
	if err != nil {
		return eris.Wrap(err, "postgres: record spend")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindPublisherByDomain(ctx context.Context, domain string) (*model.Publisher, error) {
	var p model.Publisher
	err := s.pool.QueryRow(ctx,
		`SELECT id, domain, name, wallet_address, price_per_request, status, rate_limit_per_hour, created_at, updated_at FROM publishers WHERE domain = $1`,
		domain).Scan(&p.ID, &p.Domain, &p.Name, &p.WalletAddress, &p.PricePerRequest,
		&p.Status, &p.RateLimitPerHour, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find publisher")
	}
	return &p, nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, crawler_id, publisher_id, url, charged, refunded, status, fail_reason, status_code, body_bytes, fetch_time_ms, url_risk_score, content_blocked, sensitive_removed, license_source, license_active, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		tx.ID, tx.CrawlerID, tx.PublisherID, tx.URL, tx.Charged, tx.Refunded, tx.Status, tx.FailReason,
		tx.StatusCode, tx.BodyBytes, tx.FetchTime.Milliseconds(), tx.URLRiskScore,
		tx.ContentBlocked, tx.SensitiveRemoved, tx.LicenseSource, tx.LicenseActive, tx.CreatedAt)
	return eris.Wrap(err, "postgres: create transaction")
}

func (s *PostgresStore) ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error) {
	query := `SELECT id, crawler_id, publisher_id, url, charged, refunded, status, COALESCE(fail_reason, ''), COALESCE(status_code, 0), COALESCE(body_bytes, 0), COALESCE(fetch_time_ms, 0), url_risk_score, content_blocked, sensitive_removed, COALESCE(license_source, ''), license_active, created_at FROM transactions WHERE 1=1`
	var args []any
	idx := 1
	if filter.CrawlerID != "" {
		query += ` AND crawler_id = $` + itoa(idx)
		args = append(args, filter.CrawlerID)
		idx++
	}
	if filter.PublisherID != "" {
		query += ` AND publisher_id = $` + itoa(idx)
		args = append(args, filter.PublisherID)
		idx++
	}
	if filter.Status != "" {
		query += ` AND status = $` + itoa(idx)
		args = append(args, filter.Status)
		idx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > $` + itoa(idx)
		args = append(args, filter.CreatedAfter)
		idx++
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT $` + itoa(idx)
		args = append(args, filter.Limit)
		idx++
	}
	if filter.Offset > 0 {
		query += ` OFFSET $` + itoa(idx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list transactions")
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
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		tx.FetchTime = time.Duration(fetchMs) * time.Millisecond
		out = append(out, tx)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate transactions")
}

func (s *PostgresStore) SummarizeUsage(ctx context.Context, filter model.TransactionFilter) (*UsageSummary, error) {
	query := `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE status = 'completed'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COALESCE(SUM(charged), 0),
		COALESCE(SUM(refunded), 0),
		COUNT(*) FILTER (WHERE content_blocked),
		COALESCE(SUM(body_bytes), 0)
		FROM transactions WHERE 1=1`
	var args []any
	idx := 1
	if filter.CrawlerID != "" {
		query += ` AND crawler_id = $` + itoa(idx)
		args = append(args, filter.CrawlerID)
		idx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > $` + itoa(idx)
		args = append(args, filter.CreatedAfter)
	}

	var sum UsageSummary
	err := s.pool.QueryRow(ctx, query, args...).Scan(&sum.Total, &sum.Completed,
		&sum.Failed, &sum.Revenue, &sum.Refunded, &sum.ContentBlocks, &sum.BodyBytes)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize usage")
	}
	return &sum, nil
}

func (s *PostgresStore) GetLicense(ctx context.Context, publisherID string) (*model.License, error) {
	var lic model.License
	err := s.pool.QueryRow(ctx,
		`SELECT publisher_id, token_id, is_active, source, last_updated FROM license_cache WHERE publisher_id = $1`,
		publisherID).Scan(&lic.PublisherID, &lic.TokenID, &lic.IsActive, &lic.Source, &lic.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get license")
	}
	return &lic, nil
}

func (s *PostgresStore) PutLicense(ctx context.Context, lic *model.License) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO license_cache (publisher_id, token_id, is_active, source, last_updated) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (publisher_id) DO UPDATE SET token_id = EXCLUDED.token_id, is_active = EXCLUDED.is_active, source = EXCLUDED.source, last_updated = EXCLUDED.last_updated`,
		lic.PublisherID, lic.TokenID, lic.IsActive, lic.Source, lic.LastUpdated)
	return eris.Wrap(err, "postgres: put license")
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
