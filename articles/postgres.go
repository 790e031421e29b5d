package articles

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxConns        = 10
	maxConnIdleTime = 10 * time.Minute
	connectTimeout  = 5 * time.Second
)

// listBySourceSQL selects the columns of Article in declaration order.
const listBySourceSQL = `
SELECT
	id::text,
	COALESCE(source, ''),
	COALESCE(title, ''),
	COALESCE(abstract, ''),
	COALESCE(authors, '{}')::text[],
	COALESCE(volume::text, ''),
	COALESCE(issue::text, ''),
	COALESCE(publication_date::text, ''),
	COALESCE(pdf_url, ''),
	COALESCE(image_url, ''),
	COALESCE(category, ''),
	COALESCE(tags, '{}')::text[],
	COALESCE(downloads, 0)::int,
	COALESCE(shares, 0)::int,
	COALESCE(page_number::text, '')
FROM %s
WHERE upper(source) = $1
ORDER BY publication_date DESC NULLS LAST`

// Querier is the subset of a pgx pool used by PostgresSource.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource reads articles straight from the backend's database.
type PostgresSource struct {
	db    Querier
	table string
}

// NewPostgresSource creates a source over db reading table.
func NewPostgresSource(db Querier, table string) *PostgresSource {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresSource{db: db, table: table}
}

// NewPool connects to the database at dsn and checks it is reachable.
func NewPool(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid DSN: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = maxConnIdleTime
	cfg.ConnConfig.ConnectTimeout = connectTimeout

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	logger.Info("postgres pool connected", "max_conns", cfg.MaxConns)
	return pool, nil
}

func (s *PostgresSource) query() string {
	return fmt.Sprintf(listBySourceSQL, pgx.Identifier{s.table}.Sanitize())
}

// ListBySource implements Source.
func (s *PostgresSource) ListBySource(ctx context.Context, source string) ([]Article, error) {
	source, err := NormalizeSource(source)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, s.query(), source)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing articles: %w", err)
	}

	articles, err := pgx.CollectRows(rows, scanArticle)
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning articles: %w", err)
	}
	return articles, nil
}

func scanArticle(row pgx.CollectableRow) (Article, error) {
	var (
		a                         Article
		volume, issue, pageNumber string
	)
	err := row.Scan(
		&a.ID,
		&a.Source,
		&a.Title,
		&a.Abstract,
		&a.Authors,
		&volume,
		&issue,
		&a.PublicationDate,
		&a.PDFURL,
		&a.ImageURL,
		&a.Category,
		&a.Tags,
		&a.Downloads,
		&a.Shares,
		&pageNumber,
	)
	a.Volume, a.Issue, a.PageNumber = Text(volume), Text(issue), Text(pageNumber)
	return a, err
}

var _ Source = (*PostgresSource)(nil)
