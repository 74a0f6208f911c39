package fetch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"requery/internal/query"
)

// SourceDirect identifies runs produced by the direct-query fetcher.
const SourceDirect = "database"

// DirectConfig holds the backing-store connection settings for the
// reference oracle.
type DirectConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`

	// KeyColumn is the unique-key column the oracle orders by. The
	// oracle always applies this ordering, whatever the spec requests;
	// without it there is no deterministic ground truth.
	KeyColumn string `toml:"key_column"`

	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time"`
}

// DefaultDirectConfig returns oracle settings with sqlite defaults.
func DefaultDirectConfig() DirectConfig {
	return DirectConfig{
		Driver:          "sqlite3",
		KeyColumn:       "uid",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c DirectConfig) Validate() error {
	switch c.Driver {
	case "sqlite3", "postgres", "mysql":
	case "":
		return fmt.Errorf("database driver must be specified")
	default:
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3, postgres, or mysql)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}
	if strings.TrimSpace(c.KeyColumn) == "" {
		return fmt.Errorf("database key_column must be specified for deterministic ordering")
	}
	return nil
}

// DirectFetcher queries the backing store directly and serves as the
// reference oracle. It always orders by the configured unique key, so
// its runs are deterministic ground truth. The connection pool is safe
// for concurrent use by multiple in-flight specs.
type DirectFetcher struct {
	cfg    DirectConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewDirectFetcher opens a connection pool against the backing store.
// A missing key column or unusable driver is a config error, reported
// before any run starts.
func NewDirectFetcher(cfg DirectConfig, logger *slog.Logger) (*DirectFetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, query.Configf("direct fetcher: %v", err)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, query.Configf("direct fetcher: opening %s: %v", cfg.Driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, query.FatalSourcef(SourceDirect, err, "backing store unreachable")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	return newDirectFetcher(cfg, db, logger), nil
}

// NewDirectFetcherWithDB wraps an already-open handle. The caller keeps
// ownership of the handle's lifecycle.
func NewDirectFetcherWithDB(cfg DirectConfig, db *sql.DB, logger *slog.Logger) (*DirectFetcher, error) {
	if strings.TrimSpace(cfg.KeyColumn) == "" {
		return nil, query.Configf("direct fetcher: database key_column must be specified for deterministic ordering")
	}
	return newDirectFetcher(cfg, db, logger), nil
}

func newDirectFetcher(cfg DirectConfig, db *sql.DB, logger *slog.Logger) *DirectFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectFetcher{cfg: cfg, db: db, logger: logger}
}

// Close releases the connection pool.
func (f *DirectFetcher) Close() error { return f.db.Close() }

// Source implements Fetcher.
func (f *DirectFetcher) Source() string { return SourceDirect }

// Fetch implements Fetcher. The spec's ordering clause is ignored on
// purpose: the oracle's contract is a deterministic order by unique key.
func (f *DirectFetcher) Fetch(ctx context.Context, spec *query.QuerySpec, opts Options) (PageStream, error) {
	pageSize := opts.pageSize(spec)
	firstLimit := pageSize
	if shift := opts.InitialOffset % pageSize; opts.InitialOffset > 0 && shift > 0 {
		// A truncated first page shifts every subsequent page
		// boundary without changing the record set.
		firstLimit = shift
	}
	return &directStream{
		fetcher:   f,
		spec:      spec,
		opts:      opts,
		pageSize:  pageSize,
		nextLimit: firstLimit,
	}, nil
}

type directStream struct {
	fetcher   *DirectFetcher
	spec      *query.QuerySpec
	opts      Options
	pageSize  int
	nextLimit int

	offset    int
	pageIndex int
	total     *int64
	done      bool
}

func (s *directStream) Next(ctx context.Context) (*query.Page, error) {
	if s.done {
		return &query.Page{Final: true}, nil
	}
	f := s.fetcher

	callCtx, cancel := s.opts.callCtx(ctx)
	defer cancel()

	// The first round trip also asks the store for its declared total,
	// which the assembler cross-checks against the accumulated size.
	if s.pageIndex == 0 {
		countStmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s",
			s.spec.Collection(), s.spec.Predicate())
		var total int64
		if err := f.db.QueryRowContext(callCtx, countStmt).Scan(&total); err != nil {
			return nil, query.FatalSourcef(SourceDirect, err, "counting %s", s.spec.Collection())
		}
		s.total = &total
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT %d OFFSET %d",
		f.cfg.KeyColumn, s.spec.Collection(), s.spec.Predicate(),
		f.cfg.KeyColumn, s.nextLimit, s.offset)

	start := time.Now()
	rows, err := f.db.QueryContext(callCtx, stmt)
	if err != nil {
		// Retries are not expected to help with genuine store
		// unavailability, so every failure here ends the run.
		return nil, query.FatalSourcef(SourceDirect, err, "page %d query failed", s.pageIndex)
	}
	defer rows.Close()

	page := &query.Page{TotalHint: s.total}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, query.FatalSourcef(SourceDirect, err, "scanning page %d", s.pageIndex)
		}
		page.Identities = append(page.Identities, query.RecordIdentity(id))
	}
	if err := rows.Err(); err != nil {
		return nil, query.FatalSourcef(SourceDirect, err, "reading page %d", s.pageIndex)
	}

	if len(page.Identities) < s.nextLimit {
		page.Final = true
		s.done = true
	}

	f.logger.Debug("fetched page",
		"source", SourceDirect,
		"page_index", s.pageIndex,
		"rows", len(page.Identities),
		"elapsed", time.Since(start))

	s.offset += len(page.Identities)
	s.pageIndex++
	s.nextLimit = s.pageSize
	return page, nil
}
