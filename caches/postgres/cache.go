package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"io"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/dgduncan/go-fetch-data/caches"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed delete_expired.sql
	queryDeleteExpired string
	//go:embed delete_item.sql
	queryDeleteItem string
	//go:embed fetch_by_id.sql
	queryFetchByID string
	//go:embed insert_item.sql
	queryInsertItem string
	//go:embed update_item.sql
	queryUpdateItem string
)

// Config defines the configuration options for the PostgreSQL cache implementation.
type Config struct {
	// DeleteExpiredItems enables automatic cleanup of purgeable rows
	// through a background task bound to the context passed to New.
	DeleteExpiredItems bool

	// ExpiredTaskTimer defines the interval at which the cleanup task runs.
	// Shorter durations may impact database performance.
	ExpiredTaskTimer time.Duration

	// ItemExpiration defines how long rows remain in the database.
	// This is separate from the expiration carried by the stored item.
	ItemExpiration time.Duration

	Logger *slog.Logger
}

// Cache implements caches.Store using PostgreSQL as the storage backend.
type Cache struct {
	db *sql.DB

	purgeAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Get retrieves a cache item from PostgreSQL by its key.
// Returns caches.ErrNoCacheItem if the row doesn't exist or is due for purging,
// and the item together with caches.ErrItemExpired once its expiration has passed.
func (p *Cache) Get(ctx context.Context, k string) (*caches.Item, error) {
	var (
		item         caches.Item
		lastModified sql.NullTime
	)

	now := p.now().UTC()
	err := p.db.QueryRowContext(ctx, queryFetchByID, k, now).
		Scan(&item.Value, &item.ETag, &lastModified, &item.UpdatedAt, &item.Expiration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, caches.ErrNoCacheItem
	}
	if err != nil {
		return nil, err
	}

	if lastModified.Valid {
		lm := lastModified.Time.UTC()
		item.LastModified = &lm
	}

	if !now.Before(item.Expiration) {
		return &item, caches.ErrItemExpired
	}

	return &item, nil
}

// Set upserts v under k.
func (p *Cache) Set(ctx context.Context, k string, v *caches.Item) error {
	var lastModified sql.NullTime
	if v.LastModified != nil {
		lastModified = sql.NullTime{Time: v.LastModified.UTC(), Valid: true}
	}

	updatedAt := v.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = p.now()
	}

	_, err := p.db.ExecContext(ctx, queryInsertItem,
		k,
		v.Value,
		v.ETag,
		lastModified,
		updatedAt.UTC(),
		v.Expiration.UTC(),
		p.now().UTC().Add(p.purgeAfter),
	)
	return err
}

// Update modifies the expiration time of an existing cache item in PostgreSQL.
// This is typically used when a cached response is revalidated with the origin server.
func (p *Cache) Update(ctx context.Context, k string, expiration time.Time) error {
	res, err := p.db.ExecContext(ctx, queryUpdateItem, k, expiration.UTC(), p.now().UTC())
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return caches.ErrNoCacheItem
	}

	return nil
}

// Delete removes the row stored under k, if any.
func (p *Cache) Delete(ctx context.Context, k string) error {
	_, err := p.db.ExecContext(ctx, queryDeleteItem, k)
	return err
}

func createTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, queryCreateTable)
	return err
}

func (p *Cache) deleteExpiredItems(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, queryDeleteExpired, p.now().UTC())
	return err
}

func (p *Cache) expiredTask(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.DebugContext(ctx, "stopping expired item task")
			return
		case <-t.C:
			if err := p.deleteExpiredItems(ctx); err != nil {
				p.logger.WarnContext(ctx, "error deleting expired items", "error", err)
			}
		}
	}
}

// New creates a new PostgreSQL cache instance with the provided configuration.
// It verifies the database connection, creates the necessary table structure, and
// optionally starts the cleanup task for expired items.
//
// Returns an error if:
// - The database handle is nil
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB, config *Config) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{
			Reason: "nil database",
		}
	}

	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.ItemExpiration <= 0 {
		cfg.ItemExpiration = caches.DefaultExpiredDuration
	}
	if cfg.ExpiredTaskTimer <= 0 {
		cfg.ExpiredTaskTimer = caches.DefaultExpiredTaskTimer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	c := &Cache{
		db: db,

		purgeAfter: cfg.ItemExpiration,
		logger:     cfg.Logger,
		now:        time.Now,
	}

	if cfg.DeleteExpiredItems {
		go c.expiredTask(ctx, cfg.ExpiredTaskTimer)
	}

	return c, nil
}
