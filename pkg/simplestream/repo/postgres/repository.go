package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-stream/pkg/simplestream"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL EnsureSchema applies.
func Schema() string { return schema }

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simplestream.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// EnsureSchema creates the tables when they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return r.handlePostgresError("ensure schema", err)
	}
	return nil
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: duplicate entry (%s)", operation, pgErr.ConstraintName)
		case "23502": // not_null_violation
			return fmt.Errorf("%s: required field %s is missing", operation, pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("%s: table does not exist - run EnsureSchema", operation)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Link operations

func (r *Repository) SaveLink(ctx context.Context, link *simplestream.LinkRecord) error {
	query := `INSERT INTO links (id, object_id, file_name, created_at) VALUES ($1, $2, $3, $4)`

	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := r.db.Exec(ctx, query, link.ID, link.ObjectID, link.FileName, createdAt); err != nil {
		return r.handlePostgresError("save link", err)
	}
	return nil
}

func (r *Repository) GetLink(ctx context.Context, id string) (*simplestream.LinkRecord, error) {
	query := `SELECT id, object_id, file_name, created_at FROM links WHERE id = $1`

	var link simplestream.LinkRecord
	err := r.db.QueryRow(ctx, query, id).Scan(&link.ID, &link.ObjectID, &link.FileName, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplestream.ErrLinkNotFound
		}
		return nil, r.handlePostgresError("get link", err)
	}
	return &link, nil
}

// Channel operations

func (r *Repository) AddChannel(ctx context.Context, channelID int64) error {
	query := `INSERT INTO channels (channel_id) VALUES ($1) ON CONFLICT (channel_id) DO NOTHING`
	if _, err := r.db.Exec(ctx, query, channelID); err != nil {
		return r.handlePostgresError("add channel", err)
	}
	return nil
}

func (r *Repository) RemoveChannel(ctx context.Context, channelID int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM channels WHERE channel_id = $1`, channelID); err != nil {
		return r.handlePostgresError("remove channel", err)
	}
	return nil
}

func (r *Repository) IsChannelAllowed(ctx context.Context, channelID int64) (bool, error) {
	var allowed bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM channels WHERE channel_id = $1)`, channelID).Scan(&allowed)
	if err != nil {
		return false, r.handlePostgresError("check channel", err)
	}
	return allowed, nil
}

func (r *Repository) ListChannels(ctx context.Context) ([]*simplestream.Channel, error) {
	rows, err := r.db.Query(ctx, `SELECT channel_id, added_at FROM channels ORDER BY channel_id`)
	if err != nil {
		return nil, r.handlePostgresError("list channels", err)
	}
	defer rows.Close()

	var channels []*simplestream.Channel
	for rows.Next() {
		var ch simplestream.Channel
		if err := rows.Scan(&ch.ID, &ch.AddedAt); err != nil {
			return nil, r.handlePostgresError("scan channel", err)
		}
		channels = append(channels, &ch)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list channels", err)
	}
	return channels, nil
}

// Shortener operations

func (r *Repository) SetShortener(ctx context.Context, cfg *simplestream.ShortenerConfig) error {
	query := `
		INSERT INTO shortener_config (id, api_url, api_key, updated_at) VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET api_url = EXCLUDED.api_url, api_key = EXCLUDED.api_key, updated_at = NOW()`
	if _, err := r.db.Exec(ctx, query, cfg.APIURL, cfg.APIKey); err != nil {
		return r.handlePostgresError("set shortener", err)
	}
	return nil
}

func (r *Repository) GetShortener(ctx context.Context) (*simplestream.ShortenerConfig, error) {
	var cfg simplestream.ShortenerConfig
	err := r.db.QueryRow(ctx, `SELECT api_url, api_key, updated_at FROM shortener_config WHERE id = 1`).
		Scan(&cfg.APIURL, &cfg.APIKey, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplestream.ErrShortenerNotSet
		}
		return nil, r.handlePostgresError("get shortener", err)
	}
	return &cfg, nil
}

func (r *Repository) DeleteShortener(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM shortener_config WHERE id = 1`); err != nil {
		return r.handlePostgresError("delete shortener", err)
	}
	return nil
}

// Thumbnail operations

func (r *Repository) GetThumbnailRecord(ctx context.Context, contentKey string) (*simplestream.ThumbnailRecord, error) {
	query := `
		SELECT content_key, best_quality_rank, source_object_id, preview_links, updated_at
		FROM thumbnail_records WHERE content_key = $1`

	var rec simplestream.ThumbnailRecord
	err := r.db.QueryRow(ctx, query, contentKey).Scan(
		&rec.ContentKey, &rec.BestQualityRank, &rec.SourceObjectID, &rec.PreviewLinks, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplestream.ErrThumbnailNotFound
		}
		return nil, r.handlePostgresError("get thumbnail record", err)
	}
	return &rec, nil
}

func (r *Repository) UpsertThumbnailRecord(ctx context.Context, rec *simplestream.ThumbnailRecord) error {
	query := `
		INSERT INTO thumbnail_records (content_key, best_quality_rank, source_object_id, preview_links, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_key) DO UPDATE SET
			best_quality_rank = EXCLUDED.best_quality_rank,
			source_object_id = EXCLUDED.source_object_id,
			preview_links = EXCLUDED.preview_links,
			updated_at = EXCLUDED.updated_at`

	links := rec.PreviewLinks
	if links == nil {
		links = []string{}
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if _, err := r.db.Exec(ctx, query, rec.ContentKey, rec.BestQualityRank, rec.SourceObjectID, links, updatedAt); err != nil {
		return r.handlePostgresError("upsert thumbnail record", err)
	}
	return nil
}

var _ simplestream.Repository = (*Repository)(nil)
