package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-stream/pkg/simplestream"
	"github.com/tendant/simple-stream/pkg/simplestream/frames"
	memoryremote "github.com/tendant/simple-stream/pkg/simplestream/remote/memory"
	s3remote "github.com/tendant/simple-stream/pkg/simplestream/remote/s3"
	"github.com/tendant/simple-stream/pkg/simplestream/repo/memory"
	repopg "github.com/tendant/simple-stream/pkg/simplestream/repo/postgres"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:             "8080",
		Environment:      "development",
		BaseURL:          "http://localhost:8080",
		DatabaseType:     "memory",
		DBSchema:         "stream",
		RemoteType:       "memory",
		StorageChatID:    -1000000000001,
		HomeEndpoint:     1,
		Endpoints:        []EndpointConfig{{ID: 1}},
		SessionTokens:    []string{"primary"},
		ChunkSize:        simplestream.DefaultChunkSize,
		FrameCount:       simplestream.DefaultFrameCount,
		MinPreviewLinks:  simplestream.DefaultMinimumLinks,
		QualityTokens:    "480p:1,720p:2,1080p:3,2160p:4,4k:4",
		EnableThumbnails: true,
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
		FrameTimeout:     2 * time.Minute,
		MigrationTimeout: simplestream.DefaultMigrationTimeout,
	}
}

// ServerConfig represents server configuration for the simple-stream gateway
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing
	BaseURL     string // Public URL prefix of generated links

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres"
	DBSchema     string // Postgres schema to use (default: stream)

	// Remote store configuration
	RemoteType      string // "memory", "s3"
	StorageChatID   int64  // Chat uploads are copied into and served from
	HomeEndpoint    int    // Endpoint the sessions sign in on
	Endpoints       []EndpointConfig
	AccessKeyID     string
	SecretAccessKey string

	// SessionTokens holds one credential per backend session. The first is
	// the primary token, the rest come from MULTI_TOKEN* variables.
	SessionTokens []string

	// Streaming
	ChunkSize        int64
	MigrationTimeout time.Duration

	// Thumbnails
	EnableThumbnails bool
	FrameCount       int
	MinPreviewLinks  int
	ThumbnailWorkers int
	QualityTokens    string
	FFmpegPath       string
	FFprobePath      string
	FrameTimeout     time.Duration
	TempDir          string
}

// EndpointConfig describes one remote endpoint. URL, Region and Bucket are
// only used by the s3 remote.
type EndpointConfig struct {
	ID        int
	URL       string
	Region    string
	Bucket    string
	PathStyle bool
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}

	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	if c.RemoteType != "memory" && c.RemoteType != "s3" {
		return errors.New("remote_type must be 'memory' or 's3'")
	}

	found := false
	for _, e := range c.Endpoints {
		if e.ID == c.HomeEndpoint {
			found = true
		}
		if c.RemoteType == "s3" && e.Bucket == "" {
			return fmt.Errorf("endpoint %d: bucket is required for s3", e.ID)
		}
	}
	if !found {
		return fmt.Errorf("home endpoint %d not found in configured endpoints", c.HomeEndpoint)
	}

	if len(c.SessionTokens) == 0 {
		return errors.New("at least one session token is required")
	}

	if c.ChunkSize <= 0 {
		return errors.New("chunk_size must be positive")
	}

	if c.EnableThumbnails {
		if c.FrameCount <= 0 || c.MinPreviewLinks <= 0 {
			return errors.New("frame_count and min_preview_links must be positive")
		}
		if c.MinPreviewLinks > c.FrameCount {
			return fmt.Errorf("min_preview_links (%d) cannot exceed frame_count (%d)", c.MinPreviewLinks, c.FrameCount)
		}
		if _, err := simplestream.ParseQualityVocabulary(c.QualityTokens); err != nil {
			return fmt.Errorf("quality_tokens: %w", err)
		}
	}

	return nil
}

// BuildService creates a Service instance from the server configuration
func (c *ServerConfig) BuildService(ctx context.Context, logger *slog.Logger) (simplestream.Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := c.BuildRepository(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}

	connector, logins, err := c.buildRemote(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build remote: %w", err)
	}

	pool, err := c.buildSessionPool(ctx, logins, logger)
	if err != nil {
		return nil, err
	}

	options := []simplestream.Option{
		simplestream.WithRepository(repo),
		simplestream.WithSessionPool(pool),
		simplestream.WithConnector(connector),
		simplestream.WithStorageChat(c.StorageChatID),
		simplestream.WithBaseURL(c.BaseURL),
		simplestream.WithChunkSize(c.ChunkSize),
		simplestream.WithMigrationTimeout(c.MigrationTimeout),
		simplestream.WithLogger(logger),
	}

	if c.EnableThumbnails {
		vocabulary, err := simplestream.ParseQualityVocabulary(c.QualityTokens)
		if err != nil {
			return nil, err
		}
		options = append(options,
			simplestream.WithFrameExtractor(frames.New(frames.Config{
				FFmpegPath:  c.FFmpegPath,
				FFprobePath: c.FFprobePath,
				Timeout:     c.FrameTimeout,
			})),
			simplestream.WithThumbnailConfig(simplestream.ThumbnailConfig{
				FrameCount:   c.FrameCount,
				MinimumLinks: c.MinPreviewLinks,
				Workers:      c.ThumbnailWorkers,
				TempDir:      c.TempDir,
				Vocabulary:   vocabulary,
			}),
		)
	}

	return simplestream.New(options...)
}

// BuildRepository creates a Repository based on the configuration
func (c *ServerConfig) BuildRepository(ctx context.Context) (simplestream.Repository, error) {
	switch c.DatabaseType {
	case "memory":
		return memory.New(), nil
	case "postgres":
		pool, err := NewPgxPool(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, err
		}
		repo := repopg.NewWithPool(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// NewPgxPool opens a pool whose connections use schema as search_path.
func NewPgxPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database_url is required for postgres")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize())); err != nil {
				return err
			}
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}

// loginFunc signs a backend session in with one token.
type loginFunc func(ctx context.Context, token string) (simplestream.Client, error)

// buildRemote creates the connector used for endpoint migration and a login
// function for the configured sessions.
func (c *ServerConfig) buildRemote(ctx context.Context) (simplestream.Connector, loginFunc, error) {
	switch c.RemoteType {
	case "memory":
		ids := make([]int, 0, len(c.Endpoints))
		for _, e := range c.Endpoints {
			ids = append(ids, e.ID)
		}
		network := memoryremote.New(ids...)
		login := func(ctx context.Context, token string) (simplestream.Client, error) {
			return network.Login(c.HomeEndpoint)
		}
		return network, login, nil

	case "s3":
		endpoints := make([]s3remote.EndpointConfig, 0, len(c.Endpoints))
		for _, e := range c.Endpoints {
			endpoints = append(endpoints, s3remote.EndpointConfig{
				ID:           e.ID,
				Endpoint:     e.URL,
				Region:       e.Region,
				Bucket:       e.Bucket,
				UsePathStyle: e.PathStyle,
			})
		}
		connector, err := s3remote.New(ctx, s3remote.Config{
			Endpoints:       endpoints,
			CatalogEndpoint: c.HomeEndpoint,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		login := func(ctx context.Context, token string) (simplestream.Client, error) {
			accessKey, secret := c.AccessKeyID, c.SecretAccessKey
			if k, s, ok := strings.Cut(token, ":"); ok {
				accessKey, secret = k, s
			}
			remote, err := s3remote.New(ctx, s3remote.Config{
				Endpoints:       endpoints,
				CatalogEndpoint: c.HomeEndpoint,
				AccessKeyID:     accessKey,
				SecretAccessKey: secret,
			})
			if err != nil {
				return nil, err
			}
			return remote.Login(ctx, c.HomeEndpoint)
		}
		return connector, login, nil

	default:
		return nil, nil, fmt.Errorf("unsupported remote type: %s", c.RemoteType)
	}
}

// buildSessionPool signs in one session per token. A failing token is logged
// and skipped; the pool may end up empty, in which case downloads answer 503.
func (c *ServerConfig) buildSessionPool(ctx context.Context, login loginFunc, logger *slog.Logger) (*simplestream.SessionPool, error) {
	pool := simplestream.NewSessionPool()
	for i, token := range c.SessionTokens {
		client, err := login(ctx, token)
		if err != nil {
			logger.Error("Failed to start session", "session", i, "err", err)
			continue
		}
		pool.Register(simplestream.NewBackendSession(i, client))
		logger.Info("Session started", "session", i, "endpoint", client.HomeEndpoint())
	}
	if pool.Len() == 0 {
		logger.Warn("No backend sessions started")
	}
	return pool, nil
}

// PingPostgres verifies connectivity to Postgres using the configured schema.
func PingPostgres(databaseURL, schema string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := NewPgxPool(ctx, databaseURL, schema)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *ServerConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
