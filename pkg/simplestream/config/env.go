package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// envConfig is the environment surface of ServerConfig. Unset variables leave
// the current value untouched.
type envConfig struct {
	Port        string `env:"PORT"`
	Environment string `env:"ENVIRONMENT"`
	BaseURL     string `env:"BASE_URL"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBSchema    string `env:"DB_SCHEMA"`

	RemoteType      string `env:"REMOTE_TYPE"`
	StorageChatID   int64  `env:"STORAGE_CHANNEL"`
	HomeEndpoint    int    `env:"HOME_ENDPOINT"`
	Endpoints       string `env:"ENDPOINTS"`
	Region          string `env:"AWS_REGION"`
	PathStyle       bool   `env:"S3_PATH_STYLE"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	BotToken        string `env:"BOT_TOKEN"`

	ChunkSize        int64         `env:"CHUNK_SIZE"`
	MigrationTimeout time.Duration `env:"MIGRATION_TIMEOUT"`

	EnableThumbnails bool          `env:"ENABLE_THUMBNAILS"`
	FrameCount       int           `env:"PREVIEW_FRAME_COUNT"`
	MinPreviewLinks  int           `env:"MIN_PREVIEW_LINKS"`
	ThumbnailWorkers int           `env:"THUMBNAIL_WORKERS"`
	QualityTokens    string        `env:"QUALITY_TOKENS"`
	FFmpegPath       string        `env:"FFMPEG_PATH"`
	FFprobePath      string        `env:"FFPROBE_PATH"`
	FrameTimeout     time.Duration `env:"FRAME_TIMEOUT"`
	TempDir          string        `env:"TEMP_DIR"`
}

// multiTokenPrefix marks variables carrying secondary session tokens.
const multiTokenPrefix = "MULTI_TOKEN"

// WithEnv applies environment variable overrides.
//
// Server:
//
//	PORT, ENVIRONMENT, BASE_URL
//
// Database:
//
//	DATABASE_URL - "memory" or a postgres:// / postgresql:// URL
//	DB_SCHEMA    - Postgres schema (default: stream)
//
// Remote store:
//
//	REMOTE_TYPE     - "memory" or "s3"
//	STORAGE_CHANNEL - chat uploads are copied into
//	HOME_ENDPOINT   - endpoint sessions sign in on
//	ENDPOINTS       - "1=bucket@http://host:9000,2=bucket-b" (memory accepts "1,2")
//	BOT_TOKEN       - primary session token
//	MULTI_TOKEN*    - secondary session tokens, ordered by variable name
//
// Streaming and thumbnails:
//
//	CHUNK_SIZE, MIGRATION_TIMEOUT, ENABLE_THUMBNAILS, PREVIEW_FRAME_COUNT, MIN_PREVIEW_LINKS,
//	THUMBNAIL_WORKERS, QUALITY_TOKENS, FFMPEG_PATH, FFPROBE_PATH,
//	FRAME_TIMEOUT, TEMP_DIR
func WithEnv() Option {
	return func(c *ServerConfig) error {
		env := envConfig{
			Port:             c.Port,
			Environment:      c.Environment,
			BaseURL:          c.BaseURL,
			DBSchema:         c.DBSchema,
			RemoteType:       c.RemoteType,
			StorageChatID:    c.StorageChatID,
			HomeEndpoint:     c.HomeEndpoint,
			AccessKeyID:      c.AccessKeyID,
			SecretAccessKey:  c.SecretAccessKey,
			ChunkSize:        c.ChunkSize,
			MigrationTimeout: c.MigrationTimeout,
			EnableThumbnails: c.EnableThumbnails,
			FrameCount:       c.FrameCount,
			MinPreviewLinks:  c.MinPreviewLinks,
			ThumbnailWorkers: c.ThumbnailWorkers,
			QualityTokens:    c.QualityTokens,
			FFmpegPath:       c.FFmpegPath,
			FFprobePath:      c.FFprobePath,
			FrameTimeout:     c.FrameTimeout,
			TempDir:          c.TempDir,
		}
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}

		c.Port = env.Port
		c.Environment = env.Environment
		c.BaseURL = strings.TrimRight(env.BaseURL, "/")
		c.DBSchema = env.DBSchema
		c.RemoteType = env.RemoteType
		c.StorageChatID = env.StorageChatID
		c.HomeEndpoint = env.HomeEndpoint
		c.AccessKeyID = env.AccessKeyID
		c.SecretAccessKey = env.SecretAccessKey
		c.ChunkSize = env.ChunkSize
		c.MigrationTimeout = env.MigrationTimeout
		c.EnableThumbnails = env.EnableThumbnails
		c.FrameCount = env.FrameCount
		c.MinPreviewLinks = env.MinPreviewLinks
		c.ThumbnailWorkers = env.ThumbnailWorkers
		c.QualityTokens = env.QualityTokens
		c.FFmpegPath = env.FFmpegPath
		c.FFprobePath = env.FFprobePath
		c.FrameTimeout = env.FrameTimeout
		c.TempDir = env.TempDir

		if err := applyDatabaseEnv(env.DatabaseURL, c); err != nil {
			return err
		}

		if env.Endpoints != "" {
			endpoints, err := ParseEndpoints(env.Endpoints, env.Region, env.PathStyle)
			if err != nil {
				return err
			}
			c.Endpoints = endpoints
		}

		if tokens := sessionTokens(env.BotToken); len(tokens) > 0 {
			if env.BotToken == "" && len(c.SessionTokens) > 0 {
				tokens = append([]string{c.SessionTokens[0]}, tokens...)
			}
			c.SessionTokens = tokens
		}

		return nil
	}
}

// WithDotEnv loads variables from .env files before WithEnv reads them.
// Missing files are ignored; variables already set in the environment win.
func WithDotEnv(paths ...string) Option {
	return func(c *ServerConfig) error {
		if len(paths) == 0 {
			paths = []string{".env"}
		}
		for _, p := range paths {
			if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load %s: %w", p, err)
			}
		}
		return nil
	}
}

// applyDatabaseEnv applies database configuration from DATABASE_URL
func applyDatabaseEnv(dbURL string, c *ServerConfig) error {
	if dbURL == "" || dbURL == "memory" {
		return nil
	}
	if strings.HasPrefix(dbURL, "postgresql://") || strings.HasPrefix(dbURL, "postgres://") {
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
		return nil
	}
	return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgresql://...')", dbURL)
}

// sessionTokens returns the primary token followed by every MULTI_TOKEN*
// value, ordered by variable name.
func sessionTokens(primary string) []string {
	var keys []string
	values := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, multiTokenPrefix) || v == "" {
			continue
		}
		keys = append(keys, k)
		values[k] = v
	}
	sort.Strings(keys)

	var tokens []string
	if primary != "" {
		tokens = append(tokens, primary)
	}
	for _, k := range keys {
		tokens = append(tokens, values[k])
	}
	return tokens
}

// ParseEndpoints parses "id[=bucket[@url]]" entries separated by commas.
func ParseEndpoints(s, region string, pathStyle bool) ([]EndpointConfig, error) {
	var endpoints []EndpointConfig
	seen := map[int]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, rest, _ := strings.Cut(part, "=")
		id, err := strconv.Atoi(strings.TrimSpace(idStr))
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint id in %q: %w", part, err)
		}
		if seen[id] {
			return nil, fmt.Errorf("endpoint %d listed twice", id)
		}
		seen[id] = true

		e := EndpointConfig{ID: id, Region: region, PathStyle: pathStyle}
		bucket, url, _ := strings.Cut(rest, "@")
		e.Bucket = strings.TrimSpace(bucket)
		e.URL = strings.TrimSpace(url)
		endpoints = append(endpoints, e)
	}
	if len(endpoints) == 0 {
		return nil, errors.New("ENDPOINTS is empty")
	}
	return endpoints, nil
}
