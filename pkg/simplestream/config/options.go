package config

import (
	"fmt"
	"strings"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithBaseURL sets the public URL prefix of generated links
func WithBaseURL(baseURL string) Option {
	return func(c *ServerConfig) error {
		if baseURL == "" {
			return fmt.Errorf("base URL cannot be empty")
		}
		c.BaseURL = strings.TrimRight(baseURL, "/")
		return nil
	}
}

// WithDatabase configures the database backend
func WithDatabase(dbType, url string) Option {
	return func(c *ServerConfig) error {
		if dbType != "memory" && dbType != "postgres" {
			return fmt.Errorf("database type must be 'memory' or 'postgres', got: %s", dbType)
		}
		if dbType == "postgres" && url == "" {
			return fmt.Errorf("database URL is required for postgres")
		}
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

// WithMemoryRemote uses the in-process remote store with the given endpoints
func WithMemoryRemote(homeEndpoint int, endpointIDs ...int) Option {
	return func(c *ServerConfig) error {
		if len(endpointIDs) == 0 {
			endpointIDs = []int{homeEndpoint}
		}
		c.RemoteType = "memory"
		c.HomeEndpoint = homeEndpoint
		c.Endpoints = c.Endpoints[:0]
		for _, id := range endpointIDs {
			c.Endpoints = append(c.Endpoints, EndpointConfig{ID: id})
		}
		return nil
	}
}

// WithS3Remote uses S3-compatible endpoints as the remote store
func WithS3Remote(homeEndpoint int, endpoints ...EndpointConfig) Option {
	return func(c *ServerConfig) error {
		if len(endpoints) == 0 {
			return fmt.Errorf("at least one s3 endpoint is required")
		}
		c.RemoteType = "s3"
		c.HomeEndpoint = homeEndpoint
		c.Endpoints = append([]EndpointConfig(nil), endpoints...)
		return nil
	}
}

// WithS3Credentials sets the home identity credentials for the s3 remote
func WithS3Credentials(accessKeyID, secretAccessKey string) Option {
	return func(c *ServerConfig) error {
		c.AccessKeyID = accessKeyID
		c.SecretAccessKey = secretAccessKey
		return nil
	}
}

// WithStorageChat sets the chat uploads are copied into
func WithStorageChat(chatID int64) Option {
	return func(c *ServerConfig) error {
		if chatID == 0 {
			return fmt.Errorf("storage chat id cannot be zero")
		}
		c.StorageChatID = chatID
		return nil
	}
}

// WithSessionTokens sets one token per backend session
func WithSessionTokens(tokens ...string) Option {
	return func(c *ServerConfig) error {
		if len(tokens) == 0 {
			return fmt.Errorf("at least one session token is required")
		}
		c.SessionTokens = append([]string(nil), tokens...)
		return nil
	}
}

// WithChunkSize sets the backend read size in bytes
func WithChunkSize(size int64) Option {
	return func(c *ServerConfig) error {
		if size <= 0 {
			return fmt.Errorf("chunk size must be positive, got %d", size)
		}
		c.ChunkSize = size
		return nil
	}
}

// WithThumbnails enables the thumbnail pipeline with the given frame count and minimum links
func WithThumbnails(frameCount, minLinks int) Option {
	return func(c *ServerConfig) error {
		c.EnableThumbnails = true
		c.FrameCount = frameCount
		c.MinPreviewLinks = minLinks
		return nil
	}
}

// WithoutThumbnails disables the thumbnail pipeline
func WithoutThumbnails() Option {
	return func(c *ServerConfig) error {
		c.EnableThumbnails = false
		return nil
	}
}

// WithQualityTokens sets the quality vocabulary, e.g. "480p:1,720p:2,1080p:3"
func WithQualityTokens(tokens string) Option {
	return func(c *ServerConfig) error {
		c.QualityTokens = tokens
		return nil
	}
}

// WithFrameTools sets the ffmpeg and ffprobe binaries
func WithFrameTools(ffmpegPath, ffprobePath string) Option {
	return func(c *ServerConfig) error {
		if ffmpegPath != "" {
			c.FFmpegPath = ffmpegPath
		}
		if ffprobePath != "" {
			c.FFprobePath = ffprobePath
		}
		return nil
	}
}
