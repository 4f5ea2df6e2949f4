package simplestream

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// service implements the Service interface
type service struct {
	repository       Repository
	pool             *SessionPool
	resolver         SubSessionResolver
	connector        Connector
	migrationTimeout time.Duration
	extractor        FrameExtractor
	storageChatID    int64
	baseURL          string
	chunkSize        int64
	thumbnailCfg     ThumbnailConfig
	logger           *slog.Logger

	streamer   *ByteStreamer
	thumbnails *ThumbnailPipeline
	ingestor   *Ingestor
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the metadata repository
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithSessionPool sets the backend session pool
func WithSessionPool(pool *SessionPool) Option {
	return func(s *service) {
		s.pool = pool
	}
}

// WithConnector sets the connector used to migrate sessions across endpoints.
// It is ignored when WithResolver is also given.
func WithConnector(connector Connector) Option {
	return func(s *service) {
		s.connector = connector
	}
}

// WithResolver overrides the sub-session resolver
func WithResolver(resolver SubSessionResolver) Option {
	return func(s *service) {
		s.resolver = resolver
	}
}

// WithFrameExtractor enables the thumbnail pipeline
func WithFrameExtractor(extractor FrameExtractor) Option {
	return func(s *service) {
		s.extractor = extractor
	}
}

// WithStorageChat sets the chat uploads are copied into and served from
func WithStorageChat(chatID int64) Option {
	return func(s *service) {
		s.storageChatID = chatID
	}
}

// WithBaseURL sets the public base URL used in generated links
func WithBaseURL(baseURL string) Option {
	return func(s *service) {
		s.baseURL = baseURL
	}
}

// WithChunkSize sets the backend read size
func WithChunkSize(size int64) Option {
	return func(s *service) {
		s.chunkSize = size
	}
}

// WithThumbnailConfig sets pipeline tuning. StorageChatID, BaseURL and
// ChunkSize are filled from the service when left empty.
func WithThumbnailConfig(cfg ThumbnailConfig) Option {
	return func(s *service) {
		s.thumbnailCfg = cfg
	}
}

// WithMigrationTimeout bounds each endpoint migration of the default resolver
func WithMigrationTimeout(d time.Duration) Option {
	return func(s *service) {
		s.migrationTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		chunkSize: DefaultChunkSize,
		logger:    slog.Default(),
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.pool == nil {
		return nil, fmt.Errorf("session pool is required")
	}
	if s.chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	if s.resolver == nil {
		if s.connector == nil {
			return nil, fmt.Errorf("connector or resolver is required")
		}
		resolver := NewEndpointResolver(s.connector, s.logger)
		resolver.MigrationTimeout = s.migrationTimeout
		s.resolver = resolver
	}

	s.streamer = NewByteStreamer(s.pool, s.resolver, s.logger)

	if s.extractor != nil {
		cfg := s.thumbnailCfg
		if cfg.StorageChatID == 0 {
			cfg.StorageChatID = s.storageChatID
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = s.baseURL
		}
		if cfg.ChunkSize == 0 {
			cfg.ChunkSize = s.chunkSize
		}
		s.thumbnails = NewThumbnailPipeline(cfg, s.pool, s.streamer, s.repository, s.extractor, s.logger)
	}

	s.ingestor = NewIngestor(IngestConfig{StorageChatID: s.storageChatID, BaseURL: s.baseURL}, s.pool, s.repository, s.thumbnails, s.logger)

	return s, nil
}

// Download operations

func (s *service) OpenObject(ctx context.Context, objectID int64) (*StoredObject, error) {
	session, err := s.pool.SelectLeastLoaded()
	if err != nil {
		return nil, err
	}

	msg, err := session.Client().GetMessage(ctx, s.storageChatID, objectID)
	if err != nil {
		return nil, fmt.Errorf("get object %d: %w", objectID, err)
	}
	if !msg.Media.Streamable() {
		return nil, fmt.Errorf("object %d: %w", objectID, ErrNoMedia)
	}

	ref, err := DecodeObjectReference(msg.Media.FileID)
	if err != nil {
		return nil, err
	}

	return &StoredObject{Session: session, Message: msg, Ref: ref}, nil
}

func (s *service) StreamObject(ctx context.Context, obj *StoredObject, r RangeRequest) (*ChunkStream, error) {
	plan, err := PlanForRange(r, s.chunkSize)
	if err != nil {
		return nil, err
	}
	return s.streamer.Stream(ctx, obj.Session, obj.Ref, plan)
}

// Upload operations

func (s *service) HandleUpload(ctx context.Context, ev UploadEvent) (*UploadResult, error) {
	return s.ingestor.HandleUpload(ctx, ev)
}

// Link operations

func (s *service) ResolveLink(ctx context.Context, id string) (*LinkRecord, error) {
	return s.repository.GetLink(ctx, id)
}

// Thumbnail operations

func (s *service) GetThumbnails(ctx context.Context, contentKey string) (*ThumbnailRecord, error) {
	return s.repository.GetThumbnailRecord(ctx, contentKey)
}

func (s *service) GenerateThumbnails(ctx context.Context, msg *Message) ThumbnailOutcome {
	if s.thumbnails == nil {
		s.logger.Warn("Thumbnail generation requested but no frame extractor is configured")
		return OutcomeFailed
	}
	return s.thumbnails.Run(ctx, msg)
}

func (s *service) Pool() *SessionPool {
	return s.pool
}

func (s *service) Close() error {
	if s.thumbnails != nil {
		s.thumbnails.Wait()
	}
	return nil
}
