package simplestream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tendant/simple-stream/pkg/simplestream/metrics"
)

// IngestConfig configures an Ingestor.
type IngestConfig struct {
	StorageChatID int64
	BaseURL       string
}

// Ingestor stores uploaded files in the storage chat, records a link for them
// and hands videos to the thumbnail pipeline.
type Ingestor struct {
	cfg        IngestConfig
	pool       *SessionPool
	repo       Repository
	thumbnails *ThumbnailPipeline
	logger     *slog.Logger
	now        func() time.Time
}

// NewIngestor creates an ingestor. thumbnails may be nil to disable previews.
func NewIngestor(cfg IngestConfig, pool *SessionPool, repo Repository, thumbnails *ThumbnailPipeline, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Ingestor{
		cfg:        cfg,
		pool:       pool,
		repo:       repo,
		thumbnails: thumbnails,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleUpload acknowledges an uploaded file. It never waits for thumbnail generation.
func (i *Ingestor) HandleUpload(ctx context.Context, ev UploadEvent) (*UploadResult, error) {
	result, err := i.handleUpload(ctx, ev)
	metrics.RecordUpload(err == nil)
	return result, err
}

func (i *Ingestor) handleUpload(ctx context.Context, ev UploadEvent) (*UploadResult, error) {
	if ev.IsChannelPost {
		allowed, err := i.repo.IsChannelAllowed(ctx, ev.ChatID)
		if err != nil {
			return nil, fmt.Errorf("check channel %d: %w", ev.ChatID, err)
		}
		if !allowed {
			return nil, fmt.Errorf("channel %d: %w", ev.ChatID, ErrChannelNotAllowed)
		}
	}

	session, err := i.pool.SelectLeastLoaded()
	if err != nil {
		return nil, err
	}
	client := session.Client()

	msg, err := client.GetMessage(ctx, ev.ChatID, ev.MessageID)
	if err != nil {
		return nil, fmt.Errorf("get message %d/%d: %w", ev.ChatID, ev.MessageID, err)
	}
	if !msg.Media.Streamable() {
		return nil, ErrNoMedia
	}

	stored, err := client.CopyMessage(ctx, ev.ChatID, ev.MessageID, i.cfg.StorageChatID)
	if err != nil {
		return nil, fmt.Errorf("copy message to storage: %w", err)
	}
	if stored.Media == nil {
		stored.Media = msg.Media
	}

	name := SafeFileName(stored.Media.FileName)
	link := &LinkRecord{
		ID:        uuid.NewString(),
		ObjectID:  stored.ID,
		FileName:  name,
		CreatedAt: i.now().UTC(),
	}
	if err := i.repo.SaveLink(ctx, link); err != nil {
		return nil, fmt.Errorf("save link: %w", err)
	}

	result := &UploadResult{
		LinkID:       link.ID,
		ObjectID:     stored.ID,
		FileName:     name,
		URL:          DownloadURL(i.cfg.BaseURL, stored.ID, name),
		Size:         stored.Media.Size,
		ReadableSize: humanize.IBytes(uint64(max(stored.Media.Size, 0))),
	}

	if i.thumbnails != nil && stored.Media.IsVideo() {
		if stored.Caption == "" {
			stored.Caption = msg.Caption
		}
		i.thumbnails.Schedule(stored)
		result.ThumbnailsScheduled = true
	}

	i.logger.Info("Upload stored", "chat", ev.ChatID, "message", ev.MessageID, "object", stored.ID, "link", link.ID)
	return result, nil
}

// SafeFileName keeps letters, digits, '.', '_' and '-'. An empty result becomes "file".
func SafeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}

// DownloadURL builds the public download URL for a stored object.
func DownloadURL(baseURL string, objectID int64, fileName string) string {
	return fmt.Sprintf("%s/dl/%d/%s", strings.TrimRight(baseURL, "/"), objectID, fileName)
}
