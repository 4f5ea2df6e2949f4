package simplestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-stream/pkg/simplestream/metrics"
)

// ThumbnailOutcome is how a pipeline run ended.
type ThumbnailOutcome string

const (
	OutcomeNoKey      ThumbnailOutcome = "no_key"
	OutcomeNoQuality  ThumbnailOutcome = "no_quality"
	OutcomeUpToDate   ThumbnailOutcome = "up_to_date"
	OutcomeIncomplete ThumbnailOutcome = "incomplete"
	OutcomeFailed     ThumbnailOutcome = "failed"
	OutcomeWritten    ThumbnailOutcome = "written"
)

// Thumbnail defaults
const (
	DefaultFrameCount   = 7
	DefaultMinimumLinks = 6
)

// ThumbnailConfig configures a ThumbnailPipeline.
type ThumbnailConfig struct {
	// StorageChatID is the chat frames are uploaded into
	StorageChatID int64
	// BaseURL prefixes the generated preview links
	BaseURL string
	// FrameCount is the number of frames attempted per run
	FrameCount int
	// MinimumLinks is the fewest frames a record may hold
	MinimumLinks int
	// Workers bounds concurrent frame extraction across all keys; zero or
	// less leaves it unbounded
	Workers int
	// TempDir holds per-run scratch directories; empty means os.TempDir()
	TempDir string
	// ChunkSize is used when downloading the source object
	ChunkSize int64
	// Vocabulary ranks titles by resolution
	Vocabulary *QualityVocabulary
}

func (c *ThumbnailConfig) applyDefaults() {
	if c.FrameCount <= 0 {
		c.FrameCount = DefaultFrameCount
	}
	if c.MinimumLinks <= 0 {
		c.MinimumLinks = DefaultMinimumLinks
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Vocabulary == nil {
		c.Vocabulary = DefaultQualityVocabulary()
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// ThumbnailPipeline generates preview frames for uploaded videos and keeps one
// ThumbnailRecord per content key. Runs for the same key are serialized; runs
// for different keys proceed in parallel.
type ThumbnailPipeline struct {
	cfg       ThumbnailConfig
	pool      *SessionPool
	streamer  *ByteStreamer
	repo      Repository
	extractor FrameExtractor
	locks     *LockRegistry
	sem       *semaphore.Weighted // nil when unbounded
	wg        sync.WaitGroup
	logger    *slog.Logger
	now       func() time.Time
}

// NewThumbnailPipeline creates a pipeline.
func NewThumbnailPipeline(cfg ThumbnailConfig, pool *SessionPool, streamer *ByteStreamer, repo Repository, extractor FrameExtractor, logger *slog.Logger) *ThumbnailPipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &ThumbnailPipeline{
		cfg:       cfg,
		pool:      pool,
		streamer:  streamer,
		repo:      repo,
		extractor: extractor,
		locks:     NewLockRegistry(),
		logger:    logger,
		now:       time.Now,
	}
	if cfg.Workers > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.Workers))
	}
	return p
}

// Schedule runs the pipeline for msg in the background.
func (p *ThumbnailPipeline) Schedule(msg *Message) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Run(context.Background(), msg)
	}()
}

// Wait blocks until every scheduled run has finished.
func (p *ThumbnailPipeline) Wait() {
	p.wg.Wait()
}

// Run executes the pipeline synchronously. Errors never escape; they are
// logged and reported as OutcomeFailed.
func (p *ThumbnailPipeline) Run(ctx context.Context, msg *Message) (outcome ThumbnailOutcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Thumbnail pipeline panicked", "panic", r)
			outcome = OutcomeFailed
		}
		metrics.RecordThumbnailRun(string(outcome), time.Since(start))
	}()

	if msg == nil || msg.Media == nil {
		return OutcomeFailed
	}
	media := msg.Media

	key := DeriveContentKey(media.FileName, msg.Caption)
	if key == "" {
		p.logger.Debug("No content key", "message", msg.ID)
		return OutcomeNoKey
	}
	rank := p.cfg.Vocabulary.Rank(media.FileName, msg.Caption)
	if rank < 1 {
		p.logger.Debug("No discernible quality, skip", "key", key, "message", msg.ID)
		return OutcomeNoQuality
	}

	mu := p.locks.Lock(key)
	mu.Lock()
	defer mu.Unlock()

	existing, err := p.repo.GetThumbnailRecord(ctx, key)
	if err != nil && !errors.Is(err, ErrThumbnailNotFound) {
		p.logger.Error("Failed to load thumbnail record", "key", key, "err", err)
		return OutcomeFailed
	}
	if existing != nil && existing.BestQualityRank >= rank && len(existing.PreviewLinks) >= p.cfg.MinimumLinks {
		p.logger.Debug("Thumbnails up to date", "key", key, "stored_rank", existing.BestQualityRank, "rank", rank)
		return OutcomeUpToDate
	}

	ref, err := DecodeObjectReference(media.FileID)
	if err != nil {
		p.logger.Error("Failed to decode source reference", "key", key, "err", err)
		return OutcomeFailed
	}

	dir, err := os.MkdirTemp(p.cfg.TempDir, "thumbs-*")
	if err != nil {
		p.logger.Error("Failed to create scratch dir", "key", key, "err", err)
		return OutcomeFailed
	}
	defer os.RemoveAll(dir)

	source := filepath.Join(dir, "source"+filepath.Ext(media.FileName))
	if err := p.download(ctx, ref, media.Size, source); err != nil {
		p.logger.Error("Failed to download source", "key", key, "object", ref.ObjectID, "err", err)
		return OutcomeFailed
	}

	frames, err := p.extract(ctx, source, dir)
	if err != nil {
		p.logger.Error("Frame extraction failed", "key", key, "err", err)
		return OutcomeFailed
	}
	if len(frames) < p.cfg.MinimumLinks {
		p.logger.Warn("Too few frames captured, discarding", "key", key, "captured", len(frames), "minimum", p.cfg.MinimumLinks)
		return OutcomeIncomplete
	}

	links, err := p.upload(ctx, key, frames)
	if err != nil {
		p.logger.Error("Failed to upload frames", "key", key, "err", err)
		return OutcomeFailed
	}

	record := &ThumbnailRecord{
		ContentKey:      key,
		BestQualityRank: rank,
		SourceObjectID:  ref.ObjectID,
		PreviewLinks:    links,
		UpdatedAt:       p.now().UTC(),
	}
	if err := p.repo.UpsertThumbnailRecord(ctx, record); err != nil {
		p.logger.Error("Failed to save thumbnail record", "key", key, "err", err)
		return OutcomeFailed
	}

	p.logger.Info("Thumbnails written", "key", key, "rank", rank, "links", len(links))
	return OutcomeWritten
}

func (p *ThumbnailPipeline) download(ctx context.Context, ref *ObjectReference, size int64, path string) error {
	if size <= 0 {
		return fmt.Errorf("source has unknown size")
	}
	session, err := p.pool.SelectLeastLoaded()
	if err != nil {
		return err
	}
	plan, err := NewChunkPlan(0, size-1, p.cfg.ChunkSize)
	if err != nil {
		return err
	}
	stream, err := p.streamer.Stream(ctx, session, ref, plan)
	if err != nil {
		return err
	}
	defer stream.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := stream.CopyTo(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n < size {
		p.logger.Warn("Source download ended short", "object", ref.ObjectID, "got", n, "size", size)
	}
	return nil
}

// extract probes the source and captures frames evenly spaced between 10% and
// 90% of its duration. Failed captures are skipped; the returned paths keep
// capture order.
func (p *ThumbnailPipeline) extract(ctx context.Context, source, dir string) ([]string, error) {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer p.sem.Release(1)
	}

	duration, err := p.extractor.Probe(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("probe: non-positive duration %s", duration)
	}

	var frames []string
	for i, offset := range FrameOffsets(duration, p.cfg.FrameCount) {
		out := filepath.Join(dir, fmt.Sprintf("frame_%02d.jpg", i+1))
		if err := p.extractor.Capture(ctx, source, offset, out); err != nil {
			p.logger.Debug("Frame capture failed", "offset", offset, "err", err)
			continue
		}
		if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
			p.logger.Debug("Frame capture produced no image", "offset", offset)
			continue
		}
		frames = append(frames, out)
	}
	return frames, nil
}

func (p *ThumbnailPipeline) upload(ctx context.Context, key string, frames []string) ([]string, error) {
	session, err := p.pool.SelectLeastLoaded()
	if err != nil {
		return nil, err
	}
	slug := strings.ReplaceAll(key, " ", "_")

	links := make([]string, 0, len(frames))
	for i, path := range frames {
		name := fmt.Sprintf("%s_%d.jpg", slug, i+1)
		sent, err := p.sendFrame(ctx, session.Client(), path, name)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i+1, err)
		}
		links = append(links, DownloadURL(p.cfg.BaseURL, sent.ID, name))
	}
	return links, nil
}

func (p *ThumbnailPipeline) sendFrame(ctx context.Context, client Client, path, name string) (*Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return client.SendFile(ctx, p.cfg.StorageChatID, SendFileParams{
		Kind:     MediaKindPhoto,
		FileName: name,
		MimeType: "image/jpeg",
		Size:     fi.Size(),
		Reader:   f,
	})
}

// FrameOffsets returns count timestamps evenly spaced from 10% to 90% of duration.
func FrameOffsets(duration time.Duration, count int) []time.Duration {
	if count <= 0 {
		return nil
	}
	if count == 1 {
		return []time.Duration{duration / 2}
	}
	offsets := make([]time.Duration, count)
	for i := range offsets {
		frac := 0.1 + 0.8*float64(i)/float64(count-1)
		offsets[i] = time.Duration(float64(duration) * frac)
	}
	return offsets
}
