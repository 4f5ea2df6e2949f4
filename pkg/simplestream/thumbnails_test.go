package simplestream_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-stream/pkg/simplestream"
	memoryremote "github.com/tendant/simple-stream/pkg/simplestream/remote/memory"
	"github.com/tendant/simple-stream/pkg/simplestream/repo/memory"
)

type pipelineFixture struct {
	net      *memoryremote.Network
	repo     *memory.Repository
	ext      *fakeExtractor
	pipeline *simplestream.ThumbnailPipeline
	tempDir  string
}

func setupPipeline(t *testing.T, opts ...func(*simplestream.ThumbnailConfig)) *pipelineFixture {
	t.Helper()
	net := memoryremote.New(1, 2)
	pool := newPool(t, net, 2)
	streamer := simplestream.NewByteStreamer(pool, simplestream.NewEndpointResolver(net, nil), nil)
	repo := memory.New()
	ext := newFakeExtractor()
	tempDir := t.TempDir()

	cfg := simplestream.ThumbnailConfig{
		StorageChatID: storageChat,
		BaseURL:       "http://dl.test/",
		TempDir:       tempDir,
		ChunkSize:     64,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	pipeline := simplestream.NewThumbnailPipeline(cfg, pool, streamer, repo, ext, nil)

	return &pipelineFixture{net: net, repo: repo, ext: ext, pipeline: pipeline, tempDir: tempDir}
}

// upload posts a video hosted on endpoint 2, away from the sessions' home endpoint.
func (f *pipelineFixture) upload(t *testing.T, name string) *simplestream.Message {
	return postVideo(t, f.net, storageChat, 2, name, "", pattern(200))
}

func (f *pipelineFixture) record(t *testing.T, key string) *simplestream.ThumbnailRecord {
	t.Helper()
	rec, err := f.repo.GetThumbnailRecord(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func TestThumbnails_WritesRecord(t *testing.T) {
	f := setupPipeline(t)
	msg := f.upload(t, "Inception.2010.720p.BluRay.mkv")

	outcome := f.pipeline.Run(context.Background(), msg)

	require.Equal(t, simplestream.OutcomeWritten, outcome)
	rec := f.record(t, "inception")
	assert.Equal(t, 2, rec.BestQualityRank)
	assert.Equal(t, 7, len(rec.PreviewLinks))
	assert.False(t, rec.UpdatedAt.IsZero())

	ref, err := simplestream.DecodeObjectReference(msg.Media.FileID)
	require.NoError(t, err)
	assert.Equal(t, ref.ObjectID, rec.SourceObjectID)

	// frames are posted into the storage chat in capture order
	posted := f.net.ChatMessages(storageChat)
	require.Len(t, posted, 8)
	for i, link := range rec.PreviewLinks {
		frame := posted[i+1]
		name := fmt.Sprintf("inception_%d.jpg", i+1)
		assert.Equal(t, fmt.Sprintf("http://dl.test/dl/%d/%s", frame.ID, name), link)
		assert.Equal(t, simplestream.MediaKindPhoto, frame.Media.Kind)
		assert.Equal(t, name, frame.Media.FileName)
	}

	// the source was downloaded intact and the scratch space removed
	assert.Equal(t, pattern(200), f.ext.lastSource())
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestThumbnails_FramesSpanTenToNinetyPercent(t *testing.T) {
	f := setupPipeline(t)
	require.Equal(t, simplestream.OutcomeWritten, f.pipeline.Run(context.Background(), f.upload(t, "Clip 720p.mp4")))

	f.ext.mu.Lock()
	offsets := append([]time.Duration(nil), f.ext.offsets...)
	f.ext.mu.Unlock()
	assert.Equal(t, simplestream.FrameOffsets(100*time.Second, 7), offsets)
}

func TestThumbnails_LowerQualityIsSkipped(t *testing.T) {
	f := setupPipeline(t)
	require.Equal(t, simplestream.OutcomeWritten, f.pipeline.Run(context.Background(), f.upload(t, "Inception 720p.mkv")))
	before := f.record(t, "inception")

	outcome := f.pipeline.Run(context.Background(), f.upload(t, "Inception 480p.mkv"))

	assert.Equal(t, simplestream.OutcomeUpToDate, outcome)
	assert.Equal(t, before, f.record(t, "inception"))
	assert.Equal(t, 1, f.repo.ThumbnailWrites())
	assert.Equal(t, 1, f.ext.probeCount())
}

func TestThumbnails_SameQualityTwiceWritesOnce(t *testing.T) {
	f := setupPipeline(t)
	msg := f.upload(t, "Inception 720p.mkv")

	assert.Equal(t, simplestream.OutcomeWritten, f.pipeline.Run(context.Background(), msg))
	assert.Equal(t, simplestream.OutcomeUpToDate, f.pipeline.Run(context.Background(), msg))
	assert.Equal(t, 1, f.repo.ThumbnailWrites())
}

func TestThumbnails_IncompleteCaptureIsDiscarded(t *testing.T) {
	f := setupPipeline(t)
	require.Equal(t, simplestream.OutcomeWritten, f.pipeline.Run(context.Background(), f.upload(t, "Inception 720p.mkv")))
	before := f.record(t, "inception")

	f.ext.setFrames(5)
	outcome := f.pipeline.Run(context.Background(), f.upload(t, "Inception 1080p.mkv"))

	assert.Equal(t, simplestream.OutcomeIncomplete, outcome)
	assert.Equal(t, before, f.record(t, "inception"))
	assert.Equal(t, 1, f.repo.ThumbnailWrites())
}

func TestThumbnails_HigherQualityReplaces(t *testing.T) {
	f := setupPipeline(t)
	require.Equal(t, simplestream.OutcomeWritten, f.pipeline.Run(context.Background(), f.upload(t, "Inception 720p.mkv")))

	better := f.upload(t, "Inception 1080p.mkv")
	require.Equal(t, simplestream.OutcomeWritten, f.pipeline.Run(context.Background(), better))

	rec := f.record(t, "inception")
	assert.Equal(t, 3, rec.BestQualityRank)
	ref, err := simplestream.DecodeObjectReference(better.Media.FileID)
	require.NoError(t, err)
	assert.Equal(t, ref.ObjectID, rec.SourceObjectID)
	assert.Equal(t, 2, f.repo.ThumbnailWrites())
}

func TestThumbnails_TooFewStoredLinksAreRefreshed(t *testing.T) {
	f := setupPipeline(t)
	require.NoError(t, f.repo.UpsertThumbnailRecord(context.Background(), &simplestream.ThumbnailRecord{
		ContentKey:      "inception",
		BestQualityRank: 3,
		PreviewLinks:    []string{"a", "b", "c"},
	}))

	outcome := f.pipeline.Run(context.Background(), f.upload(t, "Inception 720p.mkv"))

	assert.Equal(t, simplestream.OutcomeWritten, outcome)
	rec := f.record(t, "inception")
	assert.Equal(t, 2, rec.BestQualityRank)
	assert.Len(t, rec.PreviewLinks, 7)
}

func TestThumbnails_SkipsWithoutKeyOrQuality(t *testing.T) {
	f := setupPipeline(t)

	assert.Equal(t, simplestream.OutcomeNoQuality, f.pipeline.Run(context.Background(), f.upload(t, "Inception.mkv")))
	assert.Equal(t, simplestream.OutcomeNoKey, f.pipeline.Run(context.Background(), f.upload(t, "видео.mkv")))
	assert.Equal(t, simplestream.OutcomeFailed, f.pipeline.Run(context.Background(), nil))
	assert.Equal(t, simplestream.OutcomeFailed, f.pipeline.Run(context.Background(), &simplestream.Message{ID: 1}))
	assert.Equal(t, 0, f.ext.probeCount())
	assert.Equal(t, 0, f.repo.ThumbnailWrites())
}

func TestThumbnails_CaptionSuppliesKeyAndQuality(t *testing.T) {
	f := setupPipeline(t)
	msg := postVideo(t, f.net, storageChat, 1, "", "Interstellar 2014 1080p", pattern(100))

	require.Equal(t, simplestream.OutcomeWritten, f.pipeline.Run(context.Background(), msg))
	assert.Equal(t, 3, f.record(t, "interstellar").BestQualityRank)
}

func TestThumbnails_ProbeFailureWritesNothing(t *testing.T) {
	f := setupPipeline(t)
	f.ext.setProbeHook(func() error { return errors.New("invalid data found when processing input") })

	outcome := f.pipeline.Run(context.Background(), f.upload(t, "Inception 720p.mkv"))

	assert.Equal(t, simplestream.OutcomeFailed, outcome)
	assert.Equal(t, 0, f.repo.ThumbnailWrites())
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestThumbnails_PanicIsContained(t *testing.T) {
	f := setupPipeline(t)
	f.ext.setProbeHook(func() error { panic("extractor crashed") })

	assert.Equal(t, simplestream.OutcomeFailed, f.pipeline.Run(context.Background(), f.upload(t, "Inception 720p.mkv")))

	// the per-key lock was released on the way out
	f.ext.setProbeHook(nil)
	assert.Equal(t, simplestream.OutcomeWritten, f.pipeline.Run(context.Background(), f.upload(t, "Inception 720p.mkv")))
}

func TestThumbnails_DownloadFailure(t *testing.T) {
	f := setupPipeline(t)
	f.net.FailImport(errors.New("auth import refused"))

	outcome := f.pipeline.Run(context.Background(), f.upload(t, "Inception 720p.mkv"))

	assert.Equal(t, simplestream.OutcomeFailed, outcome)
	assert.Equal(t, 0, f.ext.probeCount())
}

func TestThumbnails_DifferentKeysRunInParallel(t *testing.T) {
	f := setupPipeline(t)

	titles := []string{"Inception 720p.mkv", "The Matrix 1080p.mkv", "Heat 480p.mkv"}
	var arrived sync.WaitGroup
	arrived.Add(len(titles))
	all := make(chan struct{})
	go func() {
		arrived.Wait()
		close(all)
	}()
	f.ext.setProbeHook(func() error {
		arrived.Done()
		select {
		case <-all:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("runs did not overlap")
		}
	})

	for _, title := range titles {
		f.pipeline.Schedule(f.upload(t, title))
	}
	f.pipeline.Wait()

	assert.Equal(t, 3, f.repo.ThumbnailWrites())
	assert.Equal(t, 2, f.record(t, "inception").BestQualityRank)
	assert.Equal(t, 3, f.record(t, "the matrix").BestQualityRank)
	assert.Equal(t, 1, f.record(t, "heat").BestQualityRank)
}

func TestThumbnails_WorkersBoundExtraction(t *testing.T) {
	f := setupPipeline(t, func(cfg *simplestream.ThumbnailConfig) { cfg.Workers = 1 })

	var active, maxActive atomic.Int32
	f.ext.setProbeHook(func() error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	for _, title := range []string{"Inception 720p.mkv", "The Matrix 1080p.mkv", "Heat 480p.mkv"} {
		f.pipeline.Schedule(f.upload(t, title))
	}
	f.pipeline.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 3, f.repo.ThumbnailWrites())
}

func TestThumbnails_SameKeyRunsSerialize(t *testing.T) {
	f := setupPipeline(t)

	var active, maxActive atomic.Int32
	f.ext.setProbeHook(func() error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	for i := 0; i < 4; i++ {
		f.pipeline.Schedule(f.upload(t, "Inception 720p.mkv"))
	}
	f.pipeline.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	// later runs observe the first run's record and skip
	assert.Equal(t, 1, f.repo.ThumbnailWrites())
	assert.Equal(t, 1, f.ext.probeCount())
}

func TestFrameOffsets(t *testing.T) {
	offsets := simplestream.FrameOffsets(100*time.Second, 7)
	require.Len(t, offsets, 7)
	assert.Equal(t, 10*time.Second, offsets[0])
	assert.InDelta(t, float64(90*time.Second), float64(offsets[6]), float64(time.Millisecond))
	for i := 1; i < len(offsets); i++ {
		assert.Greater(t, offsets[i], offsets[i-1])
	}

	assert.Equal(t, []time.Duration{5 * time.Second}, simplestream.FrameOffsets(10*time.Second, 1))
	assert.Nil(t, simplestream.FrameOffsets(10*time.Second, 0))
}
