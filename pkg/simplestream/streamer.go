package simplestream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-stream/pkg/simplestream/metrics"
)

// ByteStreamer turns a ChunkPlan into a forward-only sequence of byte buffers
// fetched from the remote store.
type ByteStreamer struct {
	pool     *SessionPool
	resolver SubSessionResolver
	logger   *slog.Logger
}

// NewByteStreamer creates a streamer that accounts load on pool and resolves
// cross-endpoint objects through resolver.
func NewByteStreamer(pool *SessionPool, resolver SubSessionResolver, logger *slog.Logger) *ByteStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ByteStreamer{pool: pool, resolver: resolver, logger: logger}
}

// Stream acquires session, resolves the client for ref's endpoint and returns a
// ChunkStream over plan. The caller must Close the stream; Close releases the
// session load exactly once, however the stream ends.
func (s *ByteStreamer) Stream(ctx context.Context, session *BackendSession, ref *ObjectReference, plan ChunkPlan) (*ChunkStream, error) {
	if err := s.pool.Acquire(session.ID()); err != nil {
		return nil, err
	}
	release := sync.OnceFunc(func() {
		if err := s.pool.Release(session.ID()); err != nil {
			s.logger.Error("Failed to release session", "session", session.ID(), "err", err)
		}
	})

	client, err := s.resolver.ResolveSubSession(ctx, session, ref.EndpointID)
	if err != nil {
		release()
		var migrationErr *MigrationError
		if ctx.Err() == nil && !errors.As(err, &migrationErr) {
			err = &MigrationError{SessionID: session.ID(), EndpointID: ref.EndpointID, Op: "resolve", Err: err}
		}
		return nil, err
	}

	return &ChunkStream{
		client:  client,
		ref:     ref,
		plan:    plan,
		next:    1,
		release: release,
		session: session.ID(),
		logger:  s.logger,
	}, nil
}

// ChunkStream is a finite, forward-only producer of byte buffers. It is not
// restartable; a new stream must be requested for a new range.
type ChunkStream struct {
	client  Client
	ref     *ObjectReference
	plan    ChunkPlan
	next    int64
	done    bool
	release func()
	session int
	logger  *slog.Logger
}

// Plan returns the chunk plan being served.
func (c *ChunkStream) Plan() ChunkPlan { return c.plan }

// Next fetches and trims the next chunk. It returns io.EOF once the plan is
// complete or the backend returned an empty or short chunk.
func (c *ChunkStream) Next(ctx context.Context) ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}
	if c.next > c.plan.ChunkCount {
		c.Close()
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		c.Close()
		return nil, err
	}

	index := c.next
	start := time.Now()
	chunk, err := c.client.FetchChunk(ctx, c.ref, c.plan.Offset(index), c.plan.ChunkSize)
	if err != nil {
		metrics.RecordChunkFetch("error", time.Since(start))
		c.Close()
		return nil, err
	}
	if len(chunk) == 0 {
		metrics.RecordChunkFetch("short", time.Since(start))
		c.logger.Warn("Backend returned empty chunk", "session", c.session, "object", c.ref.ObjectID, "chunk", index, "of", c.plan.ChunkCount)
		c.Close()
		return nil, io.EOF
	}

	c.next++
	if int64(len(chunk)) < c.plan.ChunkSize && index < c.plan.ChunkCount {
		metrics.RecordChunkFetch("short", time.Since(start))
		c.logger.Warn("Backend returned short chunk", "session", c.session, "object", c.ref.ObjectID, "chunk", index, "of", c.plan.ChunkCount, "size", len(chunk))
		c.done = true
	} else {
		metrics.RecordChunkFetch("ok", time.Since(start))
	}
	return c.plan.Trim(index, chunk), nil
}

// CopyTo writes every remaining chunk to w and closes the stream.
func (c *ChunkStream) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	defer c.Close()

	var written int64
	for {
		chunk, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		metrics.RecordStreamBytes(n)
		if err != nil {
			return written, err
		}
	}
}

// Close stops the stream and releases the session load. It is safe to call more than once.
func (c *ChunkStream) Close() error {
	c.done = true
	c.release()
	return nil
}
