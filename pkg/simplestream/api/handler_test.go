package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-stream/pkg/simplestream"
	memoryremote "github.com/tendant/simple-stream/pkg/simplestream/remote/memory"
	"github.com/tendant/simple-stream/pkg/simplestream/repo/memory"
)

const (
	storageChat int64 = -1009000
	sourceChat  int64 = -1002000
)

type fixture struct {
	net    *memoryremote.Network
	repo   *memory.Repository
	pool   *simplestream.SessionPool
	svc    simplestream.Service
	router chi.Router
}

// setupHandlerTest wires a service over an in-memory network with endpoints
// 1 and 2; every session signs in on endpoint 1.
func setupHandlerTest(t *testing.T, sessions int, opts ...simplestream.Option) *fixture {
	t.Helper()
	net := memoryremote.New(1, 2)
	repo := memory.New()
	pool := simplestream.NewSessionPool()
	for i := 0; i < sessions; i++ {
		client, err := net.Login(1)
		require.NoError(t, err)
		pool.Register(simplestream.NewBackendSession(i, client))
	}

	svc, err := simplestream.New(append([]simplestream.Option{
		simplestream.WithRepository(repo),
		simplestream.WithSessionPool(pool),
		simplestream.WithConnector(net),
		simplestream.WithStorageChat(storageChat),
		simplestream.WithBaseURL("http://dl.test"),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return &fixture{net: net, repo: repo, pool: pool, svc: svc, router: NewHandler(svc, nil).Routes()}
}

func (f *fixture) store(t *testing.T, endpoint int, name string, data []byte) *simplestream.Message {
	t.Helper()
	msg, err := f.net.Post(storageChat, endpoint, simplestream.Media{
		Kind:     simplestream.MediaKindDocument,
		FileName: name,
		MimeType: "application/octet-stream",
	}, "", data)
	require.NoError(t, err)
	return msg
}

func (f *fixture) objectID(t *testing.T, msg *simplestream.Message) int64 {
	t.Helper()
	ref, err := simplestream.DecodeObjectReference(msg.Media.FileID)
	require.NoError(t, err)
	return ref.ObjectID
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) get(path, rangeHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return f.do(req)
}

func (f *fixture) assertLoadsReleased(t *testing.T) {
	t.Helper()
	for _, s := range f.pool.Sessions() {
		assert.Equal(t, int64(0), s.Load(), "session %d", s.ID())
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestDownload_RangeAcrossTwoChunks(t *testing.T) {
	f := setupHandlerTest(t, 1)
	data := pattern(10_000_000)
	msg := f.store(t, 1, "movie.mkv", data)

	w := f.get(fmt.Sprintf("/dl/%d/movie.mkv", msg.ID), "bytes=500000-1500000")

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "1000001", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 500000-1500000/10000000", w.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=movie.mkv`, w.Header().Get("Content-Disposition"))
	assert.True(t, bytes.Equal(data[500000:1500001], w.Body.Bytes()))

	fetches := f.net.Fetches()
	require.Len(t, fetches, 2)
	assert.Equal(t, int64(0), fetches[0].Offset)
	assert.Equal(t, int64(1048576), fetches[1].Offset)
	assert.Equal(t, simplestream.DefaultChunkSize, fetches[0].Limit)
	f.assertLoadsReleased(t)
}

func TestDownload_SmallObjectWithoutRange(t *testing.T) {
	f := setupHandlerTest(t, 1)
	data := pattern(100)
	msg := f.store(t, 1, "notes.txt", data)

	w := f.get(fmt.Sprintf("/dl/%d/notes.txt", msg.ID), "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Header().Get("Content-Range"))
	assert.Equal(t, data, w.Body.Bytes())
	assert.Len(t, f.net.Fetches(), 1)
	f.assertLoadsReleased(t)
}

func TestDownload_FullEqualsExplicitRange(t *testing.T) {
	f := setupHandlerTest(t, 2)
	size := 3*int(simplestream.DefaultChunkSize) + 17
	data := pattern(size)
	msg := f.store(t, 1, "archive.zip", data)
	path := fmt.Sprintf("/dl/%d/archive.zip", msg.ID)

	full := f.get(path, "")
	explicit := f.get(path, fmt.Sprintf("bytes=0-%d", size-1))

	assert.Equal(t, http.StatusOK, full.Code)
	assert.Equal(t, http.StatusPartialContent, explicit.Code)
	assert.Equal(t, full.Header().Get("Content-Length"), explicit.Header().Get("Content-Length"))
	assert.True(t, bytes.Equal(full.Body.Bytes(), explicit.Body.Bytes()))
	assert.True(t, bytes.Equal(data, full.Body.Bytes()))
	f.assertLoadsReleased(t)
}

func TestDownload_RangeBoundaries(t *testing.T) {
	f := setupHandlerTest(t, 1, simplestream.WithChunkSize(10))
	data := pattern(95)
	msg := f.store(t, 1, "f.bin", data)
	path := fmt.Sprintf("/dl/%d/f.bin", msg.ID)

	for _, rng := range [][2]int{{0, 0}, {9, 10}, {10, 19}, {3, 94}, {94, 94}, {11, 88}} {
		w := f.get(path, fmt.Sprintf("bytes=%d-%d", rng[0], rng[1]))
		require.Equal(t, http.StatusPartialContent, w.Code)
		assert.Equal(t, data[rng[0]:rng[1]+1], w.Body.Bytes(), "range %v", rng)
	}
	f.assertLoadsReleased(t)
}

func TestDownload_ObjectOnAnotherEndpoint(t *testing.T) {
	f := setupHandlerTest(t, 1)
	data := pattern(2048)
	msg := f.store(t, 2, "remote.bin", data)
	path := fmt.Sprintf("/dl/%d/remote.bin", msg.ID)

	for i := 0; i < 3; i++ {
		w := f.get(path, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, data, w.Body.Bytes())
	}

	assert.Equal(t, 1, f.net.Connects())
	assert.Equal(t, 1, f.net.Imports())
	for _, fetch := range f.net.Fetches() {
		assert.Equal(t, 2, fetch.EndpointID)
	}
	f.assertLoadsReleased(t)
}

func TestDownload_MigrationFailureIsNotCached(t *testing.T) {
	f := setupHandlerTest(t, 1)
	msg := f.store(t, 2, "remote.bin", pattern(64))
	path := fmt.Sprintf("/dl/%d/remote.bin", msg.ID)

	f.net.FailImport(errors.New("auth import refused"))
	w := f.get(path, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	f.assertLoadsReleased(t)

	f.net.FailImport(nil)
	w = f.get(path, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, f.net.Connects())
	assert.Equal(t, 1, f.net.Imports())
}

func TestDownload_NotFound(t *testing.T) {
	f := setupHandlerTest(t, 1)
	text := f.net.PostText(storageChat, "no media here")

	tests := []struct {
		name string
		path string
	}{
		{"unknown object", "/dl/999999/file.bin"},
		{"message without media", fmt.Sprintf("/dl/%d/file.bin", text.ID)},
		{"invalid object id", "/dl/abc/file.bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(tt.path, "")
			assert.Equal(t, http.StatusNotFound, w.Code)
		})
	}
}

func TestDownload_EmptyPool(t *testing.T) {
	f := setupHandlerTest(t, 0)

	w := f.get("/dl/1/file.bin", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDownload_RangeNotSatisfiable(t *testing.T) {
	f := setupHandlerTest(t, 1)
	msg := f.store(t, 1, "small.bin", pattern(100))

	w := f.get(fmt.Sprintf("/dl/%d/small.bin", msg.ID), "bytes=100-")

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */100", w.Header().Get("Content-Range"))
	assert.Empty(t, f.net.Fetches())
	f.assertLoadsReleased(t)
}

func TestDownload_MalformedRangeServesWholeObject(t *testing.T) {
	f := setupHandlerTest(t, 1)
	data := pattern(100)
	msg := f.store(t, 1, "small.bin", data)

	w := f.get(fmt.Sprintf("/dl/%d/small.bin", msg.ID), "bytes=oops")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
}

func TestDownload_Head(t *testing.T) {
	f := setupHandlerTest(t, 1)
	msg := f.store(t, 1, "small.bin", pattern(100))

	req := httptest.NewRequest(http.MethodHead, fmt.Sprintf("/dl/%d/small.bin", msg.ID), nil)
	req.Header.Set("Range", "bytes=10-19")
	w := f.do(req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "10", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.Bytes())
	assert.Empty(t, f.net.Fetches())
}

func TestDownload_UsesStoredFileNameWhenPathOmitsIt(t *testing.T) {
	f := setupHandlerTest(t, 1)
	msg := f.store(t, 1, "Ünïcode film.mkv", pattern(10))

	w := f.get(fmt.Sprintf("/dl/%d", msg.ID), "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment;")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "filename*=utf-8''")
}

func TestDownload_ShortObjectEndsEarly(t *testing.T) {
	f := setupHandlerTest(t, 1, simplestream.WithChunkSize(10))
	data := pattern(35)
	msg := f.store(t, 1, "short.bin", data)
	f.net.TruncateObject(f.objectID(t, msg), 15)

	w := f.get(fmt.Sprintf("/dl/%d/short.bin", msg.ID), "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "35", w.Header().Get("Content-Length"))
	assert.Equal(t, data[:15], w.Body.Bytes())
	assert.Len(t, f.net.Fetches(), 2)
	f.assertLoadsReleased(t)
}

func TestDownload_ClientDisconnectStopsFetching(t *testing.T) {
	f := setupHandlerTest(t, 1, simplestream.WithChunkSize(10))
	msg := f.store(t, 1, "long.bin", pattern(100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	f.net.OnFetch(func(_ context.Context, _ memoryremote.Fetch) error {
		if calls.Add(1) == 2 {
			cancel()
		}
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/dl/%d/long.bin", msg.ID), nil).WithContext(ctx)
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.Bytes(), 20)
	assert.Len(t, f.net.Fetches(), 2)
	f.assertLoadsReleased(t)
}

func TestDownload_RefreshesExpiredFileReference(t *testing.T) {
	f := setupHandlerTest(t, 1)
	data := pattern(300)
	msg := f.store(t, 1, "stale.bin", data)

	var expired atomic.Bool
	f.net.OnFetch(func(_ context.Context, fetch memoryremote.Fetch) error {
		if expired.CompareAndSwap(false, true) {
			f.net.ExpireFileReference(fetch.ObjectID)
		}
		return nil
	})

	w := f.get(fmt.Sprintf("/dl/%d/stale.bin", msg.ID), "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
	assert.Len(t, f.net.Fetches(), 2)
	f.assertLoadsReleased(t)
}

func TestDownload_ConcurrentRequestsSpreadLoad(t *testing.T) {
	f := setupHandlerTest(t, 3)
	msg := f.store(t, 2, "shared.bin", pattern(4096))
	path := fmt.Sprintf("/dl/%d/shared.bin", msg.ID)

	done := make(chan int, 12)
	for i := 0; i < 12; i++ {
		go func() {
			done <- f.get(path, "bytes=100-2000").Code
		}()
	}
	for i := 0; i < 12; i++ {
		assert.Equal(t, http.StatusPartialContent, <-done)
	}

	// at most one migration per session
	assert.LessOrEqual(t, f.net.Imports(), 3)
	f.assertLoadsReleased(t)
}

func TestCreateUpload(t *testing.T) {
	f := setupHandlerTest(t, 1)
	src, err := f.net.Post(sourceChat, 1, simplestream.Media{
		Kind:     simplestream.MediaKindDocument,
		FileName: "Report (final).pdf",
		MimeType: "application/pdf",
	}, "quarterly", pattern(3000))
	require.NoError(t, err)

	body, err := json.Marshal(UploadRequest{ChatID: sourceChat, MessageID: src.ID})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/uploads", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := f.do(req)

	require.Equal(t, http.StatusCreated, w.Code)
	var result simplestream.UploadResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "Reportfinal.pdf", result.FileName)
	assert.Equal(t, fmt.Sprintf("http://dl.test/dl/%d/Reportfinal.pdf", result.ObjectID), result.URL)
	assert.Equal(t, int64(3000), result.Size)
	assert.Equal(t, "2.9 KiB", result.ReadableSize)
	assert.False(t, result.ThumbnailsScheduled)

	stored := f.net.ChatMessages(storageChat)
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].ID, result.ObjectID)

	// the short link redirects to the download, which serves the bytes
	w = f.get("/l/"+result.LinkID, "")
	require.Equal(t, http.StatusFound, w.Code)
	location := w.Header().Get("Location")
	assert.Equal(t, fmt.Sprintf("/dl/%d/Reportfinal.pdf", result.ObjectID), location)

	w = f.get(location, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pattern(3000), w.Body.Bytes())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
}

func TestCreateUpload_ChannelAllowList(t *testing.T) {
	f := setupHandlerTest(t, 1)
	src, err := f.net.Post(sourceChat, 1, simplestream.Media{Kind: simplestream.MediaKindVideo, FileName: "clip.mp4"}, "", pattern(10))
	require.NoError(t, err)

	post := func() int {
		body := fmt.Sprintf(`{"chat_id": %d, "message_id": %d, "is_channel_post": true}`, sourceChat, src.ID)
		req := httptest.NewRequest(http.MethodPost, "/uploads", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return f.do(req).Code
	}

	assert.Equal(t, http.StatusForbidden, post())
	require.NoError(t, f.repo.AddChannel(context.Background(), sourceChat))
	assert.Equal(t, http.StatusCreated, post())
}

func TestCreateUpload_Errors(t *testing.T) {
	f := setupHandlerTest(t, 1)
	text := f.net.PostText(sourceChat, "hello")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing message id", `{"chat_id": 1}`, http.StatusBadRequest},
		{"unknown message", fmt.Sprintf(`{"chat_id": %d, "message_id": 4242}`, sourceChat), http.StatusNotFound},
		{"message without media", fmt.Sprintf(`{"chat_id": %d, "message_id": %d}`, sourceChat, text.ID), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/uploads", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			assert.Equal(t, tt.want, f.do(req).Code)
		})
	}

	empty := setupHandlerTest(t, 0)
	req := httptest.NewRequest(http.MethodPost, "/uploads", strings.NewReader(`{"chat_id": 1, "message_id": 1}`))
	assert.Equal(t, http.StatusServiceUnavailable, empty.do(req).Code)
}

func TestRedirectLink_Unknown(t *testing.T) {
	f := setupHandlerTest(t, 1)
	w := f.get("/l/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetScreenshots(t *testing.T) {
	f := setupHandlerTest(t, 1)
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	links := []string{"http://dl.test/dl/1/inception_1.jpg", "http://dl.test/dl/2/inception_2.jpg"}
	require.NoError(t, f.repo.UpsertThumbnailRecord(context.Background(), &simplestream.ThumbnailRecord{
		ContentKey:      "inception",
		BestQualityRank: 2,
		SourceObjectID:  1001,
		PreviewLinks:    links,
		UpdatedAt:       updated,
	}))

	for _, path := range []string{"/screenshots/inception", "/screenshots/Inception%20(2010)"} {
		w := f.get(path, "")
		require.Equal(t, http.StatusOK, w.Code, path)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "inception", resp["contentKey"])
		assert.Equal(t, float64(2), resp["bestQualityRank"])
		assert.Len(t, resp["previewLinks"], 2)
		assert.Equal(t, "2024-05-01T12:00:00Z", resp["updatedAt"])
		assert.NotContains(t, resp, "sourceObjectId")
	}

	w := f.get("/screenshots/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	f := setupHandlerTest(t, 2)
	w := f.get("/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Sessions, 2)
	assert.Equal(t, 1, resp.Sessions[0].HomeEndpoint)

	empty := setupHandlerTest(t, 0)
	w = empty.get("/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupHandlerTest(t, 1)
	f.get("/health", "")

	w := f.get("/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "simplestream_http_requests_total")
	assert.Contains(t, w.Body.String(), `route="/health"`)
}
