package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-stream/pkg/simplestream"
	"github.com/tendant/simple-stream/pkg/simplestream/metrics"
)

// Handler serves downloads, preview lookups, upload events and short links.
type Handler struct {
	service simplestream.Service
	logger  *slog.Logger
}

// NewHandler creates a handler for service
func NewHandler(service simplestream.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Routes returns the router for every public endpoint
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/dl/{objectID}", h.Download)
	r.Head("/dl/{objectID}", h.Download)
	r.Get("/dl/{objectID}/{fileName}", h.Download)
	r.Head("/dl/{objectID}/{fileName}", h.Download)
	r.Get("/l/{linkID}", h.RedirectLink)
	r.Get("/screenshots/{contentKey}", h.GetScreenshots)
	r.Post("/uploads", h.CreateUpload)
	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// ScreenshotsResponse is the preview record of one content key
type ScreenshotsResponse struct {
	ContentKey      string    `json:"contentKey"`
	BestQualityRank int       `json:"bestQualityRank"`
	PreviewLinks    []string  `json:"previewLinks"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// UploadRequest is posted by the bot front-end for every new file message
type UploadRequest struct {
	ChatID        int64 `json:"chat_id"`
	MessageID     int64 `json:"message_id"`
	IsChannelPost bool  `json:"is_channel_post"`
}

// HealthResponse reports the state of the session pool
type HealthResponse struct {
	Status   string          `json:"status"`
	Sessions []SessionStatus `json:"sessions"`
}

// SessionStatus describes one backend session
type SessionStatus struct {
	ID           int   `json:"id"`
	HomeEndpoint int   `json:"home_endpoint"`
	Load         int64 `json:"load"`
	SubSessions  int   `json:"sub_sessions"`
}

// Download streams a stored object, honoring a single byte range
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	objectID, err := strconv.ParseInt(chi.URLParam(r, "objectID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid object ID", http.StatusNotFound)
		return
	}

	obj, err := h.service.OpenObject(ctx, objectID)
	if err != nil {
		h.writeError(w, "Failed to open object", err)
		return
	}

	size := obj.Size()
	rng, partial, err := ParseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		h.writeError(w, "Invalid range", err)
		return
	}

	fileName := chi.URLParam(r, "fileName")
	if fileName == "" {
		fileName = obj.FileName()
	}
	if fileName == "" {
		fileName = "file"
	}

	header := w.Header()
	header.Set("Content-Type", obj.MimeType())
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fileName}))

	status := http.StatusOK
	if partial {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.FirstByte, rng.LastByte, size))
		status = http.StatusPartialContent
	}

	if size <= 0 || r.Method == http.MethodHead {
		header.Set("Content-Length", strconv.FormatInt(max(rng.Len(), 0), 10))
		w.WriteHeader(status)
		return
	}

	stream, first, err := h.openStream(ctx, obj, rng)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.writeError(w, "Failed to start stream", err)
		return
	}
	defer stream.Close()

	header.Set("Content-Length", strconv.FormatInt(rng.Len(), 10))
	w.WriteHeader(status)

	n, err := w.Write(first)
	metrics.RecordStreamBytes(n)
	if err != nil {
		return
	}
	if _, err := stream.CopyTo(ctx, w); err != nil && ctx.Err() == nil {
		h.logger.Warn("Stream ended early", "object", objectID, "err", err)
	}
}

// openStream starts the stream and reads its first chunk so that failures
// before any byte is sent still map to a status code. A stale file reference
// is refreshed once by re-reading the stored message.
func (h *Handler) openStream(ctx context.Context, obj *simplestream.StoredObject, rng simplestream.RangeRequest) (*simplestream.ChunkStream, []byte, error) {
	for attempt := 0; ; attempt++ {
		stream, err := h.service.StreamObject(ctx, obj, rng)
		if err != nil {
			return nil, nil, err
		}
		first, err := stream.Next(ctx)
		if err == nil || errors.Is(err, io.EOF) {
			return stream, first, nil
		}
		stream.Close()

		if !errors.Is(err, simplestream.ErrFileReferenceExpired) || attempt > 0 {
			return nil, nil, err
		}
		h.logger.Info("File reference expired, refreshing", "object", obj.Message.ID)
		if obj, err = h.service.OpenObject(ctx, obj.Message.ID); err != nil {
			return nil, nil, err
		}
	}
}

// RedirectLink resolves a short link to its download URL
func (h *Handler) RedirectLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.service.ResolveLink(r.Context(), chi.URLParam(r, "linkID"))
	if err != nil {
		h.writeError(w, "Failed to resolve link", err)
		return
	}
	fileName := link.FileName
	if fileName == "" {
		fileName = "file"
	}
	http.Redirect(w, r, fmt.Sprintf("/dl/%d/%s", link.ObjectID, url.PathEscape(fileName)), http.StatusFound)
}

// GetScreenshots returns the preview links of a title. The key is normalized
// the same way uploads are, so raw titles resolve too.
func (h *Handler) GetScreenshots(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "contentKey")
	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}
	if normalized := simplestream.DeriveContentKey("", key); normalized != "" {
		key = normalized
	}

	record, err := h.service.GetThumbnails(r.Context(), key)
	if err != nil {
		h.writeError(w, "Failed to get screenshots", err)
		return
	}

	links := record.PreviewLinks
	if links == nil {
		links = []string{}
	}
	render.JSON(w, r, ScreenshotsResponse{
		ContentKey:      record.ContentKey,
		BestQualityRank: record.BestQualityRank,
		PreviewLinks:    links,
		UpdatedAt:       record.UpdatedAt,
	})
}

// CreateUpload stores a freshly posted file and returns its download link
func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.logger.Error("Failed to decode request", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MessageID <= 0 {
		http.Error(w, "message_id is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.HandleUpload(r.Context(), simplestream.UploadEvent{
		ChatID:        req.ChatID,
		MessageID:     req.MessageID,
		IsChannelPost: req.IsChannelPost,
	})
	if err != nil {
		h.writeError(w, "Failed to handle upload", err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
}

// Health reports the backend sessions; an empty pool is unhealthy
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Sessions: []SessionStatus{}}
	for _, s := range h.service.Pool().Sessions() {
		resp.Sessions = append(resp.Sessions, SessionStatus{
			ID:           s.ID(),
			HomeEndpoint: s.HomeEndpoint(),
			Load:         s.Load(),
			SubSessions:  s.SubSessionCount(),
		})
	}
	if len(resp.Sessions) == 0 {
		resp.Status = "unavailable"
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "err", err, "status", status)
	} else {
		h.logger.Debug(msg, "err", err, "status", status)
	}
	http.Error(w, http.StatusText(status), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, simplestream.ErrNoSessionsAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, simplestream.ErrChannelNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, simplestream.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case simplestream.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
