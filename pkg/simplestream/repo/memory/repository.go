package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tendant/simple-stream/pkg/simplestream"
)

// Repository implements simplestream.Repository using in-memory storage
type Repository struct {
	mu         sync.RWMutex
	links      map[string]*simplestream.LinkRecord
	channels   map[int64]*simplestream.Channel
	shortener  *simplestream.ShortenerConfig
	thumbnails map[string]*simplestream.ThumbnailRecord
	upserts    int
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		links:      make(map[string]*simplestream.LinkRecord),
		channels:   make(map[int64]*simplestream.Channel),
		thumbnails: make(map[string]*simplestream.ThumbnailRecord),
	}
}

// Link operations

func (r *Repository) SaveLink(ctx context.Context, link *simplestream.LinkRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.links[link.ID]; exists {
		return fmt.Errorf("link %s already exists", link.ID)
	}
	linkCopy := *link
	if linkCopy.CreatedAt.IsZero() {
		linkCopy.CreatedAt = time.Now().UTC()
	}
	r.links[link.ID] = &linkCopy
	return nil
}

func (r *Repository) GetLink(ctx context.Context, id string) (*simplestream.LinkRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, exists := r.links[id]
	if !exists {
		return nil, simplestream.ErrLinkNotFound
	}
	linkCopy := *link
	return &linkCopy, nil
}

// Channel operations

func (r *Repository) AddChannel(ctx context.Context, channelID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[channelID]; !exists {
		r.channels[channelID] = &simplestream.Channel{ID: channelID, AddedAt: time.Now().UTC()}
	}
	return nil
}

func (r *Repository) RemoveChannel(ctx context.Context, channelID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.channels, channelID)
	return nil
}

func (r *Repository) IsChannelAllowed(ctx context.Context, channelID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.channels[channelID]
	return exists, nil
}

func (r *Repository) ListChannels(ctx context.Context) ([]*simplestream.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*simplestream.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chCopy := *ch
		result = append(result, &chCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Shortener operations

func (r *Repository) SetShortener(ctx context.Context, cfg *simplestream.ShortenerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfgCopy := *cfg
	cfgCopy.UpdatedAt = time.Now().UTC()
	r.shortener = &cfgCopy
	return nil
}

func (r *Repository) GetShortener(ctx context.Context) (*simplestream.ShortenerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.shortener == nil {
		return nil, simplestream.ErrShortenerNotSet
	}
	cfgCopy := *r.shortener
	return &cfgCopy, nil
}

func (r *Repository) DeleteShortener(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shortener = nil
	return nil
}

// Thumbnail operations

func (r *Repository) GetThumbnailRecord(ctx context.Context, contentKey string) (*simplestream.ThumbnailRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.thumbnails[contentKey]
	if !exists {
		return nil, simplestream.ErrThumbnailNotFound
	}
	return copyThumbnail(record), nil
}

func (r *Repository) UpsertThumbnailRecord(ctx context.Context, record *simplestream.ThumbnailRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.thumbnails[record.ContentKey] = copyThumbnail(record)
	r.upserts++
	return nil
}

// ThumbnailWrites returns how many thumbnail upserts the repository has accepted.
func (r *Repository) ThumbnailWrites() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.upserts
}

func copyThumbnail(record *simplestream.ThumbnailRecord) *simplestream.ThumbnailRecord {
	recordCopy := *record
	recordCopy.PreviewLinks = append([]string(nil), record.PreviewLinks...)
	return &recordCopy
}

var _ simplestream.Repository = (*Repository)(nil)
