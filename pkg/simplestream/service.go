package simplestream

import "context"

// Service defines the main interface for the simple-stream library
type Service interface {
	// Download operations
	OpenObject(ctx context.Context, objectID int64) (*StoredObject, error)
	StreamObject(ctx context.Context, obj *StoredObject, r RangeRequest) (*ChunkStream, error)

	// Upload operations
	HandleUpload(ctx context.Context, ev UploadEvent) (*UploadResult, error)

	// Link operations
	ResolveLink(ctx context.Context, id string) (*LinkRecord, error)

	// Thumbnail operations
	GetThumbnails(ctx context.Context, contentKey string) (*ThumbnailRecord, error)
	GenerateThumbnails(ctx context.Context, msg *Message) ThumbnailOutcome

	// Pool returns the backend session pool
	Pool() *SessionPool

	// Close waits for background thumbnail runs to finish
	Close() error
}

// StoredObject is a stored message resolved for download, pinned to the
// session that will serve it.
type StoredObject struct {
	Session *BackendSession
	Message *Message
	Ref     *ObjectReference
}

// Size returns the object size in bytes.
func (o *StoredObject) Size() int64 { return o.Message.Media.Size }

// FileName returns the stored file name.
func (o *StoredObject) FileName() string { return o.Message.Media.FileName }

// MimeType returns the stored content type, defaulting to application/octet-stream.
func (o *StoredObject) MimeType() string {
	if o.Message.Media.MimeType == "" {
		return "application/octet-stream"
	}
	return o.Message.Media.MimeType
}
