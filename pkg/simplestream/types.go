package simplestream

import (
	"io"
	"strings"
	"time"
)

// MediaKind classifies the media attached to a message.
type MediaKind string

const (
	MediaKindDocument MediaKind = "document"
	MediaKindVideo    MediaKind = "video"
	MediaKindAudio    MediaKind = "audio"
	MediaKindPhoto    MediaKind = "photo"
)

// videoExtensions are file extensions treated as video when the store reports a generic document.
var videoExtensions = []string{".mkv", ".mp4", ".avi", ".mov", ".webm", ".m4v", ".ts", ".flv", ".wmv"}

// Message is a stored message in the remote store.
type Message struct {
	ID      int64  `json:"id"`
	ChatID  int64  `json:"chat_id"`
	Caption string `json:"caption,omitempty"`
	Media   *Media `json:"media,omitempty"`
}

// Media is the file attached to a message. FileID is the opaque object handle
// understood by DecodeObjectReference.
type Media struct {
	Kind     MediaKind `json:"kind"`
	FileID   string    `json:"file_id"`
	FileName string    `json:"file_name,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
	Size     int64     `json:"size"`
}

// Streamable reports whether the media can be served through the download endpoint.
func (m *Media) Streamable() bool {
	if m == nil {
		return false
	}
	switch m.Kind {
	case MediaKindDocument, MediaKindVideo, MediaKindAudio, MediaKindPhoto:
		return true
	}
	return false
}

// IsVideo reports whether the media should be handed to the thumbnail pipeline.
func (m *Media) IsVideo() bool {
	if m == nil {
		return false
	}
	if m.Kind == MediaKindVideo || strings.HasPrefix(m.MimeType, "video/") {
		return true
	}
	name := strings.ToLower(m.FileName)
	for _, ext := range videoExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// SendFileParams describes a new file to upload into a chat.
type SendFileParams struct {
	Kind     MediaKind
	FileName string
	MimeType string
	Caption  string
	Size     int64
	Reader   io.Reader
}

// AuthorizationTicket is exported by a session on its home endpoint and imported
// by a session on another endpoint to act on the same identity.
type AuthorizationTicket struct {
	EndpointID int
	ID         int64
	Bytes      []byte
}

// RangeRequest is an inclusive byte range of an object.
type RangeRequest struct {
	FirstByte int64
	LastByte  int64
}

// Len returns the number of bytes covered by the range.
func (r RangeRequest) Len() int64 {
	return r.LastByte - r.FirstByte + 1
}

// LinkRecord maps a short link id to a stored object.
type LinkRecord struct {
	ID        string    `json:"id"`
	ObjectID  int64     `json:"object_id"`
	FileName  string    `json:"file_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is an allow-listed source channel.
type Channel struct {
	ID      int64     `json:"id"`
	AddedAt time.Time `json:"added_at"`
}

// ShortenerConfig is the singleton link-shortener configuration.
type ShortenerConfig struct {
	APIURL    string    `json:"api_url"`
	APIKey    string    `json:"api_key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThumbnailRecord holds the preview links generated for a content key.
type ThumbnailRecord struct {
	ContentKey      string    `json:"contentKey"`
	BestQualityRank int       `json:"bestQualityRank"`
	SourceObjectID  int64     `json:"sourceObjectId"`
	PreviewLinks    []string  `json:"previewLinks"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// UploadEvent is delivered by the bot front-end when a file is posted.
type UploadEvent struct {
	ChatID        int64 `json:"chat_id"`
	MessageID     int64 `json:"message_id"`
	IsChannelPost bool  `json:"is_channel_post"`
}

// UploadResult is returned to the front-end once the file is stored.
type UploadResult struct {
	LinkID              string `json:"link_id"`
	ObjectID            int64  `json:"object_id"`
	FileName            string `json:"file_name"`
	URL                 string `json:"url"`
	Size                int64  `json:"size"`
	ReadableSize        string `json:"readable_size"`
	ThumbnailsScheduled bool   `json:"thumbnails_scheduled"`
}
