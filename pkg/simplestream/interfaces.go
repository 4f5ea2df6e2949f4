package simplestream

import (
	"context"
	"time"
)

// Client is an authorized connection to the remote store bound to a single endpoint
type Client interface {
	// HomeEndpoint returns the endpoint the client is bound to
	HomeEndpoint() int

	// GetMessage fetches a stored message and its media
	GetMessage(ctx context.Context, chatID, messageID int64) (*Message, error)

	// CopyMessage copies a message into another chat and returns the copy
	CopyMessage(ctx context.Context, fromChatID, messageID, toChatID int64) (*Message, error)

	// SendFile uploads a new file into a chat
	SendFile(ctx context.Context, chatID int64, params SendFileParams) (*Message, error)

	// FetchChunk reads up to limit bytes of the referenced object starting at offset.
	// A short or empty result means the end of the object was reached.
	FetchChunk(ctx context.Context, ref *ObjectReference, offset int64, limit int64) ([]byte, error)

	// ExportAuthorization exports a ticket that authorizes a session on endpointID
	ExportAuthorization(ctx context.Context, endpointID int) (*AuthorizationTicket, error)
}

// Connector creates sessions bound to a specific endpoint
type Connector interface {
	// Connect creates a fresh authorization for endpointID and starts a session bound to it.
	// The returned client is not authorized until ImportAuthorization succeeds.
	Connect(ctx context.Context, endpointID int) (Client, error)

	// ImportAuthorization authorizes client with a ticket exported by a home session
	ImportAuthorization(ctx context.Context, client Client, ticket *AuthorizationTicket) error
}

// SubSessionResolver returns the client a session must use for objects hosted on endpointID
type SubSessionResolver interface {
	ResolveSubSession(ctx context.Context, session *BackendSession, endpointID int) (Client, error)
}

// Repository defines the interface for metadata persistence
type Repository interface {
	// Link operations
	SaveLink(ctx context.Context, link *LinkRecord) error
	GetLink(ctx context.Context, id string) (*LinkRecord, error)

	// Channel allow-list operations
	AddChannel(ctx context.Context, channelID int64) error
	RemoveChannel(ctx context.Context, channelID int64) error
	IsChannelAllowed(ctx context.Context, channelID int64) (bool, error)
	ListChannels(ctx context.Context) ([]*Channel, error)

	// Shortener settings operations
	SetShortener(ctx context.Context, cfg *ShortenerConfig) error
	GetShortener(ctx context.Context) (*ShortenerConfig, error)
	DeleteShortener(ctx context.Context) error

	// Thumbnail record operations
	GetThumbnailRecord(ctx context.Context, contentKey string) (*ThumbnailRecord, error)
	UpsertThumbnailRecord(ctx context.Context, record *ThumbnailRecord) error
}

// FrameExtractor wraps the external frame-extraction tool
type FrameExtractor interface {
	// Probe returns the duration of the video at path
	Probe(ctx context.Context, path string) (time.Duration, error)

	// Capture writes a single still image taken at offset into outPath
	Capture(ctx context.Context, path string, offset time.Duration, outPath string) error
}
