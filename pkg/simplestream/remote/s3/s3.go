// Package s3 implements the remote object store on S3-compatible endpoints.
//
// Every endpoint is one S3 base endpoint and bucket. Object bytes live at
// objects/{objectID} in the bucket of the endpoint hosting them. Messages are
// empty marker objects at chats/{chatID}/{messageID} in the catalog endpoint,
// with the media description carried in user metadata. A client bound to one
// endpoint can only read object bytes from that endpoint; reading elsewhere
// needs a sub-session authorized with an exported credential ticket.
package s3

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tendant/simple-stream/pkg/simplestream"
)

// EndpointConfig describes one S3-compatible endpoint.
type EndpointConfig struct {
	ID           int
	Endpoint     string // Base URL; empty uses AWS
	Region       string
	Bucket       string
	UsePathStyle bool
}

// Config options for the S3 remote
type Config struct {
	Endpoints []EndpointConfig
	// CatalogEndpoint holds the chat catalog; zero means the first endpoint
	CatalogEndpoint int

	// Credentials of the home identity. They are what an exported ticket carries.
	AccessKeyID     string
	SecretAccessKey string

	CreateBucketIfNotExist bool
}

// Remote is an S3-backed simplestream.Connector.
type Remote struct {
	endpoints map[int]EndpointConfig
	catalog   EndpointConfig
	creds     aws.CredentialsProvider

	catalogOnce   sync.Once
	catalogClient *s3.Client
	catalogErr    error
}

// New validates cfg and creates a remote. No network calls are made unless
// CreateBucketIfNotExist is set.
func New(ctx context.Context, cfg Config) (*Remote, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}
	r := &Remote{endpoints: make(map[int]EndpointConfig)}
	for _, e := range cfg.Endpoints {
		if e.Bucket == "" {
			return nil, fmt.Errorf("endpoint %d: bucket name is required", e.ID)
		}
		if e.Region == "" {
			e.Region = "us-east-1"
		}
		if _, dup := r.endpoints[e.ID]; dup {
			return nil, fmt.Errorf("endpoint %d configured twice", e.ID)
		}
		r.endpoints[e.ID] = e
	}

	catalogID := cfg.CatalogEndpoint
	if catalogID == 0 {
		catalogID = cfg.Endpoints[0].ID
	}
	catalog, ok := r.endpoints[catalogID]
	if !ok {
		return nil, fmt.Errorf("catalog endpoint %d is not configured", catalogID)
	}
	r.catalog = catalog

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		r.creds = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	if cfg.CreateBucketIfNotExist {
		for _, e := range r.endpoints {
			client, err := r.newS3Client(ctx, e, r.creds)
			if err != nil {
				return nil, err
			}
			if err := createBucketIfNotExists(ctx, client, e); err != nil {
				return nil, fmt.Errorf("endpoint %d: %w", e.ID, err)
			}
		}
	}
	return r, nil
}

func (r *Remote) newS3Client(ctx context.Context, e EndpointConfig, creds aws.CredentialsProvider) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(e.Region)}
	if creds != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if e.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(e.Endpoint)
			o.UsePathStyle = e.UsePathStyle
		})
	}
	return s3.NewFromConfig(awsCfg, s3Options...), nil
}

func (r *Remote) catalogS3(ctx context.Context) (*s3.Client, error) {
	r.catalogOnce.Do(func() {
		r.catalogClient, r.catalogErr = r.newS3Client(ctx, r.catalog, r.creds)
	})
	return r.catalogClient, r.catalogErr
}

// Login returns an authorized client bound to endpointID using the home credentials.
func (r *Remote) Login(ctx context.Context, endpointID int) (*Client, error) {
	e, ok := r.endpoints[endpointID]
	if !ok {
		return nil, fmt.Errorf("endpoint %d is not configured", endpointID)
	}
	data, err := r.newS3Client(ctx, e, r.creds)
	if err != nil {
		return nil, err
	}
	creds := r.creds
	if creds == nil {
		creds = data.Options().Credentials
	}
	return &Client{remote: r, endpoint: e, data: data, creds: creds, authorized: true}, nil
}

// Connect implements simplestream.Connector. The client reads anonymously until
// ImportAuthorization installs credentials.
func (r *Remote) Connect(ctx context.Context, endpointID int) (simplestream.Client, error) {
	e, ok := r.endpoints[endpointID]
	if !ok {
		return nil, fmt.Errorf("endpoint %d is not configured", endpointID)
	}
	data, err := r.newS3Client(ctx, e, aws.AnonymousCredentials{})
	if err != nil {
		return nil, err
	}
	return &Client{remote: r, endpoint: e, data: data}, nil
}

// ImportAuthorization implements simplestream.Connector.
func (r *Remote) ImportAuthorization(ctx context.Context, c simplestream.Client, ticket *simplestream.AuthorizationTicket) error {
	client, ok := c.(*Client)
	if !ok || client.remote != r {
		return errors.New("client does not belong to this remote")
	}
	if ticket.EndpointID != client.endpoint.ID {
		return fmt.Errorf("ticket for endpoint %d imported on endpoint %d: %w", ticket.EndpointID, client.endpoint.ID, simplestream.ErrUnauthorized)
	}
	accessKey, secret, err := DecodeTicket(ticket.Bytes)
	if err != nil {
		return err
	}
	creds := credentials.NewStaticCredentialsProvider(accessKey, secret, "")
	data, err := r.newS3Client(ctx, client.endpoint, creds)
	if err != nil {
		return err
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	client.data = data
	client.creds = creds
	client.authorized = true
	return nil
}

// Client is a session bound to one S3 endpoint.
type Client struct {
	remote   *Remote
	endpoint EndpointConfig

	mu         sync.RWMutex
	data       *s3.Client
	creds      aws.CredentialsProvider
	authorized bool
}

// HomeEndpoint implements simplestream.Client.
func (c *Client) HomeEndpoint() int { return c.endpoint.ID }

func (c *Client) dataClient() (*s3.Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.authorized
}

// GetMessage implements simplestream.Client.
func (c *Client) GetMessage(ctx context.Context, chatID, messageID int64) (*simplestream.Message, error) {
	catalog, err := c.remote.catalogS3(ctx)
	if err != nil {
		return nil, err
	}
	out, err := catalog.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.remote.catalog.Bucket),
		Key:    aws.String(MessageKey(chatID, messageID)),
	})
	if err != nil {
		return nil, translateError(fmt.Sprintf("message %d in chat %d", messageID, chatID), err)
	}
	return MessageFromMetadata(chatID, messageID, out.Metadata)
}

// CopyMessage implements simplestream.Client. The copy references the same object bytes.
func (c *Client) CopyMessage(ctx context.Context, fromChatID, messageID, toChatID int64) (*simplestream.Message, error) {
	src, err := c.GetMessage(ctx, fromChatID, messageID)
	if err != nil {
		return nil, err
	}
	catalog, err := c.remote.catalogS3(ctx)
	if err != nil {
		return nil, err
	}

	newID := newMessageID()
	_, err = catalog.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(c.remote.catalog.Bucket),
		Key:               aws.String(MessageKey(toChatID, newID)),
		CopySource:        aws.String(c.remote.catalog.Bucket + "/" + MessageKey(fromChatID, messageID)),
		MetadataDirective: types.MetadataDirectiveCopy,
	})
	if err != nil {
		return nil, translateError("copy message", err)
	}

	src.ID = newID
	src.ChatID = toChatID
	return src, nil
}

// SendFile implements simplestream.Client. The object is stored on the client's endpoint.
func (c *Client) SendFile(ctx context.Context, chatID int64, params simplestream.SendFileParams) (*simplestream.Message, error) {
	data, authorized := c.dataClient()
	if !authorized {
		return nil, simplestream.ErrUnauthorized
	}
	catalog, err := c.remote.catalogS3(ctx)
	if err != nil {
		return nil, err
	}

	kind := params.Kind
	if kind == "" {
		kind = simplestream.MediaKindDocument
	}
	contentType := params.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	objectID := newMessageID()
	uploader := manager.NewUploader(data)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.endpoint.Bucket),
		Key:         aws.String(ObjectKey(objectID)),
		Body:        params.Reader,
		ContentType: aws.String(contentType),
	}); err != nil {
		return nil, translateError("upload object", err)
	}

	head, err := data.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.endpoint.Bucket),
		Key:    aws.String(ObjectKey(objectID)),
	})
	if err != nil {
		return nil, translateError("head uploaded object", err)
	}

	fileID, err := simplestream.EncodeObjectReference(&simplestream.ObjectReference{
		Kind:             kind,
		EndpointID:       c.endpoint.ID,
		ObjectID:         objectID,
		AccessCredential: rand.Int64(),
		FileReference:    []byte(strings.Trim(aws.ToString(head.ETag), `"`)),
	})
	if err != nil {
		return nil, err
	}

	msg := &simplestream.Message{
		ID:      newMessageID(),
		ChatID:  chatID,
		Caption: params.Caption,
		Media: &simplestream.Media{
			Kind:     kind,
			FileID:   fileID,
			FileName: params.FileName,
			MimeType: contentType,
			Size:     aws.ToInt64(head.ContentLength),
		},
	}
	if _, err := catalog.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(c.remote.catalog.Bucket),
		Key:      aws.String(MessageKey(chatID, msg.ID)),
		Body:     bytes.NewReader(nil),
		Metadata: MessageMetadata(msg),
	}); err != nil {
		return nil, translateError("post message", err)
	}
	return msg, nil
}

// FetchChunk implements simplestream.Client with a ranged GetObject
// conditioned on the reference's ETag.
func (c *Client) FetchChunk(ctx context.Context, ref *simplestream.ObjectReference, offset int64, limit int64) ([]byte, error) {
	if ref.EndpointID != c.endpoint.ID {
		return nil, fmt.Errorf("object %d on endpoint %d, session on %d: %w", ref.ObjectID, ref.EndpointID, c.endpoint.ID, simplestream.ErrWrongEndpoint)
	}
	data, authorized := c.dataClient()
	if !authorized {
		return nil, simplestream.ErrUnauthorized
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(c.endpoint.Bucket),
		Key:    aws.String(ObjectKey(ref.ObjectID)),
		Range:  aws.String(RangeHeader(offset, limit)),
	}
	if len(ref.FileReference) > 0 {
		input.IfMatch = aws.String(`"` + string(ref.FileReference) + `"`)
	}
	out, err := data.GetObject(ctx, input)
	if err != nil {
		if apiErrorCode(err) == "InvalidRange" {
			return []byte{}, nil
		}
		return nil, translateError(fmt.Sprintf("fetch object %d", ref.ObjectID), err)
	}
	defer out.Body.Close()

	buf := bytes.NewBuffer(make([]byte, 0, limit))
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("read object %d: %w", ref.ObjectID, err)
	}
	return buf.Bytes(), nil
}

// ExportAuthorization implements simplestream.Client by handing out the
// client's own credentials.
func (c *Client) ExportAuthorization(ctx context.Context, endpointID int) (*simplestream.AuthorizationTicket, error) {
	if _, ok := c.remote.endpoints[endpointID]; !ok {
		return nil, fmt.Errorf("endpoint %d is not configured", endpointID)
	}
	c.mu.RLock()
	creds, authorized := c.creds, c.authorized
	c.mu.RUnlock()
	if !authorized || creds == nil {
		return nil, simplestream.ErrUnauthorized
	}
	v, err := creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve credentials: %w", err)
	}
	return &simplestream.AuthorizationTicket{
		EndpointID: endpointID,
		ID:         rand.Int64(),
		Bytes:      EncodeTicket(v.AccessKeyID, v.SecretAccessKey),
	}, nil
}

// MessageKey returns the catalog key of a message.
func MessageKey(chatID, messageID int64) string {
	return fmt.Sprintf("chats/%d/%d", chatID, messageID)
}

// ObjectKey returns the data key of an object.
func ObjectKey(objectID int64) string {
	return fmt.Sprintf("objects/%d", objectID)
}

// RangeHeader returns the HTTP Range value for limit bytes from offset.
func RangeHeader(offset, limit int64) string {
	return fmt.Sprintf("bytes=%d-%d", offset, offset+limit-1)
}

// Message metadata keys
const (
	metaKind     = "kind"
	metaFileID   = "file-id"
	metaFileName = "file-name"
	metaMimeType = "mime-type"
	metaSize     = "size"
	metaCaption  = "caption"
)

// MessageMetadata renders msg as S3 user metadata. Free text is URL-escaped
// because metadata values must be ASCII.
func MessageMetadata(msg *simplestream.Message) map[string]string {
	md := map[string]string{}
	if msg.Caption != "" {
		md[metaCaption] = url.QueryEscape(msg.Caption)
	}
	if m := msg.Media; m != nil {
		md[metaKind] = string(m.Kind)
		md[metaFileID] = m.FileID
		md[metaFileName] = url.QueryEscape(m.FileName)
		md[metaMimeType] = m.MimeType
		md[metaSize] = strconv.FormatInt(m.Size, 10)
	}
	return md
}

// MessageFromMetadata parses metadata written by MessageMetadata.
func MessageFromMetadata(chatID, messageID int64, md map[string]string) (*simplestream.Message, error) {
	msg := &simplestream.Message{ID: messageID, ChatID: chatID}
	if v, ok := md[metaCaption]; ok {
		caption, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("message %d: bad caption: %w", messageID, err)
		}
		msg.Caption = caption
	}
	fileID, ok := md[metaFileID]
	if !ok {
		return msg, nil
	}
	name, err := url.QueryUnescape(md[metaFileName])
	if err != nil {
		return nil, fmt.Errorf("message %d: bad file name: %w", messageID, err)
	}
	size, err := strconv.ParseInt(md[metaSize], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("message %d: bad size: %w", messageID, err)
	}
	msg.Media = &simplestream.Media{
		Kind:     simplestream.MediaKind(md[metaKind]),
		FileID:   fileID,
		FileName: name,
		MimeType: md[metaMimeType],
		Size:     size,
	}
	return msg, nil
}

// EncodeTicket packs a credential pair into ticket bytes.
func EncodeTicket(accessKeyID, secretAccessKey string) []byte {
	buf := make([]byte, 0, 4+len(accessKeyID)+len(secretAccessKey))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(accessKeyID)))
	buf = append(buf, accessKeyID...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(secretAccessKey)))
	buf = append(buf, secretAccessKey...)
	return buf
}

// DecodeTicket unpacks ticket bytes written by EncodeTicket.
func DecodeTicket(b []byte) (accessKeyID, secretAccessKey string, err error) {
	read := func() (string, error) {
		if len(b) < 2 {
			return "", errors.New("ticket truncated")
		}
		n := int(binary.LittleEndian.Uint16(b))
		b = b[2:]
		if len(b) < n {
			return "", errors.New("ticket truncated")
		}
		s := string(b[:n])
		b = b[n:]
		return s, nil
	}
	if accessKeyID, err = read(); err != nil {
		return "", "", err
	}
	if secretAccessKey, err = read(); err != nil {
		return "", "", err
	}
	if len(b) != 0 {
		return "", "", errors.New("ticket has trailing bytes")
	}
	if accessKeyID == "" || secretAccessKey == "" {
		return "", "", errors.New("ticket carries empty credentials")
	}
	return accessKeyID, secretAccessKey, nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func translateError(op string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", op, simplestream.ErrObjectNotFound)
	}
	switch apiErrorCode(err) {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%s: %w", op, simplestream.ErrObjectNotFound)
	case "PreconditionFailed":
		return fmt.Errorf("%s: %w", op, simplestream.ErrFileReferenceExpired)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%s: %w: %v", op, simplestream.ErrUnauthorized, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// newMessageID returns a time-ordered id with random low bits.
func newMessageID() int64 {
	return time.Now().UnixMilli()<<12 | rand.Int64N(1<<12)
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, e EndpointConfig) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(e.Bucket)}); err == nil {
		return nil
	}
	input := &s3.CreateBucketInput{Bucket: aws.String(e.Bucket)}
	if e.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(e.Region),
		}
	}
	if _, err := client.CreateBucket(ctx, input); err != nil {
		switch apiErrorCode(err) {
		case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

var (
	_ simplestream.Connector = (*Remote)(nil)
	_ simplestream.Client    = (*Client)(nil)
)
