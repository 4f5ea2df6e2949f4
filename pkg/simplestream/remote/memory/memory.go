// Package memory provides an in-process remote object store. A Network holds
// several endpoints, each hosting its own objects; clients are bound to one
// endpoint and must migrate to read objects hosted elsewhere.
package memory

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/tendant/simple-stream/pkg/simplestream"
)

// Fetch records one chunk read served by the network.
type Fetch struct {
	EndpointID int
	ObjectID   int64
	Offset     int64
	Limit      int64
}

type messageKey struct {
	chatID int64
	id     int64
}

type object struct {
	endpointID int
	access     int64
	fileRef    []byte
	data       []byte
}

type ticket struct {
	endpointID int
	bytes      []byte
}

// Network is an in-memory remote store shared by every client connected to it.
type Network struct {
	mu           sync.RWMutex
	endpoints    map[int]struct{}
	messages     map[messageKey]*simplestream.Message
	nextMessage  map[int64]int64
	objects      map[int64]*object
	nextObjectID int64
	tickets      map[int64]ticket
	nextClientID int

	fetches  []Fetch
	connects int
	imports  int

	connectErr error
	importErr  error
	fetchHook  func(ctx context.Context, f Fetch) error
}

// New creates a network serving the given endpoint ids.
func New(endpoints ...int) *Network {
	n := &Network{
		endpoints:    make(map[int]struct{}),
		messages:     make(map[messageKey]*simplestream.Message),
		nextMessage:  make(map[int64]int64),
		objects:      make(map[int64]*object),
		nextObjectID: 1000,
		tickets:      make(map[int64]ticket),
	}
	for _, e := range endpoints {
		n.endpoints[e] = struct{}{}
	}
	return n
}

// AddEndpoint registers an additional endpoint.
func (n *Network) AddEndpoint(endpointID int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[endpointID] = struct{}{}
}

// Login returns an authorized client bound to endpointID, the equivalent of a
// bot-token sign-in on the session's home endpoint.
func (n *Network) Login(endpointID int) (*Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[endpointID]; !ok {
		return nil, fmt.Errorf("endpoint %d: unknown endpoint", endpointID)
	}
	n.nextClientID++
	return &Client{net: n, id: n.nextClientID, endpointID: endpointID, authorized: true}, nil
}

// Post stores data as an object hosted on endpointID and posts it into chatID.
func (n *Network) Post(chatID int64, endpointID int, media simplestream.Media, caption string, data []byte) (*simplestream.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[endpointID]; !ok {
		return nil, fmt.Errorf("endpoint %d: unknown endpoint", endpointID)
	}
	return n.postLocked(chatID, endpointID, media, caption, data)
}

func (n *Network) postLocked(chatID int64, endpointID int, media simplestream.Media, caption string, data []byte) (*simplestream.Message, error) {
	n.nextObjectID++
	obj := &object{
		endpointID: endpointID,
		access:     rand.Int64(),
		fileRef:    randomBytes(8),
		data:       append([]byte(nil), data...),
	}
	fileID, err := simplestream.EncodeObjectReference(&simplestream.ObjectReference{
		Kind:             media.Kind,
		EndpointID:       endpointID,
		ObjectID:         n.nextObjectID,
		AccessCredential: obj.access,
		FileReference:    obj.fileRef,
	})
	if err != nil {
		return nil, err
	}
	n.objects[n.nextObjectID] = obj

	media.FileID = fileID
	media.Size = int64(len(data))
	return n.appendLocked(chatID, caption, &media), nil
}

func (n *Network) appendLocked(chatID int64, caption string, media *simplestream.Media) *simplestream.Message {
	n.nextMessage[chatID]++
	msg := &simplestream.Message{
		ID:      n.nextMessage[chatID],
		ChatID:  chatID,
		Caption: caption,
		Media:   media,
	}
	n.messages[messageKey{chatID: chatID, id: msg.ID}] = msg
	return copyMessage(msg)
}

// PostText posts a message without media.
func (n *Network) PostText(chatID int64, text string) *simplestream.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.appendLocked(chatID, text, nil)
}

// ObjectData returns a copy of a stored object's bytes.
func (n *Network) ObjectData(objectID int64) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	obj, ok := n.objects[objectID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// TruncateObject drops stored bytes past size while the advertised media size
// stays unchanged, so reads end short.
func (n *Network) TruncateObject(objectID int64, size int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if obj, ok := n.objects[objectID]; ok && size < len(obj.data) {
		obj.data = obj.data[:size]
	}
}

// ExpireFileReference rotates an object's freshness token. References decoded
// before the rotation fail with simplestream.ErrFileReferenceExpired; messages
// read afterwards carry the new token.
func (n *Network) ExpireFileReference(objectID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	obj, ok := n.objects[objectID]
	if !ok {
		return
	}
	obj.fileRef = randomBytes(8)

	for _, msg := range n.messages {
		if msg.Media == nil {
			continue
		}
		ref, err := simplestream.DecodeObjectReference(msg.Media.FileID)
		if err != nil || ref.ObjectID != objectID {
			continue
		}
		ref.FileReference = obj.fileRef
		if fileID, err := simplestream.EncodeObjectReference(ref); err == nil {
			msg.Media.FileID = fileID
		}
	}
}

// ChatMessages returns every message posted into chatID in id order.
func (n *Network) ChatMessages(chatID int64) []*simplestream.Message {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*simplestream.Message
	for id := int64(1); id <= n.nextMessage[chatID]; id++ {
		if msg, ok := n.messages[messageKey{chatID: chatID, id: id}]; ok {
			out = append(out, copyMessage(msg))
		}
	}
	return out
}

// Fetches returns the chunk reads served so far.
func (n *Network) Fetches() []Fetch {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Fetch(nil), n.fetches...)
}

// ResetFetches clears the fetch log.
func (n *Network) ResetFetches() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fetches = nil
}

// Connects returns how many sessions were started through Connect.
func (n *Network) Connects() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connects
}

// Imports returns how many authorizations were imported successfully.
func (n *Network) Imports() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.imports
}

// FailConnect makes subsequent Connect calls fail with err; nil restores them.
func (n *Network) FailConnect(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectErr = err
}

// FailImport makes subsequent ImportAuthorization calls fail with err; nil restores them.
func (n *Network) FailImport(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.importErr = err
}

// OnFetch installs a hook run before every chunk read. A non-nil error fails the read.
func (n *Network) OnFetch(hook func(ctx context.Context, f Fetch) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fetchHook = hook
}

// Connect implements simplestream.Connector.
func (n *Network) Connect(ctx context.Context, endpointID int) (simplestream.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connectErr != nil {
		return nil, n.connectErr
	}
	if _, ok := n.endpoints[endpointID]; !ok {
		return nil, fmt.Errorf("endpoint %d: unknown endpoint", endpointID)
	}
	n.connects++
	n.nextClientID++
	return &Client{net: n, id: n.nextClientID, endpointID: endpointID}, nil
}

// ImportAuthorization implements simplestream.Connector.
func (n *Network) ImportAuthorization(ctx context.Context, c simplestream.Client, t *simplestream.AuthorizationTicket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, ok := c.(*Client)
	if !ok || client.net != n {
		return fmt.Errorf("client does not belong to this network")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.importErr != nil {
		return n.importErr
	}
	issued, ok := n.tickets[t.ID]
	if !ok || issued.endpointID != client.endpointID || string(issued.bytes) != string(t.Bytes) {
		return simplestream.ErrUnauthorized
	}
	delete(n.tickets, t.ID)
	n.imports++

	client.mu.Lock()
	client.authorized = true
	client.mu.Unlock()
	return nil
}

// Client is a session bound to one endpoint of a Network.
type Client struct {
	net        *Network
	id         int
	endpointID int

	mu         sync.Mutex
	authorized bool
}

// HomeEndpoint implements simplestream.Client.
func (c *Client) HomeEndpoint() int { return c.endpointID }

func (c *Client) checkAuthorized(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authorized {
		return simplestream.ErrUnauthorized
	}
	return nil
}

// GetMessage implements simplestream.Client.
func (c *Client) GetMessage(ctx context.Context, chatID, messageID int64) (*simplestream.Message, error) {
	if err := c.checkAuthorized(ctx); err != nil {
		return nil, err
	}
	c.net.mu.RLock()
	defer c.net.mu.RUnlock()
	msg, ok := c.net.messages[messageKey{chatID: chatID, id: messageID}]
	if !ok {
		return nil, fmt.Errorf("message %d in chat %d: %w", messageID, chatID, simplestream.ErrObjectNotFound)
	}
	return copyMessage(msg), nil
}

// CopyMessage implements simplestream.Client. The copy shares the source media.
func (c *Client) CopyMessage(ctx context.Context, fromChatID, messageID, toChatID int64) (*simplestream.Message, error) {
	if err := c.checkAuthorized(ctx); err != nil {
		return nil, err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	msg, ok := c.net.messages[messageKey{chatID: fromChatID, id: messageID}]
	if !ok {
		return nil, fmt.Errorf("message %d in chat %d: %w", messageID, fromChatID, simplestream.ErrObjectNotFound)
	}
	var media *simplestream.Media
	if msg.Media != nil {
		m := *msg.Media
		media = &m
	}
	return c.net.appendLocked(toChatID, msg.Caption, media), nil
}

// SendFile implements simplestream.Client. The new object is hosted on the client's endpoint.
func (c *Client) SendFile(ctx context.Context, chatID int64, params simplestream.SendFileParams) (*simplestream.Message, error) {
	if err := c.checkAuthorized(ctx); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(params.Reader)
	if err != nil {
		return nil, err
	}
	kind := params.Kind
	if kind == "" {
		kind = simplestream.MediaKindDocument
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.net.postLocked(chatID, c.endpointID, simplestream.Media{
		Kind:     kind,
		FileName: params.FileName,
		MimeType: params.MimeType,
	}, params.Caption, data)
}

// FetchChunk implements simplestream.Client.
func (c *Client) FetchChunk(ctx context.Context, ref *simplestream.ObjectReference, offset int64, limit int64) ([]byte, error) {
	if err := c.checkAuthorized(ctx); err != nil {
		return nil, err
	}
	if ref.EndpointID != c.endpointID {
		return nil, fmt.Errorf("object %d on endpoint %d, session on %d: %w", ref.ObjectID, ref.EndpointID, c.endpointID, simplestream.ErrWrongEndpoint)
	}

	f := Fetch{EndpointID: c.endpointID, ObjectID: ref.ObjectID, Offset: offset, Limit: limit}
	c.net.mu.Lock()
	c.net.fetches = append(c.net.fetches, f)
	hook := c.net.fetchHook
	c.net.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, f); err != nil {
			return nil, err
		}
	}

	c.net.mu.RLock()
	defer c.net.mu.RUnlock()
	obj, ok := c.net.objects[ref.ObjectID]
	if !ok || obj.endpointID != ref.EndpointID || obj.access != ref.AccessCredential {
		return nil, fmt.Errorf("object %d: %w", ref.ObjectID, simplestream.ErrObjectNotFound)
	}
	if string(obj.fileRef) != string(ref.FileReference) {
		return nil, simplestream.ErrFileReferenceExpired
	}
	if offset < 0 || offset >= int64(len(obj.data)) {
		return []byte{}, nil
	}
	end := min(offset+limit, int64(len(obj.data)))
	return append([]byte(nil), obj.data[offset:end]...), nil
}

// ExportAuthorization implements simplestream.Client.
func (c *Client) ExportAuthorization(ctx context.Context, endpointID int) (*simplestream.AuthorizationTicket, error) {
	if err := c.checkAuthorized(ctx); err != nil {
		return nil, err
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if _, ok := c.net.endpoints[endpointID]; !ok {
		return nil, fmt.Errorf("endpoint %d: unknown endpoint", endpointID)
	}
	t := &simplestream.AuthorizationTicket{
		EndpointID: endpointID,
		ID:         rand.Int64(),
		Bytes:      randomBytes(32),
	}
	c.net.tickets[t.ID] = ticket{endpointID: endpointID, bytes: t.Bytes}
	return t, nil
}

func copyMessage(msg *simplestream.Message) *simplestream.Message {
	out := *msg
	if msg.Media != nil {
		m := *msg.Media
		out.Media = &m
	}
	return &out
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rand.IntN(256))
	}
	return b
}

var (
	_ simplestream.Connector = (*Network)(nil)
	_ simplestream.Client    = (*Client)(nil)
)
