package simplestream_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-stream/pkg/simplestream"
	memoryremote "github.com/tendant/simple-stream/pkg/simplestream/remote/memory"
)

const (
	storageChat int64 = -1009000
	sourceChat  int64 = -1002000
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// newPool signs n sessions in on endpoint 1.
func newPool(t *testing.T, net *memoryremote.Network, n int) *simplestream.SessionPool {
	t.Helper()
	pool := simplestream.NewSessionPool()
	for i := 0; i < n; i++ {
		client, err := net.Login(1)
		require.NoError(t, err)
		pool.Register(simplestream.NewBackendSession(i, client))
	}
	return pool
}

func postVideo(t *testing.T, net *memoryremote.Network, chatID int64, endpoint int, name, caption string, data []byte) *simplestream.Message {
	t.Helper()
	msg, err := net.Post(chatID, endpoint, simplestream.Media{
		Kind:     simplestream.MediaKindVideo,
		FileName: name,
		MimeType: "video/x-matroska",
	}, caption, data)
	require.NoError(t, err)
	return msg
}

// fakeExtractor pretends to be ffmpeg: Probe reports a fixed duration and
// Capture writes a small file, failing once a run has produced frames images.
type fakeExtractor struct {
	duration time.Duration

	mu        sync.Mutex
	frames    int
	probes    int
	sources   [][]byte
	captured  map[string]int
	offsets   []time.Duration
	probeHook func() error
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{duration: 100 * time.Second, frames: 7, captured: map[string]int{}}
}

func (e *fakeExtractor) setFrames(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = n
}

func (e *fakeExtractor) setProbeHook(hook func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probeHook = hook
}

func (e *fakeExtractor) Probe(ctx context.Context, path string) (time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.probes++
	e.sources = append(e.sources, data)
	hook := e.probeHook
	e.mu.Unlock()

	if hook != nil {
		if err := hook(); err != nil {
			return 0, err
		}
	}
	return e.duration, nil
}

func (e *fakeExtractor) Capture(ctx context.Context, path string, offset time.Duration, outPath string) error {
	e.mu.Lock()
	n := e.captured[path]
	e.captured[path] = n + 1
	e.offsets = append(e.offsets, offset)
	limit := e.frames
	e.mu.Unlock()

	if n >= limit {
		return errors.New("exit status 1: could not seek")
	}
	return os.WriteFile(outPath, []byte(fmt.Sprintf("jpeg@%s", offset)), 0o600)
}

func (e *fakeExtractor) probeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.probes
}

func (e *fakeExtractor) lastSource() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sources) == 0 {
		return nil
	}
	return e.sources[len(e.sources)-1]
}

// staticResolver answers every resolution with the same result.
type staticResolver struct {
	client simplestream.Client
	err    error
}

func (r staticResolver) ResolveSubSession(ctx context.Context, session *simplestream.BackendSession, endpointID int) (simplestream.Client, error) {
	return r.client, r.err
}
