package simplestream_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-stream/pkg/simplestream"
	memoryremote "github.com/tendant/simple-stream/pkg/simplestream/remote/memory"
)

func TestSessionPool_SelectLeastLoaded(t *testing.T) {
	net := memoryremote.New(1)
	pool := newPool(t, net, 0)
	clientA, err := net.Login(1)
	require.NoError(t, err)
	clientB, err := net.Login(1)
	require.NoError(t, err)
	pool.Register(simplestream.NewBackendSession(10, clientA))
	pool.Register(simplestream.NewBackendSession(20, clientB))

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Acquire(10))
	}
	require.NoError(t, pool.Acquire(20))

	s, err := pool.SelectLeastLoaded()
	require.NoError(t, err)
	assert.Equal(t, 20, s.ID())

	require.NoError(t, pool.Acquire(s.ID()))
	assert.Equal(t, int64(2), s.Load())
}

func TestSessionPool_TieReturnsSomeMinimalSession(t *testing.T) {
	pool := newPool(t, memoryremote.New(1), 3)
	require.NoError(t, pool.Acquire(1))

	s, err := pool.SelectLeastLoaded()
	require.NoError(t, err)
	assert.Contains(t, []int{0, 2}, s.ID())
	assert.Equal(t, int64(0), s.Load())
}

func TestSessionPool_Empty(t *testing.T) {
	pool := simplestream.NewSessionPool()

	_, err := pool.SelectLeastLoaded()
	assert.ErrorIs(t, err, simplestream.ErrNoSessionsAvailable)
	assert.Equal(t, 0, pool.Len())
}

func TestSessionPool_RegisterIsIdempotent(t *testing.T) {
	net := memoryremote.New(1)
	first, err := net.Login(1)
	require.NoError(t, err)
	second, err := net.Login(1)
	require.NoError(t, err)

	pool := simplestream.NewSessionPool()
	pool.Register(simplestream.NewBackendSession(1, first))
	require.NoError(t, pool.Acquire(1))
	pool.Register(simplestream.NewBackendSession(1, second))

	assert.Equal(t, 1, pool.Len())
	s, err := pool.Get(1)
	require.NoError(t, err)
	assert.Same(t, first, s.Client())
	assert.Equal(t, int64(1), s.Load(), "re-registering keeps the live session")
}

func TestSessionPool_ReleaseNeverGoesNegative(t *testing.T) {
	pool := newPool(t, memoryremote.New(1), 1)

	require.NoError(t, pool.Release(0))
	require.NoError(t, pool.Release(0))
	s, err := pool.Get(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Load())
}

func TestSessionPool_UnknownSession(t *testing.T) {
	pool := newPool(t, memoryremote.New(1), 1)

	assert.ErrorIs(t, pool.Acquire(7), simplestream.ErrSessionNotFound)
	assert.ErrorIs(t, pool.Release(7), simplestream.ErrSessionNotFound)
	_, err := pool.Get(7)
	assert.ErrorIs(t, err, simplestream.ErrSessionNotFound)
}

func TestSessionPool_ConcurrentAcquireRelease(t *testing.T) {
	pool := newPool(t, memoryremote.New(1), 4)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := pool.SelectLeastLoaded()
			if err != nil {
				t.Error(err)
				return
			}
			if err := pool.Acquire(s.ID()); err != nil {
				t.Error(err)
				return
			}
			if err := pool.Release(s.ID()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	for _, s := range pool.Sessions() {
		assert.Equal(t, int64(0), s.Load())
	}
}

func TestSessionPool_SessionsOrderedByID(t *testing.T) {
	pool := newPool(t, memoryremote.New(1), 5)

	ids := []int{}
	for _, s := range pool.Sessions() {
		ids = append(ids, s.ID())
		assert.Equal(t, 1, s.HomeEndpoint())
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ids)
}
