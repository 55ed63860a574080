package filecache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAndRefCachesAcrossCalls(t *testing.T) {
	var builds int
	c := New(func(key string) (*Entry, error) {
		builds++
		e := newEntry(key, "text/plain", 1, 5, InMemory)
		e.InMemory = &InMemoryPayload{Data: []byte("hello")}
		return e, nil
	}, nil)

	e1, err := waitForEntry(t, c, "a.txt")
	require.NoError(t, err)
	e2, err := c.GetAndRef("a.txt")
	require.NoError(t, err)

	assert.Equal(t, e1, e2)
	assert.Equal(t, int32(2), e1.RefCount())
	assert.Equal(t, 1, builds)
}

func TestGetAndRefReportsWouldBlockDuringConstruction(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	c := New(func(key string) (*Entry, error) {
		close(started)
		<-release
		e := newEntry(key, "text/plain", 1, 0, InMemory)
		e.InMemory = &InMemoryPayload{Data: nil}
		return e, nil
	}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.GetAndRef("slow.txt")
	}()

	<-started
	_, err := c.GetAndRef("slow.txt")
	assert.ErrorIs(t, err, ErrWouldBlock)

	close(release)
	wg.Wait()
}

func TestGetForTaskFallsBackToFloatingEntry(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	c := New(func(key string) (*Entry, error) {
		close(started)
		<-release
		e := newEntry(key, "text/plain", 1, 0, InMemory)
		e.InMemory = &InMemoryPayload{Data: nil}
		return e, nil
	}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.GetAndRef("slow.txt")
	}()
	<-started

	var released []func()
	floating, err := c.GetForTask("slow.txt", func(key string) (*Entry, error) {
		e := newEntry(key, "text/plain", 1, 1, ZeroCopy)
		e.ZeroCopy = newZeroCopyPayload("/srv/slow.txt")
		return e, nil
	}, func(fn func()) { released = append(released, fn) })
	require.NoError(t, err)
	assert.True(t, floating.Floating)
	assert.Len(t, released, 1)

	close(release)
	wg.Wait()
}

func TestInvalidateEvictsAndRebuildsOnNextGet(t *testing.T) {
	var mtime int64 = 1
	var builds int
	c := New(func(key string) (*Entry, error) {
		builds++
		e := newEntry(key, "text/plain", mtime, 0, InMemory)
		e.InMemory = &InMemoryPayload{Data: nil}
		return e, nil
	}, nil)

	e1, err := waitForEntry(t, c, "a.txt")
	require.NoError(t, err)
	require.Equal(t, 1, builds)

	mtime = 2
	c.Invalidate("a.txt")

	e2, err := waitForEntry(t, c, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	assert.NotSame(t, e1, e2)
}

// waitForEntry retries GetAndRef past a transient WouldBlock -- the
// singleflight goroutine usually wins the race against this caller's own
// scheduling, but not deterministically.
func waitForEntry(t *testing.T, c *Cache, key string) (*Entry, error) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		e, err := c.GetAndRef(key)
		if err != ErrWouldBlock {
			return e, err
		}
	}
	t.Fatal("GetAndRef never resolved past WouldBlock")
	return nil, nil
}
