package deathqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	fd        int
	alive     bool
	timeToDie uint64
}

func (f *fakeEntry) FD() int           { return f.fd }
func (f *fakeEntry) Alive() bool       { return f.alive }
func (f *fakeEntry) SetAlive(v bool)   { f.alive = v }
func (f *fakeEntry) TimeToDie() uint64 { return f.timeToDie }

func TestEpollTimeoutTracksPopulation(t *testing.T) {
	entries := make([]Entry, 4)
	q := New(entries, 4)
	assert.Equal(t, -1, q.EpollTimeout())

	e := &fakeEntry{fd: 0, timeToDie: 5}
	entries[0] = e
	q.Push(e)
	assert.Equal(t, 1000, q.EpollTimeout())
	assert.True(t, e.Alive())
}

func TestKillWaitingNeverEvictsFutureDeadline(t *testing.T) {
	entries := make([]Entry, 4)
	q := New(entries, 4)

	early := &fakeEntry{fd: 0, timeToDie: 1}
	late := &fakeEntry{fd: 1, timeToDie: 100}
	entries[0], entries[1] = early, late
	q.Push(early)
	q.Push(late)

	var reaped []int
	q.KillWaiting(func(e Entry) { reaped = append(reaped, e.FD()) })

	require.Equal(t, []int{0}, reaped)
	assert.False(t, early.Alive())
	assert.True(t, late.Alive())
	assert.False(t, q.Empty())
}

func TestKillWaitingSkipsAlreadyDeadEntries(t *testing.T) {
	entries := make([]Entry, 4)
	q := New(entries, 4)

	hungUp := &fakeEntry{fd: 0, timeToDie: 1}
	entries[0] = hungUp
	q.Push(hungUp)

	// Simulate a concurrent hangup clearing Alive before the tick fires.
	hungUp.SetAlive(false)

	var reaped []int
	q.KillWaiting(func(e Entry) { reaped = append(reaped, e.FD()) })

	assert.Empty(t, reaped)
	assert.True(t, q.Empty())
}

func TestPushAtMostOnceGuardedByAliveFlag(t *testing.T) {
	entries := make([]Entry, 2)
	q := New(entries, 2)
	e := &fakeEntry{fd: 0, timeToDie: 10}
	entries[0] = e

	if !e.Alive() {
		q.Push(e)
	}
	// A second readiness event on the same fd must not push again.
	if !e.Alive() {
		q.Push(e)
	}

	count := 0
	for i := uint32(0); i < q.population; i++ {
		count++
	}
	assert.Equal(t, 1, count)
}
