package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonata/config"
	"sonata/logging"
	"sonata/store"
	"sonata/types"
)

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *captureSink) Publish(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) byType(t types.EventType) []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakeSpawner stands in for real workers: it records what the coordinator
// launched and lets the test drive worker events by hand.
type fakeSpawner struct {
	mu       sync.Mutex
	launched []types.DownloadTask
	contexts map[int64]context.Context
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{contexts: make(map[int64]context.Context)}
}

func (f *fakeSpawner) spawn(ctx context.Context, task types.DownloadTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, task)
	f.contexts[task.ID] = ctx
}

func (f *fakeSpawner) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

func (f *fakeSpawner) launchedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.launched))
	for _, task := range f.launched {
		ids = append(ids, task.ID)
	}
	return ids
}

func newTestCoordinator(t *testing.T, concurrency int, sink EventSink) (*Coordinator, *store.Store, *fakeSpawner) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	settings := config.Default()
	settings.DownloadDir = t.TempDir()
	settings.CacheDir = t.TempDir()
	settings.Concurrency = concurrency

	c := NewCoordinator(st, nil, nil, settings, sink, logging.Discard())
	spawner := newFakeSpawner()
	c.spawn = spawner.spawn

	require.NoError(t, c.Load(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, st, spawner
}

func enqueueN(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	reqs := make([]types.NewTaskRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, types.NewTaskRequest{
			ContentID: string(rune('a' + i)),
			Path:      "dest-" + string(rune('a'+i)),
		})
	}
	accepted, err := c.AddTasks(context.Background(), reqs)
	require.NoError(t, err)
	require.Equal(t, n, accepted)
}

func TestCoordinatorConcurrencyBound(t *testing.T) {
	sink := &captureSink{}
	c, _, spawner := newTestCoordinator(t, 2, sink)

	enqueueN(t, c, 5)
	c.Start()

	require.Eventually(t, func() bool {
		return spawner.launchCount() == 2
	}, time.Second, 5*time.Millisecond)

	// Settled: the bound holds even after extra fill passes.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, spawner.launchCount())
	assert.Equal(t, 2, c.ActiveCount())

	downloading := 0
	for _, task := range c.Snapshot() {
		if task.State == types.StateDownloading {
			downloading++
		}
	}
	assert.Equal(t, 2, downloading)

	// Completing one task frees a slot; a third launch follows promptly.
	first := spawner.launchedIDs()[0]
	c.events <- workerEvent{taskID: first, kind: eventTerminal, state: types.StateDone}

	require.Eventually(t, func() bool {
		return spawner.launchCount() == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, c.ActiveCount())
}

func TestCoordinatorAssignsFIFO(t *testing.T) {
	c, _, spawner := newTestCoordinator(t, 1, &captureSink{})

	enqueueN(t, c, 3)
	c.Start()

	require.Eventually(t, func() bool { return spawner.launchCount() == 1 }, time.Second, 5*time.Millisecond)
	c.events <- workerEvent{taskID: spawner.launchedIDs()[0], kind: eventTerminal, state: types.StateDone}
	require.Eventually(t, func() bool { return spawner.launchCount() == 2 }, time.Second, 5*time.Millisecond)

	ids := spawner.launchedIDs()
	assert.Less(t, ids[0], ids[1])
}

func TestCoordinatorStopCheckpointsToQueued(t *testing.T) {
	sink := &captureSink{}
	c, st, spawner := newTestCoordinator(t, 1, sink)

	enqueueN(t, c, 1)
	c.Start()
	require.Eventually(t, func() bool { return spawner.launchCount() == 1 }, time.Second, 5*time.Millisecond)
	id := spawner.launchedIDs()[0]

	c.Stop()

	spawner.mu.Lock()
	ctx := spawner.contexts[id]
	spawner.mu.Unlock()
	require.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 5*time.Millisecond)

	// The cancelled worker reports its durable checkpoint.
	c.events <- workerEvent{taskID: id, kind: eventCancelled, checkpoint: 4096}

	require.Eventually(t, func() bool {
		task, err := st.GetByID(context.Background(), id)
		require.NoError(t, err)
		return task.State == types.StateQueued && task.DownloadedBytes == 4096
	}, time.Second, 5*time.Millisecond)

	snapshot := c.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, types.StateQueued, snapshot[0].State)
	assert.Equal(t, int64(4096), snapshot[0].DownloadedBytes)

	// Scheduling stays paused; no relaunch until Start.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, spawner.launchCount())

	c.Start()
	require.Eventually(t, func() bool { return spawner.launchCount() == 2 }, time.Second, 5*time.Millisecond)
	spawner.mu.Lock()
	resumed := spawner.launched[1]
	spawner.mu.Unlock()
	assert.Equal(t, int64(4096), resumed.DownloadedBytes)
}

func TestCoordinatorRetryFailed(t *testing.T) {
	c, _, spawner := newTestCoordinator(t, 2, &captureSink{})

	enqueueN(t, c, 2)
	c.Start()
	require.Eventually(t, func() bool { return spawner.launchCount() == 2 }, time.Second, 5*time.Millisecond)

	ids := spawner.launchedIDs()
	c.events <- workerEvent{taskID: ids[0], kind: eventTerminal, state: types.StateError, errMsg: "disk full"}
	c.events <- workerEvent{taskID: ids[1], kind: eventTerminal, state: types.StateUpstreamError, errMsg: "no url"}

	require.Eventually(t, func() bool {
		for _, task := range c.Snapshot() {
			if !task.State.IsTerminal() {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	retried, err := c.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), retried)

	// Both failure categories relaunch.
	require.Eventually(t, func() bool { return spawner.launchCount() == 4 }, time.Second, 5*time.Millisecond)
}

func TestCoordinatorRemoveActiveRefused(t *testing.T) {
	c, st, spawner := newTestCoordinator(t, 1, &captureSink{})

	enqueueN(t, c, 1)
	c.Start()
	require.Eventually(t, func() bool { return spawner.launchCount() == 1 }, time.Second, 5*time.Millisecond)
	id := spawner.launchedIDs()[0]

	err := c.RemoveTask(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrTaskActive)

	task, err := st.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, types.StateDownloading, task.State)
}

func TestCoordinatorProgressBatching(t *testing.T) {
	sink := &captureSink{}
	c, _, spawner := newTestCoordinator(t, 1, sink)

	enqueueN(t, c, 1)
	c.Start()
	require.Eventually(t, func() bool { return spawner.launchCount() == 1 }, time.Second, 5*time.Millisecond)
	id := spawner.launchedIDs()[0]

	for i := 1; i <= 10; i++ {
		c.events <- workerEvent{taskID: id, kind: eventProgress, received: int64(i * 2048), total: 20480}
	}

	require.Eventually(t, func() bool {
		return len(sink.byType(types.EventProgress)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	// Ten rapid deltas coalesce into one latest-wins snapshot per flush.
	events := sink.byType(types.EventProgress)
	require.Len(t, events[0].Deltas, 1)
	assert.Equal(t, int64(20480), events[0].Deltas[0].ReceivedBytes)
	assert.Equal(t, int64(20480), events[0].Deltas[0].TotalBytes)
}

func TestCoordinatorEventsOnEnqueue(t *testing.T) {
	sink := &captureSink{}
	c, _, _ := newTestCoordinator(t, 1, sink)

	enqueueN(t, c, 3)

	added := sink.byType(types.EventDownloadsAdded)
	require.Len(t, added, 1)
	assert.Equal(t, 3, added[0].Count)

	lists := sink.byType(types.EventDownloadsList)
	require.NotEmpty(t, lists)
	assert.Len(t, lists[len(lists)-1].Tasks, 3)
}
