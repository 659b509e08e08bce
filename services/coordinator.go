package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sonata/config"
	"sonata/store"
	"sonata/types"
)

// progressFlushInterval bounds how often batched progress reaches observers
// and the database.
const progressFlushInterval = 500 * time.Millisecond

// EventSink receives coordinator events for fan-out to observers. Publish
// must not block.
type EventSink interface {
	Publish(ev types.Event)
}

// discardSink drops events; used when no observer hub is attached.
type discardSink struct{}

func (discardSink) Publish(types.Event) {}

// Coordinator owns the download queue: it mirrors the store in memory,
// schedules workers up to the concurrency limit and fans worker events out
// to observers. All scheduling decisions happen on a single loop goroutine;
// workers talk back exclusively through the events channel.
type Coordinator struct {
	store    *store.Store
	provider Provider
	tagger   TagWriter
	sink     EventSink
	logger   *slog.Logger

	mu          sync.Mutex
	settings    config.Settings
	tasks       map[int64]*types.DownloadTask
	order       []int64
	running     map[int64]context.CancelFunc
	concurrency int
	active      bool

	// fillCh is a single-slot nudge: any number of wake-up requests collapse
	// into at most one pending fill pass.
	fillCh  chan struct{}
	events  chan workerEvent
	pending map[int64]types.ProgressDelta
	quit    chan struct{}
	done    chan struct{}

	// spawn is swapped out in tests to observe scheduling without real I/O.
	spawn func(ctx context.Context, task types.DownloadTask)
}

// NewCoordinator wires the queue against its store and provider and starts
// the scheduling loop. Scheduling stays paused until Start is called.
func NewCoordinator(st *store.Store, provider Provider, tagger TagWriter, settings config.Settings, sink EventSink, logger *slog.Logger) *Coordinator {
	if sink == nil {
		sink = discardSink{}
	}
	concurrency := settings.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	c := &Coordinator{
		store:       st,
		provider:    provider,
		tagger:      tagger,
		sink:        sink,
		logger:      logger,
		settings:    settings,
		tasks:       make(map[int64]*types.DownloadTask),
		running:     make(map[int64]context.CancelFunc),
		concurrency: concurrency,
		fillCh:      make(chan struct{}, 1),
		events:      make(chan workerEvent, 256),
		pending:     make(map[int64]types.ProgressDelta),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.spawn = c.spawnWorker
	go c.loop()
	return c
}

// Load hydrates the in-memory mirror from the store. Rows interrupted by a
// previous process death come back as queued. Call once before Start.
func (c *Coordinator) Load(ctx context.Context) error {
	tasks, err := c.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range tasks {
		t := tasks[i]
		c.tasks[t.ID] = &t
		c.order = append(c.order, t.ID)
	}
	return nil
}

func (c *Coordinator) loop() {
	ticker := time.NewTicker(progressFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.fillCh:
			c.fill()
		case ev := <-c.events:
			c.handleWorkerEvent(ev)
		case <-ticker.C:
			c.flushProgress()
		case <-c.quit:
			close(c.done)
			return
		}
	}
}

// nudge requests a fill pass without ever blocking the caller.
func (c *Coordinator) nudge() {
	select {
	case c.fillCh <- struct{}{}:
	default:
	}
}

// fill launches workers for queued tasks in FIFO order until the concurrency
// limit is reached.
func (c *Coordinator) fill() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}
	for _, id := range c.order {
		if len(c.running) >= c.concurrency {
			break
		}
		task, ok := c.tasks[id]
		if !ok || task.State != types.StateQueued {
			continue
		}

		task.State = types.StateDownloading
		task.ErrorMessage = ""
		if err := c.store.UpdateState(context.Background(), id, types.StateDownloading, ""); err != nil {
			c.logger.Error("persist downloading state", "task", id, "error", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		c.running[id] = cancel
		c.spawn(ctx, *task)
		c.publishStateLocked(task)
	}
}

func (c *Coordinator) spawnWorker(ctx context.Context, task types.DownloadTask) {
	w := newWorker(task, c.provider, c.tagger, c.settings, c.logger)
	go w.run(ctx, c.events)
}

func (c *Coordinator) handleWorkerEvent(ev workerEvent) {
	switch ev.kind {
	case eventProgress:
		c.mu.Lock()
		if task, ok := c.tasks[ev.taskID]; ok {
			task.ReceivedBytes = ev.received
			task.TotalBytes = ev.total
		}
		c.mu.Unlock()
		c.pending[ev.taskID] = types.ProgressDelta{
			ID:            ev.taskID,
			ReceivedBytes: ev.received,
			TotalBytes:    ev.total,
		}

	case eventPostProcessing:
		c.mu.Lock()
		task, ok := c.tasks[ev.taskID]
		if ok {
			task.State = types.StatePostProcessing
		}
		if err := c.store.UpdateState(context.Background(), ev.taskID, types.StatePostProcessing, ""); err != nil {
			c.logger.Error("persist post_processing state", "task", ev.taskID, "error", err)
		}
		if ok {
			c.publishStateLocked(task)
		}
		c.mu.Unlock()

	case eventTerminal:
		c.flushProgress()
		c.mu.Lock()
		c.releaseLocked(ev.taskID)
		task, ok := c.tasks[ev.taskID]
		if ok {
			task.State = ev.state
			task.ErrorMessage = ev.errMsg
			task.FinalPath = ev.finalPath
		}
		if err := c.store.UpdateState(context.Background(), ev.taskID, ev.state, ev.errMsg); err != nil {
			c.logger.Error("persist terminal state", "task", ev.taskID, "error", err)
		}
		if ev.state == types.StateDone && ev.finalPath != "" {
			if err := c.store.SetFinalPath(context.Background(), ev.taskID, ev.finalPath); err != nil {
				c.logger.Error("persist final path", "task", ev.taskID, "error", err)
			}
		}
		if ok {
			c.publishStateLocked(task)
			snapshot := *task
			c.mu.Unlock()
			c.publishOutcome(snapshot)
		} else {
			c.mu.Unlock()
		}
		c.nudge()

	case eventCancelled:
		c.mu.Lock()
		c.releaseLocked(ev.taskID)
		task, ok := c.tasks[ev.taskID]
		if ok {
			task.State = types.StateQueued
			task.DownloadedBytes = ev.checkpoint
			task.ReceivedBytes = ev.checkpoint
		}
		if err := c.store.SetCheckpoint(context.Background(), ev.taskID, ev.checkpoint); err != nil {
			c.logger.Error("persist checkpoint", "task", ev.taskID, "error", err)
		}
		if ok {
			c.publishStateLocked(task)
		}
		c.mu.Unlock()
		c.nudge()
	}
}

func (c *Coordinator) releaseLocked(id int64) {
	if cancel, ok := c.running[id]; ok {
		cancel()
		delete(c.running, id)
	}
	delete(c.pending, id)
}

// flushProgress persists and broadcasts all deltas accumulated since the
// last tick as one batched event.
func (c *Coordinator) flushProgress() {
	if len(c.pending) == 0 {
		return
	}
	deltas := make([]types.ProgressDelta, 0, len(c.pending))
	for id, d := range c.pending {
		deltas = append(deltas, d)
		if err := c.store.SetProgress(context.Background(), id, d.ReceivedBytes, d.TotalBytes); err != nil {
			c.logger.Error("persist progress", "task", id, "error", err)
		}
	}
	clear(c.pending)
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].ID < deltas[j].ID })

	c.sink.Publish(types.Event{
		Type:      types.EventProgress,
		Deltas:    deltas,
		Timestamp: time.Now(),
	})
}

func (c *Coordinator) countsLocked() (queued, active int) {
	for _, t := range c.tasks {
		switch {
		case t.State == types.StateQueued:
			queued++
		case t.State.IsActive():
			active++
		}
	}
	return queued, active
}

// publishStateLocked emits a stateChange event for one task along with the
// current scheduler counts. Callers hold c.mu.
func (c *Coordinator) publishStateLocked(task *types.DownloadTask) {
	queued, active := c.countsLocked()
	c.sink.Publish(types.Event{
		Type:        types.EventStateChange,
		Running:     c.active,
		QueuedCount: queued,
		ActiveCount: active,
		ID:          task.ID,
		ContentID:   task.ContentID,
		State:       task.State,
		Timestamp:   time.Now(),
	})
}

func (c *Coordinator) publishOutcome(task types.DownloadTask) {
	evType := types.EventDownloadComplete
	if task.State != types.StateDone {
		evType = types.EventDownloadError
	}
	c.sink.Publish(types.Event{
		Type:      evType,
		ID:        task.ID,
		ContentID: task.ContentID,
		State:     task.State,
		Tasks:     []types.DownloadTask{task},
		Timestamp: time.Now(),
	})
}

func (c *Coordinator) publishList() {
	c.sink.Publish(types.Event{
		Type:      types.EventDownloadsList,
		Tasks:     c.Snapshot(),
		Timestamp: time.Now(),
	})
}

// Start enables scheduling. Idempotent.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	queued, active := c.countsLocked()
	c.mu.Unlock()

	c.sink.Publish(types.Event{
		Type:        types.EventStateChange,
		Running:     true,
		QueuedCount: queued,
		ActiveCount: active,
		Timestamp:   time.Now(),
	})
	c.nudge()
}

// Stop pauses scheduling and cancels every in-flight worker. Cancelled tasks
// checkpoint their progress and return to queued, ready for a later Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	for _, cancel := range c.running {
		cancel()
	}
	queued, active := c.countsLocked()
	c.mu.Unlock()

	c.sink.Publish(types.Event{
		Type:        types.EventStateChange,
		Running:     false,
		QueuedCount: queued,
		ActiveCount: active,
		Timestamp:   time.Now(),
	})
}

// Running reports whether scheduling is enabled.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ActiveCount reports how many workers currently own a task.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// AddTasks enqueues a batch and returns how many entries actually landed in
// the queue. Duplicates of live tasks are skipped silently.
func (c *Coordinator) AddTasks(ctx context.Context, reqs []types.NewTaskRequest) (int, error) {
	accepted := 0
	for _, req := range reqs {
		if req.ContentID == "" || req.Path == "" {
			continue
		}
		result, task, err := c.store.Upsert(ctx, req)
		if err != nil {
			return accepted, err
		}
		if result == store.UpsertSkipped {
			continue
		}
		c.mu.Lock()
		if _, known := c.tasks[task.ID]; !known {
			c.order = append(c.order, task.ID)
		}
		t := *task
		c.tasks[task.ID] = &t
		c.mu.Unlock()
		accepted++
	}

	if accepted > 0 {
		c.sink.Publish(types.Event{
			Type:      types.EventDownloadsAdded,
			Count:     accepted,
			Timestamp: time.Now(),
		})
		c.publishList()
		c.nudge()
	}
	return accepted, nil
}

// RemoveTask deletes one task. Actively downloading tasks must be stopped
// first; store.ErrTaskActive is returned for those.
func (c *Coordinator) RemoveTask(ctx context.Context, id int64) error {
	c.mu.Lock()
	if task, ok := c.tasks[id]; ok && task.State.IsActive() {
		c.mu.Unlock()
		return store.ErrTaskActive
	}
	c.mu.Unlock()

	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.tasks, id)
	c.dropFromOrderLocked(id)
	c.mu.Unlock()

	c.publishList()
	return nil
}

// RemoveByState bulk-removes every task in one non-active state.
func (c *Coordinator) RemoveByState(ctx context.Context, state types.TaskState) (int64, error) {
	removed, err := c.store.DeleteByState(ctx, state)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	for id, task := range c.tasks {
		if task.State == state {
			delete(c.tasks, id)
			c.dropFromOrderLocked(id)
		}
	}
	c.mu.Unlock()

	c.publishList()
	return removed, nil
}

func (c *Coordinator) dropFromOrderLocked(id int64) {
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// RetryFailed returns every failed task, upstream and local alike, to the
// queue.
func (c *Coordinator) RetryFailed(ctx context.Context) (int64, error) {
	retried, err := c.store.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	for _, task := range c.tasks {
		if task.State == types.StateError || task.State == types.StateUpstreamError {
			task.State = types.StateQueued
			task.ErrorMessage = ""
		}
	}
	c.mu.Unlock()

	c.publishList()
	c.nudge()
	return retried, nil
}

// SetConcurrency adjusts the worker limit. Raising it takes effect on the
// next fill pass; lowering it lets excess workers drain naturally.
func (c *Coordinator) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	c.concurrency = n
	c.settings.Concurrency = n
	c.mu.Unlock()
	c.nudge()
}

// Snapshot returns a copy of every task in insertion order.
func (c *Coordinator) Snapshot() []types.DownloadTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.DownloadTask, 0, len(c.order))
	for _, id := range c.order {
		if task, ok := c.tasks[id]; ok {
			out = append(out, *task)
		}
	}
	return out
}

// PublishList broadcasts the current queue snapshot, used when a new
// observer connects.
func (c *Coordinator) PublishList() {
	c.publishList()
}

// Shutdown stops scheduling, waits for in-flight workers to checkpoint and
// then terminates the loop. The store stays open; the caller closes it.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Stop()

	poll := time.NewTicker(25 * time.Millisecond)
	defer poll.Stop()
	for {
		if c.ActiveCount() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			close(c.quit)
			<-c.done
			return ctx.Err()
		case <-poll.C:
		}
	}

	close(c.quit)
	<-c.done
	return nil
}
