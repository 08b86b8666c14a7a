package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/orbit/internal/observability"
	"github.com/harun/orbit/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrLaneCleared is returned to tasks dropped by ClearLane
	ErrLaneCleared = errors.New("lane cleared")
	// ErrLaneReset is returned to tasks dropped by ResetLane
	ErrLaneReset = errors.New("lane reset")
	// ErrClosed is returned by Enqueue after Close
	ErrClosed = errors.New("command queue closed")
)

// Task is a unit of work executed in a lane
type Task func(ctx context.Context) error

// TaskOptions tunes a single enqueue
type TaskOptions struct {
	// WarnAfter logs a warning when the task is still queued after this long
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// EventType names queue events
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
)

// Event is emitted synchronously to registered handlers
type Event struct {
	Type     EventType
	Lane     string
	TaskID   string
	Queued   int
	Duration time.Duration
	Err      error
}

// EventHandler receives queue events
type EventHandler func(event Event)

// Config configures a CommandQueue
type Config struct {
	// Lanes fixes the concurrency of named lanes. Other lanes are created on
	// demand with concurrency 1 and dropped again once idle.
	Lanes  map[string]int
	Logger *zerolog.Logger
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan error
}

type laneState struct {
	generation  int
	concurrency int
	pinned      bool
	queue       []*taskRecord
	running     int
}

// CommandQueue runs tasks in named lanes. Tasks in one lane run in FIFO order
// up to the lane's concurrency; different lanes run independently.
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	eventMu       sync.RWMutex
	eventHandlers map[EventType][]EventHandler
}

// SessionLane returns the lane that serializes work for one session
func SessionLane(sessionID string) string {
	return "session-" + sessionID
}

// New creates a CommandQueue
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With().Str("component", "commandqueue").Logger(),
		eventHandlers: make(map[EventType][]EventHandler),
	}

	for lane, concurrency := range cfg.Lanes {
		if concurrency < 1 {
			concurrency = 1
		}
		cq.lanes[lane] = &laneState{concurrency: concurrency, pinned: true}
	}

	return cq
}

// laneLocked returns the lane state, creating an on-demand lane. cq.mu must be held.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[lane] = ls
		cq.logger.Debug().Str("lane", lane).Msg("Lane created")
	}
	return ls
}

// Enqueue adds task to lane and blocks until it has run. If ctx ends while the
// task is still queued, the task is dropped and ctx.Err() returned.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) error {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "commandqueue.enqueue",
		attribute.String("lane", lane))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, cq.logger)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return ErrClosed
	}
	ls := cq.laneLocked(lane)
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan error, 1),
	}
	ls.queue = append(ls.queue, record)
	queued := len(ls.queue)
	cq.mu.Unlock()

	logger.Debug().Str("lane", lane).Str("taskId", record.id).Int("queueSize", queued).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queued)
	cq.emit(Event{Type: EventEnqueued, Lane: lane, TaskID: record.id, Queued: queued})

	if opts.WarnAfter > 0 {
		go cq.warnIfWaiting(record, lane)
	}

	cq.processLane(lane)

	select {
	case err := <-record.result:
		if err != nil {
			tracing.RecordError(span, err)
		}
		return err
	case <-ctx.Done():
		if cq.dequeue(lane, record) {
			return ctx.Err()
		}
		// Already running; the task sees the same ctx and will return shortly
		err := <-record.result
		if err != nil {
			tracing.RecordError(span, err)
		}
		return err
	}
}

// dequeue removes a still-queued record and reports whether it was found
func (cq *CommandQueue) dequeue(lane string, record *taskRecord) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			observability.SetQueueSize(lane, len(ls.queue))
			cq.dropIdleLocked(lane, ls)
			return true
		}
	}
	return false
}

// processLane starts queued tasks while the lane has capacity
func (cq *CommandQueue) processLane(lane string) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return
	}

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- ErrLaneReset
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(record.ctx, tracing.TracerQueue, "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, cq.logger)

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	err := cq.run(runCtx, record.task)
	duration := time.Since(start)

	cq.mu.Lock()
	ls := cq.lanes[lane]
	ls.running--
	queued := len(ls.queue)
	cq.dropIdleLocked(lane, ls)
	cq.mu.Unlock()

	record.result <- err

	if err != nil {
		tracing.RecordError(span, err)
		logger.Error().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queued)
	cq.emit(Event{Type: EventCompleted, Lane: lane, TaskID: record.id, Queued: queued, Duration: duration, Err: err})

	cq.processLane(lane)
}

// run executes task, converting a panic into an error
func (cq *CommandQueue) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// dropIdleLocked forgets on-demand lanes with nothing queued or running
func (cq *CommandQueue) dropIdleLocked(lane string, ls *laneState) {
	if !ls.pinned && ls.running == 0 && len(ls.queue) == 0 {
		delete(cq.lanes, lane)
	}
}

func (cq *CommandQueue) warnIfWaiting(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	queuePos := -1
	cq.mu.Lock()
	if ls, ok := cq.lanes[lane]; ok {
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
	}
	cq.mu.Unlock()

	if queuePos < 0 {
		return
	}
	wait := time.Since(record.enqueuedAt)
	cq.logger.Warn().Str("lane", lane).Str("taskId", record.id).Dur("wait", wait).Int("queuePos", queuePos).Msg("Task waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(wait, queuePos)
	}
}

// QueueSize returns the number of waiting tasks in lane
func (cq *CommandQueue) QueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// RunningCount returns the number of executing tasks in lane
func (cq *CommandQueue) RunningCount(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		return ls.running
	}
	return 0
}

// LaneStats describes one lane
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Stats returns a snapshot of every known lane
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = LaneStats{Queued: len(ls.queue), Running: ls.running, Concurrency: ls.concurrency}
	}
	return stats
}

// ClearLane rejects every queued task in lane and returns how many were dropped
func (cq *CommandQueue) ClearLane(lane string) int {
	return cq.drain(lane, ErrLaneCleared, false)
}

// ResetLane bumps the lane generation and rejects its queued tasks
func (cq *CommandQueue) ResetLane(lane string) {
	cq.drain(lane, ErrLaneReset, true)
}

func (cq *CommandQueue) drain(lane string, reason error, bump bool) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return 0
	}
	if bump {
		ls.generation++
	}

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- reason
	}
	ls.queue = nil
	cq.dropIdleLocked(lane, ls)

	cq.logger.Info().Str("lane", lane).Int("dropped", count).Str("reason", reason.Error()).Msg("Lane drained")
	observability.SetQueueSize(lane, 0)
	return count
}

// SetConcurrency changes the concurrency of lane and pins it
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	cq.mu.Lock()
	ls := cq.laneLocked(lane)
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.pinned = true
	cq.mu.Unlock()

	cq.logger.Info().Str("lane", lane).Int("oldMax", old).Int("newMax", concurrency).Msg("Lane concurrency updated")
	if concurrency > old {
		cq.processLane(lane)
	}
}

// WaitForActive blocks until no task is running or ctx ends
func (cq *CommandQueue) WaitForActive(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cq.activeCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (cq *CommandQueue) activeCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	n := 0
	for _, ls := range cq.lanes {
		n += ls.running
	}
	return n
}

// Close cancels running tasks, rejects queued ones and waits for workers to exit
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for lane, ls := range cq.lanes {
		for _, record := range ls.queue {
			record.result <- ErrClosed
		}
		ls.queue = nil
		observability.SetQueueSize(lane, 0)
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers a handler for eventType
func (cq *CommandQueue) On(eventType EventType, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes every handler for eventType
func (cq *CommandQueue) Off(eventType EventType) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
