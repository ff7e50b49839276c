package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"sync"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/correlation"
	"pkt.systems/resvd/internal/loggingutil"
)

type outcome struct {
	result json.RawMessage
	err    error
}

type delivery struct {
	msg    Message
	seq    uint64
	done   chan outcome
	ctx    context.Context
	cancel context.CancelFunc
}

func (d *delivery) finish(result json.RawMessage, err error) {
	if d.done != nil {
		d.done <- outcome{result: result, err: err}
	}
}

type queueState struct {
	pending []*delivery
	busy    bool
}

type worker struct {
	name   string
	queues []string
	wake   chan struct{}
	stop   chan struct{}
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Local is an in-memory Broker.
type Local struct {
	logger pslog.Logger
	clock  clock.Clock

	mu       sync.Mutex
	queues   map[string]*queueState
	workers  map[string]*worker
	running  map[string]*delivery
	seq      uint64
	executor Executor
	started  bool
	closed   bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customises a Local broker.
type Option func(*Local)

// WithLogger sets the broker logger.
func WithLogger(logger pslog.Logger) Option {
	return func(b *Local) {
		b.logger = logger
	}
}

// WithClock sets the clock used to stamp EnqueuedAt.
func WithClock(clk clock.Clock) Option {
	return func(b *Local) {
		b.clock = clk
	}
}

// NewLocal returns an idle broker. Register workers with AddWorker and begin
// consuming with Start.
func NewLocal(opts ...Option) *Local {
	b := &Local{
		queues:  make(map[string]*queueState),
		workers: make(map[string]*worker),
		running: make(map[string]*delivery),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = loggingutil.WithSubsystem(b.logger, "broker.local")
	b.clock = clock.Ensure(b.clock)
	b.baseCtx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Start begins consuming with executor. Workers added later start
// immediately.
func (b *Local) Start(executor Executor) error {
	if executor == nil {
		return fmt.Errorf("broker: executor required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	if b.started {
		return fmt.Errorf("broker: already started")
	}
	b.executor = executor
	b.started = true
	for _, w := range b.workers {
		b.launchLocked(w)
	}
	return nil
}

// AddWorker registers a worker consuming queues. Adding an existing worker
// binds the extra queues to it.
func (b *Local) AddWorker(name string, queues ...string) error {
	if name == "" {
		return fmt.Errorf("broker: worker name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	w, ok := b.workers[name]
	if !ok {
		w = &worker{name: name, wake: make(chan struct{}, 1), stop: make(chan struct{})}
		b.workers[name] = w
		if b.started {
			b.launchLocked(w)
		}
		b.logger.Info("broker.worker.added", "worker", name, "queues", queues)
	}
	for _, queue := range queues {
		b.bindLocked(w, queue)
	}
	return nil
}

// RemoveWorker stops a worker. A message it is running completes first;
// pending messages stay queued.
func (b *Local) RemoveWorker(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[name]
	if !ok {
		return ErrUnknownWorker
	}
	delete(b.workers, name)
	close(w.stop)
	b.logger.Info("broker.worker.removed", "worker", name)
	return nil
}

func (b *Local) bindLocked(w *worker, queue string) {
	if queue == "" || slices.Contains(w.queues, queue) {
		return
	}
	w.queues = append(w.queues, queue)
	if _, ok := b.queues[queue]; !ok {
		b.queues[queue] = &queueState{}
	}
	w.signal()
}

func (b *Local) launchLocked(w *worker) {
	b.wg.Add(1)
	go b.consume(w)
}

// Enqueue implements Broker.
func (b *Local) Enqueue(ctx context.Context, msg Message) (Handle, error) {
	d, err := b.push(ctx, msg, false)
	if err != nil {
		return Handle{}, err
	}
	return Handle{TaskID: d.msg.ID, Queue: d.msg.Queue, DeliveryID: d.msg.DeliveryID}, nil
}

// Call implements Broker.
func (b *Local) Call(ctx context.Context, msg Message) (json.RawMessage, error) {
	d, err := b.push(ctx, msg, true)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-d.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Local) push(ctx context.Context, msg Message, wait bool) (*delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.Queue == "" {
		return nil, fmt.Errorf("broker: queue required")
	}
	if msg.Task == "" {
		return nil, fmt.Errorf("broker: task name required")
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = correlation.ID(ctx)
	}
	msg.DeliveryID = xid.New().String()
	msg.EnqueuedAt = b.clock.Now()
	d := &delivery{msg: msg}
	if wait {
		d.done = make(chan outcome, 1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	b.seq++
	d.seq = b.seq
	q, ok := b.queues[msg.Queue]
	if !ok {
		q = &queueState{}
		b.queues[msg.Queue] = q
	}
	q.pending = append(q.pending, d)
	for _, w := range b.workers {
		if slices.Contains(w.queues, msg.Queue) {
			w.signal()
		}
	}
	b.logger.Trace("broker.message.enqueued", "queue", msg.Queue, "task", msg.Task, "task_id", msg.ID, "delivery_id", msg.DeliveryID)
	return d, nil
}

// ActiveQueues implements Broker.
func (b *Local) ActiveQueues(ctx context.Context) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	out := make(map[string][]string, len(b.workers))
	for name, w := range b.workers {
		out[name] = slices.Clone(w.queues)
	}
	return out, nil
}

// AddConsumer implements Broker.
func (b *Local) AddConsumer(ctx context.Context, queue, worker string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if queue == "" {
		return fmt.Errorf("broker: queue required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	w, ok := b.workers[worker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, worker)
	}
	b.bindLocked(w, queue)
	b.logger.Info("broker.consumer.added", "worker", worker, "queue", queue)
	return nil
}

// Terminate implements Broker. Unknown or finished task ids are ignored.
func (b *Local) Terminate(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrUnavailable
	}
	if d, ok := b.running[taskID]; ok {
		d.cancel()
		b.mu.Unlock()
		b.logger.Info("broker.message.terminated", "task_id", taskID, "state", "running")
		return nil
	}
	var dropped []*delivery
	for _, q := range b.queues {
		q.pending = slices.DeleteFunc(q.pending, func(d *delivery) bool {
			if d.msg.ID == taskID {
				dropped = append(dropped, d)
				return true
			}
			return false
		})
	}
	b.mu.Unlock()
	for _, d := range dropped {
		d.finish(nil, ErrRevoked)
	}
	if len(dropped) > 0 {
		b.logger.Info("broker.message.terminated", "task_id", taskID, "state", "pending", "dropped", len(dropped))
	}
	return nil
}

// QueueDepth reports pending message counts per queue.
func (b *Local) QueueDepth() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.queues))
	for name, q := range b.queues {
		out[name] = len(q.pending)
	}
	return out
}

// Close stops every worker, waits for in-flight messages to observe
// cancellation and fails pending callers with ErrUnavailable.
func (b *Local) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var abandoned []*delivery
	for _, q := range b.queues {
		abandoned = append(abandoned, q.pending...)
		q.pending = nil
	}
	for name, w := range b.workers {
		close(w.stop)
		delete(b.workers, name)
	}
	b.mu.Unlock()
	b.cancel()
	for _, d := range abandoned {
		d.finish(nil, ErrUnavailable)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Local) consume(w *worker) {
	defer b.wg.Done()
	logger := b.logger.With("worker", w.name)
	logger.Debug("broker.worker.start")
	for {
		d, q := b.next(w)
		if d == nil {
			select {
			case <-w.wake:
				continue
			case <-w.stop:
				logger.Debug("broker.worker.stop")
				return
			}
		}
		b.run(logger, d, q)
	}
}

// next pops the oldest pending message across the worker's idle queues.
func (b *Local) next(w *worker) (*delivery, *queueState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-w.stop:
		return nil, nil
	default:
	}
	var (
		best      *delivery
		bestQueue *queueState
	)
	names := slices.Clone(w.queues)
	sort.Strings(names)
	for _, name := range names {
		q := b.queues[name]
		if q == nil || q.busy || len(q.pending) == 0 {
			continue
		}
		if head := q.pending[0]; best == nil || head.seq < best.seq {
			best, bestQueue = head, q
		}
	}
	if best == nil {
		return nil, nil
	}
	bestQueue.pending = bestQueue.pending[1:]
	bestQueue.busy = true
	best.ctx, best.cancel = context.WithCancel(correlation.With(b.baseCtx, best.msg.CorrelationID))
	if best.msg.ID != "" {
		b.running[best.msg.ID] = best
	}
	return best, bestQueue
}

func (b *Local) run(logger pslog.Logger, d *delivery, q *queueState) {
	logger = logger.With("queue", d.msg.Queue, "task", d.msg.Task, "task_id", d.msg.ID, "delivery_id", d.msg.DeliveryID)
	logger.Debug("broker.message.start")
	result, err := b.execute(d.ctx, b.executor, d.msg)
	d.cancel()
	if err != nil {
		logger.Debug("broker.message.failed", "error", err)
	} else {
		logger.Debug("broker.message.done")
	}

	b.mu.Lock()
	q.busy = false
	if cur, ok := b.running[d.msg.ID]; ok && cur == d {
		delete(b.running, d.msg.ID)
	}
	for _, other := range b.workers {
		if slices.Contains(other.queues, d.msg.Queue) {
			other.signal()
		}
	}
	b.mu.Unlock()
	d.finish(result, err)
}

func (b *Local) execute(ctx context.Context, executor Executor, msg Message) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker: task %s panicked: %v\n%s", msg.Task, r, debug.Stack())
		}
	}()
	return executor.Execute(ctx, msg)
}
