// Package tasks dispatches registered task bodies onto broker queues and
// records their status. DispatchWithReservation routes a task to the queue its
// resource is pinned to and schedules the matching release behind it.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/resvd/internal/broker"
	"pkt.systems/resvd/internal/clock"
	"pkt.systems/resvd/internal/loggingutil"
	"pkt.systems/resvd/internal/taskstatus"
	"pkt.systems/resvd/internal/uuidv7"
)

// Coordination task names. They run on the coordination queue (or, for
// queue_release_resource, on the reserved queue) without status tracking.
const (
	TaskReserveResource      = "resvd.reserve_resource"
	TaskReleaseResource      = "resvd.release_resource"
	TaskQueueReleaseResource = "resvd.queue_release_resource"
	TaskDeleteQueue          = "resvd.delete_queue"
)

const (
	// DefaultCoordinationQueue serialises reservation bookkeeping.
	DefaultCoordinationQueue = "resource_manager"
	// DefaultQueue receives tasks dispatched without a reservation.
	DefaultQueue = "default"
)

var (
	// ErrTaskComplete is returned when cancelling a task that already finished.
	ErrTaskComplete = errors.New("tasks: task already complete")
	// ErrUnknownTask is returned for task names missing from the registry.
	ErrUnknownTask = errors.New("tasks: unknown task")
	// ErrCoordinationQueue is returned when a plain dispatch targets the
	// coordination queue.
	ErrCoordinationQueue = errors.New("tasks: coordination queue is reserved for bookkeeping")
)

func isCoordination(name string) bool {
	return strings.HasPrefix(name, "resvd.")
}

// Reserver is the reservation bookkeeping the wrapper routes through the
// coordination queue.
type Reserver interface {
	Reserve(ctx context.Context, resource string) (string, error)
	Release(ctx context.Context, resource string) error
	DeleteQueue(ctx context.Context, queue string) error
}

// ResourceName joins a resource type and id into the reserved name.
func ResourceName(resourceType, resourceID string) string {
	return resourceType + ":" + resourceID
}

// AsyncResult describes a dispatched task.
type AsyncResult struct {
	TaskID   string
	Task     string
	Queue    string
	Resource string
}

// Wrapper dispatches and executes tracked tasks.
type Wrapper struct {
	broker       broker.Broker
	statuses     *taskstatus.Store
	reservations Reserver
	registry     *Registry
	logger       pslog.Logger
	clock        clock.Clock
	metrics      *metrics

	coordinationQueue string
	defaultQueue      string
}

// Option customises a Wrapper.
type Option func(*Wrapper)

// WithLogger sets the wrapper logger.
func WithLogger(logger pslog.Logger) Option {
	return func(w *Wrapper) {
		w.logger = logger
	}
}

// WithClock sets the clock used for status timestamps.
func WithClock(clk clock.Clock) Option {
	return func(w *Wrapper) {
		w.clock = clk
	}
}

// WithCoordinationQueue overrides the queue reservation bookkeeping runs on.
func WithCoordinationQueue(queue string) Option {
	return func(w *Wrapper) {
		if queue != "" {
			w.coordinationQueue = queue
		}
	}
}

// WithDefaultQueue overrides the queue used by Dispatch when none is given.
func WithDefaultQueue(queue string) Option {
	return func(w *Wrapper) {
		if queue != "" {
			w.defaultQueue = queue
		}
	}
}

// New builds a Wrapper.
func New(b broker.Broker, statuses *taskstatus.Store, reservations Reserver, registry *Registry, opts ...Option) *Wrapper {
	w := &Wrapper{
		broker:            b,
		statuses:          statuses,
		reservations:      reservations,
		registry:          registry,
		coordinationQueue: DefaultCoordinationQueue,
		defaultQueue:      DefaultQueue,
	}
	if w.registry == nil {
		w.registry = NewRegistry()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = loggingutil.WithSubsystem(w.logger, "tasks.wrapper")
	w.clock = clock.Ensure(w.clock)
	w.metrics = newMetrics(w.logger)
	return w
}

// Registry returns the task registry.
func (w *Wrapper) Registry() *Registry {
	return w.registry
}

// CoordinationQueue returns the queue reservation bookkeeping runs on.
func (w *Wrapper) CoordinationQueue() string {
	return w.coordinationQueue
}

// DispatchOption customises a single dispatch.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	taskID string
	queue  string
	tags   []string
}

// WithTags attaches tags to the task status.
func WithTags(tags ...string) DispatchOption {
	return func(o *dispatchOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// WithTaskID sets the task id instead of generating one.
func WithTaskID(id string) DispatchOption {
	return func(o *dispatchOptions) {
		o.taskID = id
	}
}

// OnQueue routes a plain Dispatch to queue. It is ignored by
// DispatchWithReservation.
func OnQueue(queue string) DispatchOption {
	return func(o *dispatchOptions) {
		o.queue = queue
	}
}

func collect(opts []DispatchOption) dispatchOptions {
	var o dispatchOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.taskID == "" {
		o.taskID = uuidv7.NewString()
	}
	return o
}

type resourceArgs struct {
	Resource string `json:"resource"`
}

type reserveResult struct {
	Queue string `json:"queue"`
}

type queueArgs struct {
	Queue string `json:"queue"`
}

// DispatchWithReservation reserves resourceType:resourceID, dispatches task on
// the queue the resource is pinned to and schedules the release to run after
// it. Reservation failures, including reservation.ErrNoAvailableQueues, are
// returned and nothing is dispatched.
func (w *Wrapper) DispatchWithReservation(ctx context.Context, resourceType, resourceID, task string, args any, opts ...DispatchOption) (AsyncResult, error) {
	if _, ok := w.registry.Lookup(task); !ok {
		return AsyncResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	payload, err := encodeArgs(args)
	if err != nil {
		return AsyncResult{}, err
	}
	o := collect(opts)
	resource := ResourceName(resourceType, resourceID)
	logger := w.logger.With("task", task, "task_id", o.taskID, "resource", resource)

	queue, err := w.reserve(ctx, resource)
	if err != nil {
		logger.Warn("tasks.dispatch.reserve_failed", "error", err)
		return AsyncResult{}, err
	}
	result := AsyncResult{TaskID: o.taskID, Task: task, Queue: queue, Resource: resource}

	// Once reserved, the body and its release must both be queued or the
	// reservation given back, whatever happens to the caller.
	ctx = context.WithoutCancel(ctx)
	if err := w.enqueueTracked(ctx, o, task, queue, payload); err != nil {
		logger.Warn("tasks.dispatch.enqueue_failed", "queue", queue, "error", err)
		w.releaseNow(ctx, resource)
		return AsyncResult{}, err
	}
	if _, err := w.broker.Enqueue(ctx, w.coordination(TaskQueueReleaseResource, queue, mustJSON(resourceArgs{Resource: resource}))); err != nil {
		// The body is queued; fall back to releasing through the coordination
		// queue so the reservation does not leak.
		logger.Warn("tasks.dispatch.schedule_release_failed", "queue", queue, "error", err)
		w.releaseNow(ctx, resource)
	}
	logger.Info("tasks.dispatch.reserved", "queue", queue)
	return result, nil
}

// reserve runs reserve_resource on the coordination queue. The message cannot
// be withdrawn once queued, so when ctx ends first the reservation it makes is
// handed back through release_resource as soon as it lands.
func (w *Wrapper) reserve(ctx context.Context, resource string) (string, error) {
	type reply struct {
		raw json.RawMessage
		err error
	}
	done := make(chan reply, 1)
	go func() {
		raw, err := w.call(context.WithoutCancel(ctx), TaskReserveResource, resourceArgs{Resource: resource})
		done <- reply{raw: raw, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return "", r.err
		}
		return decodeReserved(r.raw)
	case <-ctx.Done():
		go func() {
			r := <-done
			if r.err != nil {
				return
			}
			queue, err := decodeReserved(r.raw)
			if err != nil {
				w.logger.Error("tasks.reserve.abandoned_decode_failed", "resource", resource, "error", err)
				return
			}
			w.logger.Info("tasks.reserve.abandoned", "resource", resource, "queue", queue)
			w.releaseNow(ctx, resource)
		}()
		return "", ctx.Err()
	}
}

func decodeReserved(raw json.RawMessage) (string, error) {
	var reserved reserveResult
	if err := json.Unmarshal(raw, &reserved); err != nil || reserved.Queue == "" {
		return "", fmt.Errorf("tasks: decode reserve result %q: %v", raw, err)
	}
	return reserved.Queue, nil
}

// Dispatch enqueues task without a reservation, on the default queue unless
// OnQueue is given.
func (w *Wrapper) Dispatch(ctx context.Context, task string, args any, opts ...DispatchOption) (AsyncResult, error) {
	if _, ok := w.registry.Lookup(task); !ok {
		return AsyncResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	payload, err := encodeArgs(args)
	if err != nil {
		return AsyncResult{}, err
	}
	o := collect(opts)
	queue := o.queue
	if queue == "" {
		queue = w.defaultQueue
	}
	if queue == w.coordinationQueue {
		return AsyncResult{}, fmt.Errorf("%w: %s", ErrCoordinationQueue, queue)
	}
	if err := w.enqueueTracked(ctx, o, task, queue, payload); err != nil {
		return AsyncResult{}, err
	}
	w.logger.Info("tasks.dispatch.queued", "task", task, "task_id", o.taskID, "queue", queue)
	return AsyncResult{TaskID: o.taskID, Task: task, Queue: queue}, nil
}

// enqueueTracked records the waiting status and then enqueues the body, so a
// worker never picks up a task without a status record.
func (w *Wrapper) enqueueTracked(ctx context.Context, o dispatchOptions, task, queue string, payload json.RawMessage) error {
	if _, err := w.statuses.Create(ctx, taskstatus.NewRecord{
		TaskID: o.taskID,
		Task:   task,
		Queue:  queue,
		Tags:   o.tags,
		State:  taskstatus.Waiting,
	}); err != nil {
		return fmt.Errorf("tasks: create status: %w", err)
	}
	_, err := w.broker.Enqueue(ctx, broker.Message{ID: o.taskID, Task: task, Args: payload, Queue: queue})
	if err == nil {
		return nil
	}
	now := w.clock.Now()
	traceback := "enqueue failed: " + err.Error()
	if _, uerr := w.statuses.Update(context.WithoutCancel(ctx), o.taskID, taskstatus.Delta{
		State:      taskstatus.Error,
		FinishTime: &now,
		Traceback:  &traceback,
	}); uerr != nil {
		w.logger.Warn("tasks.status.update_failed", "task_id", o.taskID, "error", uerr)
	}
	return fmt.Errorf("tasks: enqueue %s on %s: %w", task, queue, err)
}

// Cancel terminates a waiting or running task and marks it canceled. The
// reservation it ran under is still released by its scheduled release.
func (w *Wrapper) Cancel(ctx context.Context, taskID string) error {
	status, err := w.statuses.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if status.State.Complete() {
		return ErrTaskComplete
	}
	now := w.clock.Now()
	if _, err := w.statuses.Update(ctx, taskID, taskstatus.Delta{State: taskstatus.Canceled, FinishTime: &now}); err != nil {
		if errors.Is(err, taskstatus.ErrInvalidTransition) {
			return ErrTaskComplete
		}
		return err
	}
	// Marked first so a body failing from the termination cannot win the
	// final state.
	if err := w.broker.Terminate(ctx, taskID); err != nil {
		return fmt.Errorf("tasks: terminate %s: %w", taskID, err)
	}
	w.logger.Info("tasks.cancel.done", "task_id", taskID, "queue", status.Queue)
	return nil
}

// AbandonIncomplete moves every waiting or running task to error with reason
// as its traceback. It is meant for startup, when no message for those tasks
// can still be queued.
func (w *Wrapper) AbandonIncomplete(ctx context.Context, reason string) (int, error) {
	incomplete, err := w.statuses.List(ctx, taskstatus.Filter{
		States: []taskstatus.State{taskstatus.Waiting, taskstatus.Running},
	})
	if err != nil {
		return 0, fmt.Errorf("tasks: list incomplete: %w", err)
	}
	abandoned := 0
	for _, status := range incomplete {
		now := w.clock.Now()
		traceback := reason
		_, err := w.statuses.Update(ctx, status.TaskID, taskstatus.Delta{
			State:      taskstatus.Error,
			FinishTime: &now,
			Traceback:  &traceback,
		})
		if errors.Is(err, taskstatus.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return abandoned, fmt.Errorf("tasks: abandon %s: %w", status.TaskID, err)
		}
		abandoned++
	}
	if abandoned > 0 {
		w.logger.Warn("tasks.abandon.done", "tasks", abandoned, "reason", reason)
	}
	return abandoned, nil
}

// DeleteQueue cancels every incomplete task recorded on queue and drops the
// queue's reservations and load record, serialised on the coordination queue.
func (w *Wrapper) DeleteQueue(ctx context.Context, queue string) error {
	_, err := w.call(ctx, TaskDeleteQueue, queueArgs{Queue: queue})
	return err
}

func (w *Wrapper) call(ctx context.Context, task string, args any) (json.RawMessage, error) {
	return w.broker.Call(ctx, w.coordination(task, w.coordinationQueue, mustJSON(args)))
}

func (w *Wrapper) coordination(task, queue string, args json.RawMessage) broker.Message {
	return broker.Message{ID: uuidv7.NewString(), Task: task, Args: args, Queue: queue}
}

func (w *Wrapper) releaseNow(ctx context.Context, resource string) {
	msg := w.coordination(TaskReleaseResource, w.coordinationQueue, mustJSON(resourceArgs{Resource: resource}))
	if _, err := w.broker.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		w.logger.Error("tasks.release.enqueue_failed", "resource", resource, "error", err)
	}
}

func encodeArgs(args any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("tasks: encode args: %w", err)
	}
	return payload, nil
}

func mustJSON(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("tasks: encode %T: %v", v, err))
	}
	return payload
}
