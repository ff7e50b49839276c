package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/resvd/internal/broker"
	"pkt.systems/resvd/internal/taskstatus"
)

type taskContextKey struct{}

type taskContext struct {
	id      string
	wrapper *Wrapper
}

// TaskID returns the id of the tracked task executing under ctx.
func TaskID(ctx context.Context) string {
	if tc, ok := ctx.Value(taskContextKey{}).(taskContext); ok {
		return tc.id
	}
	return ""
}

// ReportProgress stores v as the progress of the task executing under ctx.
func ReportProgress(ctx context.Context, v any) error {
	tc, ok := ctx.Value(taskContextKey{}).(taskContext)
	if !ok {
		return fmt.Errorf("tasks: no task in context")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tasks: encode progress: %w", err)
	}
	_, err = tc.wrapper.statuses.Update(ctx, tc.id, taskstatus.Delta{Progress: payload})
	return err
}

// Execute runs a delivered message. It is the broker.Executor for every
// worker.
func (w *Wrapper) Execute(ctx context.Context, msg broker.Message) (json.RawMessage, error) {
	switch msg.Task {
	case TaskReserveResource:
		var args resourceArgs
		if err := json.Unmarshal(msg.Args, &args); err != nil {
			return nil, fmt.Errorf("tasks: decode %s args: %w", msg.Task, err)
		}
		queue, err := w.reservations.Reserve(ctx, args.Resource)
		if err != nil {
			return nil, err
		}
		return mustJSON(reserveResult{Queue: queue}), nil
	case TaskReleaseResource:
		var args resourceArgs
		if err := json.Unmarshal(msg.Args, &args); err != nil {
			w.logger.Error("tasks.release.decode_failed", "error", err)
			return nil, nil
		}
		if err := w.reservations.Release(ctx, args.Resource); err != nil {
			w.logger.Error("tasks.release.failed", "resource", args.Resource, "error", err)
		}
		return nil, nil
	case TaskQueueReleaseResource:
		w.logger.Debug("tasks.release.schedule", "queue", msg.Queue)
		release := w.coordination(TaskReleaseResource, w.coordinationQueue, msg.Args)
		if _, err := w.broker.Enqueue(context.WithoutCancel(ctx), release); err != nil {
			w.logger.Error("tasks.release.enqueue_failed", "queue", msg.Queue, "error", err)
		}
		return nil, nil
	case TaskDeleteQueue:
		var args queueArgs
		if err := json.Unmarshal(msg.Args, &args); err != nil {
			return nil, fmt.Errorf("tasks: decode %s args: %w", msg.Task, err)
		}
		return nil, w.deleteQueue(ctx, args.Queue)
	}
	return w.executeTracked(ctx, msg)
}

func (w *Wrapper) deleteQueue(ctx context.Context, queue string) error {
	incomplete, err := w.statuses.List(ctx, taskstatus.Filter{
		Queue:  queue,
		States: []taskstatus.State{taskstatus.Waiting, taskstatus.Running},
	})
	if err != nil {
		return fmt.Errorf("tasks: list tasks on %s: %w", queue, err)
	}
	for _, status := range incomplete {
		if err := w.Cancel(ctx, status.TaskID); err != nil && !errors.Is(err, ErrTaskComplete) {
			w.logger.Warn("tasks.delete_queue.cancel_failed", "queue", queue, "task_id", status.TaskID, "error", err)
		}
	}
	if err := w.reservations.DeleteQueue(ctx, queue); err != nil {
		return err
	}
	w.logger.Info("tasks.delete_queue.done", "queue", queue, "canceled", len(incomplete))
	return nil
}

func (w *Wrapper) executeTracked(ctx context.Context, msg broker.Message) (json.RawMessage, error) {
	logger := w.logger.With("task", msg.Task, "task_id", msg.ID, "queue", msg.Queue)
	// Status writes must land even after Terminate cancels ctx.
	statusCtx := context.WithoutCancel(ctx)
	tracked := true

	status, err := w.statuses.Get(statusCtx, msg.ID)
	switch {
	case errors.Is(err, taskstatus.ErrMissingResource):
		logger.Warn("tasks.execute.untracked")
		tracked = false
	case err != nil:
		return nil, fmt.Errorf("tasks: load status %s: %w", msg.ID, err)
	case status.State == taskstatus.Canceled:
		logger.Info("tasks.execute.skipped_canceled")
		w.metrics.recordExecute(ctx, msg.Task, "skipped", 0)
		return nil, nil
	case status.State.Complete():
		logger.Warn("tasks.execute.skipped_complete", "state", status.State)
		return nil, nil
	}

	fn, ok := w.registry.Lookup(msg.Task)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownTask, msg.Task)
		if tracked {
			w.fail(statusCtx, logger, msg.ID, err.Error())
		}
		return nil, err
	}

	begin := w.clock.Now()
	if tracked {
		if _, err := w.statuses.Update(statusCtx, msg.ID, taskstatus.Delta{State: taskstatus.Running, StartTime: &begin}); err != nil {
			if errors.Is(err, taskstatus.ErrInvalidTransition) {
				logger.Info("tasks.execute.skipped_canceled")
				return nil, nil
			}
			return nil, fmt.Errorf("tasks: mark %s running: %w", msg.ID, err)
		}
	}
	logger.Debug("tasks.execute.start")

	runCtx := context.WithValue(ctx, taskContextKey{}, taskContext{id: msg.ID, wrapper: w})
	value, traceback, runErr := invoke(runCtx, fn, msg.Args)
	var result json.RawMessage
	if runErr == nil && value != nil {
		result, runErr = json.Marshal(value)
		if runErr != nil {
			runErr = fmt.Errorf("tasks: encode result: %w", runErr)
			traceback = runErr.Error()
		}
	}
	elapsed := w.clock.Now().Sub(begin)

	if runErr != nil {
		w.metrics.recordExecute(ctx, msg.Task, "error", elapsed)
		if tracked {
			w.fail(statusCtx, logger, msg.ID, traceback)
		}
		logger.Warn("tasks.execute.failed", "error", runErr, "elapsed", elapsed)
		return nil, runErr
	}
	w.metrics.recordExecute(ctx, msg.Task, "finished", elapsed)
	if tracked {
		finish := w.clock.Now()
		if _, err := w.statuses.Update(statusCtx, msg.ID, taskstatus.Delta{
			State:      taskstatus.Finished,
			FinishTime: &finish,
			Result:     result,
		}); err != nil && !errors.Is(err, taskstatus.ErrInvalidTransition) {
			logger.Warn("tasks.status.update_failed", "error", err)
		}
	}
	logger.Debug("tasks.execute.done", "elapsed", elapsed)
	return result, nil
}

func (w *Wrapper) fail(ctx context.Context, logger pslog.Logger, taskID, traceback string) {
	finish := w.clock.Now()
	if _, err := w.statuses.Update(ctx, taskID, taskstatus.Delta{
		State:      taskstatus.Error,
		FinishTime: &finish,
		Traceback:  &traceback,
	}); err != nil && !errors.Is(err, taskstatus.ErrInvalidTransition) {
		logger.Warn("tasks.status.update_failed", "error", err)
	}
}

// invoke runs fn, converting a panic into an error. The traceback lists the
// error chain, plus the goroutine stack for panics.
func invoke(ctx context.Context, fn Func, args json.RawMessage) (value any, traceback string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tasks: panic: %v", r)
			traceback = err.Error() + "\n\n" + string(debug.Stack())
		}
	}()
	value, err = fn(ctx, args)
	if err != nil {
		traceback = errorChain(err)
	}
	return value, traceback, err
}

func errorChain(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			b.WriteString("\ncaused by: ")
		}
		b.WriteString(err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}
