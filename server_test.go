package resvd_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/resvd"
	"pkt.systems/resvd/api"
	"pkt.systems/resvd/client"
)

func startTestServer(t *testing.T, cfg resvd.Config, opts ...resvd.Option) (*resvd.Server, *client.Client) {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	cfg.DisableHTTPTracing = true
	cfg.DisableStorageTracing = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := resvd.StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := stop(shutdownCtx); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	cli, err := client.New("http://"+srv.ListenerAddr().String(), client.WithoutTracing())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return srv, cli
}

func waitForState(t *testing.T, cli *client.Client, taskID string, want string) api.TaskStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := cli.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if status.State == want {
			return *status
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck in %s, want %s", taskID, status.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForIdleQueues(t *testing.T, cli *client.Client) []api.QueueLoad {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		queues, err := cli.ListQueues(context.Background())
		if err != nil {
			t.Fatalf("list queues: %v", err)
		}
		idle := true
		for _, q := range queues {
			if q.Count != 0 || q.Pending != 0 {
				idle = false
			}
		}
		if idle {
			return queues
		}
		if time.Now().After(deadline) {
			t.Fatalf("queues never drained: %+v", queues)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerReservedDispatchRoundTrip(t *testing.T) {
	var runs atomic.Int32
	_, cli := startTestServer(t, resvd.Config{Workers: 3},
		resvd.WithTask("render", func(ctx context.Context, args json.RawMessage) (any, error) {
			runs.Add(1)
			if err := resvd.ReportProgress(ctx, map[string]int{"pct": 50}); err != nil {
				return nil, err
			}
			return map[string]string{"task_id": resvd.TaskID(ctx)}, nil
		}),
	)
	ctx := context.Background()
	queues, err := cli.ListQueues(ctx)
	if err != nil {
		t.Fatalf("list queues: %v", err)
	}
	if len(queues) != 3 {
		t.Fatalf("expected 3 dedicated queues after startup, got %+v", queues)
	}

	first, err := cli.SubmitTask(ctx, api.DispatchRequest{Task: "render", ResourceType: "scene", ResourceID: "lobby", Tags: []string{"nightly"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := cli.SubmitTask(ctx, api.DispatchRequest{Task: "render", ResourceType: "scene", ResourceID: "lobby"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Resource != "scene:lobby" {
		t.Fatalf("unexpected resource %q", first.Resource)
	}
	if first.Queue != second.Queue {
		t.Fatalf("same resource landed on %q and %q", first.Queue, second.Queue)
	}

	status := waitForState(t, cli, first.TaskID, "finished")
	if string(status.Progress) != `{"pct":50}` {
		t.Fatalf("unexpected progress %s", status.Progress)
	}
	var result map[string]string
	if err := json.Unmarshal(status.Result, &result); err != nil || result["task_id"] != first.TaskID {
		t.Fatalf("unexpected result %s (%v)", status.Result, err)
	}
	waitForState(t, cli, second.TaskID, "finished")
	if runs.Load() != 2 {
		t.Fatalf("expected 2 runs, got %d", runs.Load())
	}

	waitForIdleQueues(t, cli)
	reservations, err := cli.ListReservations(ctx, "")
	if err != nil {
		t.Fatalf("list reservations: %v", err)
	}
	if len(reservations) != 0 {
		t.Fatalf("expected reservations released, got %+v", reservations)
	}

	tagged, err := cli.ListTasks(ctx, client.TaskFilter{Tag: "nightly"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tagged) != 1 || tagged[0].TaskID != first.TaskID {
		t.Fatalf("unexpected tagged tasks %+v", tagged)
	}
}

func TestServerDistinctResourcesSpread(t *testing.T) {
	release := make(chan struct{})
	srv, cli := startTestServer(t, resvd.Config{Workers: 2},
		resvd.WithTask("hold", func(ctx context.Context, _ json.RawMessage) (any, error) {
			select {
			case <-release:
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	)
	ctx := context.Background()
	a, err := srv.DispatchWithReservation(ctx, "doc", "a", "hold", nil)
	if err != nil {
		t.Fatalf("dispatch a: %v", err)
	}
	b, err := srv.DispatchWithReservation(ctx, "doc", "b", "hold", nil)
	if err != nil {
		t.Fatalf("dispatch b: %v", err)
	}
	if a.Queue == b.Queue {
		t.Fatalf("expected distinct resources on distinct queues, both on %q", a.Queue)
	}
	queues, err := cli.ListQueues(ctx)
	if err != nil {
		t.Fatalf("list queues: %v", err)
	}
	for _, q := range queues {
		if q.Count != 1 {
			t.Fatalf("expected load 1 on %s, got %d", q.Queue, q.Count)
		}
	}
	close(release)
	waitForState(t, cli, a.TaskID, "finished")
	waitForState(t, cli, b.TaskID, "finished")
	waitForIdleQueues(t, cli)
}

func TestServerCancelAndEcho(t *testing.T) {
	_, cli := startTestServer(t, resvd.Config{Workers: 1})
	ctx := context.Background()

	echo, err := cli.SubmitTask(ctx, api.DispatchRequest{Task: "echo", Args: json.RawMessage(`{"hello":"world"}`)})
	if err != nil {
		t.Fatalf("submit echo: %v", err)
	}
	if echo.Queue != resvd.DefaultQueue {
		t.Fatalf("expected default queue, got %q", echo.Queue)
	}
	status := waitForState(t, cli, echo.TaskID, "finished")
	if string(status.Result) != `{"hello":"world"}` {
		t.Fatalf("unexpected echo result %s", status.Result)
	}

	sleeper, err := cli.SubmitTask(ctx, api.DispatchRequest{Task: "sleep", Args: json.RawMessage(`{"duration_ms":60000}`), ResourceType: "doc", ResourceID: "slow"})
	if err != nil {
		t.Fatalf("submit sleep: %v", err)
	}
	waitForState(t, cli, sleeper.TaskID, "running")
	res, err := cli.CancelTask(ctx, sleeper.TaskID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.Canceled {
		t.Fatalf("expected canceled response")
	}
	waitForState(t, cli, sleeper.TaskID, "canceled")
	waitForIdleQueues(t, cli)

	_, err = cli.CancelTask(ctx, echo.TaskID)
	if !client.IsCode(err, "task_complete") {
		t.Fatalf("expected task_complete, got %v", err)
	}
	_, err = cli.GetTask(ctx, "missing")
	if !client.IsCode(err, "task_not_found") {
		t.Fatalf("expected task_not_found, got %v", err)
	}
	_, err = cli.SubmitTask(ctx, api.DispatchRequest{Task: "nope"})
	if !client.IsCode(err, "unknown_task") {
		t.Fatalf("expected unknown_task, got %v", err)
	}
}

func TestServerReconcileEndpoint(t *testing.T) {
	_, cli := startTestServer(t, resvd.Config{Workers: 2, DisableBabysit: true})
	report, err := cli.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Observed) != 2 {
		t.Fatalf("expected 2 observed queues, got %+v", report)
	}
	if len(report.Created) != 0 || len(report.ConsumersAdded) != 0 {
		t.Fatalf("startup pass should already have converged: %+v", report)
	}
}

func TestNewServerRejectsReservedTaskNames(t *testing.T) {
	_, err := resvd.NewServer(resvd.Config{}, resvd.WithTask("resvd.reserve_resource", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	}))
	if err == nil {
		t.Fatalf("expected error")
	}
	_, err = resvd.NewServer(resvd.Config{}, resvd.WithTask("echo", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	}))
	if err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, err := resvd.NewServer(resvd.Config{Store: "s3://bucket"}); err == nil {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestServerRestartClearsLostWork(t *testing.T) {
	for _, scheme := range []string{"sqlite", "bolt"} {
		t.Run(scheme, func(t *testing.T) {
			cfg := resvd.Config{
				Store:          scheme + "://" + filepath.Join(t.TempDir(), "state."+scheme),
				Workers:        2,
				DisableBabysit: true,
			}
			ctx := context.Background()
			first, cli := startTestServer(t, cfg)
			running, err := cli.SubmitTask(ctx, api.DispatchRequest{Task: "sleep", Args: json.RawMessage(`{"duration_ms":60000}`), ResourceType: "scene", ResourceID: "lobby"})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			waiting, err := cli.SubmitTask(ctx, api.DispatchRequest{Task: "sleep", Args: json.RawMessage(`{"duration_ms":60000}`), ResourceType: "scene", ResourceID: "lobby"})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			waitForState(t, cli, running.TaskID, "running")
			if err := first.Close(); err != nil {
				t.Fatalf("close first server: %v", err)
			}

			_, cli = startTestServer(t, cfg)
			reservations, err := cli.ListReservations(ctx, "")
			if err != nil {
				t.Fatalf("list reservations: %v", err)
			}
			if len(reservations) != 0 {
				t.Fatalf("reservations survived restart: %+v", reservations)
			}
			queues, err := cli.ListQueues(ctx)
			if err != nil {
				t.Fatalf("list queues: %v", err)
			}
			if len(queues) != 2 {
				t.Fatalf("expected 2 queues, got %+v", queues)
			}
			for _, q := range queues {
				if q.Count != 0 {
					t.Fatalf("queue %s kept load %d across restart", q.Queue, q.Count)
				}
			}
			lost, err := cli.GetTask(ctx, waiting.TaskID)
			if err != nil {
				t.Fatalf("get task: %v", err)
			}
			if lost.State != "error" || lost.Traceback != resvd.LostOnRestart {
				t.Fatalf("waiting task not abandoned: %+v", lost)
			}
			if status, err := cli.GetTask(ctx, running.TaskID); err != nil || status.State != "error" {
				t.Fatalf("running task not failed: %+v (%v)", status, err)
			}

			again, err := cli.SubmitTask(ctx, api.DispatchRequest{Task: "echo", ResourceType: "scene", ResourceID: "lobby"})
			if err != nil {
				t.Fatalf("submit after restart: %v", err)
			}
			waitForState(t, cli, again.TaskID, "finished")
			waitForIdleQueues(t, cli)
		})
	}
}
