// Package resvd runs a resource-reservation and queue-assignment service for
// asynchronous tasks.
//
// Every task dispatched under a reservation of a named resource runs on the
// dedicated queue that resource is pinned to. Each dedicated queue is consumed
// by exactly one reserved worker with concurrency 1, so at most one task per
// resource runs at a time. A resource reserved for the first time lands on the
// least-loaded dedicated queue; it stays there until every task dispatched
// under it has finished and its reservation count drops back to zero.
//
// # Running a server
//
//	cfg := resvd.Config{
//	    Listen:  ":9480",
//	    Store:   "sqlite:///var/lib/resvd/state.db",
//	    Workers: 8,
//	}
//	srv, err := resvd.NewServer(cfg, resvd.WithTask("render", render))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("resvd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// Stores are selected by URL: mem:// keeps everything in memory,
// sqlite:///path and bolt:///path persist counters and task statuses on disk.
//
// # Dispatching
//
// Embedders dispatch directly on the server:
//
//	res, err := srv.DispatchWithReservation(ctx, "scene", "lobby", "render", args,
//	    resvd.WithTags("nightly"))
//
// Remote callers use the HTTP API through pkt.systems/resvd/client. Task
// bodies read their own id with TaskID and publish progress with
// ReportProgress; both are visible through GET /v1/tasks/{id}.
//
// # Queue reconciliation
//
// A background loop compares the queue load records with the live worker
// topology every Config.BabysitInterval: queues of new reserved workers are
// recorded, records of vanished queues are deleted (after
// Config.BabysitMissingGrace), and reserved workers are bound to their own
// queue when they are not consuming it yet.
package resvd
