// Package client provides the Go SDK for talking to a resvd server over HTTP.
//
// A minimal program that dispatches a task under a resource reservation and
// polls its status looks like:
//
//	ctx := context.Background()
//	cli, err := client.New("http://127.0.0.1:9480")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := cli.SubmitTask(ctx, api.DispatchRequest{
//	    Task:         "render",
//	    Args:         json.RawMessage(`{"scene":"lobby"}`),
//	    ResourceType: "scene",
//	    ResourceID:   "lobby",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	status, err := cli.GetTask(ctx, res.TaskID)
//
// Every task sharing a resource is routed to the same dedicated queue for as
// long as at least one of them is outstanding. Server failures surface as
// *APIError; use IsCode to match stable error identifiers such as
// "task_not_found" or "task_complete".
package client
