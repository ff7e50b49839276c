package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/resvd/api"
	"pkt.systems/resvd/client"
	"pkt.systems/resvd/internal/loggingutil"
)

const (
	clientServerKey      = "client.server"
	clientTimeoutKey     = "client.timeout"
	clientOutputKey      = "client.output"
	clientCorrelationKey = "client.correlation_id"
	clientVerboseKey     = "client.verbose"

	defaultServerURL = "http://127.0.0.1:9480"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

type clientCLIConfig struct {
	baseLogger pslog.Logger
}

// addClientConnectionFlags registers the persistent flags every client
// subcommand shares.
func addClientConnectionFlags(cmd *cobra.Command, baseLogger pslog.Logger) *clientCLIConfig {
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultServerURL, "resvd server base URL")
	flags.Duration("timeout", client.DefaultHTTPTimeout, "HTTP client timeout")
	flags.StringP("output", "o", string(outputText), "output format (text|json)")
	flags.String("correlation-id", "", "correlation id sent with every request")
	flags.BoolP("verbose", "v", false, "enable verbose (trace) client logging")

	mustBindFlag(clientServerKey, "RESVD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "RESVD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientOutputKey, "RESVD_CLIENT_OUTPUT", flags.Lookup("output"))
	mustBindFlag(clientCorrelationKey, "RESVD_CLIENT_CORRELATION_ID", flags.Lookup("correlation-id"))
	mustBindFlag(clientVerboseKey, "", flags.Lookup("verbose"))

	return &clientCLIConfig{baseLogger: baseLogger}
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func (c *clientCLIConfig) client() (*client.Client, error) {
	server := strings.TrimSpace(viper.GetString(clientServerKey))
	if server == "" {
		server = defaultServerURL
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	opts := []client.Option{
		client.WithHTTPTimeout(durationOrDefault(viper.GetDuration(clientTimeoutKey), client.DefaultHTTPTimeout)),
	}
	if viper.GetBool(clientVerboseKey) && c.baseLogger != nil {
		logger := c.baseLogger
		if level, ok := pslog.ParseLevel("trace"); ok {
			logger = logger.LogLevel(level)
		}
		opts = append(opts, client.WithLogger(loggingutil.WithSubsystem(logger, "cli.client")))
	}
	return client.New(server, opts...)
}

func (c *clientCLIConfig) output() (outputMode, error) {
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(viper.GetString(clientOutputKey)))); mode {
	case "", outputText:
		return outputText, nil
	case outputJSON:
		return outputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (text|json)", mode)
	}
}

func commandContextWithCorrelation(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if id := strings.TrimSpace(viper.GetString(clientCorrelationKey)); id != "" {
		ctx = client.WithCorrelationID(ctx, id)
	}
	return ctx
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatUnix(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return humanize.Time(time.Unix(ts, 0))
}

func newTaskCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"tasks"},
		Short:   "Submit and inspect tasks on a running resvd server",
	}
	cmd.AddCommand(
		newTaskSubmitCommand(cfg),
		newTaskGetCommand(cfg),
		newTaskListCommand(cfg),
		newTaskCancelCommand(cfg),
		newTaskWaitCommand(cfg),
	)
	return cmd
}

func readArgs(inline, path string) (json.RawMessage, error) {
	var data []byte
	switch {
	case path == "-":
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read args from stdin: %w", err)
		}
		data = raw
	case path != "":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read args file: %w", err)
		}
		data = raw
	default:
		data = []byte(inline)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("task args must be valid JSON")
	}
	return json.RawMessage(trimmed), nil
}

func newTaskSubmitCommand(cfg *clientCLIConfig) *cobra.Command {
	var (
		argsInline   string
		argsFile     string
		resourceType string
		resourceID   string
		queue        string
		tags         []string
	)
	cmd := &cobra.Command{
		Use:   "submit <task>",
		Short: "Dispatch a task, optionally pinned to a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := cfg.output()
			if err != nil {
				return err
			}
			if (resourceType == "") != (resourceID == "") {
				return fmt.Errorf("--resource-type and --resource-id must be given together")
			}
			if resourceType != "" && queue != "" {
				return fmt.Errorf("--queue cannot be combined with a resource reservation")
			}
			payload, err := readArgs(argsInline, argsFile)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			res, err := cli.SubmitTask(commandContextWithCorrelation(cmd), api.DispatchRequest{
				Task:         strings.TrimSpace(args[0]),
				Args:         payload,
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Queue:        queue,
				Tags:         tags,
			})
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task_id=%s task=%s queue=%s", res.TaskID, res.Task, res.Queue)
			if res.Resource != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " resource=%s", res.Resource)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVarP(&argsInline, "args", "a", "", "task arguments as inline JSON")
	cmd.Flags().StringVar(&argsFile, "args-file", "", "path to a JSON arguments file (- reads stdin; overrides --args)")
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "resource type to reserve a queue for")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "resource id to reserve a queue for")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "explicit queue for unreserved dispatch")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag attached to the task status (repeatable)")
	return cmd
}

func writeTaskText(out io.Writer, status *api.TaskStatus) {
	fmt.Fprintf(out, "task_id=%s\n", status.TaskID)
	if status.Task != "" {
		fmt.Fprintf(out, "task=%s\n", status.Task)
	}
	fmt.Fprintf(out, "queue=%s\n", status.Queue)
	fmt.Fprintf(out, "state=%s\n", status.State)
	if len(status.Tags) > 0 {
		fmt.Fprintf(out, "tags=%s\n", strings.Join(status.Tags, ","))
	}
	fmt.Fprintf(out, "created=%s\n", formatUnix(status.CreatedAt))
	if status.StartTime > 0 {
		fmt.Fprintf(out, "started=%s\n", formatUnix(status.StartTime))
	}
	if status.FinishTime > 0 {
		fmt.Fprintf(out, "finished=%s\n", formatUnix(status.FinishTime))
	}
	if len(status.Progress) > 0 {
		fmt.Fprintf(out, "progress=%s\n", status.Progress)
	}
	if len(status.Result) > 0 {
		fmt.Fprintf(out, "result=%s\n", status.Result)
	}
	if status.Traceback != "" {
		fmt.Fprintf(out, "traceback=%s\n", status.Traceback)
	}
}

func newTaskGetCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show the status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := cfg.output()
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			status, err := cli.GetTask(commandContextWithCorrelation(cmd), args[0])
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			writeTaskText(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newTaskListCommand(cfg *clientCLIConfig) *cobra.Command {
	var filter client.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task statuses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := cfg.output()
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			tasks, err := cli.ListTasks(commandContextWithCorrelation(cmd), filter)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), api.TaskListResponse{Tasks: tasks})
			}
			for _, t := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "task_id=%s task=%s queue=%s state=%s updated=%s\n",
					t.TaskID, t.Task, t.Queue, t.State, formatUnix(t.UpdatedAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&filter.Queue, "queue", "q", "", "only tasks on this queue")
	cmd.Flags().StringVar(&filter.Tag, "tag", "", "only tasks carrying this tag")
	cmd.Flags().StringSliceVar(&filter.States, "state", nil, "only tasks in these states (waiting|running|finished|error|canceled)")
	return cmd
}

func newTaskCancelCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a waiting or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := cfg.output()
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			res, err := cli.CancelTask(commandContextWithCorrelation(cmd), args[0])
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task_id=%s canceled=%t\n", res.TaskID, res.Canceled)
			return nil
		},
	}
}

func isTerminalState(state string) bool {
	switch state {
	case "finished", "error", "canceled":
		return true
	}
	return false
}

func newTaskWaitCommand(cfg *clientCLIConfig) *cobra.Command {
	var poll time.Duration
	var maxWait time.Duration
	cmd := &cobra.Command{
		Use:   "wait <task-id>",
		Short: "Poll a task until it finishes, fails or is canceled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := cfg.output()
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx := commandContextWithCorrelation(cmd)
			if maxWait > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, maxWait)
				defer cancel()
			}
			ticker := time.NewTicker(durationOrDefault(poll, 500*time.Millisecond))
			defer ticker.Stop()
			for {
				status, err := cli.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if isTerminalState(status.State) {
					if mode == outputJSON {
						if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
							return err
						}
					} else {
						writeTaskText(cmd.OutOrStdout(), status)
					}
					if status.State != "finished" {
						return fmt.Errorf("task %s ended in state %s", status.TaskID, status.State)
					}
					return nil
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("wait for task %s: %w", args[0], ctx.Err())
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "poll interval")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 0, "give up after this long (0 waits until interrupted)")
	return cmd
}

func newQueuesCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List reserved queues with their load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := cfg.output()
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			queues, err := cli.ListQueues(commandContextWithCorrelation(cmd))
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), api.QueueListResponse{Queues: queues})
			}
			for _, q := range queues {
				fmt.Fprintf(cmd.OutOrStdout(), "queue=%s count=%s pending=%s", q.Queue, humanize.Comma(q.Count), humanize.Comma(int64(q.Pending)))
				if q.MissingSince > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), " missing_since=%s", formatUnix(q.MissingSince))
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
}

func newReservationsCommand(cfg *clientCLIConfig) *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "List active resource reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := cfg.output()
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			reservations, err := cli.ListReservations(commandContextWithCorrelation(cmd), queue)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), api.ReservationListResponse{Reservations: reservations})
			}
			for _, r := range reservations {
				fmt.Fprintf(cmd.OutOrStdout(), "resource=%s queue=%s count=%s updated=%s\n",
					r.Resource, r.Queue, humanize.Comma(r.Count), formatUnix(r.UpdatedAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "only reservations on this queue")
	return cmd
}

func newReconcileCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one queue reconciliation pass on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := cfg.output()
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			report, err := cli.Reconcile(commandContextWithCorrelation(cmd))
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			out := cmd.OutOrStdout()
			line := func(key string, values []string) {
				if len(values) > 0 {
					fmt.Fprintf(out, "%s=%s\n", key, strings.Join(values, ","))
				}
			}
			fmt.Fprintf(out, "observed=%s\n", strings.Join(report.Observed, ","))
			line("created", report.Created)
			line("restored", report.Restored)
			line("marked_missing", report.MarkedMissing)
			line("deleted", report.Deleted)
			line("consumers_added", report.ConsumersAdded)
			return nil
		},
	}
}
