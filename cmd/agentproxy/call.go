package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kandev/agentproxy/internal/events"
	"github.com/kandev/agentproxy/internal/events/bus"
	"github.com/kandev/agentproxy/internal/proxy"
	"github.com/kandev/agentproxy/pkg/remote"
)

var (
	callArgsFile   string
	callArgs       map[string]string
	callHeaders    map[string]string
	callCaller     string
	callShare      bool
	callTimeout    time.Duration
	callShowEvents bool
	callJSON       bool
	callRecord     bool
	callStack      []string
	callNodeIDs    []string
)

var callCmd = &cobra.Command{
	Use:   "call <agent> [query]",
	Short: "Call a remote agent and print its answer",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		arguments, err := loadArguments(callArgsFile, callArgs)
		if err != nil {
			return err
		}
		if len(args) == 2 {
			arguments["query"] = args[1]
		}

		a, err := newApp(cfg, log, callRecord)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		req := proxy.Request{
			Agent:          args[0],
			CallID:         uuid.New().String(),
			Caller:         callCaller,
			CallerCategory: remote.CategoryUser,
			Arguments:      arguments,
			Headers:        callHeaders,
			Timeout:        callTimeout,
		}
		if cmd.Flags().Changed("share-call-stack") {
			req.ShareCallStack = &callShare
		}
		if len(callStack) > 0 {
			if req.CallStack, err = parseCallStack(callStack); err != nil {
				return err
			}
			req.NodeIDStack = callNodeIDs
		}

		if callShowEvents {
			sub, err := a.bus.Subscribe(events.BuildRemoteCallWildcardSubject(req.CallID), printEvent(cmd.ErrOrStderr()))
			if err != nil {
				return fmt.Errorf("subscribe to call events: %w", err)
			}
			defer func() { _ = sub.Unsubscribe() }()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res, callErr := a.proxy.Call(ctx, req)
		if res == nil {
			return callErr
		}
		if err := printResult(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		return callErr
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVar(&callArgsFile, "args-file", "", "YAML or JSON file with call arguments")
	callCmd.Flags().StringToStringVar(&callArgs, "arg", nil, "Call argument as key=value (repeatable)")
	callCmd.Flags().StringToStringVar(&callHeaders, "header", nil, "Extra request header as name=value (repeatable)")
	callCmd.Flags().StringVar(&callCaller, "caller", "user", "Name of the caller starting the chain")
	callCmd.Flags().BoolVar(&callShare, "share-call-stack", false, "Override the agent's call stack sharing setting")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "Call timeout (default: agent or global setting)")
	callCmd.Flags().BoolVar(&callShowEvents, "events", false, "Print forwarded events to stderr")
	callCmd.Flags().BoolVar(&callJSON, "json", false, "Output the result as JSON")
	callCmd.Flags().BoolVar(&callRecord, "record", false, "Record the call in the call history database")
	callCmd.Flags().StringSliceVar(&callStack, "call-stack", nil, "Inbound call chain as name:category entries, oldest first")
	callCmd.Flags().StringSliceVar(&callNodeIDs, "node-id", nil, "Node IDs already traversed by the inbound chain")
}

func printEvent(w io.Writer) bus.EventHandler {
	return func(_ context.Context, event *bus.Event) error {
		payload, _ := json.Marshal(event.Data["payload"])
		fmt.Fprintf(w, "[%v] %s %s\n", event.Data["sequence"], event.Type, payload)
		return nil
	}
}

func printResult(w io.Writer, res *remote.CallResult) error {
	if callJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(w, res.Output)
	fmt.Fprintf(os.Stderr, "status=%s forwarded=%d duration=%s\n", res.Status, res.Forwarded, res.Duration().Round(time.Millisecond))
	return nil
}
