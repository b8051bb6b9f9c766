package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var (
	toolArgsFile string
	toolArgs     map[string]string
	toolHeaders  map[string]string
	toolJSON     bool
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List and call tools on configured MCP servers",
}

var toolsListCmd = &cobra.Command{
	Use:   "list [server]",
	Short: "List the tools of one or all MCP servers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, log, false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		servers := args
		if len(servers) == 0 {
			servers = a.mcp.Servers()
			sort.Strings(servers)
		}

		out := cmd.OutOrStdout()
		for _, server := range servers {
			tools, err := a.mcp.Init(cmd.Context(), server)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s (%d tools)\n", server, len(tools))
			for _, tool := range tools {
				fmt.Fprintf(out, "  %-24s %s\n", tool.Name, tool.Description)
			}
		}
		return nil
	},
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <server> <tool>",
	Short: "Call one tool and print its output",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		arguments, err := loadArguments(toolArgsFile, toolArgs)
		if err != nil {
			return err
		}
		a, err := newApp(cfg, log, false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		res, callErr := a.tools.Call(cmd.Context(), args[0], args[1], arguments, toolHeaders)
		if res == nil {
			return callErr
		}
		if toolJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), res.Output)
		}
		return callErr
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsListCmd, toolsCallCmd)
	toolsCallCmd.Flags().StringVar(&toolArgsFile, "args-file", "", "YAML or JSON file with tool arguments")
	toolsCallCmd.Flags().StringToStringVar(&toolArgs, "arg", nil, "Tool argument as key=value (repeatable)")
	toolsCallCmd.Flags().StringToStringVar(&toolHeaders, "header", nil, "Extra request header as name=value (repeatable)")
	toolsCallCmd.Flags().BoolVar(&toolJSON, "json", false, "Output the result as JSON")
}
