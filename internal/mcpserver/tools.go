package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/proxy"
	"github.com/kandev/agentproxy/pkg/remote"
)

// mcpCaller is the caller name used when an MCP client starts a chain.
const mcpCaller = "mcp_client"

func registerTools(s *server.MCPServer, caller AgentCaller, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List the remote agents this proxy can call."),
		),
		listAgentsHandler(caller),
	)

	s.AddTool(
		mcp.NewTool("call_agent",
			mcp.WithDescription("Call a remote agent and return its final answer. Intermediate events are forwarded to the message bus."),
			mcp.WithString("agent",
				mcp.Required(),
				mcp.Description("Name of the remote agent (see list_agents)"),
			),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("The question or instruction for the agent"),
			),
			mcp.WithString("arguments",
				mcp.Description("Optional JSON object merged into the call arguments"),
			),
			mcp.WithBoolean("share_call_stack",
				mcp.Description("Override the agent's call stack sharing setting"),
			),
			mcp.WithArray("call_stack",
				mcp.Description("Nodes already traversed, from the originating user to the current caller"),
				mcp.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":     map[string]any{"type": "string"},
						"category": map[string]any{"type": "string", "enum": []string{"user", "agent", "tool", "llm"}},
					},
					"required": []string{"name", "category"},
				}),
			),
			mcp.WithArray("node_id_stack",
				mcp.Description("Identifiers of the nodes already traversed"),
				mcp.Items(map[string]any{"type": "string"}),
			),
		),
		callAgentHandler(caller, log),
	)
}

func listAgentsHandler(caller AgentCaller) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents := caller.Agents()
		if len(agents) == 0 {
			return mcp.NewToolResultText("No remote agents configured."), nil
		}
		var b strings.Builder
		for _, a := range agents {
			b.WriteString(a.Name)
			if a.Description != "" {
				b.WriteString(": ")
				b.WriteString(a.Description)
			}
			b.WriteString("\n")
		}
		return mcp.NewToolResultText(strings.TrimSuffix(b.String(), "\n")), nil
	}
}

func callAgentHandler(caller AgentCaller, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		args := map[string]any{}
		if raw := req.GetString("arguments", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("arguments must be a JSON object: %v", err)), nil
			}
		}
		args["query"] = query

		callReq := proxy.Request{
			Agent:          agent,
			Caller:         mcpCaller,
			CallerCategory: remote.CategoryUser,
			Arguments:      args,
		}
		if rawArgs, ok := req.GetArguments()["share_call_stack"].(bool); ok {
			callReq.ShareCallStack = &rawArgs
		}
		if raw, ok := req.GetArguments()["call_stack"]; ok {
			stack, err := decodeCallStack(raw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("call_stack must be an array of {name, category}: %v", err)), nil
			}
			callReq.Caller = stack[len(stack)-1].Name
			callReq.CallerCategory = stack[len(stack)-1].Category
			callReq.CallStack = stack
			callReq.NodeIDStack = req.GetStringSlice("node_id_stack", nil)
		}

		res, err := caller.Call(ctx, callReq)
		if err != nil {
			if proxy.IsUnknownAgent(err) {
				return mcp.NewToolResultError(fmt.Sprintf("unknown agent %q", agent)), nil
			}
			log.Warn("agent call from MCP failed", zap.String("agent", agent), zap.Error(err))
			msg := err.Error()
			if res != nil && res.Output != "" {
				msg = fmt.Sprintf("%s\npartial output: %s", msg, res.Output)
			}
			return mcp.NewToolResultError(msg), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
}

// decodeCallStack accepts the array form and a JSON-encoded string.
func decodeCallStack(raw any) ([]remote.ChainNode, error) {
	data, ok := raw.(string)
	if !ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		data = string(encoded)
	}
	var stack []remote.ChainNode
	if err := json.Unmarshal([]byte(data), &stack); err != nil {
		return nil, err
	}
	if len(stack) == 0 {
		return nil, fmt.Errorf("empty")
	}
	for i, node := range stack {
		if node.Name == "" || node.Category == "" {
			return nil, fmt.Errorf("node %d needs a name and a category", i)
		}
	}
	return stack, nil
}
