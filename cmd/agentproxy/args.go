package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kandev/agentproxy/pkg/remote"
)

// loadArguments reads call arguments from a YAML (or JSON) file and applies
// key=value overrides on top. A missing path yields just the overrides.
func loadArguments(path string, overrides map[string]string) (map[string]any, error) {
	args := map[string]any{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read arguments file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("parse arguments file %s: %w", path, err)
		}
		if args == nil {
			args = map[string]any{}
		}
	}
	for k, v := range overrides {
		args[k] = v
	}
	return args, nil
}

// parseCallStack reads name:category pairs. A bare name is an agent.
func parseCallStack(entries []string) ([]remote.ChainNode, error) {
	nodes := make([]remote.ChainNode, 0, len(entries))
	for _, entry := range entries {
		name, category, found := strings.Cut(entry, ":")
		if !found {
			category = string(remote.CategoryAgent)
		}
		if name == "" {
			return nil, fmt.Errorf("call stack entry %q has no name", entry)
		}
		switch remote.Category(category) {
		case remote.CategoryUser, remote.CategoryAgent, remote.CategoryTool, remote.CategoryLLM:
		default:
			return nil, fmt.Errorf("call stack entry %q: unknown category %q", entry, category)
		}
		nodes = append(nodes, remote.ChainNode{Name: name, Category: remote.Category(category)})
	}
	return nodes, nil
}
