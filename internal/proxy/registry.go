// Package proxy exposes configured remote agents as ordinary calls: it
// resolves agents by name, extends the call chain, forwards intermediate
// events to the event bus and records every call.
package proxy

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/kandev/agentproxy/internal/common/config"
	"github.com/kandev/agentproxy/pkg/remote"
)

// ErrUnknownAgent is returned for calls to an agent that is not configured.
var ErrUnknownAgent = errors.New("unknown remote agent")

// AgentInfo describes a configured remote agent.
type AgentInfo struct {
	Name           string        `json:"name"`
	URL            string        `json:"url"`
	Description    string        `json:"description,omitempty"`
	ShareCallStack bool          `json:"share_call_stack"`
	Timeout        time.Duration `json:"timeout"`
}

type agentEntry struct {
	agent remote.RemoteAgent
	info  AgentInfo
}

// Registry resolves remote agents by name. It is read-only after construction.
type Registry struct {
	agents map[string]agentEntry
}

// NewRegistry builds a registry from the agents section of the configuration.
func NewRegistry(agents map[string]config.AgentConfig) *Registry {
	r := &Registry{agents: make(map[string]agentEntry, len(agents))}
	for name, cfg := range agents {
		r.add(name, cfg)
	}
	return r
}

func (r *Registry) add(name string, cfg config.AgentConfig) {
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	timeout := cfg.TimeoutDuration()
	r.agents[strings.ToLower(name)] = agentEntry{
		agent: remote.RemoteAgent{
			Name:    name,
			BaseURL: cfg.URL,
			Headers: headers,
			Timeout: timeout,
		},
		info: AgentInfo{
			Name:           name,
			URL:            cfg.URL,
			Description:    cfg.Description,
			ShareCallStack: cfg.ShareCallStack,
			Timeout:        timeout,
		},
	}
}

// Lookup returns the agent and its settings. Names are case-insensitive.
func (r *Registry) Lookup(name string) (remote.RemoteAgent, AgentInfo, error) {
	entry, ok := r.agents[strings.ToLower(name)]
	if !ok {
		return remote.RemoteAgent{}, AgentInfo{}, ErrUnknownAgent
	}
	return entry.agent, entry.info, nil
}

// List returns all agents sorted by name.
func (r *Registry) List() []AgentInfo {
	out := make([]AgentInfo, 0, len(r.agents))
	for _, entry := range r.agents {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
