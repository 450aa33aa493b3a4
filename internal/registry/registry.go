// Package registry indexes tools by their namespaced key.
//
// Every tool is known externally as "{serverId}/{rawName}". The composite
// key is unique by construction, so two servers exposing identically
// named raw tools never collide, and call-time resolution is a single
// map lookup rather than a scan.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harborlab/bridge/internal/mcp"
	"github.com/harborlab/bridge/internal/runner"
)

// Tool is one registered tool along with its owning supervisor.
type Tool struct {
	Key         string         `json:"key"`
	ServerID    string         `json:"server_id"`
	RawName     string         `json:"raw_name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`

	Supervisor *runner.Supervisor `json:"-"`
}

// Key builds the namespaced key for a server's raw tool name.
func Key(serverID, rawName string) string {
	return serverID + "/" + rawName
}

// SplitKey separates a namespaced key into server id and raw name. The
// raw name may itself contain slashes; only the first one delimits.
func SplitKey(key string) (serverID, rawName string, ok bool) {
	serverID, rawName, ok = strings.Cut(key, "/")
	if serverID == "" || rawName == "" {
		return "", "", false
	}
	return serverID, rawName, ok
}

// Registry maps namespaced tool keys to their owning supervisors.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// RegisterServer replaces all entries for a server with the given tool
// definitions, as fetched from a supervisor that just reached running.
func (r *Registry) RegisterServer(sup *runner.Supervisor, defs []mcp.ToolDefinition) {
	serverID := sup.ServerID()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropLocked(serverID)
	for _, def := range defs {
		tool := &Tool{
			Key:         Key(serverID, def.Name),
			ServerID:    serverID,
			RawName:     def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
			Supervisor:  sup,
		}
		r.tools[tool.Key] = tool
	}
}

// Resolve looks up a tool by its namespaced key.
func (r *Registry) Resolve(key string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[key]
	if !ok {
		return nil, fmt.Errorf("tool %q is not registered", key)
	}
	return tool, nil
}

// DropServer removes every entry owned by the server. Called when a
// server disconnects, crashes, or enters the error state.
func (r *Registry) DropServer(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(serverID)
}

func (r *Registry) dropLocked(serverID string) {
	for key, tool := range r.tools {
		if tool.ServerID == serverID {
			delete(r.tools, key)
		}
	}
}

// List returns all registered tools sorted by key.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ListServer returns the tools owned by one server, sorted by key.
func (r *Registry) ListServer(serverID string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Tool
	for _, tool := range r.tools {
		if tool.ServerID == serverID {
			out = append(out, tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Names returns every registered key, sorted. Used by the tool-call
// parser to build its candidate index.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.tools))
	for key := range r.tools {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
