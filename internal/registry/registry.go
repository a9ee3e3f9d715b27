// Package registry maintains the live set of external tool servers and the
// callable tools each currently exposes.
//
// The registry owns the MCP connections. Consumers never talk to a server
// directly; they read an immutable Snapshot per request, which keeps the
// per-turn view stable even while the registry refreshes underneath.
package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/mcp"

	"github.com/studyloop/studyloop/internal/config"
	"github.com/studyloop/studyloop/internal/log"
)

// ToolDescriptor describes one callable tool exposed by a server.
type ToolDescriptor struct {
	ServerID    string
	Name        string // registered tool name (server-prefixed)
	Description string
}

// Snapshot is an immutable view of the tool pool at one point in time.
// Maps and slices are never mutated after publication; readers may hold a
// snapshot for the length of a turn.
type Snapshot struct {
	// Servers maps server id to the tools it currently exposes.
	Servers map[string][]ai.Tool

	// Descriptors lists every tool across all servers.
	Descriptors []ToolDescriptor

	// Taken is when this snapshot was built.
	Taken time.Time
}

// Tools returns the tools of one server, or nil when the server is unknown
// or was unreachable at refresh time.
func (s Snapshot) Tools(serverID string) []ai.Tool {
	return s.Servers[serverID]
}

// ServerIDs returns the ids of servers present in the snapshot, sorted.
func (s Snapshot) ServerIDs() []string {
	ids := make([]string, 0, len(s.Servers))
	for id := range s.Servers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Registry manages connections to the configured MCP tool servers and
// serves snapshots of their tool lists with a freshness TTL.
//
// Refreshes swap the snapshot atomically under a write lock; readers never
// observe a partially-built server list.
type Registry struct {
	g       *genkit.Genkit
	host    *mcp.MCPHost
	servers []config.ToolServer
	ttl     time.Duration
	logger  log.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// New connects to the configured tool servers over stdio and returns a
// Registry. Individual servers failing to connect degrade gracefully: their
// tools are simply absent from snapshots until they come back.
func New(g *genkit.Genkit, servers []config.ToolServer, ttl time.Duration, logger log.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	serverConfigs := make([]mcp.MCPServerConfig, 0, len(servers))
	for _, srv := range servers {
		serverConfigs = append(serverConfigs, mcp.MCPServerConfig{
			Name: srv.Name,
			Config: mcp.MCPClientOptions{
				Name: srv.Name,
				Stdio: &mcp.StdioConfig{
					Command: srv.Command,
					Args:    srv.Args,
					Env:     srv.ResolvedEnv(),
				},
			},
		})
	}

	host, err := mcp.NewMCPHost(g, mcp.MCPHostOptions{
		Name:       "studyloop",
		Version:    "1.0.0",
		MCPServers: serverConfigs,
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		g:       g,
		host:    host,
		servers: servers,
		ttl:     ttl,
		logger:  logger,
	}, nil
}

// Snapshot returns the current tool pool view, refreshing first when the
// cached snapshot is older than the TTL. When a refresh fails entirely the
// last good snapshot is served so one flaky listing does not blank out the
// tool pool mid-flight.
func (r *Registry) Snapshot(ctx context.Context) Snapshot {
	r.mu.RLock()
	snap := r.snap
	fresh := !snap.Taken.IsZero() && time.Since(snap.Taken) < r.ttl
	r.mu.RUnlock()

	if fresh {
		return snap
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("tool registry refresh failed, serving stale snapshot",
			"error", err, "age", time.Since(snap.Taken))
		return snap
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Refresh rebuilds the snapshot from the live servers and swaps it in
// atomically.
func (r *Registry) Refresh(ctx context.Context) error {
	tools, err := r.host.GetActiveTools(ctx, r.g)
	if err != nil {
		return err
	}

	next := Snapshot{
		Servers: make(map[string][]ai.Tool, len(r.servers)),
		Taken:   time.Now(),
	}

	for _, tool := range tools {
		name := tool.Name()
		srv, bare, ok := r.attribute(name)
		if !ok {
			r.logger.Warn("tool with unknown server prefix ignored", "tool", name)
			continue
		}
		if !allowed(srv, bare) {
			continue
		}

		next.Servers[srv.Name] = append(next.Servers[srv.Name], tool)

		var desc string
		if def := tool.Definition(); def != nil {
			desc = def.Description
		}
		next.Descriptors = append(next.Descriptors, ToolDescriptor{
			ServerID:    srv.Name,
			Name:        name,
			Description: desc,
		})
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()

	r.logger.Debug("tool registry refreshed",
		"servers", len(next.Servers), "tools", len(next.Descriptors))
	return nil
}

// attribute maps a registered tool name back to its server. The MCP client
// registers tools as "<server>_<tool>".
func (r *Registry) attribute(toolName string) (config.ToolServer, string, bool) {
	for _, srv := range r.servers {
		prefix := srv.Name + "_"
		if strings.HasPrefix(toolName, prefix) {
			return srv, strings.TrimPrefix(toolName, prefix), true
		}
	}
	return config.ToolServer{}, "", false
}

// allowed applies the server's include/exclude tool filters to a bare tool
// name. Exclusion wins over inclusion.
func allowed(srv config.ToolServer, bare string) bool {
	if slices.Contains(srv.ExcludeTools, bare) {
		return false
	}
	if len(srv.IncludeTools) > 0 {
		return slices.Contains(srv.IncludeTools, bare)
	}
	return true
}
