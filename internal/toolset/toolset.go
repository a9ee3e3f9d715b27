// Package toolset computes the exact set of callable tools for one turn.
//
// Inputs are the caller's explicit mentions, their allow-lists, the default
// toolkit, and the caller identity; the output is three disjoint maps
// (remote, workflow, built-in) ready to bind to the model call. Resolution
// reads a registry snapshot and has no other side effects.
package toolset

import (
	"context"
	"slices"
	"strings"

	"github.com/firebase/genkit/go/ai"

	"github.com/studyloop/studyloop/internal/config"
	"github.com/studyloop/studyloop/internal/identity"
	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/registry"
)

// Mode is the caller's tool-choice mode.
type Mode string

const (
	// ModeAuto binds everything the caller is entitled to.
	ModeAuto Mode = "auto"

	// ModeManual binds only explicitly mentioned tools and servers.
	ModeManual Mode = "manual"

	// ModeNone disables tool calling for the turn.
	ModeNone Mode = "none"
)

// Mention is an explicit tool or server reference attached to the inbound
// message. Tool empty means the whole server; Server empty means a workflow
// or built-in tool referenced by name.
type Mention struct {
	Server string `json:"server,omitempty"`
	Tool   string `json:"tool,omitempty"`
}

// Request carries everything resolution depends on.
type Request struct {
	Mode     Mode
	Mentions []Mention

	// AllowedServers maps server id to permitted tool names. An empty name
	// list permits all of the server's tools.
	AllowedServers map[string][]string

	// DefaultToolkit lists workflow and built-in tool names permitted
	// without an explicit mention.
	DefaultToolkit []string

	Identity identity.Identity
}

// Resolution is the resolved tool set: three disjoint maps plus the ordered
// list of contributing servers.
type Resolution struct {
	Remote   map[string]ai.Tool
	Workflow map[string]ai.Tool
	Builtin  map[string]ai.Tool

	// Servers lists the server ids that contributed remote tools, sorted.
	Servers []string
}

// Count returns the number of tools bound across all three maps.
func (r Resolution) Count() int {
	return len(r.Remote) + len(r.Workflow) + len(r.Builtin)
}

// Empty reports whether no tools were bound.
func (r Resolution) Empty() bool {
	return r.Count() == 0
}

// Refs flattens the resolution into tool references for the model call,
// in a deterministic order.
func (r Resolution) Refs() []ai.ToolRef {
	names := make([]string, 0, r.Count())
	for name := range r.Remote {
		names = append(names, name)
	}
	for name := range r.Workflow {
		names = append(names, name)
	}
	for name := range r.Builtin {
		names = append(names, name)
	}
	slices.Sort(names)

	refs := make([]ai.ToolRef, 0, len(names))
	for _, name := range names {
		tool, _ := r.Lookup(name)
		refs = append(refs, tool)
	}
	return refs
}

// Lookup finds a bound tool by name across all three maps.
func (r Resolution) Lookup(name string) (ai.Tool, bool) {
	if t, ok := r.Remote[name]; ok {
		return t, true
	}
	if t, ok := r.Workflow[name]; ok {
		return t, true
	}
	if t, ok := r.Builtin[name]; ok {
		return t, true
	}
	return nil, false
}

// Predicate decides whether a tool server is auto-enabled for a caller.
// Pure function of identity attributes; the policy is configuration, not
// code, so multiple institutions can coexist.
type Predicate func(id identity.Identity, serverID string) bool

// PredicateFromRules builds a Predicate from configured email-suffix rules.
func PredicateFromRules(rules []config.AutoEnableRule) Predicate {
	return func(id identity.Identity, serverID string) bool {
		email := strings.ToLower(id.Email)
		if email == "" {
			return false
		}
		for _, rule := range rules {
			if rule.Server == serverID && strings.HasSuffix(email, strings.ToLower(rule.EmailSuffix)) {
				return true
			}
		}
		return false
	}
}

// SnapshotSource supplies the registry view resolution reads from.
// *registry.Registry satisfies it; tests substitute a fixture.
type SnapshotSource interface {
	Snapshot(ctx context.Context) registry.Snapshot
}

// Resolver computes tool sets for turns.
type Resolver struct {
	source     SnapshotSource
	workflow   map[string]ai.Tool
	builtin    map[string]ai.Tool
	autoEnable Predicate
	logger     log.Logger
}

// NewResolver creates a Resolver. workflow and builtin are the closed pools
// of locally defined tools; autoEnable may be nil to disable the mechanism.
func NewResolver(source SnapshotSource, workflow, builtin map[string]ai.Tool, autoEnable Predicate, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.NewNop()
	}
	if autoEnable == nil {
		autoEnable = func(identity.Identity, string) bool { return false }
	}
	return &Resolver{
		source:     source,
		workflow:   workflow,
		builtin:    builtin,
		autoEnable: autoEnable,
		logger:     logger,
	}
}

// Resolve computes the callable tool set for one turn.
//
// Mode none, or nothing mentioned with nothing allow-listed and no
// auto-enable rule firing, short-circuits to an empty resolution. Server
// grants are additive: an auto-enabled server contributes its full tool
// list even when the caller's allow-list names only a subset, and never
// revokes caller-granted access. A server present in no snapshot (down or
// unknown) is omitted with a log line, not an error.
func (r *Resolver) Resolve(ctx context.Context, req Request) Resolution {
	res := Resolution{
		Remote:   map[string]ai.Tool{},
		Workflow: map[string]ai.Tool{},
		Builtin:  map[string]ai.Tool{},
	}
	if req.Mode == ModeNone {
		return res
	}

	// grants: server id -> permitted bare tool names; nil set = all tools.
	grants := map[string]map[string]bool{}
	grantServer := func(server string, toolNames []string) {
		if len(toolNames) == 0 {
			grants[server] = nil
			return
		}
		if existing, ok := grants[server]; ok && existing == nil {
			return // already granted in full
		}
		if grants[server] == nil {
			grants[server] = map[string]bool{}
		}
		for _, name := range toolNames {
			grants[server][name] = true
		}
	}

	localNames := map[string]bool{}

	// Explicit mentions count in every tool-calling mode.
	for _, m := range req.Mentions {
		switch {
		case m.Server != "" && m.Tool != "":
			grantServer(m.Server, []string{m.Tool})
		case m.Server != "":
			grantServer(m.Server, nil)
		case m.Tool != "":
			localNames[m.Tool] = true
		}
	}

	if req.Mode != ModeManual {
		for server, toolNames := range req.AllowedServers {
			grantServer(server, toolNames)
		}
		for _, name := range req.DefaultToolkit {
			localNames[name] = true
		}
	}

	snap := r.source.Snapshot(ctx)

	if req.Mode != ModeManual {
		// Auto-enable merges the full server tool list. Additive only.
		for _, server := range snap.ServerIDs() {
			if r.autoEnable(req.Identity, server) {
				grants[server] = nil
				r.logger.Debug("tool server auto-enabled",
					"server", server, "user_id", req.Identity.UserID)
			}
		}
	}

	// Fast-reject before touching any tool list.
	if len(grants) == 0 && len(localNames) == 0 {
		return res
	}

	for server, permitted := range grants {
		tools := snap.Tools(server)
		if len(tools) == 0 {
			// Down or unknown this refresh cycle; omit and continue.
			r.logger.Warn("granted tool server has no tools this turn", "server", server)
			continue
		}
		contributed := false
		for _, tool := range tools {
			name := tool.Name()
			bare := strings.TrimPrefix(name, server+"_")
			if permitted != nil && !permitted[bare] && !permitted[name] {
				continue
			}
			res.Remote[name] = tool
			contributed = true
		}
		if contributed {
			res.Servers = append(res.Servers, server)
		}
	}
	slices.Sort(res.Servers)

	for name := range localNames {
		if tool, ok := r.workflow[name]; ok {
			res.Workflow[name] = tool
			continue
		}
		if tool, ok := r.builtin[name]; ok {
			res.Builtin[name] = tool
			continue
		}
		r.logger.Warn("unknown local tool requested", "tool", name)
	}

	return res
}
