// Package registry implements the kernel's capability registries: inverted
// indexes of tools/resources/prompts by server and tag (there is no
// category index), plus optional semantic search over an Embedder
// collaborator.
//
// Grounded on the teacher's registry/store/store.go Store interface and
// registry/store/memory/memory.go in-memory implementation (mutex-guarded
// map, ctx.Done() checks, tag/query matching helpers), generalized from a
// single Toolset type into three parallel entry kinds. Schema validation at
// registration time is grounded on registry/service.go's use of
// santhosh-tekuri/jsonschema/v6.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/toolmesh/kernel/internal/kernel"
)

// Registry indexes tools, resources, and prompts across all registered
// servers. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]map[string]kernel.ToolEntry     // serverID -> toolName -> entry
	resources map[string]map[string]kernel.ResourceEntry // serverID -> uri -> entry
	prompts   map[string]map[string]kernel.PromptEntry   // serverID -> name -> entry
	byTag     map[string]map[string]struct{}              // tag -> "serverID/kind/name" set
	embedder  Embedder
	schemaCompiler *jsonschema.Compiler
}

// New constructs an empty Registry. embedder may be nil, in which case
// RegisterServerTools skips embedding computation and Search and ReindexAll
// use HashEmbedder; Search ranks only entries that carry an embedding and
// does no substring matching.
func New(embedder Embedder) *Registry {
	return &Registry{
		tools:          make(map[string]map[string]kernel.ToolEntry),
		resources:      make(map[string]map[string]kernel.ResourceEntry),
		prompts:        make(map[string]map[string]kernel.PromptEntry),
		byTag:          make(map[string]map[string]struct{}),
		embedder:       embedder,
		schemaCompiler: jsonschema.NewCompiler(),
	}
}

// validateSchema compiles and validates that schema is a well-formed JSON
// Schema document. It does not validate argument instances (that happens at
// call time in the router); this just rejects malformed schemas up front,
// matching the teacher's registry/service.go validateToolSchemas.
func (r *Registry) validateSchema(toolName string, schema []byte) error {
	if len(schema) == 0 {
		return nil
	}
	url := "mem://" + toolName + ".json"
	if err := r.schemaCompiler.AddResource(url, strings.NewReader(string(schema))); err != nil {
		return kernel.NewError(kernel.ErrInvalidInput, "invalid json schema for tool "+toolName, err)
	}
	if _, err := r.schemaCompiler.Compile(url); err != nil {
		return kernel.NewError(kernel.ErrInvalidInput, "json schema failed to compile for tool "+toolName, err)
	}
	return nil
}

// RegisterServerTools replaces the full set of tools exposed by serverID.
// Each tool's schema is validated; if any fails, no tools are registered
// (all-or-nothing per server).
func (r *Registry) RegisterServerTools(ctx context.Context, serverID string, tools []kernel.ToolEntry) error {
	for _, t := range tools {
		if err := r.validateSchema(t.Name, t.Schema); err != nil {
			return err
		}
	}
	for i := range tools {
		if r.embedder != nil && len(tools[i].Embedding) == 0 {
			emb, err := r.embedder.Embed(ctx, tools[i].Name+" "+tools[i].Description)
			if err == nil {
				tools[i].Embedding = emb
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byName := make(map[string]kernel.ToolEntry, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
		r.indexTagsLocked(serverID, "tool", t.Name, t.Tags)
	}
	r.tools[serverID] = byName
	return nil
}

// RegisterServerResources replaces the resources exposed by serverID.
func (r *Registry) RegisterServerResources(_ context.Context, serverID string, resources []kernel.ResourceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byURI := make(map[string]kernel.ResourceEntry, len(resources))
	for _, res := range resources {
		byURI[res.URI] = res
		r.indexTagsLocked(serverID, "resource", res.URI, res.Tags)
	}
	r.resources[serverID] = byURI
}

// RegisterServerPrompts replaces the prompts exposed by serverID.
func (r *Registry) RegisterServerPrompts(_ context.Context, serverID string, prompts []kernel.PromptEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName := make(map[string]kernel.PromptEntry, len(prompts))
	for _, p := range prompts {
		byName[p.Name] = p
		r.indexTagsLocked(serverID, "prompt", p.Name, p.Tags)
	}
	r.prompts[serverID] = byName
}

func (r *Registry) indexTagsLocked(serverID, kind, name string, tags []string) {
	key := serverID + "/" + kind + "/" + name
	for _, tag := range tags {
		set, ok := r.byTag[tag]
		if !ok {
			set = make(map[string]struct{})
			r.byTag[tag] = set
		}
		set[key] = struct{}{}
	}
}

// RemoveServer drops all tools/resources/prompts registered for serverID.
func (r *Registry) RemoveServer(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, serverID)
	delete(r.resources, serverID)
	delete(r.prompts, serverID)
}

// LookupTool returns the ToolEntry for name, searching all registered
// servers (or, if serverID is non-empty, only that server), along with the
// ID of the server that owns it.
func (r *Registry) LookupTool(serverID, name string) (kernel.ToolEntry, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if serverID != "" {
		if entry, ok := r.tools[serverID][name]; ok {
			return entry, serverID, nil
		}
		return kernel.ToolEntry{}, "", kernel.NewError(kernel.ErrNotFound, "tool not found: "+name, nil)
	}
	for sid, tools := range r.tools {
		if entry, ok := tools[name]; ok {
			return entry, sid, nil
		}
	}
	return kernel.ToolEntry{}, "", kernel.NewError(kernel.ErrNotFound, "tool not found: "+name, nil)
}

// ListTools returns every registered tool, optionally filtered to tools
// carrying all of tags.
func (r *Registry) ListTools(tags []string) []kernel.ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []kernel.ToolEntry
	for _, tools := range r.tools {
		for _, t := range tools {
			if matchesTags(t.Tags, tags) {
				out = append(out, t)
			}
		}
	}
	return out
}

// qualifiedName is the system-wide identifier for a registered entity
// (Glossary, spec.md §3/§4.E): "<serverID>/<name>". The spec defines this as
// server *name* + item name, but the registry is only ever handed a
// serverID, so serverID stands in for name here — callers that want
// human-readable names pass a human-readable serverID.
func qualifiedName(serverID, name string) string {
	return serverID + "/" + name
}

func splitQualifiedName(qn string) (serverID, name string) {
	idx := strings.LastIndex(qn, "/")
	if idx < 0 {
		return "", qn
	}
	return qn[:idx], qn[idx+1:]
}

// FindTool looks up a tool by its qualifiedName (spec.md §4.E's `Find`).
func (r *Registry) FindTool(qualified string) (kernel.ToolEntry, bool) {
	serverID, name := splitQualifiedName(qualified)
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[serverID][name]
	return entry, ok
}

// FindToolsByServer returns every tool registered for serverID (§4.E
// `FindByServer`).
func (r *Registry) FindToolsByServer(serverID string) []kernel.ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kernel.ToolEntry, 0, len(r.tools[serverID]))
	for _, t := range r.tools[serverID] {
		out = append(out, t)
	}
	return out
}

// AllTools returns every registered tool across every server (§4.E `All`).
func (r *Registry) AllTools() []kernel.ToolEntry {
	return r.ListTools(nil)
}

// CountTools returns the number of registered tools across every server
// (§4.E `Count`).
func (r *Registry) CountTools() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, tools := range r.tools {
		n += len(tools)
	}
	return n
}

// RecordToolUsage increments the in-memory usage counter for the tool
// identified by qualifiedName (§4.E `RecordUsage`). A call against an
// unregistered qualifiedName is a no-op: usage accounting never blocks or
// fails an invocation that already succeeded.
func (r *Registry) RecordToolUsage(qualified string) {
	serverID, name := splitQualifiedName(qualified)
	r.mu.Lock()
	defer r.mu.Unlock()
	if tools, ok := r.tools[serverID]; ok {
		if entry, ok := tools[name]; ok {
			entry.UsageCount++
			tools[name] = entry
		}
	}
}

// FindResource looks up a resource by its qualifiedName.
func (r *Registry) FindResource(qualified string) (kernel.ResourceEntry, bool) {
	serverID, uri := splitQualifiedName(qualified)
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.resources[serverID][uri]
	return entry, ok
}

// FindResourcesByServer returns every resource registered for serverID.
func (r *Registry) FindResourcesByServer(serverID string) []kernel.ResourceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kernel.ResourceEntry, 0, len(r.resources[serverID]))
	for _, res := range r.resources[serverID] {
		out = append(out, res)
	}
	return out
}

// AllResources returns every registered resource across every server.
func (r *Registry) AllResources() []kernel.ResourceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []kernel.ResourceEntry
	for _, resources := range r.resources {
		for _, res := range resources {
			out = append(out, res)
		}
	}
	return out
}

// CountResources returns the number of registered resources across every
// server.
func (r *Registry) CountResources() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, resources := range r.resources {
		n += len(resources)
	}
	return n
}

// RecordResourceUsage increments the in-memory usage counter for the
// resource identified by qualifiedName.
func (r *Registry) RecordResourceUsage(qualified string) {
	serverID, uri := splitQualifiedName(qualified)
	r.mu.Lock()
	defer r.mu.Unlock()
	if resources, ok := r.resources[serverID]; ok {
		if entry, ok := resources[uri]; ok {
			entry.UsageCount++
			resources[uri] = entry
		}
	}
}

// FindPrompt looks up a prompt by its qualifiedName.
func (r *Registry) FindPrompt(qualified string) (kernel.PromptEntry, bool) {
	serverID, name := splitQualifiedName(qualified)
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.prompts[serverID][name]
	return entry, ok
}

// FindPromptsByServer returns every prompt registered for serverID.
func (r *Registry) FindPromptsByServer(serverID string) []kernel.PromptEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kernel.PromptEntry, 0, len(r.prompts[serverID]))
	for _, p := range r.prompts[serverID] {
		out = append(out, p)
	}
	return out
}

// AllPrompts returns every registered prompt across every server.
func (r *Registry) AllPrompts() []kernel.PromptEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []kernel.PromptEntry
	for _, prompts := range r.prompts {
		for _, p := range prompts {
			out = append(out, p)
		}
	}
	return out
}

// CountPrompts returns the number of registered prompts across every
// server.
func (r *Registry) CountPrompts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, prompts := range r.prompts {
		n += len(prompts)
	}
	return n
}

// RecordPromptUsage increments the in-memory usage counter for the prompt
// identified by qualifiedName.
func (r *Registry) RecordPromptUsage(qualified string) {
	serverID, name := splitQualifiedName(qualified)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prompts, ok := r.prompts[serverID]; ok {
		if entry, ok := prompts[name]; ok {
			entry.UsageCount++
			prompts[name] = entry
		}
	}
}

func matchesTags(entryTags, filterTags []string) bool {
	if len(filterTags) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(entryTags))
	for _, t := range entryTags {
		set[t] = struct{}{}
	}
	for _, t := range filterTags {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}
