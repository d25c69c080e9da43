package kernel

import "time"

// ServerConfig describes one upstream tool-invocation backend.
type ServerConfig struct {
	ID          string
	TenantID    string
	Name        string
	Transport   string // "stdio" | "http" | "ws"
	Endpoint    string
	Command     []string
	Tags        []string
	CreatedAt   time.Time
	DisabledAt  *time.Time
}

// ToolEntry is one tool exposed by a server, as indexed by the registry.
// UsageCount is an in-memory counter incremented by Registry.RecordToolUsage
// on every successful invocation (spec.md §3/§4.E); it is not persisted.
type ToolEntry struct {
	ServerID    string
	Name        string
	Description string
	Schema      []byte // raw JSON schema for arguments
	Tags        []string
	Embedding   []float32
	UsageCount  int64
}

// ResourceEntry is one addressable resource exposed by a server. Analogous
// shape to ToolEntry (spec.md §3).
type ResourceEntry struct {
	ServerID    string
	URI         string
	Name        string
	Description string
	MIMEType    string
	Tags        []string
	Embedding   []float32
	UsageCount  int64
}

// PromptEntry is one named prompt template exposed by a server. Analogous
// shape to ToolEntry (spec.md §3).
type PromptEntry struct {
	ServerID    string
	Name        string
	Description string
	Arguments   []string
	Tags        []string
	Embedding   []float32
	UsageCount  int64
}

// ServerGroup is a named grouping of servers, used by webhook subscription
// filters and registry tag queries (SPEC_FULL.md §3).
type ServerGroup struct {
	ID          string
	Name        string
	Description string
	ServerIDs   []string
}

// ApiKey is a row the kernel owns purely as a referenceable entity for
// Budget scope "api_key" and Audit's ApiKeyID — the kernel never validates
// credentials itself (SPEC_FULL.md §3).
type ApiKey struct {
	ID         string
	TenantID   string
	Name       string
	Roles      []string
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// KeyPattern is one regular expression the key exposure scanner checks tool
// results against (SPEC_FULL.md §4.N).
type KeyPattern struct {
	ID          string
	Pattern     string
	Description string
}

// KeyExposureDetection records one match of a KeyPattern against a tool
// result payload.
type KeyExposureDetection struct {
	ID         string
	PatternID  string
	ToolName   string
	ServerID   string
	DetectedAt time.Time
	Sample     string
}

// UsageRecord is one recorded tool invocation outcome.
type UsageRecord struct {
	ID         string
	TenantID   string
	ServerID   string
	ToolName   string
	APIKeyID   string
	Success    bool
	DurationMS int64
	ErrorCode  string
	CreatedAt  time.Time
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID        string
	TenantID  string
	Actor     string
	Action    string
	Target    string
	Detail    map[string]any
	CreatedAt time.Time
}
