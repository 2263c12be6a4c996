// Package event defines the types carried on the in-process event bus.
// The bus, the output buffers, the registry and the subscriber channels
// all share these types, so they live in their own leaf package.
package event

// Chunk is a sequence-numbered fragment of coalesced PTY output.
type Chunk struct {
	Seq       int64  `json:"seq"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// AgentSummary is the bus-visible snapshot of an agent.
type AgentSummary struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	SourceRepo string       `json:"sourceRepo"`
	WorkDir    string       `json:"workDir"`
	Branch     string       `json:"branch"`
	CreatedAt  int64        `json:"createdAt"`
	Status     string       `json:"status"`
	Tabs       []TabSummary `json:"tabs"`
}

// TabSummary is the bus-visible snapshot of a tab.
type TabSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Type identifies an event on the bus.
type Type string

const (
	TypeChunk          Type = "chunk"
	TypeAgentsUpdated  Type = "agents-updated"
	TypeAgentStatus    Type = "agent-status"
	TypeTabStatus      Type = "tab-status"
	TypeTabCreated     Type = "tab-created"
	TypeTabClosed      Type = "tab-closed"
	TypeControlChanged Type = "control-changed"
)

// Event is a single bus publication. Only the fields relevant to the
// event's Type are populated.
type Event struct {
	Type    Type
	AgentID string
	TabID   string

	Chunk  *Chunk         // TypeChunk
	Agents []AgentSummary // TypeAgentsUpdated
	Status string         // TypeAgentStatus, TypeTabStatus
	Tab    *TabSummary    // TypeTabCreated, TypeTabClosed
	// OwnerID is the new control owner for TypeControlChanged;
	// empty means the tab has no owner.
	OwnerID string
}
