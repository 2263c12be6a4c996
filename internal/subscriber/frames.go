package subscriber

import (
	"github.com/ength/aiagent-console/internal/buffer"
	"github.com/ength/aiagent-console/internal/event"
)

// clientFrame is the union of all inbound message shapes, dispatched
// by Type.
type clientFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId,omitempty"`
	TabID   string `json:"tabId,omitempty"`
	FromSeq *int64 `json:"fromSeq,omitempty"`
	Data    string `json:"data,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Inbound message tags.
const (
	msgAttach         = "attach"
	msgDetach         = "detach"
	msgInput          = "input"
	msgResize         = "resize"
	msgStart          = "start"
	msgStop           = "stop"
	msgGainControl    = "gain-control"
	msgCreateTab      = "create-tab"
	msgCloseTab       = "close-tab"
	msgSyncOutput     = "sync-output"
	msgGetBufferStats = "get-buffer-stats"
)

// Outbound frames, one struct per message type.

type attachedFrame struct {
	Type       string `json:"type"` // "attached"
	AgentID    string `json:"agentId"`
	TabID      string `json:"tabId"`
	HasControl bool   `json:"hasControl"`
	LastSeq    int64  `json:"lastSeq"`
}

type detachedFrame struct {
	Type string `json:"type"` // "detached"
}

type outputFrame struct {
	Type  string `json:"type"` // "output"
	Data  string `json:"data"`
	TabID string `json:"tabId"`
	Seq   int64  `json:"seq"`
}

type outputSyncFrame struct {
	Type    string        `json:"type"` // "output-sync"
	TabID   string        `json:"tabId"`
	Chunks  []event.Chunk `json:"chunks"`
	LastSeq int64         `json:"lastSeq"`
}

type agentsUpdatedFrame struct {
	Type   string               `json:"type"` // "agents-updated"
	Agents []event.AgentSummary `json:"agents"`
}

type agentStatusFrame struct {
	Type    string `json:"type"` // "agent-status"
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

type tabStatusFrame struct {
	Type    string `json:"type"` // "tab-status"
	AgentID string `json:"agentId"`
	TabID   string `json:"tabId"`
	Status  string `json:"status"`
}

type tabChangeFrame struct {
	Type    string            `json:"type"` // "tab-created" | "tab-closed"
	AgentID string            `json:"agentId"`
	TabID   string            `json:"tabId"`
	Tab     *event.TabSummary `json:"tab,omitempty"`
}

type controlChangedFrame struct {
	Type       string `json:"type"` // "control-changed"
	HasControl bool   `json:"hasControl"`
}

type bufferStatsFrame struct {
	Type    string       `json:"type"` // "buffer-stats"
	AgentID string       `json:"agentId"`
	TabID   string       `json:"tabId"`
	Stats   buffer.Stats `json:"stats"`
}

type errorFrame struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}
