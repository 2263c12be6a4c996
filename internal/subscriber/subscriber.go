// Package subscriber implements the per-viewer duplex channel: inbound
// message dispatch, attachment state, replay, input admission and the
// event-bus handlers that relay engine events to the browser.
package subscriber

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/ength/aiagent-console/internal/bus"
	"github.com/ength/aiagent-console/internal/control"
	"github.com/ength/aiagent-console/internal/event"
	"github.com/ength/aiagent-console/internal/registry"
)

// Sender delivers one outbound frame to the connected viewer. It must
// be safe for concurrent use: frames originate both from the inbound
// dispatch goroutine and from the bus drain goroutine.
type Sender interface {
	Send(v any) error
}

// Subscriber is one connected viewer. It is attached to at most one
// (agent, tab) at a time.
type Subscriber struct {
	id     string
	sender Sender
	reg    *registry.Registry
	ctl    *control.Lock
	bus    *bus.Bus

	mu            sync.Mutex
	attachedAgent string
	attachedTab   string
}

// New creates a Subscriber and registers its event handlers on the bus.
func New(id string, sender Sender, reg *registry.Registry, ctl *control.Lock, b *bus.Bus) *Subscriber {
	s := &Subscriber{
		id:     id,
		sender: sender,
		reg:    reg,
		ctl:    ctl,
		bus:    b,
	}
	b.Subscribe(id, s.handleEvent)
	return s
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// Close deregisters the subscriber from the bus and releases any
// control lock it holds. Called on transport close.
func (s *Subscriber) Close() {
	s.bus.Unsubscribe(s.id)
	s.ctl.ReleaseAll(s.id)

	s.mu.Lock()
	s.attachedAgent = ""
	s.attachedTab = ""
	s.mu.Unlock()
}

// HandleMessage dispatches one inbound frame. Malformed frames produce
// an error reply and change no state.
func (s *Subscriber) HandleMessage(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError("malformed message")
		return
	}

	switch frame.Type {
	case msgAttach:
		s.handleAttach(frame)
	case msgDetach:
		s.handleDetach()
	case msgInput:
		s.handleInput(frame)
	case msgResize:
		s.handleResize(frame)
	case msgStart:
		s.handleStart(frame)
	case msgStop:
		s.handleStop(frame)
	case msgGainControl:
		s.handleGainControl()
	case msgCreateTab:
		s.handleCreateTab(frame)
	case msgCloseTab:
		s.handleCloseTab(frame)
	case msgSyncOutput:
		s.handleSyncOutput(frame)
	case msgGetBufferStats:
		s.handleBufferStats(frame)
	default:
		s.sendError("unknown message type: " + frame.Type)
	}
}

func (s *Subscriber) handleAttach(frame clientFrame) {
	if _, ok := s.reg.Get(frame.AgentID); !ok {
		s.sendError("agent not found")
		return
	}
	tab, err := s.reg.Tab(frame.AgentID, frame.TabID)
	if err != nil {
		s.sendError("tab not found")
		return
	}

	// Re-attaching releases the previous attachment first.
	s.mu.Lock()
	prevAgent, prevTab := s.attachedAgent, s.attachedTab
	s.attachedAgent = frame.AgentID
	s.attachedTab = tab.ID
	s.mu.Unlock()

	if prevAgent != "" && !(prevAgent == frame.AgentID && prevTab == tab.ID) {
		s.ctl.ReleaseControl(prevAgent, prevTab, s.id)
	}

	// Lazily spawn the PTY.
	if err := s.reg.StartTab(frame.AgentID, tab.ID, 0, 0); err != nil {
		slog.Warn("attach: failed to start tab", "agent_id", frame.AgentID, "tab_id", tab.ID, "error", err)
	}

	// First viewer in claims control.
	if _, owned := s.ctl.Owner(frame.AgentID, tab.ID); !owned {
		s.ctl.TryGainControl(frame.AgentID, tab.ID, s.id)
	}
	hasControl := s.ctl.IsOwner(frame.AgentID, tab.ID, s.id)

	lastSeq := tab.Buffer.LastSeq()
	s.send(attachedFrame{
		Type:       "attached",
		AgentID:    frame.AgentID,
		TabID:      tab.ID,
		HasControl: hasControl,
		LastSeq:    lastSeq,
	})

	fromSeq := int64(0)
	if frame.FromSeq != nil {
		fromSeq = *frame.FromSeq
	}
	s.sendSync(tab, fromSeq)
}

func (s *Subscriber) handleDetach() {
	s.mu.Lock()
	agentID, tabID := s.attachedAgent, s.attachedTab
	s.attachedAgent = ""
	s.attachedTab = ""
	s.mu.Unlock()

	if agentID == "" {
		return
	}
	s.ctl.ReleaseControl(agentID, tabID, s.id)
	s.send(detachedFrame{Type: "detached"})
}

// handleInput forwards input to the PTY, but only from the control
// owner. Non-owner input is silently dropped.
func (s *Subscriber) handleInput(frame clientFrame) {
	agentID, tabID := s.targetTab(frame.TabID)
	if agentID == "" {
		return
	}
	if !s.ctl.IsOwner(agentID, tabID, s.id) {
		return
	}
	tab, err := s.reg.Tab(agentID, tabID)
	if err != nil {
		return
	}
	tab.Session.Write([]byte(frame.Data))
}

func (s *Subscriber) handleResize(frame clientFrame) {
	agentID, tabID := s.targetTab(frame.TabID)
	if agentID == "" {
		return
	}
	if !s.ctl.IsOwner(agentID, tabID, s.id) {
		return
	}
	tab, err := s.reg.Tab(agentID, tabID)
	if err != nil {
		return
	}
	tab.Session.Resize(frame.Cols, frame.Rows)
}

func (s *Subscriber) handleStart(frame clientFrame) {
	if frame.AgentID == "" {
		s.sendError("agentId is required")
		return
	}
	if err := s.reg.StartTab(frame.AgentID, frame.TabID, frame.Cols, frame.Rows); err != nil {
		s.sendRegistryError(err)
	}
}

func (s *Subscriber) handleStop(frame clientFrame) {
	if frame.AgentID == "" {
		s.sendError("agentId is required")
		return
	}
	if err := s.reg.StopTab(frame.AgentID, frame.TabID); err != nil {
		s.sendRegistryError(err)
	}
}

func (s *Subscriber) handleGainControl() {
	s.mu.Lock()
	agentID, tabID := s.attachedAgent, s.attachedTab
	s.mu.Unlock()

	if agentID == "" || tabID == "" {
		s.sendError("not attached")
		return
	}
	s.ctl.TryGainControl(agentID, tabID, s.id)
}

func (s *Subscriber) handleCreateTab(frame clientFrame) {
	if frame.AgentID == "" {
		s.sendError("agentId is required")
		return
	}
	if _, err := s.reg.CreateTab(frame.AgentID, frame.Name); err != nil {
		s.sendRegistryError(err)
	}
}

func (s *Subscriber) handleCloseTab(frame clientFrame) {
	if frame.AgentID == "" || frame.TabID == "" {
		s.sendError("agentId and tabId are required")
		return
	}
	if err := s.reg.CloseTab(frame.AgentID, frame.TabID); err != nil {
		s.sendRegistryError(err)
	}
}

func (s *Subscriber) handleSyncOutput(frame clientFrame) {
	tab, err := s.reg.Tab(frame.AgentID, frame.TabID)
	if err != nil {
		s.sendRegistryError(err)
		return
	}
	fromSeq := int64(0)
	if frame.FromSeq != nil {
		fromSeq = *frame.FromSeq
	}
	s.sendSync(tab, fromSeq)
}

func (s *Subscriber) handleBufferStats(frame clientFrame) {
	tab, err := s.reg.Tab(frame.AgentID, frame.TabID)
	if err != nil {
		s.sendRegistryError(err)
		return
	}
	s.send(bufferStatsFrame{
		Type:    "buffer-stats",
		AgentID: frame.AgentID,
		TabID:   tab.ID,
		Stats:   tab.Buffer.Stats(),
	})
}

// sendSync delivers an output-sync reply: every retained chunk with
// seq >= fromSeq plus the current lastSeq. The client decides between
// full and incremental application from its own fromSeq.
func (s *Subscriber) sendSync(tab *registry.Tab, fromSeq int64) {
	chunks, lastSeq := tab.Buffer.Snapshot(fromSeq)
	if chunks == nil {
		chunks = []event.Chunk{}
	}
	s.send(outputSyncFrame{
		Type:    "output-sync",
		TabID:   tab.ID,
		Chunks:  chunks,
		LastSeq: lastSeq,
	})
}

// targetTab resolves the tab an input/resize frame addresses: the
// frame's tabId when present, else the attached tab. Requires an
// attachment either way.
func (s *Subscriber) targetTab(frameTab string) (agentID, tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attachedAgent == "" {
		return "", ""
	}
	tabID = s.attachedTab
	if frameTab != "" {
		tabID = frameTab
	}
	return s.attachedAgent, tabID
}

// handleEvent relays bus events the subscriber cares about.
func (s *Subscriber) handleEvent(ev event.Event) {
	s.mu.Lock()
	agentID, tabID := s.attachedAgent, s.attachedTab
	s.mu.Unlock()

	switch ev.Type {
	case event.TypeChunk:
		if ev.AgentID == agentID && ev.TabID == tabID {
			s.send(outputFrame{
				Type:  "output",
				Data:  ev.Chunk.Data,
				TabID: ev.TabID,
				Seq:   ev.Chunk.Seq,
			})
		}

	case event.TypeAgentsUpdated:
		agents := ev.Agents
		if agents == nil {
			agents = []event.AgentSummary{}
		}
		s.send(agentsUpdatedFrame{Type: "agents-updated", Agents: agents})

	case event.TypeAgentStatus:
		s.send(agentStatusFrame{Type: "agent-status", AgentID: ev.AgentID, Status: ev.Status})

	case event.TypeTabStatus:
		if ev.AgentID == agentID {
			s.send(tabStatusFrame{Type: "tab-status", AgentID: ev.AgentID, TabID: ev.TabID, Status: ev.Status})
		}

	case event.TypeTabCreated:
		if ev.AgentID == agentID {
			s.send(tabChangeFrame{Type: "tab-created", AgentID: ev.AgentID, TabID: ev.TabID, Tab: ev.Tab})
		}

	case event.TypeTabClosed:
		if ev.AgentID == agentID {
			// Losing the attached tab keeps the agent attachment.
			if ev.TabID == tabID {
				s.mu.Lock()
				if s.attachedTab == ev.TabID {
					s.attachedTab = ""
				}
				s.mu.Unlock()
			}
			s.send(tabChangeFrame{Type: "tab-closed", AgentID: ev.AgentID, TabID: ev.TabID, Tab: ev.Tab})
		}

	case event.TypeControlChanged:
		if ev.AgentID == agentID && ev.TabID == tabID {
			s.send(controlChangedFrame{
				Type:       "control-changed",
				HasControl: ev.OwnerID == s.id,
			})
		}
	}
}

func (s *Subscriber) send(v any) {
	if err := s.sender.Send(v); err != nil {
		slog.Debug("subscriber send failed", "subscriber_id", s.id, "error", err)
	}
}

func (s *Subscriber) sendError(msg string) {
	s.send(errorFrame{Type: "error", Message: msg})
}

func (s *Subscriber) sendRegistryError(err error) {
	switch {
	case errors.Is(err, registry.ErrAgentNotFound):
		s.sendError("agent not found")
	case errors.Is(err, registry.ErrTabNotFound):
		s.sendError("tab not found")
	default:
		s.sendError(err.Error())
	}
}
