// Package control tracks which subscriber may inject input into each
// tab. Control is cooperative: gaining it always succeeds and steals
// from the previous owner, who is notified and becomes view-only.
package control

import (
	"sync"

	"github.com/ength/aiagent-console/internal/event"
)

// Publisher is the event-bus surface the lock needs.
type Publisher interface {
	Publish(event.Event)
}

type tabKey struct {
	agentID string
	tabID   string
}

// Lock is the per-(agent, tab) control-owner map.
type Lock struct {
	pub Publisher

	mu     sync.Mutex
	owners map[tabKey]string
}

// New creates an empty Lock publishing control changes on pub.
func New(pub Publisher) *Lock {
	return &Lock{pub: pub, owners: make(map[tabKey]string)}
}

// TryGainControl makes subscriberID the owner of (agentID, tabID).
// It always succeeds, overwriting any existing owner; the previous
// owner learns about the steal from the control-changed publication.
func (l *Lock) TryGainControl(agentID, tabID, subscriberID string) {
	l.mu.Lock()
	l.owners[tabKey{agentID, tabID}] = subscriberID
	l.mu.Unlock()

	l.publishChange(agentID, tabID, subscriberID)
}

// ReleaseControl clears the owner entry, but only when subscriberID
// currently holds it.
func (l *Lock) ReleaseControl(agentID, tabID, subscriberID string) {
	k := tabKey{agentID, tabID}

	l.mu.Lock()
	owned := l.owners[k] == subscriberID
	if owned {
		delete(l.owners, k)
	}
	l.mu.Unlock()

	if owned {
		l.publishChange(agentID, tabID, "")
	}
}

// ReleaseAll clears every tab subscriberID owns. Called on disconnect.
func (l *Lock) ReleaseAll(subscriberID string) {
	l.mu.Lock()
	var released []tabKey
	for k, owner := range l.owners {
		if owner == subscriberID {
			delete(l.owners, k)
			released = append(released, k)
		}
	}
	l.mu.Unlock()

	for _, k := range released {
		l.publishChange(k.agentID, k.tabID, "")
	}
}

// ClearTab silently removes the owner entry for a tab that is going
// away (tab close, agent delete).
func (l *Lock) ClearTab(agentID, tabID string) {
	l.mu.Lock()
	delete(l.owners, tabKey{agentID, tabID})
	l.mu.Unlock()
}

// Owner returns the current owner of (agentID, tabID), if any.
func (l *Lock) Owner(agentID, tabID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[tabKey{agentID, tabID}]
	return owner, ok
}

// IsOwner reports whether subscriberID currently owns (agentID, tabID).
func (l *Lock) IsOwner(agentID, tabID, subscriberID string) bool {
	owner, ok := l.Owner(agentID, tabID)
	return ok && owner == subscriberID
}

func (l *Lock) publishChange(agentID, tabID, ownerID string) {
	l.pub.Publish(event.Event{
		Type:    event.TypeControlChanged,
		AgentID: agentID,
		TabID:   tabID,
		OwnerID: ownerID,
	})
}
