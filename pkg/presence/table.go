// Package presence tracks which peers are reachable over which sessions.
package presence

import (
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// SessionID identifies one live transport connection. It is assigned by the
// transport and never reused while that connection is open.
type SessionID string

// Pending is a directed message queued at start-up and sent on the first
// connection the node establishes, whoever the remote turns out to be.
// Recipient is the textual peer id as it goes on the wire.
type Pending struct {
	Recipient string
	Message   string
}

// Table maps each reachable peer to the set of open sessions carrying it.
//
// A peer is present iff it has at least one open session; entries are removed
// as soon as their last session goes away. The pending message slot shares
// the table's lock so it is taken at most once across concurrent connections.
type Table struct {
	mu      sync.Mutex
	peers   map[peer.ID]map[SessionID]struct{}
	pending *Pending
}

// NewTable creates an empty presence table.
func NewTable() *Table {
	return &Table{
		peers: make(map[peer.ID]map[SessionID]struct{}),
	}
}

// RecordConnected records that session carries p. Repeated calls with the
// same arguments have no further effect.
func (t *Table) RecordConnected(p peer.ID, session SessionID) {
	t.Bind(p, session)
}

// Bind is RecordConnected that also reports whether p was not reachable
// before this call.
func (t *Table) Bind(p peer.ID, session SessionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions, exists := t.peers[p]
	if !exists {
		sessions = make(map[SessionID]struct{})
		t.peers[p] = sessions
	}
	sessions[session] = struct{}{}
	return !exists
}

// RecordDisconnected removes session from every peer that carried it and
// returns the peers left with no sessions, which are removed from the table.
// The result is sorted and empty (not nil) when nothing became unreachable.
func (t *Table) RecordDisconnected(session SessionID) []peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	gone := []peer.ID{}
	for p, sessions := range t.peers {
		if _, ok := sessions[session]; !ok {
			continue
		}
		delete(sessions, session)
		if len(sessions) == 0 {
			delete(t.peers, p)
			gone = append(gone, p)
		}
	}
	sortPeers(gone)
	return gone
}

// CurrentlyReachablePeers returns a sorted snapshot of the reachable peers.
func (t *Table) CurrentlyReachablePeers() []peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]peer.ID, 0, len(t.peers))
	for p := range t.peers {
		out = append(out, p)
	}
	sortPeers(out)
	return out
}

// IsReachable reports whether p has at least one open session.
func (t *Table) IsReachable(p peer.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[p]
	return ok
}

// Sessions returns the sorted sessions currently carrying p.
func (t *Table) Sessions(p peer.ID) []SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedSessions(t.peers[p])
}

// Snapshot copies the whole table.
func (t *Table) Snapshot() map[peer.ID][]SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[peer.ID][]SessionID, len(t.peers))
	for p, sessions := range t.peers {
		out[p] = sortedSessions(sessions)
	}
	return out
}

// Len returns the number of reachable peers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// SetPending fills the pending message slot, replacing any previous value.
func (t *Table) SetPending(p Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = &p
}

// TakePending empties the pending slot and returns what it held.
func (t *Table) TakePending() (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil {
		return Pending{}, false
	}
	p := *t.pending
	t.pending = nil
	return p, true
}

// HasPending reports whether a pending message is still waiting.
func (t *Table) HasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func sortPeers(ids []peer.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func sortedSessions(set map[SessionID]struct{}) []SessionID {
	out := make([]SessionID, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
