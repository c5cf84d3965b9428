package groupcomm

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Hub wires a fixed set of Local members together so every member
// observes every action in the same total order, including its own.
// This is the in-process stand-in for the group used by the
// coordinator's own tests.
type Hub struct {
	mu       sync.Mutex
	members  []*Local
	nextSeqno int64
}

// NewHub creates an empty hub. Call Join to register members before
// any RequestStateTransfer is issued.
func NewHub() *Hub {
	return &Hub{}
}

// Local is one member's view of a Hub.
type Local struct {
	hub     *Hub
	nodeID  uint64
	actions chan Action
}

// Join registers a new member with the hub and returns its Transport
// handle.
func (h *Hub) Join(nodeID uint64) *Local {
	h.mu.Lock()
	defer h.mu.Unlock()

	member := &Local{hub: h, nodeID: nodeID, actions: make(chan Action, 64)}
	h.members = append(h.members, member)

	return member
}

// broadcast delivers payload to every registered member with a freshly
// assigned, strictly increasing seqno starting at 1, and reports the
// donor chosen by the hub's policy: the first-registered member that
// isn't the requester (its index in registration order),
// matching the note in SPEC_FULL.md that donor selection belongs to
// the group-communication layer, not the coordinator.
func (h *Hub) broadcast(from uint64, payload []byte) (donorIndex int64, seqno int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeqno++
	seqno = h.nextSeqno

	donorIndex = -1
	var donorNode uint64
	for i, m := range h.members {
		if m.nodeID != from {
			donorIndex = int64(i)
			donorNode = m.nodeID
			break
		}
	}

	for _, m := range h.members {
		m.actions <- Action{Seqno: seqno, Type: ActionStateReq, FromNode: from, DonorNode: donorNode, Payload: payload}
	}

	return donorIndex, seqno
}

func (l *Local) RequestStateTransfer(ctx context.Context, payload []byte, donorHint int64, istUUID uuid.UUID, istSeqno int64) (int64, int64, error) {
	donorIndex, seqno := l.hub.broadcast(l.nodeID, payload)

	return donorIndex, seqno, nil
}

func (l *Local) Join(ctx context.Context, status int) error {
	return nil
}

func (l *Local) Actions() <-chan Action {
	return l.actions
}

func (l *Local) NodeID() uint64 {
	return l.nodeID
}
