// Package groupcomm declares the group-communication collaborator
// (spec §6) the coordinator depends on but does not implement: the
// layer that delivers a STATE_REQ action to every member with a local
// sequence number, and that the joiner uses to emit its own request.
// Choosing the donor is this layer's policy, not the coordinator's
// (spec.md Non-goals).
//
// Two reference implementations are provided: Local, an in-process
// hub for the coordinator's own tests, and RaftTransport, a multi-node
// reference built on the raft package of github.com/coreos/etcd (the
// same dependency the teacher vendors and wraps in its own raft
// package) for the demo daemon.
package groupcomm

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotConnected mirrors the spec's ENOTCONN: the local connection to
// the group is not currently established. Retryable.
var ErrNotConnected = errors.New("groupcomm: not connected to the group")

// ErrAgain mirrors EAGAIN: the request could not be submitted right
// now. Retryable.
var ErrAgain = errors.New("groupcomm: resource temporarily unavailable")

// ErrNoData mirrors ENODATA: the donor's cache has drifted past the
// joiner's requested starting point and no SST fallback was offered.
var ErrNoData = errors.New("groupcomm: donor seqno has advanced past the requested range")

// ActionType distinguishes the kinds of totally-ordered actions the
// transport can deliver. The coordinator only cares about
// ActionStateReq; other values pass through untouched for whatever
// else the group layer carries (ordinary write-sets, membership
// changes) and are out of scope here.
type ActionType int

const (
	ActionStateReq ActionType = iota
	ActionOther
)

// Action is a single totally-ordered delivery from the group.
type Action struct {
	Seqno    int64
	Type     ActionType
	FromNode uint64
	// DonorNode is the member chosen to act as donor for this
	// request. Donor selection is the group-communication layer's
	// policy (spec.md Non-goals), so this is whatever the transport
	// decided, not something the coordinator can influence.
	DonorNode uint64
	Payload   []byte
}

// Transport is the external collaborator contract from spec.md §6.
type Transport interface {
	// RequestStateTransfer asks the group to broadcast a STR action
	// carrying payload, optionally hinting a preferred donor and the
	// IST interval being requested (used by reference transports
	// that pick a donor whose cache can satisfy the interval).
	// Returns the chosen donor's member index and, when the
	// transport can determine it synchronously, the local sequence
	// number it allocated for the request even if delivery
	// ultimately fails (-1 when no slot was ever allocated), so the
	// caller can self-cancel a leaked local-order monitor slot. A
	// negative-mapped error (ErrAgain, ErrNotConnected, ErrNoData,
	// ...) is returned through err.
	RequestStateTransfer(ctx context.Context, payload []byte, donorHint int64, istUUID uuid.UUID, istSeqno int64) (donorIndex int64, localSeqno int64, err error)

	// Join announces this member's completion of a donor role with
	// status: the donor's seqno after a snapshot or IST, 0 after a
	// skipped transfer, a negative error code otherwise.
	Join(ctx context.Context, status int) error

	// Actions delivers every totally-ordered action this member
	// observes, including its own echoed STATE_REQ.
	Actions() <-chan Action

	// NodeID is this member's identity within the group.
	NodeID() uint64
}
