// Package str is the state-transfer coordinator: it negotiates
// whether a joining member needs a full State Snapshot Transfer or
// can catch up with a bounded Incremental State Transfer, frames the
// request on the wire, drives the joiner and donor through their
// respective state machines, persists recovery markers, and installs
// the new apply position. See SPEC_FULL.md for the full component
// breakdown; this file holds the coordinator's shared state (the
// "single owner" the design notes call for) and the action dispatch
// loop both the joiner and donor state machines plug into.
package str

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/latticedb/str/gtid"
	"github.com/latticedb/str/groupcomm"
	"github.com/latticedb/str/monitor"
	"github.com/latticedb/str/recovery"
	"github.com/latticedb/str/sst"
	"github.com/latticedb/str/wire"
	"github.com/latticedb/str/wscache"
)

// State is one of the coordinator lifecycle states from spec.md §3.
type State int

const (
	StateConnected State = iota
	StateJoining
	StateJoined
	StateSynced
	StateDonor
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateJoining:
		return "JOINING"
	case StateJoined:
		return "JOINED"
	case StateSynced:
		return "SYNCED"
	case StateDonor:
		return "DONOR"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SSTResult is one of the SST result states from spec.md §3.
type SSTResult int

const (
	SSTIdle SSTResult = iota
	SSTWait
	SSTCanceled
	SSTReqFailed
	SSTFailed
)

// Applier is the external write-set applier collaborator (out of
// scope per spec.md §1): it applies one write-set's side effects to
// the local database.
type Applier interface {
	Apply(writeset []byte) error
}

// Coordinator is the per-connection singleton that owns every piece
// of mutable state the joiner and donor state machines touch, passed
// by borrow into callbacks rather than reached through globals (design
// notes §9).
type Coordinator struct {
	mu    sync.Mutex
	state State

	historyUUID uuid.UUID
	protoVer    wire.ProtoVersion

	transport   groupcomm.Transport
	cache       *wscache.Cache
	markers     *recovery.Store
	applier     Applier
	donorScript sst.DonorScript

	localOrder  *monitor.LocalOrderMonitor
	applyOrder  *monitor.ApplyOrderMonitor
	commitOrder *monitor.CommitOrderMonitor

	// sstMu pairs with sstCond and guards exactly the fields the
	// design calls out: sst_uuid_, sst_seqno_, sst_state_, plus
	// sstReceived, which distinguishes "no result yet" from "the
	// result happens to be the same enum value as the initial state"
	// so a callback that fires before awaitSST is ever called isn't
	// lost (§4.4's early-arrival race).
	sstMu       sync.Mutex
	sstCond     *sync.Cond
	sstUUID     uuid.UUID
	sstSeqno    int64
	sstRcode    int
	sstState    SSTResult
	sstReceived bool

	istReceiver *sst.ISTReceiver

	// forceSST records that the persisted recovery marker was unsafe
	// or corrupt when this coordinator started: the in-memory cache
	// position can't be trusted as a resume point regardless of what
	// it reports, so the joiner must demand a full snapshot.
	forceSST bool

	retryCount     int
	lastDonorIndex int64

	cancel context.CancelFunc
}

// NewCoordinator wires a coordinator around its collaborators. The
// cache's bootstrapped high-water mark is taken as the starting
// STATE_SEQNO, unless the persisted recovery marker reports the local
// state unsafe or corrupt, in which case the joiner is forced into a
// full snapshot transfer regardless of what the cache contains.
func NewCoordinator(historyUUID uuid.UUID, protoVer wire.ProtoVersion, transport groupcomm.Transport, cache *wscache.Cache, markers *recovery.Store, applier Applier, donorScript sst.DonorScript, bypassCommitOrder bool) *Coordinator {
	startPosition := cache.HighWater()

	forceSST := true
	if marker, err := markers.Get(); err != nil {
		log.Warningf("coordinator: failed to read recovery marker, forcing a full state snapshot: %v", err)
	} else {
		forceSST = marker.Corrupt || !marker.Safe
	}

	c := &Coordinator{
		state:          StateConnected,
		historyUUID:    historyUUID,
		protoVer:       protoVer,
		transport:      transport,
		cache:          cache,
		markers:        markers,
		applier:        applier,
		donorScript:    donorScript,
		localOrder:     monitor.NewLocalOrderMonitor(),
		applyOrder:     monitor.NewApplyOrderMonitor(startPosition),
		commitOrder:    monitor.NewCommitOrderMonitor(startPosition, bypassCommitOrder),
		sstState:       SSTIdle,
		forceSST:       forceSST,
		lastDonorIndex: -1,
	}
	c.sstCond = sync.NewCond(&c.sstMu)

	return c
}

// StateSeqno is the largest seqno whose apply side effects are
// durable locally.
func (c *Coordinator) StateSeqno() int64 {
	return c.applyOrder.Position()
}

// State reports the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Infof("coordinator state %s -> %s", c.state, s)
	c.state = s
}

// LastDonorIndex reports which member index last acted as this node's
// donor, surfaced for the admin /status endpoint (supplemented
// feature: donor index bookkeeping).
func (c *Coordinator) LastDonorIndex() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastDonorIndex
}

// Run drains the group transport's action stream, dispatching every
// STATE_REQ to processAction, until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-c.transport.Actions():
			if !ok {
				return
			}

			if action.Type != groupcomm.ActionStateReq {
				continue
			}

			c.processAction(ctx, action)
		}
	}
}

// Stop cancels the action dispatch loop started by Run.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// processAction is the shared entry point every member uses for a
// delivered STATE_REQ: everyone takes the local-order slot so the
// group stays in lockstep, but only the member named as donor (or
// the member that emitted the request, observing its own echo) does
// anything beyond that.
func (c *Coordinator) processAction(ctx context.Context, action groupcomm.Action) {
	c.localOrder.Enter(action.Seqno)

	isDonor := action.DonorNode == c.transport.NodeID()
	isRequester := action.FromNode == c.transport.NodeID()

	if !isDonor {
		c.localOrder.Leave(action.Seqno)

		if isRequester {
			log.Debugf("observed own STATE_REQ echo at seqno %d, donor is node %d", action.Seqno, action.DonorNode)
		}

		return
	}

	c.runDonor(ctx, action)
}

// position returns the current GTID.
func (c *Coordinator) position() gtid.GTID {
	return gtid.GTID{UUID: c.historyUUID, Seqno: c.StateSeqno()}
}
