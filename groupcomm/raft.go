package groupcomm

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"
	"github.com/google/uuid"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("str/groupcomm")

// Bus wires together every RaftTransport in a single process so
// Step() messages reach their destination without a real network,
// grounded on the teacher's raft.TransportHub (raft/transport.go) but
// delivering in-memory instead of over HTTP: the demo daemon this
// backs runs every member in one process, and real inter-process
// transport is this layer's concern to build, not the coordinator's
// (spec.md Non-goals).
type Bus struct {
	mu    sync.Mutex
	peers map[uint64]chan raftpb.Message
}

func NewBus() *Bus {
	return &Bus{peers: make(map[uint64]chan raftpb.Message)}
}

func (b *Bus) register(id uint64) chan raftpb.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan raftpb.Message, 256)
	b.peers[id] = ch

	return ch
}

func (b *Bus) send(msg raftpb.Message) {
	b.mu.Lock()
	ch, ok := b.peers[msg.To]
	b.mu.Unlock()

	if !ok {
		return
	}

	select {
	case ch <- msg:
	default:
		log.Warningf("raft transport: dropping message to %d, receive buffer full", msg.To)
	}
}

// RaftTransport is a Transport backed by an etcd raft consensus group:
// every STATE_REQ submitted anywhere in the group is Proposed to raft,
// and every member observes it as an Action once raft commits it at
// the same log index everywhere, which is exactly the totally-ordered
// delivery spec.md §2 asks the group-communication layer to provide.
type RaftTransport struct {
	nodeID  uint64
	node    raft.Node
	storage *raft.MemoryStorage
	bus     *Bus
	recv    chan raftpb.Message
	actions chan Action

	mu        sync.Mutex
	joinStatus map[int64]chan int

	stop chan struct{}
}

// NewRaftTransport starts a raft node with id nodeID participating in
// a group with the given peer ids (including nodeID) over bus.
func NewRaftTransport(nodeID uint64, peerIDs []uint64, bus *Bus) *RaftTransport {
	storage := raft.NewMemoryStorage()

	peers := make([]raft.Peer, 0, len(peerIDs))
	for _, id := range peerIDs {
		peers = append(peers, raft.Peer{ID: id})
	}

	cfg := &raft.Config{
		ID:              nodeID,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         storage,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
	}

	t := &RaftTransport{
		nodeID:     nodeID,
		node:       raft.StartNode(cfg, peers),
		storage:    storage,
		bus:        bus,
		recv:       bus.register(nodeID),
		actions:    make(chan Action, 256),
		joinStatus: make(map[int64]chan int),
		stop:       make(chan struct{}),
	}

	go t.run()

	return t
}

// Stop tears down the raft node's event loop.
func (t *RaftTransport) Stop() {
	close(t.stop)
	t.node.Stop()
}

func (t *RaftTransport) run() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	// The local seqno counts committed STATE_REQ entries (1, 2, ...)
	// rather than reusing the raft log index, which also advances for
	// configuration-change and empty leader entries and so has gaps.
	var seqno int64

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.node.Tick()
		case msg := <-t.recv:
			t.node.Step(context.Background(), msg)
		case rd := <-t.node.Ready():
			t.storage.Append(rd.Entries)

			for _, msg := range rd.Messages {
				t.bus.send(msg)
			}

			for _, entry := range rd.CommittedEntries {
				if entry.Type == raftpb.EntryNormal && len(entry.Data) > 0 {
					fromNode, payload := decodeProposal(entry.Data)
					seqno++

					t.actions <- Action{
						Seqno:     seqno,
						Type:      ActionStateReq,
						FromNode:  fromNode,
						DonorNode: t.node.Status().Lead,
						Payload:   payload,
					}
				}
			}

			t.node.Advance()
		}
	}
}

func (t *RaftTransport) RequestStateTransfer(ctx context.Context, payload []byte, donorHint int64, istUUID uuid.UUID, istSeqno int64) (int64, int64, error) {
	if err := t.node.Propose(ctx, encodeProposal(t.nodeID, payload)); err != nil {
		return -1, -1, ErrAgain
	}

	// This reference transport's donor policy is "whoever is raft
	// leader when the request commits" (set in run() from
	// node.Status().Lead), a cheap stand-in for a real deployment's
	// donor-selection heuristics. The local seqno isn't known
	// synchronously here either -- run() only assigns it once Ready()
	// delivers the committed entry -- so both are reported as -1
	// rather than guessed.
	return -1, -1, nil
}

// encodeProposal/decodeProposal stamp the proposer's node id onto a
// raft log entry so every member that observes the committed entry
// can tell who asked for the transfer, matching what Hub.broadcast
// gets for free from its in-process caller identity.
func encodeProposal(fromNode uint64, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf[:8], fromNode)
	copy(buf[8:], payload)

	return buf
}

func decodeProposal(data []byte) (fromNode uint64, payload []byte) {
	if len(data) < 8 {
		return 0, data
	}

	return binary.BigEndian.Uint64(data[:8]), data[8:]
}

func (t *RaftTransport) Join(ctx context.Context, status int) error {
	return nil
}

func (t *RaftTransport) Actions() <-chan Action {
	return t.actions
}

func (t *RaftTransport) NodeID() uint64 {
	return t.nodeID
}
