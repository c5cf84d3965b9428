package str

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/latticedb/str/groupcomm"
	"github.com/latticedb/str/gtid"
	"github.com/latticedb/str/recovery"
	"github.com/latticedb/str/sst"
	"github.com/latticedb/str/wire"
	"github.com/latticedb/str/wscache"
)

func TestStr(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "state transfer coordinator scenarios")
}

func newMarkerStore() *recovery.Store {
	dir, err := os.MkdirTemp("", "str-marker-*")
	Expect(err).NotTo(HaveOccurred())

	store, err := recovery.Open(dir)
	Expect(err).NotTo(HaveOccurred())

	return store
}

// fakeTransport lets a spec drive Transport.RequestStateTransfer's
// result directly, for scenarios that exercise group-communication
// policy (donor selection, ENODATA) the in-process Hub doesn't model.
type fakeTransport struct {
	nodeID     uint64
	actions    chan groupcomm.Action
	requestErr error
	donorIndex int64
	localSeqno int64

	mu      sync.Mutex
	joined  []int
}

func newFakeTransport(nodeID uint64) *fakeTransport {
	return &fakeTransport{
		nodeID:     nodeID,
		actions:    make(chan groupcomm.Action, 8),
		donorIndex: -1,
		localSeqno: -1,
	}
}

func (f *fakeTransport) RequestStateTransfer(ctx context.Context, payload []byte, donorHint int64, istUUID uuid.UUID, istSeqno int64) (int64, int64, error) {
	return f.donorIndex, f.localSeqno, f.requestErr
}

func (f *fakeTransport) Join(ctx context.Context, status int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.joined = append(f.joined, status)

	return nil
}

func (f *fakeTransport) Actions() <-chan groupcomm.Action { return f.actions }
func (f *fakeTransport) NodeID() uint64                   { return f.nodeID }

var _ = Describe("the joiner state machine", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	It("performs a full snapshot transfer for a fresh joiner with no shared history", func() {
		groupUUID := uuid.New()

		hub := groupcomm.NewHub()
		donorTransport := hub.Join(1)
		joinerTransport := hub.Join(2)

		donorCache := wscache.New(64)
		donorCache.Append(1, []byte("ws-1"))
		donorCache.Append(2, []byte("ws-2"))
		donorCache.Append(3, []byte("ws-3"))

		donorMarkers := newMarkerStore()
		defer donorMarkers.Close()

		donorScript := &sst.StreamingDonorScript{Blob: []byte("the whole database")}

		donorCoord := NewCoordinator(groupUUID, wire.ProtoVersion1, donorTransport, donorCache, donorMarkers, LoggingApplier{}, donorScript, false)
		go donorCoord.Run(ctx)
		defer donorCoord.Stop()

		joinerCache := wscache.New(64)
		joinerMarkers := newMarkerStore()
		defer joinerMarkers.Close()

		// A brand new node has never joined this (or any) history.
		joinerCoord := NewCoordinator(uuid.Nil, wire.ProtoVersion1, joinerTransport, joinerCache, joinerMarkers, LoggingApplier{}, &sst.StreamingDonorScript{}, false)
		go joinerCoord.Run(ctx)
		defer joinerCoord.Stop()

		err := joinerCoord.RequestStateTransfer(ctx, groupUUID, 3)
		Expect(err).NotTo(HaveOccurred())

		Expect(joinerCoord.State()).To(Equal(StateJoined))
		Expect(joinerCoord.StateSeqno()).To(Equal(int64(3)))
	})

	It("catches up a small gap with an incremental transfer instead of a full snapshot", func() {
		historyUUID := uuid.New()

		hub := groupcomm.NewHub()
		donorTransport := hub.Join(1)
		joinerTransport := hub.Join(2)

		donorCache := wscache.New(64)
		for seqno := int64(1); seqno <= 10; seqno++ {
			donorCache.Append(seqno, []byte("ws"))
		}

		donorMarkers := newMarkerStore()
		defer donorMarkers.Close()

		donorCoord := NewCoordinator(historyUUID, wire.ProtoVersion1, donorTransport, donorCache, donorMarkers, LoggingApplier{}, &sst.StreamingDonorScript{}, false)
		go donorCoord.Run(ctx)
		defer donorCoord.Stop()

		joinerCache := wscache.New(64)
		joinerCache.SeqnoReset(historyUUID, 7)

		joinerMarkers := newMarkerStore()
		defer joinerMarkers.Close()

		joinerCoord := NewCoordinator(historyUUID, wire.ProtoVersion1, joinerTransport, joinerCache, joinerMarkers, LoggingApplier{}, &sst.StreamingDonorScript{}, false)
		go joinerCoord.Run(ctx)
		defer joinerCoord.Stop()

		err := joinerCoord.RequestStateTransfer(ctx, historyUUID, 10)
		Expect(err).NotTo(HaveOccurred())

		Expect(joinerCoord.State()).To(Equal(StateJoined))
		Expect(joinerCoord.StateSeqno()).To(Equal(int64(10)))
	})

	It("fails fast when the group reports no donor can satisfy the requested range", func() {
		origExit := osExit
		exitCode := -1
		osExit = func(code int) { exitCode = code }
		defer func() { osExit = origExit }()

		historyUUID := uuid.New()

		transport := newFakeTransport(2)
		transport.requestErr = groupcomm.ErrNoData

		joinerCache := wscache.New(64)
		joinerCache.SeqnoReset(historyUUID, 5)

		markers := newMarkerStore()
		defer markers.Close()

		joinerCoord := NewCoordinator(historyUUID, wire.ProtoVersion1, transport, joinerCache, markers, LoggingApplier{}, &sst.StreamingDonorScript{}, false)

		err := joinerCoord.RequestStateTransfer(ctx, historyUUID, 20)

		Expect(err).To(Equal(groupcomm.ErrNoData))
		Expect(exitCode).To(Equal(1))

		marker, gerr := markers.Get()
		Expect(gerr).NotTo(HaveOccurred())
		Expect(marker.Safe).To(BeTrue())
	})

	It("closes the connection when the operator cancels an in-flight snapshot transfer", func() {
		historyUUID := uuid.New()

		hub := groupcomm.NewHub()
		donorTransport := hub.Join(1) // never actually donates in this scenario
		joinerTransport := hub.Join(2)

		markers := newMarkerStore()
		defer markers.Close()

		joinerCache := wscache.New(64)

		joinerCoord := NewCoordinator(uuid.Nil, wire.ProtoVersion1, joinerTransport, joinerCache, markers, LoggingApplier{}, &sst.StreamingDonorScript{}, false)
		go joinerCoord.Run(ctx)
		defer joinerCoord.Stop()

		// Member 1 has no coordinator in this scenario; drain its copy
		// of the request so its action channel never fills up.
		go func() {
			for action := range donorTransport.Actions() {
				_ = action
			}
		}()

		done := make(chan error, 1)
		go func() {
			done <- joinerCoord.RequestStateTransfer(ctx, historyUUID, 3)
		}()

		Eventually(func() State { return joinerCoord.State() }, time.Second).Should(Equal(StateJoining))

		Expect(joinerCoord.SSTReceived(gtid.GTID{}, -int(syscall.ECANCELED))).NotTo(HaveOccurred())

		var err error
		Eventually(done, time.Second).Should(Receive(&err))

		Expect(err).To(Equal(ErrCanceled))
		Expect(joinerCoord.State()).To(Equal(StateClosing))
	})
})

var _ = Describe("the donor state machine", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	It("skips the transfer entirely when the joiner already has an acceptable seed database", func() {
		historyUUID := uuid.New()

		transport := newFakeTransport(1)
		cache := wscache.New(16)
		cache.Append(1, []byte("ws"))

		markers := newMarkerStore()
		defer markers.Close()

		coord := NewCoordinator(historyUUID, wire.ProtoVersion1, transport, cache, markers, LoggingApplier{}, &sst.StreamingDonorScript{}, false)

		envelope, err := wire.Encode(wire.ProtoVersion1, []byte(wire.TrivialSST), nil)
		Expect(err).NotTo(HaveOccurred())

		action := groupcomm.Action{Seqno: 1, Type: groupcomm.ActionStateReq, FromNode: 2, DonorNode: 1, Payload: envelope}

		coord.localOrder.Enter(action.Seqno)
		coord.runDonor(ctx, action)

		Expect(transport.joined).To(Equal([]int{0}))
		Expect(coord.State()).To(Equal(StateDonor))
	})

	It("rejects a malformed request as a protocol error", func() {
		historyUUID := uuid.New()

		transport := newFakeTransport(1)
		cache := wscache.New(16)
		cache.Append(1, []byte("ws"))

		markers := newMarkerStore()
		defer markers.Close()

		coord := NewCoordinator(historyUUID, wire.ProtoVersion1, transport, cache, markers, LoggingApplier{}, &sst.StreamingDonorScript{}, false)

		// No SST offered and an IST descriptor that doesn't parse: the
		// donor can neither fall back to a snapshot nor serve the
		// (unparseable) requested range.
		badEnvelope, err := wire.Encode(wire.ProtoVersion1, nil, []byte("garbage"))
		Expect(err).NotTo(HaveOccurred())

		action := groupcomm.Action{Seqno: 1, Type: groupcomm.ActionStateReq, FromNode: 2, DonorNode: 1, Payload: badEnvelope}

		coord.localOrder.Enter(action.Seqno)
		coord.runDonor(ctx, action)

		Expect(transport.joined).To(Equal([]int{-int(syscall.ECANCELED)}))
	})
})
