package str

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/latticedb/str/groupcomm"
	"github.com/latticedb/str/gtid"
	"github.com/latticedb/str/metrics"
	"github.com/latticedb/str/sst"
	"github.com/latticedb/str/wire"
)

// sendRetryInterval is the fixed backoff between RequestStateTransfer
// retries on ErrAgain/ErrNotConnected.
var sendRetryInterval = 200 * time.Millisecond

// ErrSnapshotFailed wraps a non-zero, non-cancellation rcode reported
// by sst_received.
var ErrSnapshotFailed = errors.New("str: snapshot transfer failed")

// RequestStateTransfer implements the joiner state machine (C4): it
// asks the group for a STATE_REQ, waits out the resulting SST if one
// was necessary, replays any IST that rides along with it, and leaves
// the coordinator in JOINED once the local database matches
// (groupUUID, groupSeqno).
func (c *Coordinator) RequestStateTransfer(ctx context.Context, groupUUID uuid.UUID, groupSeqno int64) error {
	started := time.Now()
	defer func() { metrics.SSTDuration.WithLabelValues("joiner").Observe(time.Since(started).Seconds()) }()

	var istBytes []byte
	var istReceiver *sst.ISTReceiver

	usable := !c.forceSST && c.historyUUID == groupUUID && c.StateSeqno() >= 0 && c.StateSeqno() < groupSeqno

	if usable && c.protoVer >= wire.ProtoVersion1 {
		receiver, addr, err := sst.Prepare()
		if err != nil {
			log.Warningf("joiner: failed to prepare IST receiver, falling back to SST only: %v", err)
		} else {
			descriptor := wire.ISTDescriptor{
				UUID:        c.historyUUID,
				LastApplied: c.StateSeqno(),
				GroupSeqno:  groupSeqno,
				PeerAddress: addr,
			}
			istBytes = []byte(wire.FormatIST(descriptor))
			istReceiver = receiver
		}
	}

	var sstPayload []byte
	var joinerScript *sst.StreamingJoinerScript

	if istReceiver != nil {
		sstPayload = []byte(wire.TrivialSST)
	} else {
		js, err := sst.NewStreamingJoinerScript()
		if err != nil {
			return err
		}
		joinerScript = js
		sstPayload = []byte(js.Addr())
	}

	envelope, err := wire.Encode(c.protoVer, sstPayload, istBytes)
	if err != nil {
		return err
	}

	markedUnsafe := false
	if len(sstPayload) > 0 && string(sstPayload) != wire.TrivialSST {
		if merr := c.markers.MarkUnsafe(); merr != nil {
			log.Warningf("joiner: failed to persist unsafe marker: %v", merr)
		}
		markedUnsafe = true
	}

	c.sstMu.Lock()
	c.sstReceived = false
	c.sstMu.Unlock()

	if joinerScript != nil {
		joinerScript.Run(ctx, sstPayload, func(position gtid.GTID, blob string, rcode int) {
			c.SSTReceived(position, rcode)
		})
	}

	donorIndex, localSeqno, err := c.sendRequest(ctx, envelope, groupUUID, groupSeqno)
	if err != nil {
		if localSeqno >= 0 {
			c.localOrder.SelfCancel(localSeqno)
		}

		if errors.Is(err, groupcomm.ErrNoData) {
			if markedUnsafe {
				if merr := c.markers.MarkSafe(); merr != nil {
					log.Warningf("joiner: failed to clear unsafe marker: %v", merr)
				}
			}
			fatal("state transfer request failed: donor's cache drifted past our position with no SST fallback: %v", err)
			return err
		}

		if !markedUnsafe {
			if merr := c.markers.MarkUnsafe(); merr != nil {
				log.Warningf("joiner: failed to persist unsafe marker: %v", merr)
			}
		}
		fatal("state transfer request could not be delivered: %v", err)
		return err
	}

	c.mu.Lock()
	c.lastDonorIndex = donorIndex
	c.mu.Unlock()

	if c.retryCount > 0 {
		log.Infof("state transfer request delivered after %d retries", c.retryCount)
		c.retryCount = 0
	}

	c.setState(StateJoining)
	c.cache.SeqnoReset(groupUUID, groupSeqno)

	sstRequested := len(sstPayload) > 0
	trivial := string(sstPayload) == wire.TrivialSST

	if sstRequested && !trivial {
		uuidRecv, seqnoRecv, rcode := c.awaitSST()

		if rcode != 0 {
			if !markedUnsafe {
				if merr := c.markers.MarkUnsafe(); merr != nil {
					log.Warningf("joiner: failed to persist unsafe marker: %v", merr)
				}
			}

			if rcode == -int(syscall.ECANCELED) {
				metrics.StateTransfersTotal.WithLabelValues("sst", "canceled").Inc()
				c.closeConnection()
				return ErrCanceled
			}

			metrics.StateTransfersTotal.WithLabelValues("sst", "failed").Inc()
			c.closeConnection()
			return fmt.Errorf("%w: rcode %d", ErrSnapshotFailed, rcode)
		}

		metrics.StateTransfersTotal.WithLabelValues("sst", "ok").Inc()

		if uuidRecv != groupUUID {
			fatal("donor shipped a database from history %s, expected %s", uuidRecv, groupUUID)
			return ErrWrongDatabase
		}

		c.installPosition(gtid.GTID{UUID: uuidRecv, Seqno: seqnoRecv})
	}

	if istReceiver != nil && c.State() == StateJoining && c.StateSeqno() < groupSeqno {
		if err := c.runIST(istReceiver, groupSeqno); err != nil {
			metrics.StateTransfersTotal.WithLabelValues("ist", "failed").Inc()
			return err
		}

		metrics.StateTransfersTotal.WithLabelValues("ist", "ok").Inc()
	}

	if err := c.markers.Set(c.historyUUID, gtid.Undefined, false); err != nil {
		log.Warningf("joiner: failed to clear persisted seqno: %v", err)
	}
	if err := c.markers.MarkSafe(); err != nil {
		log.Warningf("joiner: failed to restore safe marker: %v", err)
	}

	c.setState(StateJoined)

	return nil
}

// sendRequest retries RequestStateTransfer on the transport's
// retryable errors with a fixed backoff, counting attempts for the
// per-retry warnings and the log line emitted on eventual success.
func (c *Coordinator) sendRequest(ctx context.Context, envelope []byte, groupUUID uuid.UUID, groupSeqno int64) (donorIndex, localSeqno int64, err error) {
	for {
		donorIndex, localSeqno, err = c.transport.RequestStateTransfer(ctx, envelope, -1, groupUUID, groupSeqno)
		if err == nil {
			return donorIndex, localSeqno, nil
		}

		if errors.Is(err, groupcomm.ErrAgain) || errors.Is(err, groupcomm.ErrNotConnected) {
			c.retryCount++
			log.Warningf("state transfer request retry %d: %v", c.retryCount, err)

			select {
			case <-ctx.Done():
				return donorIndex, localSeqno, ctx.Err()
			case <-time.After(sendRetryInterval):
			}

			continue
		}

		return donorIndex, localSeqno, err
	}
}

// awaitSST blocks until sst_received signals a terminal outcome. The
// donor's script can complete and call sst_received before this
// thread ever gets here (it can win the race between sendRequest
// returning and this call), so a result already waiting must be
// returned as-is rather than clobbered by resetting to SSTWait.
func (c *Coordinator) awaitSST() (id uuid.UUID, seqno int64, rcode int) {
	c.sstMu.Lock()
	defer c.sstMu.Unlock()

	if !c.sstReceived {
		c.sstState = SSTWait

		for !c.sstReceived {
			c.sstCond.Wait()
		}
	}

	return c.sstUUID, c.sstSeqno, c.sstRcode
}

// SSTReceived is the joiner-side completion callback (sst_received).
// It is only valid while the coordinator is CONNECTED or JOINING; any
// other state means the donor's script reported a result for a
// transfer this coordinator never requested.
func (c *Coordinator) SSTReceived(position gtid.GTID, rcode int) error {
	state := c.State()
	if state != StateConnected && state != StateJoining {
		return ErrProtocolViolation
	}

	c.sstMu.Lock()
	c.sstUUID = position.UUID
	c.sstSeqno = position.Seqno
	c.sstRcode = rcode
	c.sstReceived = true

	switch {
	case rcode == 0:
		c.sstState = SSTIdle
	case rcode == -int(syscall.ECANCELED):
		c.sstState = SSTCanceled
	default:
		c.sstState = SSTFailed
	}
	c.sstMu.Unlock()

	c.sstCond.Signal()

	return nil
}

// installPosition adopts a freshly delivered SST position, reinitializing
// the apply and commit monitors so deliveries already queued behind
// the old position observe the new one.
func (c *Coordinator) installPosition(position gtid.GTID) {
	c.historyUUID = position.UUID
	c.applyOrder.Reinit(position.Seqno)
	c.commitOrder.Reinit(position.Seqno)
}

// runIST replays every write-set the donor streams, advancing the
// apply and commit monitors in lockstep, then drains apply through
// groupSeqno to serialize against whatever the group continues to
// deliver concurrently.
func (c *Coordinator) runIST(receiver *sst.ISTReceiver, groupSeqno int64) error {
	if err := receiver.Ready(); err != nil {
		return err
	}

	for {
		seqno, writeset, err := receiver.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		c.applyOrder.Enter(seqno)
		c.commitOrder.Enter(seqno)

		metrics.ISTWriteSetsTotal.Inc()
		metrics.ISTBytesTotal.Add(float64(len(writeset)))

		if err := c.applier.Apply(writeset); err != nil {
			if merr := c.markers.MarkCorrupt(); merr != nil {
				log.Warningf("joiner: failed to persist corrupt marker: %v", merr)
			}
			fatal("IST apply failed at seqno %d: %v", seqno, err)
			return err
		}

		c.applyOrder.Leave(seqno)
		c.commitOrder.Leave(seqno)
	}

	receiver.Finished()
	c.applyOrder.Drain(groupSeqno)

	return nil
}

// closeConnection transitions to CLOSING; a real deployment would
// also tear down the transport connection here, left to the caller's
// own transport lifecycle.
func (c *Coordinator) closeConnection() {
	c.setState(StateClosing)
}
