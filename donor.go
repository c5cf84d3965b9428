package str

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"time"

	"github.com/latticedb/str/groupcomm"
	"github.com/latticedb/str/gtid"
	"github.com/latticedb/str/metrics"
	"github.com/latticedb/str/sst"
	"github.com/latticedb/str/wire"
	"github.com/latticedb/str/wscache"
)

// runDonor implements the donor state machine (C5). It is only
// reached for the member the group transport named as donor for
// action; every other member already left the local-order monitor in
// processAction.
func (c *Coordinator) runDonor(ctx context.Context, action groupcomm.Action) {
	started := time.Now()
	defer func() { metrics.SSTDuration.WithLabelValues("donor").Observe(time.Since(started).Seconds()) }()

	// Step 1: serialize against locally applied work before any byte
	// of the transfer can leave this node. Drain through the highest
	// seqno ever admitted, not StateSeqno(): StateSeqno() is the
	// monitor's own settled position, so draining through it is
	// always an immediate no-op and lets an in-flight apply race the
	// transfer. Only once the drain completes is StateSeqno() read as
	// the now-stable bound handed downstream.
	c.applyOrder.Drain(c.applyOrder.HighestEntered())
	if !c.commitOrder.Bypassed {
		c.commitOrder.Drain(c.commitOrder.HighestEntered())
	}
	drainThrough := c.StateSeqno()

	// Step 2: decode.
	sstBytes, istBytes, err := wire.Decode(action.Payload)
	if err != nil {
		log.Warningf("donor: malformed STATE_REQ envelope: %v", err)
		c.localOrder.Leave(action.Seqno)
		return
	}

	sstStr := strings.TrimRight(string(sstBytes), "\x00")
	isSentinel := sstStr == wire.TrivialSST || sstStr == wire.LegacyNoneSST
	hasSST := len(sstBytes) > 0 && !isSentinel

	// Step 3.
	c.setState(StateDonor)

	// Step 4: IST attempt.
	istTaken, deferred, result := c.attemptIST(ctx, action, istBytes, sstBytes, hasSST, drainThrough)

	if !istTaken {
		// Step 5/6: full SST, skip, or protocol error.
		switch {
		case hasSST:
			c.localOrder.Leave(action.Seqno)

			donorSeq := c.StateSeqno()
			if derr := c.donorScript.Donate(ctx, sstBytes, gtid.GTID{UUID: c.historyUUID, Seqno: donorSeq}, false); derr != nil {
				log.Warningf("donor: SST callback failed: %v", derr)
				result = -int(syscall.ECANCELED)
			} else {
				result = int(donorSeq)
			}
		case isSentinel:
			c.localOrder.Leave(action.Seqno)
			result = 0
		default:
			c.localOrder.Leave(action.Seqno)
			log.Warning("donor: empty SST payload with no usable IST descriptor is a protocol error")
			result = -int(syscall.ECANCELED)
		}

		deferred = false
	}

	// Step 7.
	if !deferred {
		if err := c.transport.Join(ctx, result); err != nil {
			log.Warningf("donor: failed to announce join: %v", err)
		}
	}
}

// attemptIST runs step 4. It returns istTaken=true if an IST
// descriptor was present and matched our history (whether or not the
// attempt itself then succeeded), except when the requested start has
// been evicted and an SST fallback was offered, which reports
// istTaken=false so the caller runs the full SST. deferred=true means
// the join announcement has been handed off to the asynchronous IST
// sender, and result carries the action result when istTaken is true
// but nothing was deferred (e.g. ENODATA or a failed bypass SST).
func (c *Coordinator) attemptIST(ctx context.Context, action groupcomm.Action, istBytes, sstBytes []byte, hasSST bool, drainThrough int64) (istTaken, deferred bool, result int) {
	if len(istBytes) == 0 {
		return false, false, 0
	}

	descriptor, perr := wire.ParseIST(string(istBytes))
	if perr != nil {
		log.Warningf("donor: malformed IST descriptor: %v", perr)
		return false, false, 0
	}

	if descriptor.UUID != c.historyUUID {
		log.Warningf("donor: IST descriptor history uuid %s does not match our own %s", descriptor.UUID, c.historyUUID)
		return false, false, 0
	}

	istTaken = true

	unlock, lerr := c.cache.SeqnoLock(descriptor.LastApplied + 1)

	if errors.Is(lerr, wscache.ErrNotFound) {
		if hasSST {
			// The joiner's requested starting point has been
			// evicted, but an SST fallback was offered: fall
			// through to the caller's full-SST path.
			return false, false, 0
		}

		c.localOrder.Leave(action.Seqno)
		return true, false, -int(syscall.ENODATA)
	}

	if lerr != nil {
		log.Errorf("donor: unexpected cache error acquiring seqno lock: %v", lerr)
		c.localOrder.Leave(action.Seqno)
		return true, false, -int(syscall.EINVAL)
	}

	if hasSST {
		bypassPosition := gtid.GTID{UUID: c.historyUUID, Seqno: descriptor.LastApplied}

		if derr := c.donorScript.Donate(ctx, sstBytes, bypassPosition, true); derr != nil {
			unlock()
			log.Warningf("donor: bypass SST notification failed: %v", derr)
			c.localOrder.Leave(action.Seqno)
			return true, false, -int(syscall.ECANCELED)
		}
	}

	c.localOrder.Leave(action.Seqno)
	c.startISTSender(descriptor, unlock, drainThrough)

	return true, true, 0
}

// startISTSender hands the cache lock to an asynchronous sender that
// streams [descriptor.LastApplied+1, through] to the joiner and
// releases the lock exactly once when it finishes, then announces
// completion to the group.
func (c *Coordinator) startISTSender(descriptor wire.ISTDescriptor, unlock func(), through int64) {
	it, err := c.cache.Range(descriptor.LastApplied+1, through)
	if err != nil {
		unlock()
		log.Warningf("donor: failed to obtain IST range iterator: %v", err)
		if jerr := c.transport.Join(context.Background(), -int(syscall.ECANCELED)); jerr != nil {
			log.Warningf("donor: failed to announce join: %v", jerr)
		}
		return
	}

	lockAcquired := time.Now()

	sst.RunISTSender(descriptor.PeerAddress, it, unlock, func(sendErr error) {
		metrics.CacheLockHoldSeconds.Observe(time.Since(lockAcquired).Seconds())

		result := int(through)
		resultLabel := "ok"
		if sendErr != nil {
			result = -int(syscall.ECANCELED)
			resultLabel = "failed"
		}
		metrics.StateTransfersTotal.WithLabelValues("ist", resultLabel).Inc()

		if jerr := c.transport.Join(context.Background(), result); jerr != nil {
			log.Warningf("donor: failed to announce join after IST: %v", jerr)
		}
	})
}
