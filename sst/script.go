// Package sst implements the snapshot-transfer collaborators from
// spec.md §6: the donor-side snapshot callback (sst_donate), the
// joiner-side completion callback (sst_received), and the IST sender
// and receiver that move the incremental write-set stream. The actual
// database payload remains opaque to this package, matching
// spec.md §1's framing of the snapshot data as moved by an externally
// supplied script pair; what lives here is the default
// reference script used by the demo daemon and the coordinator's own
// tests, built the way the teacher streams partition data in
// transfer.OutgoingTransfer/IncomingTransfer (length-framed records
// over a plain connection) rather than over HTTP, since SST delivery
// here is donor-initiated and payload-opaque.
package sst

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/latticedb/str/gtid"
)

// ErrDonateFailed is returned by DonorScript.Donate when the script
// itself fails (maps to the spec's negative rcode at the boundary).
var ErrDonateFailed = errors.New("sst: donor script failed")

// DonorScript is the donor-side snapshot callback contract
// (sst_donate). In bypass mode it must return immediately after
// notifying the joiner IST is about to deliver; it must not copy any
// bytes.
type DonorScript interface {
	Donate(ctx context.Context, payload []byte, position gtid.GTID, bypass bool) error
}

// ReceivedFunc matches the joiner-side completion callback contract
// (sst_received): rcode is 0 on success, -ECANCELED on cancel, any
// other negative value on failure.
type ReceivedFunc func(position gtid.GTID, blob string, rcode int)

// JoinerScript is the joiner-side wrapper invoked with the SST
// sub-payload; it eventually calls back with ReceivedFunc once the
// transfer (or bypass notification) completes.
type JoinerScript interface {
	Run(ctx context.Context, payload []byte, onReceived ReceivedFunc)
}

// StreamingDonorScript copies an opaque byte blob to the address
// encoded in payload over a plain TCP connection. It is the default,
// non-bypass DonorScript: real deployments supply their own script
// (e.g. xtrabackup) that knows the physical database format, which is
// explicitly out of scope here (spec.md Non-goals).
type StreamingDonorScript struct {
	// Blob is streamed verbatim to simulate "the database image"; a
	// nil Blob streams an empty image. Bypass mode never sends it.
	Blob []byte
	// Dial defaults to net.Dial("tcp", addr) when nil.
	Dial func(addr string) (net.Conn, error)
}

func (d *StreamingDonorScript) Donate(ctx context.Context, payload []byte, position gtid.GTID, bypass bool) error {
	if bypass {
		// Bypass mode notifies the joiner IST is coming; no bytes
		// move here. After this call returns the coordinator's donor
		// state machine starts the IST sender and invokes Join once
		// that sender finishes.
		return nil
	}

	dial := d.Dial
	if dial == nil {
		dial = func(addr string) (net.Conn, error) { return net.Dial("tcp", addr) }
	}

	conn, err := dial(string(payload))
	if err != nil {
		return errors.Join(ErrDonateFailed, err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)

	var header [24]byte
	copy(header[0:16], position.UUID[:])
	binary.BigEndian.PutUint64(header[16:24], uint64(position.Seqno))

	if _, err := w.Write(header[:]); err != nil {
		return errors.Join(ErrDonateFailed, err)
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(d.Blob)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Join(ErrDonateFailed, err)
	}

	if _, err := w.Write(d.Blob); err != nil {
		return errors.Join(ErrDonateFailed, err)
	}

	return w.Flush()
}

// StreamingJoinerScript listens for the donor's StreamingDonorScript
// connection and reports the result through onReceived.
type StreamingJoinerScript struct {
	Listener net.Listener
}

// NewStreamingJoinerScript binds an ephemeral TCP listener the donor
// will connect to; its address should be embedded in the SST payload
// handed to the donor (out of band, the same way the real script pair
// agrees on an address).
func NewStreamingJoinerScript() (*StreamingJoinerScript, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	return &StreamingJoinerScript{Listener: l}, nil
}

// Addr is the address to hand the donor.
func (j *StreamingJoinerScript) Addr() string {
	return j.Listener.Addr().String()
}

func (j *StreamingJoinerScript) Run(ctx context.Context, payload []byte, onReceived ReceivedFunc) {
	go func() {
		conn, err := j.Listener.Accept()
		if err != nil {
			onReceived(gtid.GTID{}, "", -1)
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)

		var header [24]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			onReceived(gtid.GTID{}, "", -1)
			return
		}

		var position gtid.GTID
		copy(position.UUID[:], header[0:16])
		position.Seqno = int64(binary.BigEndian.Uint64(header[16:24]))

		var lenBuf [8]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			onReceived(position, "", -1)
			return
		}

		blobLen := binary.BigEndian.Uint64(lenBuf[:])
		blob := make([]byte, blobLen)
		if _, err := io.ReadFull(r, blob); err != nil {
			onReceived(position, "", -1)
			return
		}

		onReceived(position, string(blob), 0)
	}()
}
