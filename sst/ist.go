package sst

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("str/sst")

// WriteSetIterator matches wscache.Iterator structurally so this
// package doesn't need to import wscache: any cache implementation
// whose Range() returns something with this method set can back an
// IST sender.
type WriteSetIterator interface {
	Next() bool
	Seqno() int64
	WriteSet() []byte
	Release()
	Error() error
}

// RunISTSender starts the asynchronous sender described in spec.md
// §6's "IST sender pool": it owns the cache lock (via releaseLock)
// for the duration of the stream and releases it exactly once, either
// here at end-of-stream or earlier by the caller's own scope guard if
// setup fails before this is ever called. onDone receives the error
// (nil on a clean end-of-stream) so the donor state machine can
// surface it as the action result.
func RunISTSender(peerAddr string, it WriteSetIterator, releaseLock func(), onDone func(error)) {
	go func() {
		defer releaseLock()
		defer it.Release()

		err := sendAll(peerAddr, it)

		if err != nil {
			log.Warningf("IST sender to %s failed: %v", peerAddr, err)
		}

		if onDone != nil {
			onDone(err)
		}
	}()
}

func sendAll(peerAddr string, it WriteSetIterator) error {
	conn, err := net.Dial("tcp", peerAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)

	for it.Next() {
		if err := writeFrame(w, it.Seqno(), it.WriteSet()); err != nil {
			return err
		}
	}

	if it.Error() != nil {
		return it.Error()
	}

	return w.Flush()
}

func writeFrame(w *bufio.Writer, seqno int64, writeset []byte) error {
	var header [12]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(seqno))
	binary.BigEndian.PutUint32(header[8:12], uint32(len(writeset)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	_, err := w.Write(writeset)

	return err
}

// ISTReceiver implements the joiner-side IST receiver collaborator
// from spec.md §6: Prepare creates a listener, Ready accepts the
// donor's connection, Recv yields write-sets one at a time, and
// Finished reports the last seqno actually received.
type ISTReceiver struct {
	listener  net.Listener
	conn      net.Conn
	reader    *bufio.Reader
	lastSeqno int64
}

// Prepare binds an ephemeral listener and returns its address, to be
// embedded verbatim as the IST descriptor's peer address.
func Prepare() (*ISTReceiver, string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}

	return &ISTReceiver{listener: l, lastSeqno: -1}, l.Addr().String(), nil
}

// Ready blocks until the donor connects.
func (r *ISTReceiver) Ready() error {
	conn, err := r.listener.Accept()
	if err != nil {
		return err
	}

	r.conn = conn
	r.reader = bufio.NewReader(conn)

	return nil
}

// Recv reads the next write-set. Returns io.EOF once the donor closes
// the connection after its last write-set.
func (r *ISTReceiver) Recv() (seqno int64, writeset []byte, err error) {
	var header [12]byte
	if _, err := io.ReadFull(r.reader, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return 0, nil, err
	}

	seqno = int64(binary.BigEndian.Uint64(header[0:8]))
	size := binary.BigEndian.Uint32(header[8:12])

	writeset = make([]byte, size)
	if _, err := io.ReadFull(r.reader, writeset); err != nil {
		return 0, nil, err
	}

	r.lastSeqno = seqno

	return seqno, writeset, nil
}

// Finished reports the last seqno received and releases the listener.
func (r *ISTReceiver) Finished() int64 {
	if r.conn != nil {
		r.conn.Close()
	}
	r.listener.Close()

	return r.lastSeqno
}
