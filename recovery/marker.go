// Package recovery persists the recovery marker (C3): the tuple
// (uuid, seqno, safe_to_bootstrap) plus the orthogonal safe flag that
// a restarting coordinator consults to decide whether it can resume
// ordinary replication or must demand a full state snapshot.
package recovery

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("str/recovery")

// ErrCorrupt is the durable sentinel written when an IST apply fails
// mid-stream: a full SST is required on the next start.
var ErrCorrupt = errors.New("recovery: marker store reports the local state is corrupt")

var markerKey = []byte("marker")

// Marker is the on-disk tuple plus its safety flags.
type Marker struct {
	UUID           uuid.UUID
	Seqno          int64
	SafeToBootstrap bool
	Safe           bool
	Corrupt        bool
}

// Store persists a Marker across crashes. It is backed by a leveldb
// database holding a single record, whose Put already gives us the crash-atomic
// write the on-disk tuple requires: a Put either lands in full or not
// at all, so a torn write can never leave "safe=true" paired with a
// seqno that doesn't correspond to it (invariant 3).
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) the marker store at dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads the persisted marker. A missing file (nothing ever
// written) reports an undefined position with safe=true, matching a
// brand new node that has not yet joined anything.
func (s *Store) Get() (Marker, error) {
	raw, err := s.db.Get(markerKey, nil)
	if err == leveldb.ErrNotFound {
		return Marker{Seqno: -1, Safe: true}, nil
	}
	if err != nil {
		return Marker{}, err
	}

	return decodeMarker(raw)
}

// Set atomically writes uuid, seqno, and safe_to_bootstrap and clears
// the Corrupt flag. The Safe flag is left as it is; restoring
// safe=true is a separate MarkSafe call, mirroring the separate
// "clear the persisted seqno" and "restore safe=true" steps in the
// joiner's finalize stage.
func (s *Store) Set(id uuid.UUID, seqno int64, safeToBootstrap bool) error {
	current, err := s.Get()
	if err != nil {
		return err
	}

	current.UUID = id
	current.Seqno = seqno
	current.SafeToBootstrap = safeToBootstrap
	current.Corrupt = false

	return s.write(current)
}

// MarkUnsafe clears the safe flag. Called before any operation that
// could modify data without advancing the seqno.
func (s *Store) MarkUnsafe() error {
	current, err := s.Get()
	if err != nil {
		return err
	}

	current.Safe = false

	return s.write(current)
}

// MarkSafe sets the safe flag once consistency is re-established.
func (s *Store) MarkSafe() error {
	current, err := s.Get()
	if err != nil {
		return err
	}

	current.Safe = true
	current.Corrupt = false

	return s.write(current)
}

// MarkCorrupt records that an IST apply failed mid-stream: the next
// start must demand a full SST regardless of what seqno is on disk.
func (s *Store) MarkCorrupt() error {
	current, err := s.Get()
	if err != nil {
		return err
	}

	current.Corrupt = true
	current.Safe = false

	log.Warning("recovery marker set to corrupt; next start requires a full state snapshot")

	return s.write(current)
}

func (s *Store) write(m Marker) error {
	return s.db.Put(markerKey, encodeMarker(m), &opt.WriteOptions{Sync: true})
}

func encodeMarker(m Marker) []byte {
	buf := make([]byte, 16+8+1)
	copy(buf[0:16], m.UUID[:])
	binary.BigEndian.PutUint64(buf[16:24], uint64(m.Seqno))

	var flags byte
	if m.Safe {
		flags |= 1 << 0
	}
	if m.SafeToBootstrap {
		flags |= 1 << 1
	}
	if m.Corrupt {
		flags |= 1 << 2
	}
	buf[24] = flags

	return buf
}

func decodeMarker(raw []byte) (Marker, error) {
	if len(raw) != 25 {
		return Marker{}, errors.New("recovery: marker record has unexpected length")
	}

	var id uuid.UUID
	copy(id[:], raw[0:16])
	seqno := int64(binary.BigEndian.Uint64(raw[16:24]))
	flags := raw[24]

	return Marker{
		UUID:            id,
		Seqno:           seqno,
		Safe:            flags&(1<<0) != 0,
		SafeToBootstrap: flags&(1<<1) != 0,
		Corrupt:         flags&(1<<2) != 0,
	}, nil
}
