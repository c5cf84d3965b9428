// Package gtid defines the global transaction identifier used to name a
// point in a group's totally-ordered history.
package gtid

import (
	"fmt"

	"github.com/google/uuid"
)

// Undefined is the sentinel seqno meaning "no position".
const Undefined int64 = -1

// GTID names a point in history as a (history uuid, seqno) pair.
type GTID struct {
	UUID  uuid.UUID
	Seqno int64
}

// UndefinedFor returns the GTID naming "no position" for the given history.
func UndefinedFor(historyUUID uuid.UUID) GTID {
	return GTID{UUID: historyUUID, Seqno: Undefined}
}

// IsUndefined reports whether g names no position.
func (g GTID) IsUndefined() bool {
	return g.Seqno == Undefined
}

// SameHistory reports whether g and other share a history uuid.
func (g GTID) SameHistory(other GTID) bool {
	return g.UUID == other.UUID
}

func (g GTID) String() string {
	return fmt.Sprintf("%s:%d", g.UUID, g.Seqno)
}

// Compare orders two GTIDs from the same history by seqno. Comparing
// across histories is meaningless and always reports g as greater so
// callers notice the mismatch instead of silently proceeding.
func (g GTID) Compare(other GTID) int {
	if g.UUID != other.UUID {
		return 1
	}

	switch {
	case g.Seqno < other.Seqno:
		return -1
	case g.Seqno > other.Seqno:
		return 1
	default:
		return 0
	}
}
