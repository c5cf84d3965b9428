// Package wire implements the on-wire state transfer request envelope
// (C1) and the IST descriptor text form (C2) described by the
// coordinator's data model. Byte layout is absolute: it must
// interoperate with peers running older code, so nothing here is
// free to change shape.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrMsgTooLarge is returned by Encode when a sub-payload length does
// not fit in a signed 32-bit range.
var ErrMsgTooLarge = errors.New("wire: sub-payload length out of range")

// ErrMalformed is returned by Decode/ParseIST when the input does not
// conform to the wire layout.
var ErrMalformed = errors.New("wire: malformed request envelope")

// ErrNoIST0 is returned by Encode when a non-empty ist payload is
// requested at ProtoVersion0, which has no framing to carry one.
var ErrNoIST0 = errors.New("wire: protocol version 0 cannot carry an IST descriptor")

// magic is the version 1 leading tag. The trailing NUL is part of the
// tag itself, not a separator, so a v0 payload that happens to start
// with the ASCII bytes "STRv1" but without the NUL is never mistaken
// for v1.
var magic = []byte("STRv1\x00")

// ProtoVersion is the negotiated wire protocol version. Version 0
// cannot carry IST.
type ProtoVersion int

const (
	ProtoVersion0 ProtoVersion = 0
	ProtoVersion1 ProtoVersion = 1
	ProtoVersion2 ProtoVersion = 2
)

// TrivialSST is the sentinel SST payload meaning "no snapshot needed,
// the joiner already has an acceptable seed database".
const TrivialSST = "trivial"

// LegacyNoneSST is accepted on decode for compatibility with peers
// older than protocol version 1. Documented upstream as slated for
// removal; we still accept it, we just never emit it.
const LegacyNoneSST = "none"

// Encode frames sst and ist as a request envelope for protoVer. With
// protoVer 0 the ist payload must be empty and the result is sst
// verbatim; otherwise the result is the v1 envelope from the data
// model: magic || u32_be(len(sst)) || sst || u32_be(len(ist)) || ist.
func Encode(protoVer ProtoVersion, sst, ist []byte) ([]byte, error) {
	if len(sst) > math.MaxInt32 || len(ist) > math.MaxInt32 {
		return nil, ErrMsgTooLarge
	}

	if protoVer == ProtoVersion0 {
		if len(ist) > 0 {
			return nil, ErrNoIST0
		}
		return append([]byte(nil), sst...), nil
	}

	buf := bytes.NewBuffer(make([]byte, 0, len(magic)+8+len(sst)+len(ist)))
	buf.Write(magic)
	binary.Write(buf, binary.BigEndian, uint32(len(sst)))
	buf.Write(sst)
	binary.Write(buf, binary.BigEndian, uint32(len(ist)))
	buf.Write(ist)

	return buf.Bytes(), nil
}

// Decode splits a request envelope back into its SST and IST
// sub-payloads. A payload that does not begin with the full magic tag
// is treated as a v0 payload and returned entirely as the SST slice.
func Decode(payload []byte) (sst, ist []byte, err error) {
	if !bytes.HasPrefix(payload, magic) {
		return payload, nil, nil
	}

	rest := payload[len(magic):]

	if len(rest) < 4 {
		return nil, nil, ErrMalformed
	}

	sstLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	if uint64(sstLen) > uint64(len(rest)) {
		return nil, nil, ErrMalformed
	}

	sst = rest[:sstLen]
	rest = rest[sstLen:]

	if len(rest) < 4 {
		return nil, nil, ErrMalformed
	}

	istLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	if uint64(istLen) != uint64(len(rest)) {
		return nil, nil, ErrMalformed
	}

	ist = rest

	if sstLen == 0 && istLen == 0 {
		return nil, nil, ErrMalformed
	}

	// An absent sub-payload decodes as nil, the same as the IST side of
	// a v0 payload.
	if sstLen == 0 {
		sst = nil
	}
	if istLen == 0 {
		ist = nil
	}

	return sst, ist, nil
}

// ISTDescriptor is the joiner-to-donor descriptor: the interval of
// write-sets the joiner needs and the address the donor should
// connect to in order to deliver them.
type ISTDescriptor struct {
	UUID         uuid.UUID
	LastApplied  int64
	GroupSeqno   int64
	PeerAddress  string
}

// FormatIST renders d as "<uuid>:<last_applied>-<group_seqno>|<peer_address>".
func FormatIST(d ISTDescriptor) string {
	return fmt.Sprintf("%s:%d-%d|%s", d.UUID, d.LastApplied, d.GroupSeqno, d.PeerAddress)
}

// ParseIST parses the text form produced by FormatIST.
func ParseIST(s string) (ISTDescriptor, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return ISTDescriptor{}, ErrMalformed
	}

	pipe := strings.IndexByte(s, '|')
	if pipe < 0 || pipe < colon {
		return ISTDescriptor{}, ErrMalformed
	}

	dash := strings.IndexByte(s[colon+1:pipe], '-')
	if dash < 0 {
		return ISTDescriptor{}, ErrMalformed
	}
	dash += colon + 1

	id, err := uuid.Parse(s[:colon])
	if err != nil {
		return ISTDescriptor{}, ErrMalformed
	}

	lastApplied, err := strconv.ParseInt(s[colon+1:dash], 10, 64)
	if err != nil {
		return ISTDescriptor{}, ErrMalformed
	}

	groupSeqno, err := strconv.ParseInt(s[dash+1:pipe], 10, 64)
	if err != nil {
		return ISTDescriptor{}, ErrMalformed
	}

	peer := s[pipe+1:]
	if peer == "" {
		return ISTDescriptor{}, ErrMalformed
	}

	return ISTDescriptor{
		UUID:        id,
		LastApplied: lastApplied,
		GroupSeqno:  groupSeqno,
		PeerAddress: peer,
	}, nil
}

// IntervalNonEmpty reports invariant 5: last_applied+1..group_seqno
// must be a non-empty interval.
func (d ISTDescriptor) IntervalNonEmpty() bool {
	return d.LastApplied < d.GroupSeqno
}
