package wire_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/str/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		sst, ist []byte
	}{
		{"both present", []byte("xb"), []byte("descriptor")},
		{"sst only", []byte("xtrabackup"), nil},
		{"ist only", nil, []byte("descriptor")},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded, err := wire.Encode(wire.ProtoVersion1, c.sst, c.ist)
			require.NoError(t, err)

			sst, ist, err := wire.Decode(encoded)
			require.NoError(t, err)
			require.Equal(t, c.sst, sst)
			require.Equal(t, c.ist, ist)
		})
	}
}

func TestEncodeVersion0IsSSTVerbatim(t *testing.T) {
	encoded, err := wire.Encode(wire.ProtoVersion0, []byte("xb"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("xb"), encoded)
}

func TestEncodeAcceptsInRangePayload(t *testing.T) {
	huge := make([]byte, 0)
	_ = huge
	// We can't allocate 2^31 bytes in a test, so the ErrMsgTooLarge
	// branch is not exercised here. This is a smoke test for the
	// non-huge path instead: sizes within range must always succeed.
	encoded, err := wire.Encode(wire.ProtoVersion1, []byte("ok"), []byte("ok"))
	require.NoError(t, err)
	require.NotEmpty(t, encoded)
}

func TestDecodeBothZeroLengthIsMalformed(t *testing.T) {
	encoded, err := wire.Encode(wire.ProtoVersion1, nil, nil)
	require.NoError(t, err)

	_, _, err = wire.Decode(encoded)
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestDecodeTooShortIsMalformed(t *testing.T) {
	_, _, err := wire.Decode([]byte("STRv1\x00\x00\x00"))
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestDecodeTruncatedSecondLengthIsMalformed(t *testing.T) {
	encoded, err := wire.Encode(wire.ProtoVersion1, []byte("xb"), []byte("descriptor"))
	require.NoError(t, err)

	// Truncate the buffer so the ist length prefix claims more bytes
	// than remain.
	truncated := encoded[:len(encoded)-3]
	_, _, err = wire.Decode(truncated)
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestDecodeV0WhenNotMagicPrefixed(t *testing.T) {
	payload := []byte("just some opaque sst bytes")
	sst, ist, err := wire.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, payload, sst)
	require.Nil(t, ist)
}

func TestDecodeCoincidentalMagicPrefixWithoutNULIsV0(t *testing.T) {
	// "STRv1" without the trailing NUL must not be mistaken for the
	// v1 magic tag.
	payload := []byte("STRv1-not-actually-the-magic-tag")
	sst, ist, err := wire.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, payload, sst)
	require.Nil(t, ist)
}

func TestISTDescriptorRoundTrip(t *testing.T) {
	d := wire.ISTDescriptor{
		UUID:        uuid.New(),
		LastApplied: 95,
		GroupSeqno:  100,
		PeerAddress: "tcp://joiner:4568",
	}

	text := wire.FormatIST(d)
	parsed, err := wire.ParseIST(text)
	require.NoError(t, err)
	require.Equal(t, d, parsed)
}

func TestISTDescriptorIntervalNonEmpty(t *testing.T) {
	d := wire.ISTDescriptor{LastApplied: 50, GroupSeqno: 50}
	require.False(t, d.IntervalNonEmpty())

	d.GroupSeqno = 51
	require.True(t, d.IntervalNonEmpty())
}

func TestParseISTMalformed(t *testing.T) {
	cases := []string{
		"",
		"not-a-uuid:1-2|addr",
		uuid.New().String() + ":abc-2|addr",
		uuid.New().String() + ":1-2",
		uuid.New().String() + ":1-2|",
	}

	for _, c := range cases {
		_, err := wire.ParseIST(c)
		require.ErrorIs(t, err, wire.ErrMalformed, "input: %q", c)
	}
}
