// Package csn provides the change sequence numbers and server states used to
// order replicated changes.
package csn

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

// EncodedLen is the length of the binary form of a CSN.
const EncodedLen = 16

// textLen is the length of the hexadecimal form of a CSN.
const textLen = 28

// CSN identifies one change produced by one replica. CSNs are ordered by
// time, then sequence number, then server id.
type CSN struct {
	Time     int64  // milliseconds since the epoch
	SeqNum   uint32 // per-replica counter, never reset
	ServerID int32
}

// New returns a CSN for the given components.
func New(timeMillis int64, seqNum uint32, serverID int32) CSN {
	return CSN{Time: timeMillis, SeqNum: seqNum, ServerID: serverID}
}

// Compare returns -1, 0 or +1 depending on whether c sorts before, equal to
// or after other.
func (c CSN) Compare(other CSN) int {
	switch {
	case c.Time < other.Time:
		return -1
	case c.Time > other.Time:
		return 1
	case c.SeqNum < other.SeqNum:
		return -1
	case c.SeqNum > other.SeqNum:
		return 1
	case c.ServerID < other.ServerID:
		return -1
	case c.ServerID > other.ServerID:
		return 1
	}
	return 0
}

// IsNewerThan reports whether c sorts strictly after other.
func (c CSN) IsNewerThan(other CSN) bool {
	return c.Compare(other) > 0
}

// IsNewerThanOrEqual reports whether c sorts after or equal to other.
func (c CSN) IsNewerThanOrEqual(other CSN) bool {
	return c.Compare(other) >= 0
}

// IsOlderThan reports whether c sorts strictly before other.
func (c CSN) IsOlderThan(other CSN) bool {
	return c.Compare(other) < 0
}

// Equal reports whether both CSNs identify the same change.
func (c CSN) Equal(other CSN) bool {
	return c == other
}

// IsZero reports whether c is the zero value.
func (c CSN) IsZero() bool {
	return c == CSN{}
}

// Timestamp returns the CSN time as a time.Time.
func (c CSN) Timestamp() time.Time {
	return time.UnixMilli(c.Time)
}

// String returns the fixed width hexadecimal form: 16 digits of time,
// 4 digits of server id and 8 digits of sequence number.
func (c CSN) String() string {
	return fmt.Sprintf("%016x%04x%08x", uint64(c.Time), uint16(c.ServerID), c.SeqNum)
}

// Parse decodes the form produced by String.
func Parse(s string) (CSN, error) {
	if len(s) != textLen {
		return CSN{}, fmt.Errorf("%w: %q has length %d", ErrInvalidCSN, s, len(s))
	}
	t, err := strconv.ParseUint(s[0:16], 16, 64)
	if err != nil {
		return CSN{}, fmt.Errorf("%w: time: %v", ErrInvalidCSN, err)
	}
	id, err := strconv.ParseUint(s[16:20], 16, 16)
	if err != nil {
		return CSN{}, fmt.Errorf("%w: server id: %v", ErrInvalidCSN, err)
	}
	seq, err := strconv.ParseUint(s[20:28], 16, 32)
	if err != nil {
		return CSN{}, fmt.Errorf("%w: sequence number: %v", ErrInvalidCSN, err)
	}
	return CSN{Time: int64(t), SeqNum: uint32(seq), ServerID: int32(id)}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (c CSN) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CSN) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Bytes returns the big-endian binary form. Byte order matches CSN order
// for non-negative times.
func (c CSN) Bytes() []byte {
	buf := make([]byte, EncodedLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(c.Time))
	binary.BigEndian.PutUint32(buf[8:12], c.SeqNum)
	binary.BigEndian.PutUint32(buf[12:16], uint32(c.ServerID))
	return buf
}

// FromBytes decodes the form produced by Bytes.
func FromBytes(b []byte) (CSN, error) {
	if len(b) != EncodedLen {
		return CSN{}, fmt.Errorf("%w: %d bytes", ErrInvalidCSN, len(b))
	}
	return CSN{
		Time:     int64(binary.BigEndian.Uint64(b[0:8])),
		SeqNum:   binary.BigEndian.Uint32(b[8:12]),
		ServerID: int32(binary.BigEndian.Uint32(b[12:16])),
	}, nil
}

// DiffSeqNum estimates how many changes separate newer from older.
//
// A nil newer yields 0. A nil older, or an older produced by another
// replica, yields newer's sequence number, which is only an approximation.
// Sequence numbers that wrapped since older are accounted for.
func DiffSeqNum(newer, older *CSN) int64 {
	if newer == nil {
		return 0
	}
	if older == nil {
		return int64(newer.SeqNum)
	}
	if older.IsNewerThanOrEqual(*newer) {
		return 0
	}
	if older.ServerID != newer.ServerID {
		return int64(newer.SeqNum)
	}

	seq1, seq2 := int64(newer.SeqNum), int64(older.SeqNum)
	if older.Time <= newer.Time {
		if seq2 <= seq1 {
			return seq1 - seq2
		}
		return math.MaxInt32 - (seq2 - seq1) + 1
	}
	return 0
}
