package changelog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

// Key layout: "cl/" | baseDN | 0x00 | serverID (4 bytes) | CSN (16 bytes).
// Records of one replica are contiguous and sorted by CSN.
const (
	keyPrefix   = "cl/"
	replicaLen  = 4
	keySuffixLn = 1 + replicaLen + csn.EncodedLen
)

// checksumLen is the size of the CRC32 header in front of each value.
const checksumLen = 4

func domainPrefix(baseDN string) []byte {
	buf := make([]byte, 0, len(keyPrefix)+len(baseDN)+1)
	buf = append(buf, keyPrefix...)
	buf = append(buf, baseDN...)
	return append(buf, 0)
}

func replicaPrefix(baseDN string, serverID int32) []byte {
	buf := domainPrefix(baseDN)
	var id [replicaLen]byte
	binary.BigEndian.PutUint32(id[:], uint32(serverID))
	return append(buf, id[:]...)
}

func recordKey(baseDN string, c csn.CSN) []byte {
	return append(replicaPrefix(baseDN, c.ServerID), c.Bytes()...)
}

// parseKey splits a record key into its base DN and CSN.
func parseKey(key []byte) (string, csn.CSN, error) {
	if len(key) < len(keyPrefix)+keySuffixLn || !bytes.HasPrefix(key, []byte(keyPrefix)) {
		return "", csn.CSN{}, fmt.Errorf("%w: key of %d bytes", ErrCorruptRecord, len(key))
	}
	sep := len(key) - keySuffixLn
	if key[sep] != 0 {
		return "", csn.CSN{}, fmt.Errorf("%w: missing separator", ErrCorruptRecord)
	}
	c, err := csn.FromBytes(key[len(key)-csn.EncodedLen:])
	if err != nil {
		return "", csn.CSN{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return string(key[len(keyPrefix):sep]), c, nil
}

// encodeRecord serializes msg as a CRC32 header followed by the snappy
// compressed JSON form.
func encodeRecord(msg *protocol.UpdateMsg) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	compressed := snappy.Encode(nil, data)

	out := make([]byte, checksumLen+len(compressed))
	binary.BigEndian.PutUint32(out[:checksumLen], crc32.ChecksumIEEE(compressed))
	copy(out[checksumLen:], compressed)
	return out, nil
}

func decodeRecord(value []byte) (*protocol.UpdateMsg, error) {
	if len(value) < checksumLen {
		return nil, fmt.Errorf("%w: value of %d bytes", ErrCorruptRecord, len(value))
	}
	compressed := value[checksumLen:]
	if crc32.ChecksumIEEE(compressed) != binary.BigEndian.Uint32(value[:checksumLen]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	var msg protocol.UpdateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &msg, nil
}
