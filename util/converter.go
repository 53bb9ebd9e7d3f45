package util

import (
	"encoding/binary"

	"github.com/holiman/uint256"
)

// Uint64ToBytes returns big-endian bytes of "i", byte order keeps bolt keys sorted numerically.
func Uint64ToBytes(i uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), i)
}

func BytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Uint32ToBytes is used as length prefix of the variable length fields of signed payloads.
func Uint32ToBytes(i uint32) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), i)
}

// Uint256ToBytes returns the 32 byte big-endian representation of i, nil is encoded as zero.
func Uint256ToBytes(i *uint256.Int) []byte {
	var b [32]byte
	if i != nil {
		i.WriteToArray32(&b)
	}
	return b[:]
}

func BytesToUint256(b []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(b)
}
