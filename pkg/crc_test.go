package pkg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// bitwise reference implementation, no table
func crc32Ref(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crcPoly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func TestCrc32LEKnownVector(t *testing.T) {
	// The standard CRC-32 check value is the inverted result of the
	// raw computation seeded with all-ones.
	got := ^Crc32LE(0xffffffff, []byte("123456789"))
	require.Equal(t, uint32(0xcbf43926), got)
}

func TestCrc32LEMatchesReference(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}
	for _, seed := range []uint32{0, 1, 0xdeadbeef, 0xffffffff} {
		require.Equal(t, crc32Ref(seed, data), Crc32LE(seed, data))
	}
}

func TestCrc32LEComposes(t *testing.T) {
	data := []byte("segments are scanned one block at a time")
	whole := Crc32LE(0x2bb4e617, data)
	for split := 0; split <= len(data); split++ {
		part := Crc32LE(0x2bb4e617, data[:split])
		require.Equal(t, whole, Crc32LE(part, data[split:]))
	}
}
