package pkg

import "encoding/binary"

const (
	// Field widths (in bytes)
	LenU16 = 2
	LenU32 = 4
	LenU64 = 8
)

// Encoding alias (the on-disk format is fixed little-endian)
var Encod = binary.LittleEndian
