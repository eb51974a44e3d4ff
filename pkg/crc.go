package pkg

// Seeded CRC32 over the reflected IEEE 802.3 polynomial. Unlike
// hash/crc32 there is no pre/post inversion: the seed is folded in
// as-is, which is what the on-disk checksums expect.

const crcPoly = 0xedb88320

var crcTable [256]uint32

func init() {
	for i := range crcTable {
		crc := uint32(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crcPoly
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// Crc32LE folds data into crc. Composes across chunks:
// Crc32LE(Crc32LE(seed, a), b) == Crc32LE(seed, a||b).
func Crc32LE(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc = crcTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}
