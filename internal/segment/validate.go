package segment

import (
	"nilfstools/internal/device"
	"nilfstools/internal/summary"
	"nilfstools/internal/superblock"
	"nilfstools/pkg"
)

// checksum field skipped at the head of the CRC region
const dataSumSize = pkg.LenU32

// LogIsValid checks a candidate log: the summary magic must match,
// nblocks must fit the segment, and the checksum stored in the summary
// must equal the CRC over the log payload. The running CRC is seeded
// with the superblock seed and fed the first block minus its leading
// checksum field, then every following block whole. buf is a scratch
// block buffer; its content is clobbered.
func LogIsValid(dev *device.Device, geo superblock.Geometry, buf []byte,
	logStart uint64, sum *summary.Summary) (bool, error) {

	if sum.Magic != summary.Magic {
		return false, nil
	}
	nblocks := sum.NBlocks
	if nblocks == 0 || nblocks > geo.BlocksPerSegment {
		return false, nil
	}

	blocknr := logStart
	if err := dev.ReadBlock(blocknr, buf); err != nil {
		return false, err
	}
	crc := pkg.Crc32LE(geo.CRCSeed, buf[dataSumSize:])
	for blocknr++; blocknr < logStart+uint64(nblocks); blocknr++ {
		if err := dev.ReadBlock(blocknr, buf); err != nil {
			return false, err
		}
		crc = pkg.Crc32LE(crc, buf)
	}
	return crc == sum.DataSum, nil
}
