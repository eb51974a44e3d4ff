// Package summary decodes the segment summary area: the fixed header
// at each log's first block and the trailing run of per-file finfo
// records with their block-info entries.
package summary

import (
	"nilfstools/internal/device"
	"nilfstools/pkg"
)

const (
	// Magic identifies a segment summary header.
	Magic = 0x1eaffa11

	// HeaderSize is the full header length including the checkpoint
	// number. A declared ss_bytes below this lacks the cno field.
	HeaderSize = 64

	// Log flags.
	FlagLogBegin  = 0x0001 // first log of a logical segment
	FlagLogEnd    = 0x0002 // last log of a logical segment
	FlagSuperRoot = 0x0004 // log carries a super root
	FlagSynDat    = 0x0008
	FlagGC        = 0x0010
)

// Reserved inode numbers of the metadata files recorded in finfo.
const (
	RootIno   = 2
	DatIno    = 3
	CpfileIno = 4
	SufileIno = 5
	IfileIno  = 6
)

// Header field offsets.
const (
	offDataSum  = 0
	offSumSum   = 4
	offMagic    = 8
	offBytes    = 12
	offFlags    = 14
	offSeq      = 16
	offCreate   = 24
	offNext     = 32
	offNBlocks  = 40
	offNFinfo   = 44
	offSumBytes = 48
	offCno      = 56
)

// Entry sizes in the variable summary area.
const (
	FinfoSize    = 24
	BinfoVSize   = 16 // virtual scheme, data block: {vblocknr, blkoff}
	BinfoDatSize = 16 // real scheme, node block: {blkoff, level}
	BlkoffSize   = pkg.LenU64
	VblocknrSize = pkg.LenU64
)

// Summary is the decoded fixed header of one log.
type Summary struct {
	DataSum  uint32
	SumSum   uint32
	Magic    uint32
	Bytes    uint16
	Flags    uint16
	Seq      uint64
	Create   uint64
	Next     uint64
	NBlocks  uint32
	NFinfo   uint32
	SumBytes uint32

	// Cno is only meaningful when HasCno is set, i.e. the declared
	// header is long enough to contain it.
	Cno    uint64
	HasCno bool
}

// Parse decodes the fixed header fields from a log's first block.
// Every field is read by offset through the little-endian codec.
func Parse(block []byte) Summary {
	s := Summary{
		DataSum:  pkg.Encod.Uint32(block[offDataSum:]),
		SumSum:   pkg.Encod.Uint32(block[offSumSum:]),
		Magic:    pkg.Encod.Uint32(block[offMagic:]),
		Bytes:    pkg.Encod.Uint16(block[offBytes:]),
		Flags:    pkg.Encod.Uint16(block[offFlags:]),
		Seq:      pkg.Encod.Uint64(block[offSeq:]),
		Create:   pkg.Encod.Uint64(block[offCreate:]),
		Next:     pkg.Encod.Uint64(block[offNext:]),
		NBlocks:  pkg.Encod.Uint32(block[offNBlocks:]),
		NFinfo:   pkg.Encod.Uint32(block[offNFinfo:]),
		SumBytes: pkg.Encod.Uint32(block[offSumBytes:]),
	}
	if s.Bytes >= HeaderSize {
		s.Cno = pkg.Encod.Uint64(block[offCno:])
		s.HasCno = true
	}
	return s
}

// SumBlocks returns the number of blocks the summary area spans.
func (s *Summary) SumBlocks(blockSize int) uint64 {
	return (uint64(s.SumBytes) + uint64(blockSize) - 1) / uint64(blockSize)
}

// Finfo is one per-file record in the summary area. It is followed by
// ndatablk data-block entries and nblocks-ndatablk node-block entries.
type Finfo struct {
	Ino      uint64
	Cno      uint64
	NBlocks  uint32
	NDatablk uint32
}

func ParseFinfo(raw []byte) Finfo {
	return Finfo{
		Ino:      pkg.Encod.Uint64(raw[0:]),
		Cno:      pkg.Encod.Uint64(raw[8:]),
		NBlocks:  pkg.Encod.Uint32(raw[16:]),
		NDatablk: pkg.Encod.Uint32(raw[20:]),
	}
}

// UseRealBlocknr reports whether the file's block-info entries use the
// real-block-number scheme instead of the virtual one.
func (f *Finfo) UseRealBlocknr() bool {
	return f.Ino == DatIno
}

// BinfoV is a virtual-scheme data-block entry.
type BinfoV struct {
	Vblocknr uint64
	Blkoff   uint64
}

func ParseBinfoV(raw []byte) BinfoV {
	return BinfoV{
		Vblocknr: pkg.Encod.Uint64(raw[0:]),
		Blkoff:   pkg.Encod.Uint64(raw[8:]),
	}
}

// BinfoDat is a real-scheme node-block entry.
type BinfoDat struct {
	Blkoff uint64
	Level  uint8
}

func ParseBinfoDat(raw []byte) BinfoDat {
	return BinfoDat{
		Blkoff: pkg.Encod.Uint64(raw[0:]),
		Level:  raw[8],
	}
}

// Cursor walks the variable summary area entry by entry, reading the
// next summary block whenever an entry would cross a block boundary.
// An entry that does not fit in the rest of the current block starts
// at the head of the next one, so entries never straddle.
type Cursor struct {
	dev     *device.Device
	buf     []byte
	blocknr uint64
	offset  int
}

// NewCursor positions a cursor at offset within the summary block
// blocknr, which must already be loaded into buf. The cursor takes
// ownership of buf.
func NewCursor(dev *device.Device, buf []byte, blocknr uint64, offset int) *Cursor {
	return &Cursor{dev: dev, buf: buf, blocknr: blocknr, offset: offset}
}

// Next returns the raw bytes of the next entry of the given size.
func (c *Cursor) Next(size int) ([]byte, error) {
	if c.offset+size > len(c.buf) {
		c.blocknr++
		if err := c.dev.ReadBlock(c.blocknr, c.buf); err != nil {
			return nil, err
		}
		c.offset = 0
	}
	p := c.buf[c.offset : c.offset+size]
	c.offset += size
	return p, nil
}
