// Package mkfs formats miniature volumes in memory: a superblock
// pair plus hand-placed logs with correct checksums. It exists as
// fixture support for the scanner and recovery tests and is not
// reachable from the fsck or dump flows.
package mkfs

import (
	"fmt"
	"os"

	"nilfstools/internal/summary"
	"nilfstools/internal/superblock"
	"nilfstools/pkg"
)

// Params fix the geometry of the volume being built.
type Params struct {
	BlockSize        int
	BlocksPerSegment uint32
	NSegments        uint64
	FirstDataBlock   uint64
	CheckpointSize   uint16
	CRCSeed          uint32
}

func DefaultParams() Params {
	return Params{
		BlockSize:        1024,
		BlocksPerSegment: 8,
		NSegments:        8,
		FirstDataBlock:   1,
		CheckpointSize:   64,
		CRCSeed:          0x2bb4e617,
	}
}

// FinfoSpec describes one per-file record and its block-info entries.
// Exactly one of the virtual (DataV/NodeV) or real (DataBlkoffs/
// NodeDat) entry sets should be filled, matching the inode's scheme.
type FinfoSpec struct {
	Ino uint64
	Cno uint64

	// DeclNBlocks/DeclNDatablk override the written counts when
	// nonzero; otherwise they derive from the entry slices.
	DeclNBlocks  uint32
	DeclNDatablk uint32

	DataV       []summary.BinfoV
	NodeV       []uint64
	DataBlkoffs []uint64
	NodeDat     []summary.BinfoDat
}

func (f *FinfoSpec) nData() int {
	return len(f.DataV) + len(f.DataBlkoffs)
}

func (f *FinfoSpec) nEntries() int {
	return f.nData() + len(f.NodeV) + len(f.NodeDat)
}

// LogSpec describes one log to append to a segment.
type LogSpec struct {
	Seq         uint64
	Flags       uint16
	Create      uint64
	Next        uint64
	HeaderBytes uint16 // 0 means the full header
	Cno         uint64
	Finfos      []FinfoSpec

	// BlockContent overrides the payload of the k-th block entry's
	// disk block (entries counted in summary order).
	BlockContent map[int][]byte
}

// Builder assembles one volume image.
type Builder struct {
	p    Params
	img  []byte
	tail map[uint64]uint64 // segnum -> next free block number
}

func NewBuilder(p Params) *Builder {
	total := p.NSegments*uint64(p.BlocksPerSegment)*uint64(p.BlockSize) + 8192
	return &Builder{
		p:    p,
		img:  make([]byte, total),
		tail: make(map[uint64]uint64),
	}
}

func (b *Builder) Bytes() []byte {
	return b.img
}

// WriteTo stores the image as a regular file usable as a device.
func (b *Builder) WriteTo(path string) error {
	return os.WriteFile(path, b.img, 0644)
}

func (b *Builder) logBlockSize() uint32 {
	var l uint32
	for 1<<(l+10) < b.p.BlockSize {
		l++
	}
	return l
}

// Geometry returns the layout the built volume declares.
func (b *Builder) Geometry() superblock.Geometry {
	g := superblock.Geometry{
		BlockSize:        b.p.BlockSize,
		BlocksPerSegment: b.p.BlocksPerSegment,
		NSegments:        b.p.NSegments,
		FirstDataBlock:   b.p.FirstDataBlock,
		CRCSeed:          b.p.CRCSeed,
		CheckpointSize:   int(b.p.CheckpointSize),
		SBBytes:          superblock.MaxBytes,
	}
	g.NCheckpointsPerBlock = g.BlockSize / g.CheckpointSize
	g.FirstCheckpointOffset = (32 + g.CheckpointSize - 1) / g.CheckpointSize
	return g
}

func (b *Builder) block(blocknr uint64) []byte {
	off := blocknr * uint64(b.p.BlockSize)
	return b.img[off : off+uint64(b.p.BlockSize)]
}

func (b *Builder) segStart(segnum uint64) uint64 {
	if segnum > 0 {
		return uint64(b.p.BlocksPerSegment) * segnum
	}
	return b.p.FirstDataBlock
}

// WriteSuperblocks fills both superblock slots, pointing the volume
// at the given last log.
func (b *Builder) WriteSuperblocks(lastPseg, lastSeq, lastCno uint64, state uint16) {
	sb := superblock.Decode(make([]byte, superblock.MaxBytes))
	sb.RevLevel = 2
	sb.Magic = superblock.Magic
	sb.Bytes = superblock.MaxBytes
	sb.CRCSeed = b.p.CRCSeed
	sb.LogBlockSize = b.logBlockSize()
	sb.NSegments = b.p.NSegments
	sb.DevSize = uint64(len(b.img))
	sb.FirstDataBlock = b.p.FirstDataBlock
	sb.BlocksPerSegment = b.p.BlocksPerSegment
	sb.CheckpointSize = b.p.CheckpointSize
	sb.LastPseg = lastPseg
	sb.LastSeq = lastSeq
	sb.LastCno = lastCno
	sb.WTime = 1700000000
	sb.State = state
	sb.UpdateSum()

	raw := sb.Encode()
	copy(b.img[superblock.PrimaryOffset:], raw)
	copy(b.img[superblock.SecondaryOffset(uint64(len(b.img))):], raw)
}

// AppendLog lays one log out at the segment's current tail and
// returns its start block number.
func (b *Builder) AppendLog(segnum uint64, spec LogSpec) uint64 {
	bs := b.p.BlockSize
	start, ok := b.tail[segnum]
	if !ok {
		start = b.segStart(segnum)
	}

	hb := spec.HeaderBytes
	if hb == 0 {
		hb = summary.HeaderSize
	}

	// Flatten the summary entries in consumption order.
	var entries [][]byte
	nBlockEntries := 0
	for i := range spec.Finfos {
		fi := &spec.Finfos[i]
		entries = append(entries, encodeFinfo(fi))
		for _, d := range fi.DataV {
			raw := make([]byte, summary.BinfoVSize)
			pkg.Encod.PutUint64(raw[0:], d.Vblocknr)
			pkg.Encod.PutUint64(raw[8:], d.Blkoff)
			entries = append(entries, raw)
		}
		for _, d := range fi.DataBlkoffs {
			raw := make([]byte, summary.BlkoffSize)
			pkg.Encod.PutUint64(raw, d)
			entries = append(entries, raw)
		}
		for _, n := range fi.NodeV {
			raw := make([]byte, summary.VblocknrSize)
			pkg.Encod.PutUint64(raw, n)
			entries = append(entries, raw)
		}
		for _, n := range fi.NodeDat {
			raw := make([]byte, summary.BinfoDatSize)
			pkg.Encod.PutUint64(raw[0:], n.Blkoff)
			raw[8] = n.Level
			entries = append(entries, raw)
		}
		nBlockEntries += fi.nEntries()
	}

	// Place entries the way the reader's cursor consumes them: an
	// entry never straddles a block boundary.
	type placement struct {
		relBlock int
		offset   int
	}
	places := make([]placement, len(entries))
	relBlock, off := 0, int(hb)
	for i, e := range entries {
		if off+len(e) > bs {
			relBlock++
			off = 0
		}
		places[i] = placement{relBlock, off}
		off += len(e)
	}
	sumBlocks := relBlock + 1
	sumBytes := uint32(relBlock*bs + off)

	nblocks := uint32(sumBlocks + nBlockEntries)
	end := (segnum+1)*uint64(b.p.BlocksPerSegment)
	if start+uint64(nblocks) > end {
		panic(fmt.Sprintf("log overflows segment %d", segnum))
	}

	// Summary header.
	hdr := b.block(start)
	pkg.Encod.PutUint32(hdr[8:], summary.Magic)
	pkg.Encod.PutUint16(hdr[12:], hb)
	pkg.Encod.PutUint16(hdr[14:], spec.Flags)
	pkg.Encod.PutUint64(hdr[16:], spec.Seq)
	pkg.Encod.PutUint64(hdr[24:], spec.Create)
	pkg.Encod.PutUint64(hdr[32:], spec.Next)
	pkg.Encod.PutUint32(hdr[40:], nblocks)
	pkg.Encod.PutUint32(hdr[44:], uint32(len(spec.Finfos)))
	pkg.Encod.PutUint32(hdr[48:], sumBytes)
	if hb >= summary.HeaderSize {
		pkg.Encod.PutUint64(hdr[56:], spec.Cno)
	}

	for i, e := range entries {
		blk := b.block(start + uint64(places[i].relBlock))
		copy(blk[places[i].offset:], e)
	}

	// Payload blocks referenced by the block-info entries.
	for k := 0; k < nBlockEntries; k++ {
		blk := b.block(start + uint64(sumBlocks) + uint64(k))
		if content, ok := spec.BlockContent[k]; ok {
			copy(blk, content)
		} else {
			for i := range blk {
				blk[i] = byte(k + 1)
			}
		}
	}

	// Data checksum: first block minus the leading checksum field,
	// then every following block whole.
	crc := pkg.Crc32LE(b.p.CRCSeed, b.block(start)[4:])
	for i := uint64(1); i < uint64(nblocks); i++ {
		crc = pkg.Crc32LE(crc, b.block(start+i))
	}
	pkg.Encod.PutUint32(b.block(start)[0:], crc)

	b.tail[segnum] = start + uint64(nblocks)
	return start
}

func encodeFinfo(fi *FinfoSpec) []byte {
	raw := make([]byte, summary.FinfoSize)
	nblocks := fi.DeclNBlocks
	if nblocks == 0 {
		nblocks = uint32(fi.nEntries())
	}
	ndatablk := fi.DeclNDatablk
	if ndatablk == 0 {
		ndatablk = uint32(fi.nData())
	}
	pkg.Encod.PutUint64(raw[0:], fi.Ino)
	pkg.Encod.PutUint64(raw[8:], fi.Cno)
	pkg.Encod.PutUint32(raw[16:], nblocks)
	pkg.Encod.PutUint32(raw[20:], ndatablk)
	return raw
}

// Checkpoint is one checkpoint-file entry to place in a block.
type Checkpoint struct {
	Cno     uint64
	Invalid bool
}

// CheckpointBlock renders a checkpoint-file block. blkoff 0 carries
// the file header, which reserves the leading entry slots.
func (b *Builder) CheckpointBlock(blkoff uint64, cps []Checkpoint) []byte {
	g := b.Geometry()
	blk := make([]byte, b.p.BlockSize)
	off := 0
	if blkoff == 0 {
		off = g.FirstCheckpointOffset * g.CheckpointSize
	}
	for i, cp := range cps {
		ent := blk[off+i*g.CheckpointSize:]
		var flags uint32
		if cp.Invalid {
			flags = 1 << 1
		}
		pkg.Encod.PutUint32(ent[0:], flags)
		pkg.Encod.PutUint64(ent[24:], cp.Cno)
	}
	return blk
}
