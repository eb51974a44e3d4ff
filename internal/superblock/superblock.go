package superblock

import (
	"nilfstools/pkg"
)

const (
	// Magic identifies the filesystem in both superblock copies.
	Magic = 0x3434

	// MaxBytes is the on-disk slot size of one superblock copy; the
	// declared s_bytes bounds the CRC region within it.
	MaxBytes = 1024

	// PrimaryOffset is the byte offset of the first copy.
	PrimaryOffset = 1024

	blockSizeShift = 10

	// StateValidFS is set in s_state while the filesystem is clean.
	StateValidFS = 0x0001

	// cpfileHeaderSize is the size of the checkpoint file header that
	// reserves leading entry slots in block 0 of the cpfile.
	cpfileHeaderSize = 32
)

// SecondaryOffset returns the byte offset of the second superblock
// copy for a volume of the given size.
func SecondaryOffset(devSize uint64) uint64 {
	return ((devSize >> 12) - 1) << 12
}

// SuperBlock is the decoded filesystem header. The raw slot is kept so
// that re-encoding preserves fields this tool does not interpret.
type SuperBlock struct {
	RevLevel         uint32
	MinorRevLevel    uint16
	Magic            uint16
	Bytes            uint16
	Flags            uint16
	CRCSeed          uint32
	Sum              uint32
	LogBlockSize     uint32
	NSegments        uint64
	DevSize          uint64
	FirstDataBlock   uint64
	BlocksPerSegment uint32
	LastCno          uint64
	LastPseg         uint64
	LastSeq          uint64
	CTime            uint64
	MTime            uint64
	WTime            uint64
	State            uint16
	CheckpointSize   uint16
	UUID             [16]byte
	VolumeName       [80]byte
	CInterval        uint32
	CBlockMax        uint32
	FeatureCompat    uint64
	FeatureCompatRO  uint64
	FeatureIncompat  uint64

	raw [MaxBytes]byte
}

// Field offsets within the superblock slot.
const (
	offRevLevel         = 0
	offMinorRevLevel    = 4
	offMagic            = 6
	offBytes            = 8
	offFlags            = 10
	offCRCSeed          = 12
	offSum              = 16
	offLogBlockSize     = 20
	offNSegments        = 24
	offDevSize          = 32
	offFirstDataBlock   = 40
	offBlocksPerSegment = 48
	offLastCno          = 56
	offLastPseg         = 64
	offLastSeq          = 72
	offCTime            = 88
	offMTime            = 96
	offWTime            = 104
	offState            = 116
	offCheckpointSize   = 148
	offUUID             = 152
	offVolumeName       = 168
	offCInterval        = 248
	offCBlockMax        = 252
	offFeatureCompat    = 256
	offFeatureCompatRO  = 264
	offFeatureIncompat  = 272
)

// Decode parses one 1024-byte superblock slot. No validity judgement
// is made here; see IsValid.
func Decode(raw []byte) *SuperBlock {
	sb := &SuperBlock{}
	copy(sb.raw[:], raw)
	b := sb.raw[:]

	sb.RevLevel = pkg.Encod.Uint32(b[offRevLevel:])
	sb.MinorRevLevel = pkg.Encod.Uint16(b[offMinorRevLevel:])
	sb.Magic = pkg.Encod.Uint16(b[offMagic:])
	sb.Bytes = pkg.Encod.Uint16(b[offBytes:])
	sb.Flags = pkg.Encod.Uint16(b[offFlags:])
	sb.CRCSeed = pkg.Encod.Uint32(b[offCRCSeed:])
	sb.Sum = pkg.Encod.Uint32(b[offSum:])
	sb.LogBlockSize = pkg.Encod.Uint32(b[offLogBlockSize:])
	sb.NSegments = pkg.Encod.Uint64(b[offNSegments:])
	sb.DevSize = pkg.Encod.Uint64(b[offDevSize:])
	sb.FirstDataBlock = pkg.Encod.Uint64(b[offFirstDataBlock:])
	sb.BlocksPerSegment = pkg.Encod.Uint32(b[offBlocksPerSegment:])
	sb.LastCno = pkg.Encod.Uint64(b[offLastCno:])
	sb.LastPseg = pkg.Encod.Uint64(b[offLastPseg:])
	sb.LastSeq = pkg.Encod.Uint64(b[offLastSeq:])
	sb.CTime = pkg.Encod.Uint64(b[offCTime:])
	sb.MTime = pkg.Encod.Uint64(b[offMTime:])
	sb.WTime = pkg.Encod.Uint64(b[offWTime:])
	sb.State = pkg.Encod.Uint16(b[offState:])
	sb.CheckpointSize = pkg.Encod.Uint16(b[offCheckpointSize:])
	copy(sb.UUID[:], b[offUUID:offUUID+16])
	copy(sb.VolumeName[:], b[offVolumeName:offVolumeName+80])
	sb.CInterval = pkg.Encod.Uint32(b[offCInterval:])
	sb.CBlockMax = pkg.Encod.Uint32(b[offCBlockMax:])
	sb.FeatureCompat = pkg.Encod.Uint64(b[offFeatureCompat:])
	sb.FeatureCompatRO = pkg.Encod.Uint64(b[offFeatureCompatRO:])
	sb.FeatureIncompat = pkg.Encod.Uint64(b[offFeatureIncompat:])
	return sb
}

// Encode writes the mutable fields back into the raw slot and returns
// it. Unparsed regions keep their on-disk content.
func (sb *SuperBlock) Encode() []byte {
	b := sb.raw[:]

	pkg.Encod.PutUint32(b[offRevLevel:], sb.RevLevel)
	pkg.Encod.PutUint16(b[offMinorRevLevel:], sb.MinorRevLevel)
	pkg.Encod.PutUint16(b[offMagic:], sb.Magic)
	pkg.Encod.PutUint16(b[offBytes:], sb.Bytes)
	pkg.Encod.PutUint16(b[offFlags:], sb.Flags)
	pkg.Encod.PutUint32(b[offCRCSeed:], sb.CRCSeed)
	pkg.Encod.PutUint32(b[offSum:], sb.Sum)
	pkg.Encod.PutUint32(b[offLogBlockSize:], sb.LogBlockSize)
	pkg.Encod.PutUint64(b[offNSegments:], sb.NSegments)
	pkg.Encod.PutUint64(b[offDevSize:], sb.DevSize)
	pkg.Encod.PutUint64(b[offFirstDataBlock:], sb.FirstDataBlock)
	pkg.Encod.PutUint32(b[offBlocksPerSegment:], sb.BlocksPerSegment)
	pkg.Encod.PutUint64(b[offLastCno:], sb.LastCno)
	pkg.Encod.PutUint64(b[offLastPseg:], sb.LastPseg)
	pkg.Encod.PutUint64(b[offLastSeq:], sb.LastSeq)
	pkg.Encod.PutUint64(b[offCTime:], sb.CTime)
	pkg.Encod.PutUint64(b[offMTime:], sb.MTime)
	pkg.Encod.PutUint64(b[offWTime:], sb.WTime)
	pkg.Encod.PutUint16(b[offState:], sb.State)
	pkg.Encod.PutUint16(b[offCheckpointSize:], sb.CheckpointSize)
	copy(b[offUUID:offUUID+16], sb.UUID[:])
	copy(b[offVolumeName:offVolumeName+80], sb.VolumeName[:])
	pkg.Encod.PutUint32(b[offCInterval:], sb.CInterval)
	pkg.Encod.PutUint32(b[offCBlockMax:], sb.CBlockMax)
	pkg.Encod.PutUint64(b[offFeatureCompat:], sb.FeatureCompat)
	pkg.Encod.PutUint64(b[offFeatureCompatRO:], sb.FeatureCompatRO)
	pkg.Encod.PutUint64(b[offFeatureIncompat:], sb.FeatureIncompat)
	return b
}

// IsValid checks magic and the declared length. The CRC is only
// enforced when checkCRC is set, so a damaged volume can still be
// diagnosed from an intact header.
func (sb *SuperBlock) IsValid(checkCRC bool) bool {
	if sb.Magic != Magic {
		return false
	}
	if sb.Bytes > MaxBytes {
		return false
	}
	if !checkCRC {
		return true
	}
	return sb.CheckSum() == sb.Sum
}

// CheckSum computes the CRC over the declared s_bytes with the sum
// field held at zero.
func (sb *SuperBlock) CheckSum() uint32 {
	var tmp [MaxBytes]byte
	copy(tmp[:], sb.raw[:])
	pkg.Encod.PutUint32(tmp[offSum:], 0)

	n := int(sb.Bytes)
	if n > MaxBytes {
		n = MaxBytes
	}
	return pkg.Crc32LE(sb.CRCSeed, tmp[:n])
}

// UpdateSum recomputes and stores the CRC after field changes.
func (sb *SuperBlock) UpdateSum() {
	sb.Encode()
	sb.Sum = sb.CheckSum()
	pkg.Encod.PutUint32(sb.raw[offSum:], sb.Sum)
}

// BlockSize returns the block size in bytes.
func (sb *SuperBlock) BlockSize() int {
	return 1 << (sb.LogBlockSize + blockSizeShift)
}

// VolumeBytes is the declared total of the segment area in bytes. A
// second copy whose offset lies inside this area is discarded as
// too-small.
func (sb *SuperBlock) VolumeBytes() uint64 {
	return sb.NSegments * uint64(sb.BlocksPerSegment) << (sb.LogBlockSize + blockSizeShift)
}

// Geometry bundles the layout values every scanner needs, derived
// once from the chosen superblock.
type Geometry struct {
	BlockSize            int
	BlocksPerSegment     uint32
	NSegments            uint64
	FirstDataBlock       uint64
	CRCSeed              uint32
	CheckpointSize       int
	SBBytes              int
	NCheckpointsPerBlock int

	// FirstCheckpointOffset is the number of entry slots in block 0
	// of the checkpoint file occupied by its header.
	FirstCheckpointOffset int
}

func (sb *SuperBlock) Geometry() Geometry {
	g := Geometry{
		BlockSize:        sb.BlockSize(),
		BlocksPerSegment: sb.BlocksPerSegment,
		NSegments:        sb.NSegments,
		FirstDataBlock:   sb.FirstDataBlock,
		CRCSeed:          sb.CRCSeed,
		CheckpointSize:   int(sb.CheckpointSize),
		SBBytes:          int(sb.Bytes),
	}
	if g.CheckpointSize > 0 {
		g.NCheckpointsPerBlock = g.BlockSize / g.CheckpointSize
		g.FirstCheckpointOffset =
			(cpfileHeaderSize + g.CheckpointSize - 1) / g.CheckpointSize
	}
	return g
}

// SegmentStart returns the first block number of a segment. Segment 0
// starts at the first data block.
func (g Geometry) SegmentStart(segnum uint64) uint64 {
	if segnum > 0 {
		return uint64(g.BlocksPerSegment) * segnum
	}
	return g.FirstDataBlock
}
