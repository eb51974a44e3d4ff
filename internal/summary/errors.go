package summary

import "fmt"

// PsegErrorKind classifies a malformed partial-segment header.
type PsegErrorKind int

const (
	PsegErrAlignment PsegErrorKind = iota + 1 // header size breaks entry alignment
	PsegErrBigPseg                            // nblocks exceeds remaining segment capacity
	PsegErrBigHdr                             // header size > sumbytes
	PsegErrBigSum                             // sumbytes > log size in bytes
)

var psegErrorNames = map[PsegErrorKind]string{
	PsegErrAlignment: "bad alignment",
	PsegErrBigPseg:   "too big partial segment",
	PsegErrBigHdr:    "too big summary header",
	PsegErrBigSum:    "too big summary",
}

func (k PsegErrorKind) String() string {
	if s, ok := psegErrorNames[k]; ok {
		return s
	}
	return fmt.Sprintf("pseg error %d", int(k))
}

// PsegError carries the diagnostic counters of one classified
// partial-segment parse failure.
type PsegError struct {
	Kind       PsegErrorKind
	HeaderSize uint16
	NBlocks    uint32
	SumBytes   uint32
	Excess     uint32 // blocks past the segment end (BIGPSEG)
	PsegBytes  uint64 // declared log size in bytes (BIGSUM)
}

func (e *PsegError) Error() string {
	return fmt.Sprintf("partial segment error %d (%s)", int(e.Kind), e.Kind)
}

// CheckPseg validates one summary header against its position inside
// the segment. blkoff is the log's block offset from the segment
// start, segBlocks the segment capacity in blocks.
func CheckPseg(s *Summary, blkoff, segBlocks uint32, blockSize int) *PsegError {
	if s.Bytes&7 != 0 {
		return &PsegError{Kind: PsegErrAlignment, HeaderSize: s.Bytes}
	}
	if s.NBlocks == 0 || s.NBlocks > segBlocks-blkoff {
		e := &PsegError{Kind: PsegErrBigPseg, NBlocks: s.NBlocks}
		if blkoff+s.NBlocks > segBlocks {
			e.Excess = blkoff + s.NBlocks - segBlocks
		}
		return e
	}
	if uint32(s.Bytes) > s.SumBytes {
		return &PsegError{
			Kind:       PsegErrBigHdr,
			HeaderSize: s.Bytes,
			SumBytes:   s.SumBytes,
		}
	}
	if psegBytes := uint64(s.NBlocks) * uint64(blockSize); uint64(s.SumBytes) > psegBytes {
		return &PsegError{
			Kind:      PsegErrBigSum,
			SumBytes:  s.SumBytes,
			PsegBytes: psegBytes,
		}
	}
	return nil
}

// FileErrorKind classifies a malformed finfo record.
type FileErrorKind int

const (
	FileErrManyBlks FileErrorKind = iota + 1 // block count overruns the log
	FileErrBlkCnt                            // ndatablk > nblocks
	FileErrOverrun                           // finfo cursor past sumbytes
)

var fileErrorNames = map[FileErrorKind]string{
	FileErrManyBlks: "too many blocks",
	FileErrBlkCnt:   "invalid block count",
	FileErrOverrun:  "summary overrun",
}

func (k FileErrorKind) String() string {
	if s, ok := fileErrorNames[k]; ok {
		return s
	}
	return fmt.Sprintf("file error %d", int(k))
}

// FileError carries the diagnostic counters of one classified finfo
// parse failure.
type FileError struct {
	Kind        FileErrorKind
	BlkOff      uint64 // file's first block offset inside the log (MANYBLKS)
	NBlocks     uint32
	NDatablk    uint32
	PsegNBlocks uint32
	Offset      uint64 // finfo offset in the summary area (OVERRUN)
	SumLen      uint64 // finfo total size in bytes (OVERRUN)
	SumBytes    uint32
}

func (e *FileError) Error() string {
	return fmt.Sprintf("finfo error %d (%s)", int(e.Kind), e.Kind)
}
