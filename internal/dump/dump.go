// Package dump walks one segment's partial segments and renders their
// summary area as a structured report: per-log header lines, per-file
// finfo records and per-block info entries, with classified parse
// errors where the on-disk data is inconsistent.
package dump

import (
	"fmt"
	"io"
	"time"

	"nilfstools/internal/device"
	"nilfstools/internal/summary"
	"nilfstools/internal/superblock"
	"nilfstools/pkg"
)

const timeLayout = "2006-01-02 15:04:05" // strftime %F %T

// Dumper renders segments of one volume to w.
type Dumper struct {
	dev *device.Device
	geo superblock.Geometry
	w   io.Writer
	buf []byte
}

func New(dev *device.Device, geo superblock.Geometry, w io.Writer) *Dumper {
	return &Dumper{
		dev: dev,
		geo: geo,
		w:   w,
		buf: make([]byte, geo.BlockSize),
	}
}

// DumpSegment prints every partial segment found in segnum. Walking
// is driven by the summary magic and the declared sizes alone; data
// checksums are not consulted, so damaged logs still get inspected up
// to the first classified inconsistency.
func (d *Dumper) DumpSegment(segnum uint64) error {
	if segnum >= d.geo.NSegments {
		return fmt.Errorf("segment number out of range: %d (nsegments = %d)",
			segnum, d.geo.NSegments)
	}

	segStart := d.geo.SegmentStart(segnum)
	capacity := uint32((segnum+1)*uint64(d.geo.BlocksPerSegment) - segStart)

	fmt.Fprintf(d.w, "segment: segnum = %d\n", segnum)

	blocknr := segStart
	var blkoff uint32
	first := true
	for blkoff < capacity {
		if err := d.dev.ReadBlock(blocknr, d.buf); err != nil {
			return err
		}
		sum := summary.Parse(d.buf)
		if sum.Magic != summary.Magic {
			break
		}
		if perr := summary.CheckPseg(&sum, blkoff, capacity, d.geo.BlockSize); perr != nil {
			d.printPsegError(perr)
			break
		}
		if first {
			fmt.Fprintf(d.w, "  sequence number = %d, next segnum = %d\n",
				sum.Seq, sum.Next/uint64(d.geo.BlocksPerSegment))
			first = false
		}
		if err := d.printPseg(blocknr, &sum); err != nil {
			return err
		}
		blkoff += sum.NBlocks
		blocknr += uint64(sum.NBlocks)
	}
	return nil
}

func (d *Dumper) printPseg(blocknr uint64, sum *summary.Summary) error {
	fmt.Fprintf(d.w, "  partial segment: blocknr = %d, nblocks = %d\n",
		blocknr, sum.NBlocks)
	created := time.Unix(int64(sum.Create), 0).Local().Format(timeLayout)
	fmt.Fprintf(d.w, "    creation time = %s\n", created)
	fmt.Fprintf(d.w, "    nfinfo = %d\n", sum.NFinfo)

	cur := summary.NewCursor(d.dev, append([]byte(nil), d.buf...),
		blocknr, int(sum.Bytes))
	consumed := uint64(sum.Bytes)
	fblocknr := blocknr + sum.SumBlocks(d.geo.BlockSize)

	for i := uint32(0); i < sum.NFinfo; i++ {
		raw, err := cur.Next(summary.FinfoSize)
		if err != nil {
			return err
		}
		fi := summary.ParseFinfo(raw)

		if ferr := checkFile(&fi, fblocknr-blocknr, consumed, sum); ferr != nil {
			d.printFileError(ferr)
			return nil // stop parsing this log
		}

		fmt.Fprintf(d.w, "    finfo\n")
		fmt.Fprintf(d.w, "      ino = %d, cno = %d, nblocks = %d, ndatblk = %d\n",
			fi.Ino, fi.Cno, fi.NBlocks, fi.NDatablk)

		ndatablk := fi.NDatablk
		nnodeblk := fi.NBlocks - fi.NDatablk

		if fi.UseRealBlocknr() {
			for j := uint32(0); j < ndatablk; j++ {
				raw, err := cur.Next(summary.BlkoffSize)
				if err != nil {
					return err
				}
				blkoff := pkg.Encod.Uint64(raw)
				fmt.Fprintf(d.w, "        blkoff = %d, blocknr = %d\n",
					blkoff, fblocknr)
				fblocknr++
			}
			consumed += uint64(ndatablk) * summary.BlkoffSize
			for j := uint32(0); j < nnodeblk; j++ {
				raw, err := cur.Next(summary.BinfoDatSize)
				if err != nil {
					return err
				}
				bi := summary.ParseBinfoDat(raw)
				fmt.Fprintf(d.w, "        blkoff = %d, level = %d, blocknr = %d\n",
					bi.Blkoff, bi.Level, fblocknr)
				fblocknr++
			}
			consumed += uint64(nnodeblk) * summary.BinfoDatSize
		} else {
			for j := uint32(0); j < ndatablk; j++ {
				raw, err := cur.Next(summary.BinfoVSize)
				if err != nil {
					return err
				}
				bi := summary.ParseBinfoV(raw)
				fmt.Fprintf(d.w, "        vblocknr = %d, blkoff = %d, blocknr = %d\n",
					bi.Vblocknr, bi.Blkoff, fblocknr)
				fblocknr++
			}
			consumed += uint64(ndatablk) * summary.BinfoVSize
			for j := uint32(0); j < nnodeblk; j++ {
				raw, err := cur.Next(summary.VblocknrSize)
				if err != nil {
					return err
				}
				vblocknr := pkg.Encod.Uint64(raw)
				fmt.Fprintf(d.w, "        vblocknr = %d, blocknr = %d\n",
					vblocknr, fblocknr)
				fblocknr++
			}
			consumed += uint64(nnodeblk) * summary.VblocknrSize
		}
		consumed += summary.FinfoSize
	}
	return nil
}

// checkFile classifies a finfo record against the log it sits in.
// blkoff is the file's first block offset inside the log, consumed the
// summary bytes already walked when the finfo was reached.
func checkFile(fi *summary.Finfo, blkoff, consumed uint64,
	sum *summary.Summary) *summary.FileError {

	if fi.NDatablk > fi.NBlocks {
		return &summary.FileError{
			Kind:     summary.FileErrBlkCnt,
			NBlocks:  fi.NBlocks,
			NDatablk: fi.NDatablk,
		}
	}
	if blkoff+uint64(fi.NBlocks) > uint64(sum.NBlocks) {
		return &summary.FileError{
			Kind:        summary.FileErrManyBlks,
			BlkOff:      blkoff,
			NBlocks:     fi.NBlocks,
			PsegNBlocks: sum.NBlocks,
		}
	}

	entrySize := uint64(summary.BinfoVSize)*uint64(fi.NDatablk) +
		uint64(summary.VblocknrSize)*uint64(fi.NBlocks-fi.NDatablk)
	if fi.UseRealBlocknr() {
		entrySize = uint64(summary.BlkoffSize)*uint64(fi.NDatablk) +
			uint64(summary.BinfoDatSize)*uint64(fi.NBlocks-fi.NDatablk)
	}
	sumlen := uint64(summary.FinfoSize) + entrySize
	if consumed+sumlen > uint64(sum.SumBytes) {
		return &summary.FileError{
			Kind:     summary.FileErrOverrun,
			Offset:   consumed,
			SumLen:   sumlen,
			SumBytes: sum.SumBytes,
		}
	}
	return nil
}

func (d *Dumper) printPsegError(e *summary.PsegError) {
	switch e.Kind {
	case summary.PsegErrAlignment:
		fmt.Fprintf(d.w, "  error %d (%s) - header size = %d\n",
			int(e.Kind), e.Kind, e.HeaderSize)
	case summary.PsegErrBigPseg:
		fmt.Fprintf(d.w, "  error %d (%s) - pseg blkcnt = %d, excess blkcnt = %d\n",
			int(e.Kind), e.Kind, e.NBlocks, e.Excess)
	case summary.PsegErrBigHdr:
		fmt.Fprintf(d.w, "  error %d (%s) - header size = %d, summary size = %d\n",
			int(e.Kind), e.Kind, e.HeaderSize, e.SumBytes)
	case summary.PsegErrBigSum:
		fmt.Fprintf(d.w, "  error %d (%s) - summary size = %d, pseg size = %d\n",
			int(e.Kind), e.Kind, e.SumBytes, e.PsegBytes)
	default:
		fmt.Fprintf(d.w, "  error %d (%s)\n", int(e.Kind), e.Kind)
	}
}

func (d *Dumper) printFileError(e *summary.FileError) {
	const indent = "    "
	switch e.Kind {
	case summary.FileErrManyBlks:
		fmt.Fprintf(d.w, "%serror %d (%s) - file blkoff = %d, file blkcnt = %d, pseg blkcnt = %d\n",
			indent, int(e.Kind), e.Kind, e.BlkOff, e.NBlocks, e.PsegNBlocks)
	case summary.FileErrBlkCnt:
		fmt.Fprintf(d.w, "%serror %d (%s) - file blkcnt = %d, data blkcnt = %d\n",
			indent, int(e.Kind), e.Kind, e.NBlocks, e.NDatablk)
	case summary.FileErrOverrun:
		fmt.Fprintf(d.w, "%serror %d (%s) - finfo offset = %d, finfo total size = %d, summary size = %d\n",
			indent, int(e.Kind), e.Kind, e.Offset, e.SumLen, e.SumBytes)
	default:
		fmt.Fprintf(d.w, "%serror %d (%s)\n", indent, int(e.Kind), e.Kind)
	}
}
