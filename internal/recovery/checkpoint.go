package recovery

import (
	"nilfstools/internal/segment"
	"nilfstools/internal/summary"
	"nilfstools/pkg"
)

// Checkpoint file entry layout: cp_flags at the head, cno further in.
const (
	cpCnoOffset    = 24
	cpFlagsInvalid = 1 << 1
)

// findLatestCheckpoint scans one checkpoint-file block for the highest
// checkpoint number among entries whose invalid bit is clear. blkoff
// is the block's offset inside the checkpoint file: block 0 starts
// with the file header, which reserves the leading entry slots.
func (e *Engine) findLatestCheckpoint(cpBlocknr, blkoff uint64) (uint64, error) {
	if err := e.dev.ReadBlock(cpBlocknr, e.buf); err != nil {
		return 0, err
	}

	off := 0
	ncp := e.geo.NCheckpointsPerBlock
	if blkoff == 0 {
		off = e.geo.FirstCheckpointOffset * e.geo.CheckpointSize
		ncp -= e.geo.FirstCheckpointOffset
	}

	var cno uint64
	for i := 0; i < ncp; i++ {
		ent := e.buf[off+i*e.geo.CheckpointSize:]
		flags := pkg.Encod.Uint32(ent)
		c := pkg.Encod.Uint64(ent[cpCnoOffset:])
		if flags&cpFlagsInvalid == 0 && c > cno {
			cno = c
		}
	}
	return cno, nil
}

// latestCnoInLog walks one log's finfo records, tracking the file
// block number each block-info entry consumes. A checkpoint-file
// record pins down an on-disk block full of checkpoint entries; the
// highest valid checkpoint number found in those blocks is returned.
func (e *Engine) latestCnoInLog(logStart uint64) (uint64, error) {
	if err := e.dev.ReadBlock(logStart, e.buf); err != nil {
		return 0, err
	}
	sum := summary.Parse(e.buf)

	// The cursor gets its own copy of the summary block: probing a
	// checkpoint block below reuses e.buf.
	cur := summary.NewCursor(e.dev, append([]byte(nil), e.buf...),
		logStart, int(sum.Bytes))
	fblocknr := logStart + sum.SumBlocks(e.geo.BlockSize)

	var latest uint64
	for i := uint32(0); i < sum.NFinfo; i++ {
		raw, err := cur.Next(summary.FinfoSize)
		if err != nil {
			return 0, err
		}
		fi := summary.ParseFinfo(raw)

		ndatablk := fi.NDatablk
		var nnodeblk uint32
		if fi.NBlocks >= fi.NDatablk {
			nnodeblk = fi.NBlocks - fi.NDatablk
		}

		if fi.UseRealBlocknr() {
			for j := uint32(0); j < ndatablk; j++ {
				if _, err := cur.Next(summary.BlkoffSize); err != nil {
					return 0, err
				}
				fblocknr++
			}
			for j := uint32(0); j < nnodeblk; j++ {
				if _, err := cur.Next(summary.BinfoDatSize); err != nil {
					return 0, err
				}
				fblocknr++
			}
			continue
		}

		var binfo summary.BinfoV
		for j := uint32(0); j < ndatablk; j++ {
			raw, err := cur.Next(summary.BinfoVSize)
			if err != nil {
				return 0, err
			}
			binfo = summary.ParseBinfoV(raw)
			fblocknr++
		}
		if fi.Ino == summary.CpfileIno && ndatablk > 0 {
			cno, err := e.findLatestCheckpoint(fblocknr-1, binfo.Blkoff)
			if err != nil {
				return 0, err
			}
			if cno > latest {
				latest = cno
			}
		}
		for j := uint32(0); j < nnodeblk; j++ {
			if _, err := cur.Next(summary.VblocknrSize); err != nil {
				return 0, err
			}
			fblocknr++
		}
	}
	return latest, nil
}

// findLatestCnoInLogicalSegment walks the logical segment containing
// start backwards, log by log, until the log flagged as its beginning
// has been processed. The walk may cross into physically previous
// segments as long as their sequence numbers stay contiguous, bounded
// by MaxScan crossings.
func (e *Engine) findLatestCnoInLogicalSegment(seg *segment.SegmentInfo,
	start *segment.LogInfo) (uint64, error) {

	l := start
	if l == nil {
		l = seg.LastLog()
	}
	if l == nil {
		return 0, nil
	}

	seg = e.cache.Get(seg)
	var latest uint64
	crossings := 0
	for {
		cno, err := e.latestCnoInLog(l.Start)
		if err != nil {
			e.cache.Put(seg)
			return 0, err
		}
		if cno > latest {
			latest = cno
		}

		if l.Flags&summary.FlagLogBegin != 0 {
			break
		}

		if prev := seg.PrevLog(l); prev != nil {
			l = prev
		} else {
			crossings++
			if crossings > e.MaxScan {
				break
			}
			segnum := seg.Segnum
			if segnum == 0 {
				segnum = e.geo.NSegments - 1
			} else {
				segnum--
			}
			seq := seg.Seq

			e.cache.Put(seg)
			seg, err = e.cache.Load(segnum)
			if err != nil {
				return 0, err
			}
			if seg == nil {
				return latest, nil
			}
			if seg.Seq != seq-1 {
				break
			}
			l = seg.LastLog()
		}

		// A log flagged as the end of a logical segment belongs to
		// the previous one.
		if l.Flags&summary.FlagLogEnd != 0 {
			break
		}
	}
	if seg != nil {
		e.cache.Put(seg)
	}
	return latest, nil
}
