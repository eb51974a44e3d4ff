// Package recovery implements the rollback engine: confirming the log
// the superblock points to, or searching the segment ring backwards
// for the most recent log that carries a super root.
package recovery

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"nilfstools/internal/device"
	"nilfstools/internal/segment"
	"nilfstools/internal/summary"
	"nilfstools/internal/superblock"
)

// MaxScanSegment bounds the backward search depth.
const MaxScanSegment = 50

const (
	scanIndicatorSpeed = 3
	scanSegmentMask    = (1 << scanIndicatorSpeed) - 1
)

var (
	ErrNoSuperRoot  = errors.New("cannot find super root")
	ErrNoCheckpoint = errors.New("cannot identify the latest checkpoint")
)

// LogRef identifies the log mounting should resume from.
type LogRef struct {
	Blocknr uint64 // start block number
	Seq     uint64 // sequence number
	Cno     uint64 // checkpoint number
	CTime   uint64 // creation time (epoch seconds)
}

// Engine drives the rollback search over one device.
type Engine struct {
	dev   *device.Device
	geo   superblock.Geometry
	cache *segment.Cache
	buf   []byte

	// MaxScan bounds the backward search depth; NewEngine sets it to
	// MaxScanSegment.
	MaxScan int

	// Indicator, when set, is called every few scanned segments so
	// the driver can show progress.
	Indicator func()
}

func NewEngine(dev *device.Device, geo superblock.Geometry, cache *segment.Cache) *Engine {
	return &Engine{
		dev:     dev,
		geo:     geo,
		cache:   cache,
		buf:     make([]byte, geo.BlockSize),
		MaxScan: MaxScanSegment,
	}
}

// TestLatestLog confirms the log the superblock declares: it must
// start at the declared block, share the segment's sequence number and
// carry the super-root flag. On success ref.CTime is filled in from
// the summary.
func (e *Engine) TestLatestLog(ref *LogRef) (bool, error) {
	segnum := ref.Blocknr / uint64(e.geo.BlocksPerSegment)
	seg, err := e.cache.Load(segnum)
	if err != nil || seg == nil {
		return false, err
	}
	defer e.cache.Put(seg)

	l := seg.LookupLog(ref.Blocknr)
	if l == nil || seg.Seq != ref.Seq || l.Flags&summary.FlagSuperRoot == 0 {
		return false, nil
	}
	ref.CTime = l.Sum.Create
	return true, nil
}

// Rollback replaces ref with the most recent super-root log found by
// the wrap-around search, recovering the checkpoint number from the
// checkpoint file when the summary header is too short to hold it.
func (e *Engine) Rollback(ref *LogRef) error {
	segnum := ref.Blocknr / uint64(e.geo.BlocksPerSegment)

	seg, logSR, err := e.findLatestSuperRoot(segnum, ref.Blocknr)
	if err != nil {
		return err
	}
	if logSR == nil {
		return ErrNoSuperRoot
	}
	defer e.cache.Put(seg)

	ref.Blocknr = logSR.Start
	ref.Seq = seg.Seq
	ref.CTime = logSR.Sum.Create

	if logSR.Sum.HasCno {
		ref.Cno = logSR.Sum.Cno
		return nil
	}

	log.Info("searching the latest checkpoint")
	cno, err := e.findLatestCnoInLogicalSegment(seg, logSR)
	if err != nil {
		return err
	}
	if cno == 0 {
		return ErrNoCheckpoint
	}
	ref.Cno = cno
	return nil
}

// findLatestSuperRoot scans backwards through the segment ring from
// startSegnum for the latest log carrying a super root.
//
// cont holds while the scan is still inside the logical segment whose
// tail the superblock mis-identifies; a super root found there is
// already known territory and must not be accepted. invert is raised
// when a physically previous segment has a greater sequence number,
// which happens exactly when the scan steps across the ring's join
// point; the candidate collected on the young side is then logically
// older and is discarded.
func (e *Engine) findLatestSuperRoot(startSegnum, blocknr uint64) (
	*segment.SegmentInfo, *segment.LogInfo, error) {

	var segSR *segment.SegmentInfo // segment owning the candidate
	var logSR *segment.LogInfo     // best candidate so far
	cont, invert := false, false

	segnum := startSegnum
	seg, err := e.cache.Load(segnum)
	if err != nil {
		return nil, nil, err
	}
	if seg != nil {
		if logSR = seg.LastSuperRoot(); logSR != nil {
			segSR = e.cache.Get(seg)
		}
		if blocknr < seg.Start+seg.Length() {
			cont = true
		}
	}

	for i := 0; i < e.MaxScan; i++ {
		if i&scanSegmentMask == 0 && e.Indicator != nil {
			e.Indicator()
		}
		if segnum == 0 {
			segnum = e.geo.NSegments - 1
		} else {
			segnum--
		}

		next, err := e.cache.Load(segnum)
		if err != nil {
			return nil, nil, err
		}
		if next == nil {
			// Discontinuity. A candidate reached contiguously from
			// the declared segment is part of its logical segment
			// and gets dropped with it.
			if logSR != nil && cont {
				logSR = nil
				e.cache.Put(segSR)
				segSR = nil
			}
			cont = false
			if seg != nil {
				e.cache.Put(seg)
				seg = nil
			}
			continue
		}

		if seg == nil {
			seg = next
			if logSR != nil {
				e.cache.Put(segSR)
				segSR = nil
			}
			if logSR = seg.LastSuperRoot(); logSR != nil {
				segSR = e.cache.Get(seg)
			}
			continue
		}

		if next.Seq+1 != seg.Seq {
			cont = false
		}
		if next.Seq > seg.Seq {
			invert = true
			if logSR != nil {
				logSR = nil
				e.cache.Put(segSR)
				segSR = nil
			}
		}
		if invert && logSR == nil {
			if logSR = next.LastSuperRoot(); logSR != nil {
				e.cache.Put(seg)
				return next, logSR, nil // latest segment found
			}
		}
		if !cont && logSR == nil {
			if logSR = next.LastSuperRoot(); logSR != nil {
				segSR = e.cache.Get(next)
			}
		}

		e.cache.Put(seg)
		seg = next
	}
	if seg != nil {
		e.cache.Put(seg)
	}

	if logSR != nil && !cont {
		// The second-ranking candidate stands in for the latest
		// segment.
		return segSR, logSR, nil
	}
	if segSR != nil {
		e.cache.Put(segSR)
	}
	return nil, nil, nil
}
