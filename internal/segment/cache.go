package segment

import (
	log "github.com/sirupsen/logrus"

	"nilfstools/internal/device"
	"nilfstools/internal/summary"
	"nilfstools/internal/superblock"
)

// DefaultCacheLimit is the soft ceiling on cached segments. When a
// load would push the cache past it, unpinned entries are dropped
// once before inserting.
const DefaultCacheLimit = 128

// Cache is the registry of scanned segments, keyed by segment number.
// Segments are pinned by reference count; callers must Put every
// segment returned by Load or Lookup. The cache exclusively owns all
// entries. Single-threaded by design, like the tools built on it.
type Cache struct {
	dev      *device.Device
	geo      superblock.Geometry
	buf      []byte // shared block buffer
	segments map[uint64]*SegmentInfo
	limit    int
}

// NewCache builds an empty cache over the device with the given
// geometry.
func NewCache(dev *device.Device, geo superblock.Geometry) *Cache {
	return &Cache{
		dev:      dev,
		geo:      geo,
		buf:      make([]byte, geo.BlockSize),
		segments: make(map[uint64]*SegmentInfo),
		limit:    DefaultCacheLimit,
	}
}

// Lookup returns the cached segment with its refcount raised, or nil.
// An entry cached as empty yields nil as well.
func (c *Cache) Lookup(segnum uint64) *SegmentInfo {
	seg, ok := c.segments[segnum]
	if !ok || len(seg.logs) == 0 {
		return nil
	}
	seg.refcnt++
	return seg
}

// Get raises seg's pin by one and returns it.
func (c *Cache) Get(seg *SegmentInfo) *SegmentInfo {
	seg.refcnt++
	return seg
}

// Put releases one reference on seg.
func (c *Cache) Put(seg *SegmentInfo) {
	if seg.refcnt <= 0 {
		panic("segment refcount underflow")
	}
	seg.refcnt--
}

// Shrink drops every cached segment that is not pinned. It stands in
// for the allocator-pressure hook of the original design and also runs
// when the cache outgrows its soft limit.
func (c *Cache) Shrink() {
	for segnum, seg := range c.segments {
		if seg.refcnt == 0 {
			delete(c.segments, segnum)
		}
	}
}

// Destroy empties the cache regardless of pins.
func (c *Cache) Destroy() {
	c.segments = make(map[uint64]*SegmentInfo)
}

// Load returns the segment's info, scanning it from disk on a cache
// miss. The scan validates the first log by checksum and then links
// contiguous logs while each one validates and carries the same
// sequence number; a log with a different sequence belongs to a later
// logical segment and ends the walk. A segment whose first log fails
// validation yields (nil, nil) and is remembered as empty.
// I/O failures are returned as errors and abort the caller.
func (c *Cache) Load(segnum uint64) (*SegmentInfo, error) {
	if seg, ok := c.segments[segnum]; ok {
		if len(seg.logs) == 0 {
			return nil, nil
		}
		seg.refcnt++
		return seg, nil
	}

	if len(c.segments) >= c.limit {
		c.Shrink()
	}

	seg := &SegmentInfo{
		Segnum: segnum,
		Start:  c.geo.SegmentStart(segnum),
		refcnt: 1,
	}
	c.segments[segnum] = seg

	c.dev.Prefetch(int64(seg.Start)*int64(c.geo.BlockSize),
		int64(c.geo.BlocksPerSegment)*int64(c.geo.BlockSize))

	blocknr := seg.Start
	if err := c.dev.ReadBlock(blocknr, c.buf); err != nil {
		return nil, err
	}
	sum := summary.Parse(c.buf)

	ok, err := LogIsValid(c.dev, c.geo, c.buf, blocknr, &sum)
	if err != nil {
		return nil, err
	}
	if !ok {
		seg.refcnt--
		log.WithFields(log.Fields{
			"segnum":  segnum,
			"blocknr": seg.Start,
		}).Debug("empty or bad segment")
		return nil, nil
	}

	seg.Seq = sum.Seq
	seg.Next = sum.Next

	end := seg.Start + uint64(c.geo.BlocksPerSegment)
	for {
		seg.logs = append(seg.logs, &LogInfo{
			Start:   blocknr,
			NBlocks: sum.NBlocks,
			Flags:   sum.Flags,
			Sum:     sum,
		})

		blocknr += uint64(sum.NBlocks)
		if blocknr >= end {
			return seg, nil
		}

		if err := c.dev.ReadBlock(blocknr, c.buf); err != nil {
			return nil, err
		}
		sum = summary.Parse(c.buf)

		ok, err := LogIsValid(c.dev, c.geo, c.buf, blocknr, &sum)
		if err != nil {
			return nil, err
		}
		if !ok || sum.Seq != seg.Seq {
			return seg, nil
		}
	}
}
