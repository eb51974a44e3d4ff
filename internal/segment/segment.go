// Package segment maintains an in-memory registry of scanned segments
// and the logs (partial segments) they contain, so the wrap-around
// rollback search never rescans a segment it has already read.
package segment

import (
	"nilfstools/internal/summary"
)

// LogInfo describes one log inside a segment. Logs live exactly as
// long as their owning segment.
type LogInfo struct {
	Start   uint64 // start block number
	NBlocks uint32
	Flags   uint16
	Sum     summary.Summary
}

// SegmentInfo is one scanned segment. The segment exclusively owns its
// log list, ordered by ascending start block.
type SegmentInfo struct {
	Segnum uint64
	Start  uint64 // start block number of the segment
	Next   uint64 // block number of the next segment in the ring
	Seq    uint64 // sequence number shared by all logs in the list

	logs   []*LogInfo
	refcnt int
}

// NLogs returns the number of logs found in the segment.
func (s *SegmentInfo) NLogs() int {
	return len(s.logs)
}

// FirstLog returns the first log, or nil for an empty segment.
func (s *SegmentInfo) FirstLog() *LogInfo {
	if len(s.logs) == 0 {
		return nil
	}
	return s.logs[0]
}

// LastLog returns the last log, or nil for an empty segment.
func (s *SegmentInfo) LastLog() *LogInfo {
	if len(s.logs) == 0 {
		return nil
	}
	return s.logs[len(s.logs)-1]
}

// NextLog returns the log after l, or nil at the end of the list.
func (s *SegmentInfo) NextLog(l *LogInfo) *LogInfo {
	for i, cur := range s.logs {
		if cur == l && i+1 < len(s.logs) {
			return s.logs[i+1]
		}
	}
	return nil
}

// PrevLog returns the log before l, or nil at the head of the list.
func (s *SegmentInfo) PrevLog(l *LogInfo) *LogInfo {
	for i, cur := range s.logs {
		if cur == l && i > 0 {
			return s.logs[i-1]
		}
	}
	return nil
}

// LookupLog returns the log starting exactly at blocknr, or nil.
func (s *SegmentInfo) LookupLog(blocknr uint64) *LogInfo {
	for _, l := range s.logs {
		if l.Start == blocknr {
			return l
		}
	}
	return nil
}

// LastSuperRoot scans backwards for the most recent log whose flags
// carry the super-root bit.
func (s *SegmentInfo) LastSuperRoot() *LogInfo {
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].Flags&summary.FlagSuperRoot != 0 {
			return s.logs[i]
		}
	}
	return nil
}

// Length returns the number of blocks covered by the segment's logs,
// or 0 for an empty segment.
func (s *SegmentInfo) Length() uint64 {
	last := s.LastLog()
	if last == nil {
		return 0
	}
	return last.Start - s.Start + uint64(last.NBlocks)
}
