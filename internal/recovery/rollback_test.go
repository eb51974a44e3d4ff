package recovery_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"nilfstools/internal/device"
	"nilfstools/internal/mkfs"
	"nilfstools/internal/recovery"
	"nilfstools/internal/segment"
	"nilfstools/internal/summary"
	"nilfstools/internal/superblock"
)

func newEngine(t *testing.T, b *mkfs.Builder) *recovery.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, b.WriteTo(path))
	dev, err := device.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	geo := b.Geometry()
	return recovery.NewEngine(dev, geo, segment.NewCache(dev, geo))
}

const srLogFlags = summary.FlagLogBegin | summary.FlagLogEnd | summary.FlagSuperRoot

func TestConfirmDeclaredLog(t *testing.T) {
	// Clean image: the superblock points at a super-root log with a
	// matching sequence number.
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	start := b.AppendLog(1, mkfs.LogSpec{
		Seq: 5, Flags: srLogFlags, Create: 1700000500, Cno: 33,
	})
	b.WriteSuperblocks(start, 5, 33, superblock.StateValidFS)

	e := newEngine(t, b)
	ref := recovery.LogRef{Blocknr: start, Seq: 5, Cno: 33}
	ok, err := e.TestLatestLog(&ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1700000500), ref.CTime)
}

func TestConfirmRejectsWrongSequence(t *testing.T) {
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	start := b.AppendLog(1, mkfs.LogSpec{Seq: 5, Flags: srLogFlags, Cno: 33})
	b.WriteSuperblocks(start, 4, 33, 0)

	e := newEngine(t, b)
	ref := recovery.LogRef{Blocknr: start, Seq: 4}
	ok, err := e.TestLatestLog(&ref)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConfirmRejectsNonSuperRoot(t *testing.T) {
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	start := b.AppendLog(1, mkfs.LogSpec{
		Seq: 5, Flags: summary.FlagLogBegin | summary.FlagLogEnd,
	})
	b.WriteSuperblocks(start, 5, 33, 0)

	e := newEngine(t, b)
	ref := recovery.LogRef{Blocknr: start, Seq: 5}
	ok, err := e.TestLatestLog(&ref)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRollbackTornTail(t *testing.T) {
	// The superblock points into segment 4, which was torn away;
	// segment 3 holds the last super root.
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	b.AppendLog(3, mkfs.LogSpec{Seq: 10, Flags: summary.FlagLogBegin | summary.FlagLogEnd})
	srStart := b.AppendLog(3, mkfs.LogSpec{
		Seq: 10, Flags: srLogFlags, Create: 1700000600, Cno: 55,
	})
	b.WriteSuperblocks(32, 11, 56, 0)

	e := newEngine(t, b)
	ref := recovery.LogRef{Blocknr: 32, Seq: 11, Cno: 56}
	ok, err := e.TestLatestLog(&ref)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, e.Rollback(&ref))
	require.Equal(t, srStart, ref.Blocknr)
	require.Equal(t, uint64(10), ref.Seq)
	require.Equal(t, uint64(55), ref.Cno)
	require.Equal(t, uint64(1700000600), ref.CTime)
}

func TestRollbackRingWrap(t *testing.T) {
	// The latest logical segment wrapped around to segnum 0 with a
	// far greater sequence number; the stale trail sits in segments
	// 1..3. Scanning back from 3 must detect the inversion at the
	// ring's join point and pick segment 0's super root.
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	srStart := b.AppendLog(0, mkfs.LogSpec{Seq: 1000000, Flags: srLogFlags, Cno: 900})
	b.AppendLog(1, mkfs.LogSpec{Seq: 500, Flags: summary.FlagLogBegin | summary.FlagLogEnd})
	b.AppendLog(2, mkfs.LogSpec{Seq: 501, Flags: summary.FlagLogBegin | summary.FlagLogEnd})
	tail := b.AppendLog(3, mkfs.LogSpec{Seq: 502, Flags: summary.FlagLogBegin | summary.FlagLogEnd})
	b.WriteSuperblocks(tail, 503, 899, 0)

	e := newEngine(t, b)
	// Point past segment 3's logs so the search starts fresh there.
	ref := recovery.LogRef{Blocknr: tail + 1, Seq: 503}
	require.NoError(t, e.Rollback(&ref))
	require.Equal(t, srStart, ref.Blocknr)
	require.Equal(t, uint64(1000000), ref.Seq)
	require.Equal(t, uint64(900), ref.Cno)
}

func TestRollbackRecoversCheckpointNumber(t *testing.T) {
	// The super-root log predates the cno header field: its summary
	// declares 56 bytes, so the checkpoint number must be recovered
	// from the checkpoint-file block its finfo references.
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	cpBlock := b.CheckpointBlock(7, []mkfs.Checkpoint{
		{Cno: 41}, {Cno: 42}, {Cno: 100, Invalid: true},
	})
	srStart := b.AppendLog(2, mkfs.LogSpec{
		Seq:         300,
		Flags:       srLogFlags,
		HeaderBytes: 56,
		Finfos: []mkfs.FinfoSpec{{
			Ino:   summary.CpfileIno,
			Cno:   42,
			DataV: []summary.BinfoV{{Vblocknr: 9, Blkoff: 7}},
		}},
		BlockContent: map[int][]byte{0: cpBlock},
	})
	b.WriteSuperblocks(24, 301, 0, 0)

	e := newEngine(t, b)
	ref := recovery.LogRef{Blocknr: 24, Seq: 301}
	require.NoError(t, e.Rollback(&ref))
	require.Equal(t, srStart, ref.Blocknr)
	require.Equal(t, uint64(300), ref.Seq)
	require.Equal(t, uint64(42), ref.Cno)
}

func TestRollbackFailsWithoutSuperRoot(t *testing.T) {
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	b.AppendLog(2, mkfs.LogSpec{Seq: 3, Flags: summary.FlagLogBegin | summary.FlagLogEnd})
	b.WriteSuperblocks(24, 4, 1, 0)

	e := newEngine(t, b)
	ref := recovery.LogRef{Blocknr: 24, Seq: 4}
	err := e.Rollback(&ref)
	require.ErrorIs(t, err, recovery.ErrNoSuperRoot)
}

func TestRollbackIdempotent(t *testing.T) {
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	b.AppendLog(3, mkfs.LogSpec{Seq: 10, Flags: srLogFlags, Cno: 55})
	b.WriteSuperblocks(32, 11, 56, 0)

	e := newEngine(t, b)
	ref1 := recovery.LogRef{Blocknr: 32, Seq: 11}
	require.NoError(t, e.Rollback(&ref1))

	e2 := newEngine(t, b)
	ref2 := recovery.LogRef{Blocknr: 32, Seq: 11}
	require.NoError(t, e2.Rollback(&ref2))

	require.Equal(t, ref1, ref2)
}
