package fsck_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"nilfstools/internal/device"
	"nilfstools/internal/fsck"
	"nilfstools/internal/mkfs"
	"nilfstools/internal/summary"
	"nilfstools/internal/superblock"
)

const srLogFlags = summary.FlagLogBegin | summary.FlagLogEnd | summary.FlagSuperRoot

func emptyMtab(t *testing.T) string {
	t.Helper()
	mtab := filepath.Join(t.TempDir(), "mtab")
	require.NoError(t, os.WriteFile(mtab, nil, 0644))
	return mtab
}

func writeImage(t *testing.T, b *mkfs.Builder) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, b.WriteTo(path))
	return path
}

func readBack(t *testing.T, path string) *superblock.SuperBlock {
	t.Helper()
	dev, err := device.Open(path)
	require.NoError(t, err)
	defer dev.Close()
	sb, err := superblock.ReadLatest(dev)
	require.NoError(t, err)
	return sb
}

func cleanImage(t *testing.T) string {
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	start := b.AppendLog(1, mkfs.LogSpec{Seq: 5, Flags: srLogFlags, Cno: 33})
	b.WriteSuperblocks(start, 5, 33, superblock.StateValidFS)
	return writeImage(t, b)
}

func tornImage(t *testing.T) (string, uint64) {
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	srStart := b.AppendLog(3, mkfs.LogSpec{Seq: 10, Flags: srLogFlags, Cno: 55})
	b.WriteSuperblocks(32, 11, 56, superblock.StateValidFS)
	return writeImage(t, b), srStart
}

func TestRunCleanImage(t *testing.T) {
	path := cleanImage(t)
	status := fsck.Run(path, fsck.Options{
		Mtab: emptyMtab(t),
		Prompt: func(string) bool {
			t.Fatal("no prompt expected on a clean image")
			return false
		},
	})
	require.Equal(t, fsck.ExitOK, status)

	sb := readBack(t, path)
	require.Equal(t, uint64(33), sb.LastCno)
	require.NotZero(t, sb.State&superblock.StateValidFS)
}

func TestRunDeclinedOverwrite(t *testing.T) {
	path, _ := tornImage(t)
	status := fsck.Run(path, fsck.Options{
		Mtab:   emptyMtab(t),
		Prompt: func(string) bool { return false },
	})
	require.Equal(t, fsck.ExitCancel, status)

	// Nothing was written.
	sb := readBack(t, path)
	require.Equal(t, uint64(32), sb.LastPseg)
	require.NotZero(t, sb.State&superblock.StateValidFS)
}

func TestRunRollbackCommit(t *testing.T) {
	path, srStart := tornImage(t)
	prompted := false
	status := fsck.Run(path, fsck.Options{
		Mtab: emptyMtab(t),
		Prompt: func(string) bool {
			prompted = true
			return true
		},
	})
	require.Equal(t, fsck.ExitNonDestruct, status)
	require.True(t, prompted)

	sb := readBack(t, path)
	require.Equal(t, srStart, sb.LastPseg)
	require.Equal(t, uint64(10), sb.LastSeq)
	require.Equal(t, uint64(55), sb.LastCno)
	require.Zero(t, sb.State&superblock.StateValidFS)
	require.True(t, sb.IsValid(true))
}

func TestRunForceSkipsPrompt(t *testing.T) {
	path, srStart := tornImage(t)
	status := fsck.Run(path, fsck.Options{
		Mtab:  emptyMtab(t),
		Force: true,
	})
	require.Equal(t, fsck.ExitNonDestruct, status)
	require.Equal(t, srStart, readBack(t, path).LastPseg)
}

func TestRunMountedDevice(t *testing.T) {
	path := cleanImage(t)
	mtab := filepath.Join(t.TempDir(), "mtab")
	require.NoError(t, os.WriteFile(mtab, []byte(path+" /mnt nilfs2 rw 0 0\n"), 0644))

	status := fsck.Run(path, fsck.Options{Mtab: mtab})
	require.Equal(t, fsck.ExitError, status)
}

func TestRunUncorrectable(t *testing.T) {
	// No super root anywhere: the search exhausts and the volume
	// stays untouched.
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	b.WriteSuperblocks(32, 11, 56, 0)
	path := writeImage(t, b)

	status := fsck.Run(path, fsck.Options{Mtab: emptyMtab(t)})
	require.Equal(t, fsck.ExitUncorrected, status)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nilfstools.conf")
	content := "[fsck]\nmtab = /tmp/mtab\nmax_scan_segments = 10\nverbose = true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := fsck.LoadConfig(path)
	require.Equal(t, "/tmp/mtab", cfg.Mtab)
	require.Equal(t, 10, cfg.MaxScan)
	require.True(t, cfg.Verbose)

	opts := cfg.Merge(fsck.Options{Mtab: "/override"})
	require.Equal(t, "/override", opts.Mtab)
	require.Equal(t, 10, opts.MaxScan)
	require.True(t, opts.Verbose)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg := fsck.LoadConfig(filepath.Join(t.TempDir(), "absent.conf"))
	require.Zero(t, cfg)
}
