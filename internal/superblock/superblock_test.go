package superblock_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"nilfstools/internal/device"
	"nilfstools/internal/mkfs"
	"nilfstools/internal/superblock"
	"nilfstools/pkg"
)

func buildVolume(t *testing.T, lastCno1, lastCno2 uint64) (string, *mkfs.Builder) {
	t.Helper()
	b := mkfs.NewBuilder(mkfs.DefaultParams())
	b.WriteSuperblocks(1, 1, lastCno1, superblock.StateValidFS)

	if lastCno2 != lastCno1 {
		// Diverge the second copy's last_cno and refresh its CRC.
		off := superblock.SecondaryOffset(uint64(len(b.Bytes())))
		raw := b.Bytes()[off : off+superblock.MaxBytes]
		pkg.Encod.PutUint64(raw[56:], lastCno2)
		sb2 := superblock.Decode(raw)
		sb2.UpdateSum()
		copy(raw, sb2.Encode())
	}

	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, b.WriteTo(path))
	return path, b
}

func readFile(path string) ([]byte, error)  { return os.ReadFile(path) }
func writeFile(path string, b []byte) error { return os.WriteFile(path, b, 0644) }

func openVolume(t *testing.T, path string) *device.Device {
	t.Helper()
	dev, err := device.OpenRW(path)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestReadPairBothValid(t *testing.T) {
	path, _ := buildVolume(t, 100, 100)
	dev := openVolume(t, path)

	sb1, sb2, offsets, err := superblock.ReadPair(dev)
	require.NoError(t, err)
	require.NotNil(t, sb1)
	require.NotNil(t, sb2)
	require.Equal(t, uint64(superblock.PrimaryOffset), offsets[0])
	require.True(t, sb1.IsValid(true))
	require.True(t, sb2.IsValid(true))
}

func TestReadLatestPrefersGreaterCno(t *testing.T) {
	path, _ := buildVolume(t, 100, 110)
	dev := openVolume(t, path)

	sb, err := superblock.ReadLatest(dev)
	require.NoError(t, err)
	require.Equal(t, uint64(110), sb.LastCno)
}

func TestReadLatestFallsBackToSecondCopy(t *testing.T) {
	path, _ := buildVolume(t, 100, 100)

	// Break the primary copy's magic.
	raw, err := readFile(path)
	require.NoError(t, err)
	raw[superblock.PrimaryOffset+6] = 0xff
	require.NoError(t, writeFile(path, raw))

	dev := openVolume(t, path)
	sb, err := superblock.ReadLatest(dev)
	require.NoError(t, err)
	require.Equal(t, uint64(100), sb.LastCno)
}

func TestReadPairRejectsTooSmallSecondCopy(t *testing.T) {
	path, _ := buildVolume(t, 100, 100)

	// Claim far more segments than the device holds: the second
	// copy's offset now falls inside the declared segment area.
	raw, err := readFile(path)
	require.NoError(t, err)
	off := superblock.SecondaryOffset(uint64(len(raw)))
	pkg.Encod.PutUint64(raw[off+24:], 1<<32)
	require.NoError(t, writeFile(path, raw))

	dev := openVolume(t, path)
	sb1, sb2, _, err := superblock.ReadPair(dev)
	require.NoError(t, err)
	require.NotNil(t, sb1)
	require.Nil(t, sb2)
}

func TestReadPairNoValidCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.img")
	require.NoError(t, writeFile(path, make([]byte, 1<<20)))

	dev := openVolume(t, path)
	_, _, _, err := superblock.ReadPair(dev)
	require.ErrorIs(t, err, superblock.ErrInvalidFS)
}

func TestWriteMaskedFields(t *testing.T) {
	path, _ := buildVolume(t, 100, 100)
	dev := openVolume(t, path)

	before, err := superblock.ReadLatest(dev)
	require.NoError(t, err)

	// Update only the label; every other field must survive.
	update := superblock.Decode(make([]byte, superblock.MaxBytes))
	copy(update.VolumeName[:], "scratch")
	update.CInterval = 999
	require.NoError(t, superblock.Write(dev, update, superblock.MaskLabel))

	sb1, sb2, _, err := superblock.ReadPair(dev)
	require.NoError(t, err)
	for _, sb := range []*superblock.SuperBlock{sb1, sb2} {
		require.Equal(t, update.VolumeName, sb.VolumeName)
		require.Equal(t, before.CInterval, sb.CInterval)
		require.Equal(t, before.LastCno, sb.LastCno)
		require.True(t, sb.IsValid(true))
	}
}

func TestCommitRollback(t *testing.T) {
	path, _ := buildVolume(t, 100, 100)
	dev := openVolume(t, path)

	require.NoError(t, superblock.CommitRollback(dev, 42, 7, 99, 1700000123))

	sb1, sb2, _, err := superblock.ReadPair(dev)
	require.NoError(t, err)
	for _, sb := range []*superblock.SuperBlock{sb1, sb2} {
		require.Equal(t, uint64(42), sb.LastPseg)
		require.Equal(t, uint64(7), sb.LastSeq)
		require.Equal(t, uint64(99), sb.LastCno)
		require.Equal(t, uint64(1700000123), sb.WTime)
		require.Zero(t, sb.State&superblock.StateValidFS)
		require.True(t, sb.IsValid(true))
	}
}

func TestGeometryDerivation(t *testing.T) {
	path, _ := buildVolume(t, 1, 1)
	dev := openVolume(t, path)

	sb, err := superblock.ReadLatest(dev)
	require.NoError(t, err)
	g := sb.Geometry()

	require.Equal(t, 1024, g.BlockSize)
	require.Equal(t, uint32(8), g.BlocksPerSegment)
	require.Equal(t, 1024/64, g.NCheckpointsPerBlock)
	require.Equal(t, 1, g.FirstCheckpointOffset)
	require.Equal(t, uint64(1), g.SegmentStart(0))
	require.Equal(t, uint64(16), g.SegmentStart(2))
}
