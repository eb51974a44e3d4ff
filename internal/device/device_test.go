package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func scratchFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func TestSizeRegularFile(t *testing.T) {
	path := scratchFile(t, 8192)
	dev, err := Open(path)
	require.NoError(t, err)
	defer dev.Close()

	size, err := dev.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(8192), size)
}

func TestReadWriteRoundTrip(t *testing.T) {
	path := scratchFile(t, 4096)
	dev, err := OpenRW(path)
	require.NoError(t, err)
	defer dev.Close()

	payload := []byte("superblock copy")
	require.NoError(t, dev.WriteExactAt(payload, 1024))
	require.NoError(t, dev.Sync())

	buf := make([]byte, len(payload))
	require.NoError(t, dev.ReadExactAt(buf, 1024))
	require.Equal(t, payload, buf)
}

func TestReadBlockPastEnd(t *testing.T) {
	path := scratchFile(t, 2048)
	dev, err := Open(path)
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, 1024)
	require.NoError(t, dev.ReadBlock(1, buf))
	require.Error(t, dev.ReadBlock(2, buf))
}

func TestCheckMounted(t *testing.T) {
	mtab := filepath.Join(t.TempDir(), "mtab")
	lines := "/dev/sda1 / ext4 rw,relatime 0 0\n/dev/nvme0n1p2 /home ext4 rw 0 0\n"
	require.NoError(t, os.WriteFile(mtab, []byte(lines), 0644))

	err := CheckMounted("/dev/sda1", mtab)
	require.ErrorIs(t, err, ErrMounted)

	require.NoError(t, CheckMounted("/dev/sdb1", mtab))
}

func TestPrefetchBestEffort(t *testing.T) {
	path := scratchFile(t, 4096)
	dev, err := Open(path)
	require.NoError(t, err)
	defer dev.Close()

	// Must not panic or fail, even with an out-of-range region.
	dev.Prefetch(0, 1<<20)
}
