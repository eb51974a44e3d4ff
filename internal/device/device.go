package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrBadDeviceType = errors.New("not a block device or regular file")
	ErrMounted       = errors.New("device is currently mounted")
)

// DefaultMtab is the mount table consulted before any write path opens
// the device.
const DefaultMtab = "/etc/mtab"

// Device is an open volume: a block device or a regular image file.
// The handle is owned for the duration of one tool run.
type Device struct {
	file *os.File
	path string
}

// Open opens the volume read-only.
func Open(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Device{file: f, path: path}, nil
}

// OpenRW opens the volume read-write. Only the superblock slots are
// ever written through this handle.
func OpenRW(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Device{file: f, path: path}, nil
}

func (d *Device) Path() string {
	return d.path
}

func (d *Device) Close() error {
	return d.file.Close()
}

// Size returns the volume size in bytes: BLKGETSIZE64 for block
// devices, stat for regular files. Other file kinds are rejected.
func (d *Device) Size() (uint64, error) {
	fi, err := d.file.Stat()
	if err != nil {
		return 0, err
	}
	mode := fi.Mode()
	switch {
	case mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0:
		var size uint64
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(),
			unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
		if errno != 0 {
			return 0, fmt.Errorf("BLKGETSIZE64 %s: %w", d.path, errno)
		}
		return size, nil
	case mode.IsRegular():
		return uint64(fi.Size()), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrBadDeviceType, d.path)
}

// ReadBlock reads exactly one block into buf.
func (d *Device) ReadBlock(blocknr uint64, buf []byte) error {
	if err := d.ReadExactAt(buf, int64(blocknr)*int64(len(buf))); err != nil {
		return fmt.Errorf("cannot read block (blocknr = %d): %w", blocknr, err)
	}
	return nil
}

// ReadExactAt fills buf from the given byte offset. A short read is an
// error.
func (d *Device) ReadExactAt(buf []byte, off int64) error {
	n, err := d.file.ReadAt(buf, off)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return fmt.Errorf("read at offset %d: %w", off, err)
	}
	return nil
}

// WriteExactAt writes all of buf at the given byte offset.
func (d *Device) WriteExactAt(buf []byte, off int64) error {
	if _, err := d.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write at offset %d: %w", off, err)
	}
	return nil
}

func (d *Device) Sync() error {
	return unix.Fsync(int(d.file.Fd()))
}

// Prefetch issues an advisory readahead for [off, off+length). Failure
// is ignored.
func (d *Device) Prefetch(off, length int64) {
	_ = unix.Fadvise(int(d.file.Fd()), off, length, unix.FADV_WILLNEED)
}

// CheckMounted scans the mount table and reports ErrMounted when the
// device appears there. mtab may be empty to use DefaultMtab.
func CheckMounted(devicePath, mtab string) error {
	if mtab == "" {
		mtab = DefaultMtab
	}
	f, err := os.Open(mtab)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", mtab, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && strings.HasPrefix(fields[0], devicePath) {
			return fmt.Errorf("%w: %s", ErrMounted, devicePath)
		}
	}
	return scanner.Err()
}
