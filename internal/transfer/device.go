package transfer

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/open-edge-platform/updater-core/internal/blockset"
)

// Device is the block-addressable target the transfer engine writes into:
// a partition's backing device node, opened O_RDWR (spec §4.10's
// `block_device_fd`). Offsets are block indices, not byte offsets — callers
// never need to multiply by blockset.BlockSize themselves.
type Device interface {
	ReadBlocks(buf []byte, startBlock uint64) error
	WriteBlocks(buf []byte, startBlock uint64) error
	Discard(r blockset.Range) error
	Sync() error
}

// FileDevice implements Device over an *os.File, the normal case for a real
// partition device node (spec §4.10's "Block device contract": lseek + read
// + write, ioctl(BLKDISCARD) for erase).
type FileDevice struct {
	f *os.File
}

// NewFileDevice wraps an already-open, O_RDWR block device file.
func NewFileDevice(f *os.File) *FileDevice {
	return &FileDevice{f: f}
}

func (d *FileDevice) ReadBlocks(buf []byte, startBlock uint64) error {
	_, err := d.f.ReadAt(buf, int64(startBlock)*blockset.BlockSize)
	return err
}

func (d *FileDevice) WriteBlocks(buf []byte, startBlock uint64) error {
	_, err := d.f.WriteAt(buf, int64(startBlock)*blockset.BlockSize)
	return err
}

// blkDiscard is the Linux ioctl request number for BLKDISCARD
// (_IO(0x12, 119)), not exposed as a named constant by golang.org/x/sys/unix.
const blkDiscard = 0x1277

// Discard issues BLKDISCARD over r, the real erase path on a raw block
// device (spec §4.10's `erase` command). The ioctl takes a pointer to a
// {start, len} byte-range pair, so this goes straight through unix.Syscall
// rather than one of the scalar IoctlSetInt helpers.
func (d *FileDevice) Discard(r blockset.Range) error {
	rng := [2]uint64{r.Start * blockset.BlockSize, r.Len() * blockset.BlockSize}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), uintptr(blkDiscard), uintptr(unsafe.Pointer(&rng)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

// MemoryDevice is an in-memory Device used by tests and by the dry-run
// idempotence check (spec §8 property 6): a flat byte slice sized to
// totalBlocks*BlockSize, with Discard simply zeroing the range.
type MemoryDevice struct {
	Buf []byte
}

// NewMemoryDevice allocates a zeroed device with room for totalBlocks.
func NewMemoryDevice(totalBlocks uint64) *MemoryDevice {
	return &MemoryDevice{Buf: make([]byte, totalBlocks*blockset.BlockSize)}
}

func (d *MemoryDevice) ReadBlocks(buf []byte, startBlock uint64) error {
	off := startBlock * blockset.BlockSize
	copy(buf, d.Buf[off:off+uint64(len(buf))])
	return nil
}

func (d *MemoryDevice) WriteBlocks(buf []byte, startBlock uint64) error {
	off := startBlock * blockset.BlockSize
	copy(d.Buf[off:off+uint64(len(buf))], buf)
	return nil
}

func (d *MemoryDevice) Discard(r blockset.Range) error {
	off := r.Start * blockset.BlockSize
	end := r.End * blockset.BlockSize
	for i := off; i < end; i++ {
		d.Buf[i] = 0
	}
	return nil
}

func (d *MemoryDevice) Sync() error { return nil }
