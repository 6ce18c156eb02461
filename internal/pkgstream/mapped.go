package pkgstream

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedStream is a read-only Stream over an mmap window of a file, used by
// the image-patch executor (spec §4.11) to present a whole-partition backup
// as a random-access source without copying it into process memory.
type MappedStream struct {
	data []byte
}

// NewMappedStream maps the full extent of f into memory for reading.
func NewMappedStream(f *os.File) (*MappedStream, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("pkgstream: stat for mmap: %w", err)
	}
	size := fi.Size()
	if size == 0 {
		return &MappedStream{data: nil}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pkgstream: mmap: %w", err)
	}
	return &MappedStream{data: data}, nil
}

func (s *MappedStream) ReadAt(buf []byte, offset int64) (int, error) {
	if offset < 0 || offset >= int64(len(s.data)) {
		return 0, nil
	}
	n := copy(buf, s.data[offset:])
	return n, nil
}

func (s *MappedStream) WriteAt(buf []byte, offset int64) error {
	return fmt.Errorf("pkgstream: mapped stream is read-only")
}

func (s *MappedStream) Length() (int64, error) {
	return int64(len(s.data)), nil
}

func (s *MappedStream) Flush(upto int64) error { return nil }

func (s *MappedStream) Close() error {
	if s.data == nil {
		return nil
	}
	data := s.data
	s.data = nil
	return unix.Munmap(data)
}
