package pkgstream

import (
	"io"
	"os"
	"sync"
)

// FileStream is a Stream backed by an *os.File, used for the outer package
// file itself and for extracted-to-disk components.
type FileStream struct {
	mu   sync.Mutex
	f    *os.File
	size int64 // cached length; -1 means "ask the OS"
}

// NewFileStream wraps an already-open file. The caller retains ownership of
// closing f through Stream.Close.
func NewFileStream(f *os.File) *FileStream {
	return &FileStream{f: f, size: -1}
}

// OpenFileStream opens path for reading and writing, creating it if
// necessary (used for write-side streams such as extracted new.dat targets).
func OpenFileStream(path string, create bool) (*FileStream, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return NewFileStream(f), nil
}

func (s *FileStream) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := s.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

func (s *FileStream) WriteAt(buf []byte, offset int64) error {
	n, err := s.f.WriteAt(buf, offset)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ErrShortWrite
	}
	s.mu.Lock()
	s.size = -1
	s.mu.Unlock()
	return nil
}

func (s *FileStream) Length() (int64, error) {
	s.mu.Lock()
	cached := s.size
	s.mu.Unlock()
	if cached >= 0 {
		return cached, nil
	}
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.size = fi.Size()
	s.mu.Unlock()
	return fi.Size(), nil
}

func (s *FileStream) Flush(upto int64) error {
	if err := s.f.Truncate(upto); err != nil {
		return err
	}
	s.mu.Lock()
	s.size = upto
	s.mu.Unlock()
	return s.f.Sync()
}

func (s *FileStream) Close() error {
	return s.f.Close()
}
