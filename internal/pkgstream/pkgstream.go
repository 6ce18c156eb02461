// Package pkgstream implements the polymorphic stream abstraction from
// spec §3/§4.2: a handle over a file, an in-memory buffer, a memory-mapped
// window, a write-only callback sink, or a RingBuffer-fed flow of bytes being
// decompressed live into the transfer engine.
//
// Ownership follows the "Design Notes" guidance in spec §9 rather than the
// original's intrusive refcounting: a single owner (pkgmanager.Manager) holds
// each Stream in a name-keyed map and hands out the same interface value to
// every caller that resolves the same name; callers never see a reference
// count, and a Stream's lifetime is bounded by its owning manager.
package pkgstream

import (
	"fmt"
)

// Stream is implemented by every stream variant. All offsets are absolute
// byte offsets from the start of the stream's logical content.
type Stream interface {
	// ReadAt fills buf starting at offset and returns the number of bytes
	// actually read. A short read (n < len(buf)) means end-of-stream; for a
	// flow stream that specifically means the producer has stopped.
	ReadAt(buf []byte, offset int64) (n int, err error)

	// WriteAt writes all of buf at offset, or returns an error — partial
	// writes are never silently truncated (spec §9's memcpy_s contract).
	WriteAt(buf []byte, offset int64) error

	// Length returns the stream's final/declared length.
	Length() (int64, error)

	// Flush truncates or finalizes a write stream up to upto bytes.
	Flush(upto int64) error

	// Close releases the stream's resources. Safe to call more than once.
	Close() error
}

// Kind identifies which concrete variant a Stream is, mostly useful for
// logging and tests.
type Kind int

const (
	KindFile Kind = iota
	KindMemory
	KindMapped
	KindProcessor
	KindFlow
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindMemory:
		return "memory"
	case KindMapped:
		return "mapped"
	case KindProcessor:
		return "processor"
	case KindFlow:
		return "flow"
	default:
		return "unknown"
	}
}

// ErrShortWrite is returned by WriteAt implementations that cannot accept the
// full buffer, matching the spec's "distinct stream error kind" wording
// (§4.2) for write failures.
var ErrShortWrite = fmt.Errorf("pkgstream: short write")
