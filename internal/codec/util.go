package codec

import (
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// readAll drains a pkgstream.Stream into memory. Every codec here operates on
// whole components (spec's per-component compression, not streaming frames
// split across the transfer engine boundary), so this is the shared first
// step of every Pack/Unpack.
func readAll(in pkgstream.Stream) ([]byte, error) {
	length, err := in.Length()
	if err != nil {
		return nil, fmt.Errorf("codec: stream length: %w", err)
	}
	buf := make([]byte, length)
	var off int64
	for off < length {
		n, err := in.ReadAt(buf[off:], off)
		if err != nil {
			return nil, fmt.Errorf("codec: read at %d: %w", off, err)
		}
		if n == 0 {
			return buf[:off], nil // short read: end of stream
		}
		off += int64(n)
	}
	return buf, nil
}

// writeAll writes buf to out starting at offset 0 in one call, matching the
// "write all bytes or return a distinct stream error" contract (spec §4.2).
func writeAll(out pkgstream.Stream, buf []byte) error {
	return out.WriteAt(buf, 0)
}
