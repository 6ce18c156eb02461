package upgradepkg

import "github.com/open-edge-platform/updater-core/internal/pkgstream"

// offsetStream is a thin pkgstream.Stream adapter over a fixed region of a
// shared backing stream, mirroring the original's single pkgStream_ plus
// per-entry offset arithmetic (every UpgradeFileEntry reads/writes through
// the same underlying stream at its own headerOffset_/dataOffset_).
type offsetStream struct {
	base   pkgstream.Stream
	base0  int64
	length int64
}

func newOffsetStream(base pkgstream.Stream, base0, length int64) *offsetStream {
	return &offsetStream{base: base, base0: base0, length: length}
}

func (s *offsetStream) ReadAt(buf []byte, offset int64) (int, error) {
	return s.base.ReadAt(buf, s.base0+offset)
}

func (s *offsetStream) WriteAt(buf []byte, offset int64) error {
	return s.base.WriteAt(buf, s.base0+offset)
}

func (s *offsetStream) Length() (int64, error) { return s.length, nil }

func (s *offsetStream) Flush(int64) error { return nil }

func (s *offsetStream) Close() error { return nil }
