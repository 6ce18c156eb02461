package codec

import "github.com/open-edge-platform/updater-core/internal/pkgstream"

// storeAlgorithm is the uncompressed pack_method = none codec (spec §4.3).
type storeAlgorithm struct{}

func newStoreAlgorithm() Algorithm { return storeAlgorithm{} }

func (storeAlgorithm) ID() Method { return MethodNone }

func (storeAlgorithm) Pack(in, out pkgstream.Stream, ctx *Context) error {
	buf, err := readAll(in)
	if err != nil {
		return err
	}
	if err := writeAll(out, buf); err != nil {
		return err
	}
	ctx.PackedSize = int64(len(buf))
	ctx.UnpackedSize = int64(len(buf))
	return nil
}

func (storeAlgorithm) Unpack(in, out pkgstream.Stream, ctx *Context) error {
	buf, err := readAll(in)
	if err != nil {
		return err
	}
	if err := writeAll(out, buf); err != nil {
		return err
	}
	ctx.UnpackedSize = int64(len(buf))
	return nil
}
