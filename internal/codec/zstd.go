package codec

import (
	"github.com/DataDog/zstd"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// zstdAlgorithm implements SPEC_FULL's added zstd codec, via
// github.com/DataDog/zstd (cgo binding over the reference zstd library),
// mirroring its use as an indirect dependency of the payload-extraction
// sibling tool in the retrieved corpus.
type zstdAlgorithm struct{}

func newZstdAlgorithm() Algorithm { return zstdAlgorithm{} }

func (zstdAlgorithm) ID() Method { return MethodZstd }

func (zstdAlgorithm) Pack(in, out pkgstream.Stream, ctx *Context) error {
	raw, err := readAll(in)
	if err != nil {
		return err
	}

	dst, err := zstd.Compress(nil, raw)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "zstd.Pack", err)
	}

	if err := writeAll(out, dst); err != nil {
		return err
	}
	ctx.PackedSize = int64(len(dst))
	ctx.UnpackedSize = int64(len(raw))
	return nil
}

func (zstdAlgorithm) Unpack(in, out pkgstream.Stream, ctx *Context) error {
	packed, err := readAll(in)
	if err != nil {
		return err
	}

	dst, err := zstd.Decompress(nil, packed)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "zstd.Unpack", err)
	}

	if err := writeAll(out, dst); err != nil {
		return err
	}
	ctx.UnpackedSize = int64(len(dst))
	ctx.PackedSize = int64(len(packed))
	return nil
}
