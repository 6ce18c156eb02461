package codec

import (
	"bytes"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/ulikunitz/xz"
)

// xzAlgorithm implements SPEC_FULL's added xz codec, via
// github.com/ulikunitz/xz — the teacher's own image-conversion paths already
// depend on this library for its .xz-packed base images.
type xzAlgorithm struct{}

func newXZAlgorithm() Algorithm { return xzAlgorithm{} }

func (xzAlgorithm) ID() Method { return MethodXZ }

func (xzAlgorithm) Pack(in, out pkgstream.Stream, ctx *Context) error {
	raw, err := readAll(in)
	if err != nil {
		return err
	}

	var dst bytes.Buffer
	w, err := xz.NewWriter(&dst)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "xz.Pack", err)
	}
	if _, err := w.Write(raw); err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "xz.Pack", err)
	}
	if err := w.Close(); err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "xz.Pack", err)
	}

	if err := writeAll(out, dst.Bytes()); err != nil {
		return err
	}
	ctx.PackedSize = int64(dst.Len())
	ctx.UnpackedSize = int64(len(raw))
	return nil
}

func (xzAlgorithm) Unpack(in, out pkgstream.Stream, ctx *Context) error {
	packed, err := readAll(in)
	if err != nil {
		return err
	}
	r, err := xz.NewReader(bytes.NewReader(packed))
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "xz.Unpack", err)
	}

	var dst bytes.Buffer
	if _, err := dst.ReadFrom(r); err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "xz.Unpack", err)
	}

	if err := writeAll(out, dst.Bytes()); err != nil {
		return err
	}
	ctx.UnpackedSize = int64(dst.Len())
	ctx.PackedSize = int64(len(packed))
	return nil
}
