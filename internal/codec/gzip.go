package codec

import (
	"bytes"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// gzipAlgorithm implements spec §4.3's "Gzip" codec: a single-member gzip
// stream, via klauspost/compress/gzip (drop-in faster replacement for
// stdlib compress/gzip).
type gzipAlgorithm struct{}

func newGzipAlgorithm() Algorithm { return gzipAlgorithm{} }

func (gzipAlgorithm) ID() Method { return MethodGzip }

func (gzipAlgorithm) Pack(in, out pkgstream.Stream, ctx *Context) error {
	raw, err := readAll(in)
	if err != nil {
		return err
	}

	var dst bytes.Buffer
	w, err := kgzip.NewWriterLevel(&dst, kgzip.DefaultCompression)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "gzip.Pack", err)
	}
	if _, err := w.Write(raw); err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "gzip.Pack", err)
	}
	if err := w.Close(); err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "gzip.Pack", err)
	}

	if err := writeAll(out, dst.Bytes()); err != nil {
		return err
	}
	ctx.PackedSize = int64(dst.Len())
	ctx.UnpackedSize = int64(len(raw))
	return nil
}

func (gzipAlgorithm) Unpack(in, out pkgstream.Stream, ctx *Context) error {
	packed, err := readAll(in)
	if err != nil {
		return err
	}
	r, err := kgzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "gzip.Unpack", err)
	}
	defer r.Close()

	var dst bytes.Buffer
	if _, err := dst.ReadFrom(r); err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "gzip.Unpack", err)
	}

	if err := writeAll(out, dst.Bytes()); err != nil {
		return err
	}
	ctx.UnpackedSize = int64(dst.Len())
	ctx.PackedSize = int64(len(packed))
	return nil
}
