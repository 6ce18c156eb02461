package codec

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// componentEntryName is the fixed single-entry name used inside the
// mini zip container this codec produces; the name never reaches the
// outer package's file listing, it only exists to satisfy archive/zip's
// container shape (spec §4.3: "classic ZIP local + central directory
// entries").
const componentEntryName = "component.bin"

var registerZipCodecsOnce sync.Once

// registerFasterFlate swaps stdlib compress/flate for klauspost/compress/flate
// inside archive/zip — the standard idiom for speeding up Go zip handling
// without reimplementing the zip container format itself.
func registerFasterFlate() {
	registerZipCodecsOnce.Do(func() {
		zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(w, flate.DefaultCompression)
		})
		zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
			return flate.NewReader(r)
		})
	})
}

// zipDeflateAlgorithm implements spec §4.3's "Zip/deflate" codec: each
// component is packed as a single-entry ZIP (local file header + central
// directory + EOCD), deflate-compressed via klauspost/compress.
type zipDeflateAlgorithm struct{}

func newZipDeflateAlgorithm() Algorithm {
	registerFasterFlate()
	return zipDeflateAlgorithm{}
}

func (zipDeflateAlgorithm) ID() Method { return MethodZipDeflate }

func (zipDeflateAlgorithm) Pack(in, out pkgstream.Stream, ctx *Context) error {
	raw, err := readAll(in)
	if err != nil {
		return err
	}

	var dst bytes.Buffer
	zw := zip.NewWriter(&dst)
	// archive/zip switches to Zip64 local/central-directory fields on its own
	// once a size hits the UINT32_MAX sentinel (spec §4.3); no special casing
	// needed here.
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:   componentEntryName,
		Method: zip.Deflate,
	})
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "zipdeflate.Pack", err)
	}
	if _, err := w.Write(raw); err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "zipdeflate.Pack", err)
	}
	if err := zw.Close(); err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "zipdeflate.Pack", err)
	}

	if err := writeAll(out, dst.Bytes()); err != nil {
		return err
	}
	ctx.PackedSize = int64(dst.Len())
	ctx.UnpackedSize = int64(len(raw))
	return nil
}

func (zipDeflateAlgorithm) Unpack(in, out pkgstream.Stream, ctx *Context) error {
	packed, err := readAll(in)
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(bytes.NewReader(packed), int64(len(packed)))
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "zipdeflate.Unpack", err)
	}
	if len(zr.File) != 1 {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "zipdeflate.Unpack", fmt.Errorf("expected exactly one entry, got %d", len(zr.File)))
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "zipdeflate.Unpack", err)
	}
	defer rc.Close()

	dst, err := io.ReadAll(rc)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "zipdeflate.Unpack", err)
	}

	if err := writeAll(out, dst); err != nil {
		return err
	}
	ctx.UnpackedSize = int64(len(dst))
	ctx.PackedSize = int64(len(packed))
	return nil
}
