package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/pierrec/lz4/v4"
)

// lz4FrameAlgorithm implements spec §4.3's "LZ4 frame" codec: the standard
// LZ4-1.0 frame format. Of the Context.Lz4 preferences, only
// ContentChecksumFlag and CompressionLevel (levels above 9 are clamped to
// the library's highest level, 9) are applied; AutoFlush, BlockMode and
// BlockSizeID are not read.
type lz4FrameAlgorithm struct{}

func newLz4FrameAlgorithm() Algorithm { return lz4FrameAlgorithm{} }

func (lz4FrameAlgorithm) ID() Method { return MethodLZ4Frame }

func (lz4FrameAlgorithm) Pack(in, out pkgstream.Stream, ctx *Context) error {
	raw, err := readAll(in)
	if err != nil {
		return err
	}

	var dst bytes.Buffer
	w := lz4.NewWriter(&dst)

	prefs := ctx.Lz4
	if prefs == nil {
		prefs = &Lz4FileInfo{CompressionLevel: 0}
	}
	opts := []lz4.Option{
		lz4.BlockChecksumOption(false),
	}
	if prefs.ContentChecksumFlag {
		opts = append(opts, lz4.ChecksumOption(true))
	} else {
		opts = append(opts, lz4.ChecksumOption(false))
	}
	if prefs.CompressionLevel > 0 {
		levels := [...]lz4.CompressionLevel{lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
			lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9}
		lvl := prefs.CompressionLevel
		if lvl > len(levels) {
			lvl = len(levels)
		}
		opts = append(opts, lz4.CompressionLevelOption(levels[lvl-1]))
	}
	if err := w.Apply(opts...); err != nil {
		return pkgerr.New(pkgerr.InvalidLZ4, "lz4frame.Pack", err)
	}

	if _, err := w.Write(raw); err != nil {
		return pkgerr.New(pkgerr.InvalidLZ4, "lz4frame.Pack", err)
	}
	if err := w.Close(); err != nil {
		return pkgerr.New(pkgerr.InvalidLZ4, "lz4frame.Pack", err)
	}

	if err := writeAll(out, dst.Bytes()); err != nil {
		return err
	}
	ctx.PackedSize = int64(dst.Len())
	ctx.UnpackedSize = int64(len(raw))
	return nil
}

func (lz4FrameAlgorithm) Unpack(in, out pkgstream.Stream, ctx *Context) error {
	packed, err := readAll(in)
	if err != nil {
		return err
	}
	r := lz4.NewReader(bytes.NewReader(packed))

	var dst bytes.Buffer
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			dst.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return pkgerr.New(pkgerr.InvalidLZ4, "lz4frame.Unpack", fmt.Errorf("corrupt lz4 frame: %w", err))
		}
		if n == 0 {
			break
		}
	}

	if err := writeAll(out, dst.Bytes()); err != nil {
		return err
	}
	ctx.UnpackedSize = int64(dst.Len())
	ctx.PackedSize = int64(len(packed))
	return nil
}
