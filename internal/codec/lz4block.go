package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/pierrec/lz4/v4"
)

// lz4BlockMagic is the custom 4-byte magic spec §4.3 defines for the LZ4
// block codec (distinct from the standard LZ4 frame magic).
var lz4BlockMagic = [4]byte{'L', '4', 'B', '1'}

// maxLz4BlockSize is the fixed per-block cap spec §4.3 mandates (<= 4 MiB).
const maxLz4BlockSize = 4 * 1024 * 1024

// lz4BlockAlgorithm implements spec §4.3's "LZ4 block" codec: custom magic +
// {u32 block_len, block_bytes} repeated, each block independently
// LZ4-block-compressed.
type lz4BlockAlgorithm struct{}

func newLz4BlockAlgorithm() Algorithm { return lz4BlockAlgorithm{} }

func (lz4BlockAlgorithm) ID() Method { return MethodLZ4Block }

func (lz4BlockAlgorithm) Pack(in, out pkgstream.Stream, ctx *Context) error {
	raw, err := readAll(in)
	if err != nil {
		return err
	}

	var dst []byte
	dst = append(dst, lz4BlockMagic[:]...)

	compressBuf := make([]byte, lz4.CompressBlockBound(maxLz4BlockSize))
	for off := 0; off < len(raw) || len(raw) == 0; off += maxLz4BlockSize {
		end := off + maxLz4BlockSize
		if end > len(raw) {
			end = len(raw)
		}
		chunk := raw[off:end]

		var block []byte
		if len(chunk) > 0 {
			var c lz4.Compressor
			n, err := c.CompressBlock(chunk, compressBuf)
			if err != nil {
				return pkgerr.New(pkgerr.InvalidLZ4, "lz4block.Pack", err)
			}
			if n == 0 {
				return pkgerr.New(pkgerr.InvalidLZ4, "lz4block.Pack", fmt.Errorf("block %d did not compress", off/maxLz4BlockSize))
			}
			block = compressBuf[:n]
		}

		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(block)))
		dst = append(dst, hdr[:]...)
		dst = append(dst, block...)

		if len(raw) == 0 {
			break
		}
	}

	if err := writeAll(out, dst); err != nil {
		return err
	}
	ctx.PackedSize = int64(len(dst))
	ctx.UnpackedSize = int64(len(raw))
	return nil
}

func (lz4BlockAlgorithm) Unpack(in, out pkgstream.Stream, ctx *Context) error {
	packed, err := readAll(in)
	if err != nil {
		return err
	}
	if len(packed) < 4 || [4]byte{packed[0], packed[1], packed[2], packed[3]} != lz4BlockMagic {
		return pkgerr.New(pkgerr.InvalidPkgFormat, "lz4block.Unpack", fmt.Errorf("bad magic"))
	}

	var dst []byte
	pos := 4
	uncompressBuf := make([]byte, maxLz4BlockSize)
	for pos < len(packed) {
		if pos+4 > len(packed) {
			return pkgerr.New(pkgerr.InvalidPkgFormat, "lz4block.Unpack", fmt.Errorf("truncated block header"))
		}
		blockLen := binary.LittleEndian.Uint32(packed[pos : pos+4])
		pos += 4
		if pos+int(blockLen) > len(packed) {
			return pkgerr.New(pkgerr.InvalidPkgFormat, "lz4block.Unpack", fmt.Errorf("truncated block body"))
		}
		block := packed[pos : pos+int(blockLen)]
		pos += int(blockLen)

		if len(block) == 0 {
			continue
		}
		n, err := lz4.UncompressBlock(block, uncompressBuf)
		if err != nil {
			return pkgerr.New(pkgerr.InvalidLZ4, "lz4block.Unpack", fmt.Errorf("corrupt block: %w", err))
		}
		dst = append(dst, uncompressBuf[:n]...)
	}

	if err := writeAll(out, dst); err != nil {
		return err
	}
	ctx.UnpackedSize = int64(len(dst))
	ctx.PackedSize = int64(len(packed))
	return nil
}
