package bsdiff

import (
	"encoding/binary"
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
)

// imgdiff wraps the bsdiff container in a structure-aware chunk preface:
// rather than one whole-file bsdiff pass, the patch is split into chunks
// that are independently either a nested bsdiff patch against a named source
// sub-region, or a literal run of new bytes (the common case for
// already-compressed sub-regions inside an image, e.g. a gzip'd kernel
// section, where diffing against the old bytes buys nothing). This mirrors
// the "structure-aware bsdiff" note in spec §4.10's command table; no
// original_source file implements the real imgdiff chunk format (not part of
// the retrieved pack), so the preface format here is this module's own,
// self-consistent design built directly on ApplyPatch's control/diff/extra
// machinery.
const imgdiffMagic = "IMGDIFF2"

const (
	chunkNormal = 0 // nested bsdiff patch against src[srcStart:srcStart+srcLen]
	chunkRaw    = 1 // literal bytes, copied verbatim from the patch body
)

// ApplyImgPatch reconstructs the new image the same way ApplyPatch does, but
// per spec §4.10's `imgdiff` command: patch is an IMGDIFF2 container of
// chunk descriptors instead of one flat bsdiff stream.
func ApplyImgPatch(src, patch []byte, write WriteFunc, expectedHash []byte) error {
	const op = "bsdiff.ApplyImgPatch"
	if len(patch) < 12 || string(patch[:8]) != imgdiffMagic {
		return pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("bad imgdiff magic"))
	}
	numChunks := binary.LittleEndian.Uint32(patch[8:12])
	pos := 12

	digest := newDigestWriter(write)
	for i := uint32(0); i < numChunks; i++ {
		if pos+1 > len(patch) {
			return pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("truncated chunk header at chunk %d", i))
		}
		kind := patch[pos]
		pos++

		switch kind {
		case chunkRaw:
			if pos+8 > len(patch) {
				return pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("truncated raw chunk %d", i))
			}
			rawLen := int(binary.LittleEndian.Uint64(patch[pos : pos+8]))
			pos += 8
			if pos+rawLen > len(patch) {
				return pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("raw chunk %d exceeds patch bounds", i))
			}
			if err := digest.Write(patch[pos : pos+rawLen]); err != nil {
				return pkgerr.New(pkgerr.InvalidStream, op, err)
			}
			pos += rawLen

		case chunkNormal:
			if pos+24 > len(patch) {
				return pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("truncated bsdiff chunk %d", i))
			}
			srcStart := int64(binary.LittleEndian.Uint64(patch[pos : pos+8]))
			srcLen := int64(binary.LittleEndian.Uint64(patch[pos+8 : pos+16]))
			patchLen := int64(binary.LittleEndian.Uint64(patch[pos+16 : pos+24]))
			pos += 24
			if srcStart < 0 || srcLen < 0 || srcStart+srcLen > int64(len(src)) {
				return pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("bsdiff chunk %d source range out of bounds", i))
			}
			if int64(pos)+patchLen > int64(len(patch)) {
				return pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("bsdiff chunk %d exceeds patch bounds", i))
			}
			subPatch := patch[pos : int64(pos)+patchLen]
			pos += int(patchLen)

			subSrc := src[srcStart : srcStart+srcLen]
			if err := ApplyPatch(subSrc, subPatch, digest.Write, nil); err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}

		default:
			return pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("unrecognized chunk kind %d at chunk %d", kind, i))
		}
	}

	return digest.Verify(expectedHash)
}
