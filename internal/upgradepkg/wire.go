package upgradepkg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// cstringFrom trims a fixed-width, NUL-padded field down to a Go string
// (PkgFile::ConvertBufferToString in the original).
func cstringFrom(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// putCString writes s into a fixed-width field, NUL-padding (or truncating)
// to fit (PkgFile::ConvertStringToBuffer in the original).
func putCString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// putTLV writes a 4-byte {type, length} TLV prefix.
func putTLV(dst []byte, typ, length uint16) {
	binary.LittleEndian.PutUint16(dst[0:2], typ)
	binary.LittleEndian.PutUint16(dst[2:4], length)
}

// readTLV reads a 4-byte {type, length} TLV prefix.
func readTLV(src []byte) (typ, length uint16) {
	return binary.LittleEndian.Uint16(src[0:2]), binary.LittleEndian.Uint16(src[2:4])
}

// checkTLV reproduces the original's TLV_CHECK_AND_RETURN macro: the TLV
// must declare the expected type, its length must be at least minLen, and
// must fit within the file.
func checkTLV(op string, typ, length uint16, wantType uint16, minLen int, fileLen int64) error {
	if typ != wantType {
		return pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("unexpected tlv type %#x, want %#x", typ, wantType))
	}
	if int(length) < minLen {
		return pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("tlv length %d shorter than %d", length, minLen))
	}
	if int64(length)+tlvHeaderSize >= fileLen {
		return pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("tlv length %d exceeds file", length))
	}
	return nil
}

// marshalComponentInfo encodes one UpgradeCompInfo row.
func marshalComponentInfo(c ComponentInfo) []byte {
	buf := make([]byte, compInfoSize)
	putCString(buf[0:addressLen], c.Identity)
	off := addressLen
	binary.LittleEndian.PutUint16(buf[off:off+2], c.ID)
	off += 2
	buf[off] = c.ResType
	off++
	buf[off] = c.Flags
	off++
	buf[off] = c.Type
	off++
	putCString(buf[off:off+versionLen], c.Version)
	off += versionLen
	binary.LittleEndian.PutUint32(buf[off:off+4], c.Size)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], c.OriginalSize)
	off += 4
	copy(buf[off:off+DigestMaxLen], c.Digest)
	return buf
}

// unmarshalComponentInfo is DecodeHeader's field layout, field-for-field.
func unmarshalComponentInfo(buf []byte) ComponentInfo {
	var c ComponentInfo
	c.Identity = cstringFrom(buf[0:addressLen])
	off := addressLen
	c.ID = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	c.ResType = buf[off]
	off++
	c.Flags = buf[off]
	off++
	c.Type = buf[off]
	off++
	c.Version = cstringFrom(buf[off : off+versionLen])
	off += versionLen
	c.Size = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	c.OriginalSize = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	digest := make([]byte, DigestMaxLen)
	copy(digest, buf[off:off+DigestMaxLen])
	c.Digest = digest
	return c
}

// readFull reads exactly len(buf) bytes from stream at offset, treating a
// short read as a truncated-file error (spec §4.4 failure semantics).
func readFull(stream pkgstream.Stream, buf []byte, offset int64) error {
	var got int
	for got < len(buf) {
		n, err := stream.ReadAt(buf[got:], offset+int64(got))
		if err != nil {
			return pkgerr.New(pkgerr.InvalidStream, "upgradepkg.readFull", err)
		}
		if n == 0 {
			return pkgerr.New(pkgerr.InvalidFile, "upgradepkg.readFull", fmt.Errorf("short read at %d", offset+int64(got)))
		}
		got += n
	}
	return nil
}
