// Package zippkgparse locates (and, for package construction, appends) the
// PKCS#7 signature blob tucked into a signed outer package's trailing ZIP
// End Of Central Directory comment (spec §4.7). No container library in the
// pack — not even archive/zip — models "find the blob appended after EOCD",
// so this walks the raw bytes the way the original does.
package zippkgparse

import (
	"encoding/binary"
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

const (
	sourceWriteBlockLen     = 4096
	eocdLenExcludeComment   = 20
	eocdFixedPartLen        = 22
	footerSize              = 6
	eocdMinLen              = eocdFixedPartLen + footerSize
	eocdSignature    uint32 = 0x06054b50
	footerFlag       uint16 = 0xFFFF
)

// footer is the 6-byte trailer a signer appends after the PKCS#7 blob
// (Footer in the original): signDataStart is the PKCS#7 blob's length plus
// footerSize (the distance from the end of the file back to the start of
// the blob), and signDataSize is the EOCD comment's total length.
// WriteSignedData writes the same value into both.
type footer struct {
	signDataStart uint16
	signDataFlag  uint16
	signDataSize  uint16
}

// ParseZipPkg locates the appended-signature region of a signed outer
// package: the EOCD comment's last footerSize bytes describe how much of
// the comment is the appended PKCS#7 blob+footer, and the EOCD's own
// comment-length field must agree (ParseZipPkg/ParsePkgFooter/CheckZipEocd
// in the original).
func ParseZipPkg(stream pkgstream.Stream) (signatureStart, signatureSize int64, err error) {
	const op = "zippkgparse.ParseZipPkg"

	fileLen, err := stream.Length()
	if err != nil {
		return 0, 0, pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	if fileLen <= footerSize {
		return 0, 0, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("file length %d <= footer size %d", fileLen, footerSize))
	}

	footerBuf := make([]byte, footerSize)
	if err := readFull(stream, footerBuf, fileLen-footerSize); err != nil {
		return 0, 0, pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	f, err := parseFooter(footerBuf)
	if err != nil {
		return 0, 0, pkgerr.New(pkgerr.InvalidPkgFormat, op, err)
	}

	eocdTotalLen := int64(eocdFixedPartLen) + int64(f.signDataSize)
	if fileLen <= eocdTotalLen {
		return 0, 0, pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("eocd total length %d exceeds file length %d", eocdTotalLen, fileLen))
	}

	eocdStart := fileLen - eocdTotalLen
	eocd := make([]byte, eocdTotalLen)
	if err := readFull(stream, eocd, eocdStart); err != nil {
		return 0, 0, pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	if err := checkZipEocd(eocd, f.signDataSize); err != nil {
		return 0, 0, pkgerr.New(pkgerr.InvalidPkgFormat, op, err)
	}

	if fileLen <= int64(f.signDataSize) {
		return 0, 0, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("file length %d <= signature comment length %d", fileLen, f.signDataSize))
	}
	signatureStart = fileLen - int64(f.signDataSize)
	signatureSize = int64(f.signDataSize)
	return signatureStart, signatureSize, nil
}

func parseFooter(buf []byte) (footer, error) {
	if len(buf) < footerSize {
		return footer{}, fmt.Errorf("footer buffer shorter than %d bytes", footerSize)
	}
	f := footer{
		signDataStart: binary.LittleEndian.Uint16(buf[0:2]),
		signDataFlag:  binary.LittleEndian.Uint16(buf[2:4]),
		signDataSize:  binary.LittleEndian.Uint16(buf[4:6]),
	}
	if f.signDataFlag != footerFlag {
		return footer{}, fmt.Errorf("bad footer flag %#04x", f.signDataFlag)
	}
	if f.signDataStart < footerSize || f.signDataSize < footerSize || f.signDataStart > f.signDataSize {
		return footer{}, fmt.Errorf("bad footer lengths: append=%#04x total=%#04x", f.signDataStart, f.signDataSize)
	}
	return f, nil
}

// checkZipEocd validates eocd's signature, rejects an embedded second EOCD
// marker hidden inside the comment (a classic signed-ZIP spoofing trick),
// and cross-checks the EOCD's own comment-length field against the footer's
// signDataSize (CheckZipEocd in the original).
func checkZipEocd(eocd []byte, signCommentTotalLen uint16) error {
	if len(eocd) < eocdMinLen {
		return fmt.Errorf("eocd length %d below minimum %d", len(eocd), eocdMinLen)
	}
	if binary.LittleEndian.Uint32(eocd[0:4]) != eocdSignature {
		return fmt.Errorf("bad eocd signature")
	}

	marker := [4]byte{0x50, 0x4b, 0x05, 0x06}
	for i := 4; i+4 <= len(eocd); i++ {
		if eocd[i] == marker[0] && eocd[i+1] == marker[1] && eocd[i+2] == marker[2] && eocd[i+3] == marker[3] {
			return fmt.Errorf("eocd marker occurs again inside the comment")
		}
	}

	commentLen := binary.LittleEndian.Uint16(eocd[eocdLenExcludeComment : eocdLenExcludeComment+2])
	if commentLen != signCommentTotalLen {
		return fmt.Errorf("eocd comment length %#04x disagrees with footer %#04x", commentLen, signCommentTotalLen)
	}
	return nil
}

// CheckZipPkg reports whether stream is an ordinary, unsigned ZIP: its last
// eocdFixedPartLen bytes must themselves be a bare EOCD record (CheckZipPkg
// in the original, used before signing a package to refuse to double-sign).
func CheckZipPkg(stream pkgstream.Stream) error {
	const op = "zippkgparse.CheckZipPkg"
	fileLen, err := stream.Length()
	if err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	if fileLen <= eocdFixedPartLen {
		return pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("file length %d <= %d", fileLen, eocdFixedPartLen))
	}
	buf := make([]byte, eocdFixedPartLen)
	if err := readFull(stream, buf, fileLen-eocdFixedPartLen); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != eocdSignature {
		return pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("package is already signed or not a zip"))
	}
	return nil
}

// GetSignature resolves and reads the PKCS#7 blob itself (the signature
// comment minus its trailing footer), returning it along with the EOCD
// comment's total length (GetSignature in the original).
func GetSignature(stream pkgstream.Stream) (signature []byte, commentTotalLen uint16, err error) {
	const op = "zippkgparse.GetSignature"
	start, size, err := ParseZipPkg(stream)
	if err != nil {
		return nil, 0, err
	}
	if size < footerSize {
		return nil, 0, pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("signature comment length %d below footer size", size))
	}
	signDataLen := size - footerSize
	signature = make([]byte, signDataLen)
	if err := readFull(stream, signature, start); err != nil {
		return nil, 0, pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	return signature, uint16(size), nil
}

// WriteSignedData appends p7Data and its footer to outStream, copying
// inStream's bytes ahead of it minus its trailing 2-byte (empty) zip
// comment-length field (WriteZipSignedData in the original; package
// construction / pkgtool use only).
func WriteSignedData(outStream, inStream pkgstream.Stream, p7Data []byte) error {
	const op = "zippkgparse.WriteSignedData"
	fileSize, err := inStream.Length()
	if err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	if fileSize < 2 {
		return pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("input file too short"))
	}

	srcDataLen := fileSize - 2
	if err := copyBlocks(outStream, inStream, srcDataLen); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	offset := srcDataLen

	commentLen := uint16(len(p7Data) + footerSize)
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, commentLen)
	if err := outStream.WriteAt(lenBuf, offset); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	offset += 2

	if err := outStream.WriteAt(p7Data, offset); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	offset += int64(len(p7Data))

	footerBuf := make([]byte, footerSize)
	binary.LittleEndian.PutUint16(footerBuf[0:2], commentLen)
	binary.LittleEndian.PutUint16(footerBuf[2:4], footerFlag)
	binary.LittleEndian.PutUint16(footerBuf[4:6], commentLen)
	if err := outStream.WriteAt(footerBuf, offset); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	offset += footerSize
	return outStream.Flush(offset)
}

func copyBlocks(dst, src pkgstream.Stream, length int64) error {
	buf := make([]byte, sourceWriteBlockLen)
	for offset := int64(0); offset < length; {
		remain := length - offset
		want := int64(len(buf))
		if remain < want {
			want = remain
		}
		if err := readFull(src, buf[:want], offset); err != nil {
			return err
		}
		if err := dst.WriteAt(buf[:want], offset); err != nil {
			return err
		}
		offset += want
	}
	return nil
}

func readFull(stream pkgstream.Stream, buf []byte, offset int64) error {
	for read := 0; read < len(buf); {
		n, err := stream.ReadAt(buf[read:], offset+int64(read))
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short read at offset %d", offset+int64(read))
		}
		read += n
	}
	return nil
}
