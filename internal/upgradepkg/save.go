package upgradepkg

import (
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/codec"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// NewForSave starts a container under construction. entryCount must equal
// the number of AddEntry calls that will follow — the original computes
// every component's data offset from the table's fixed size up front rather
// than growing it incrementally (GetEntryOffset in the original), so the
// total must be known before the first AddEntry.
func NewForSave(stream pkgstream.Stream, registry *codec.Registry, info UpgradePkgInfo, entryCount uint32) *File {
	info.EntryCount = entryCount
	if info.DigestMethod == 0 {
		info.DigestMethod = codec.DigestSHA256
	}
	return &File{
		stream:     stream,
		registry:   registry,
		state:      stateWorking,
		info:       info,
		components: make([]component, 0, entryCount),
	}
}

// AddEntry packs in's bytes as the next component and appends its table row.
// identity is minted as a UUID if left empty. info.Digest is stored in the
// row as given (spec leaves its source to the caller); AddEntry does not
// compute it, and an empty digest is stored as DigestMaxLen zero bytes.
func (f *File) AddEntry(in pkgstream.Stream, info ComponentInfo) error {
	const op = "upgradepkg.AddEntry"
	if f.state != stateWorking {
		return pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("file not in WORKING state"))
	}
	if uint32(len(f.components)) >= f.info.EntryCount {
		return pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("more entries added than declared entryCount %d", f.info.EntryCount))
	}
	info.Identity = mintIdentity(info.Identity)
	if len(info.Digest) == 0 {
		info.Digest = make([]byte, DigestMaxLen)
	}

	var compDataLen int64
	for _, c := range f.components {
		compDataLen += int64(c.info.Size)
	}
	dataOffset := int64(fileHeaderLen) + tlvHeaderSize + int64(f.info.EntryCount)*compInfoSize + ReserveLen + SignatureLen + compDataLen

	alg, err := f.registry.Get(codec.MethodNone)
	if err != nil {
		return err
	}
	out := newOffsetStream(f.stream, dataOffset, 0)
	ctx := &codec.Context{}
	if err := alg.Pack(in, out, ctx); err != nil {
		return err
	}
	info.Size = uint32(ctx.PackedSize)

	headerOffset := int64(fileHeaderLen) + tlvHeaderSize + int64(len(f.components))*compInfoSize
	row := marshalComponentInfo(info)
	if err := f.stream.WriteAt(row, headerOffset); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}

	f.components = append(f.components, component{info: info, dataOffset: dataOffset, headerOffset: headerOffset})
	return nil
}

// SignFunc produces the on-disk signature bytes for a finalized digest
// (spec §4.4: Pkcs7SignedData.sign for V4, raw RSA-over-digest for earlier
// versions — this package stays agnostic and just asks the caller to sign).
type SignFunc func(info *UpgradePkgInfo, digest []byte) ([]byte, error)

// Save finalizes the container: writes the header/time/component-table
// region, a zeroed signature placeholder, computes the digest over the
// canonical pre-sign bytes plus every already-packed component, signs it,
// and patches the real signature bytes in (spec §4.4's Save algorithm).
func (f *File) Save(sign SignFunc) error {
	const op = "upgradepkg.Save"
	if f.state != stateWorking {
		return pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("file not in WORKING state"))
	}
	if uint32(len(f.components)) != f.info.EntryCount {
		return pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("added %d entries, declared entryCount %d", len(f.components), f.info.EntryCount))
	}

	headerBuf := make([]byte, fileHeaderLen)
	tlvType := uint16(tlvTypeHeaderSHA256)
	if f.info.DigestMethod == codec.DigestSHA384 {
		tlvType = tlvTypeHeaderSHA384
	}
	putTLV(headerBuf[0:tlvHeaderSize], tlvType, headerBodySize)
	off := tlvHeaderSize
	// pkgInfoLength: see CheckPackageHeader in the original — informational,
	// not relied on structurally by Load.
	putLE32(headerBuf[off:off+4], uint32(3*tlvHeaderSize+headerBodySize+timeBodySize)+uint32(f.info.EntryCount)*compInfoSize+ReserveLen)
	putLE32(headerBuf[off+4:off+8], uint32(f.info.UpdateFileVersion))
	putCString(headerBuf[off+8:off+8+productUpdateIDLen], f.info.ProductUpdateID)
	putCString(headerBuf[off+8+productUpdateIDLen:off+8+productUpdateIDLen+softwareVersionLen], f.info.SoftwareVersion)

	off = tlvHeaderSize + headerBodySize
	putTLV(headerBuf[off:off+tlvHeaderSize], tlvTypeTime, timeBodySize)
	off += tlvHeaderSize
	putCString(headerBuf[off:off+dateLen], f.info.Date)
	putCString(headerBuf[off+dateLen:off+dateLen+timeLen], f.info.Time)

	if err := f.stream.WriteAt(headerBuf, 0); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}

	compTLV := make([]byte, tlvHeaderSize)
	putTLV(compTLV, tlvTypeComponents, uint16(f.info.EntryCount)*compInfoSize)
	if err := f.stream.WriteAt(compTLV, int64(fileHeaderLen)); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}

	trailerOffset := int64(fileHeaderLen) + tlvHeaderSize + int64(f.info.EntryCount)*compInfoSize
	reserve := make([]byte, ReserveLen)
	putCString(reserve, f.info.DescriptPackageID)
	zeroSig := make([]byte, SignatureLen)
	if err := f.stream.WriteAt(append(append([]byte(nil), reserve...), zeroSig...), trailerOffset); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}

	alg, err := newDigest(f.info.DigestMethod)
	if err != nil {
		return err
	}
	alg.Write(headerBuf)
	alg.Write(compTLV)
	for _, c := range f.components {
		alg.Write(marshalComponentInfo(c.info))
	}
	alg.Write(reserve)
	alg.Write(zeroSig)

	for _, c := range f.components {
		buf := make([]byte, c.info.Size)
		if err := readFull(f.stream, buf, c.dataOffset); err != nil {
			return err
		}
		alg.Write(buf)
	}

	digest := alg.Sum(nil)
	signature, err := sign(&f.info, digest)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidSignature, op, err)
	}

	var sigField []byte
	if f.info.DigestMethod == codec.DigestSHA384 {
		sigField = make([]byte, SignatureLen)
		copy(sigField[signSHA256Len:], signature)
	} else {
		sigField = make([]byte, SignatureLen)
		copy(sigField[:signSHA256Len], signature)
	}
	if err := f.stream.WriteAt(sigField, trailerOffset+ReserveLen); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}

	f.info.UpdateFileHeadLen = trailerOffset + ReserveLen + SignatureLen
	f.state = stateClose

	finalLen := f.info.UpdateFileHeadLen
	if n := len(f.components); n > 0 {
		last := f.components[n-1]
		if end := last.dataOffset + int64(last.info.Size); end > finalLen {
			finalLen = end
		}
	}
	return f.stream.Flush(finalLen)
}

func putLE32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}
