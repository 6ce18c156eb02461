package upgradepkg

import (
	"encoding/binary"
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/codec"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// verifyStreamChunk is the buffer size used while streaming the remainder of
// the file through the digest (BUFFER_SIZE in the original).
const verifyStreamChunk = 4 * 1024 * 1024

// Load parses an "update.bin" container from stream and verifies its
// signature before returning it (spec §4.4's Load algorithm).
func Load(stream pkgstream.Stream, registry *codec.Registry, verify VerifyFunc) (*File, error) {
	const op = "upgradepkg.Load"
	if verify == nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("nil verifier"))
	}

	fileLen, err := stream.Length()
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	minSize := int64(fileHeaderLen) + compInfoSize + ReserveLen + SignatureLen
	if fileLen < minSize {
		return nil, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("file length %d below minimum %d", fileLen, minSize))
	}

	f := &File{stream: stream, registry: registry, state: stateWorking}

	headerBuf := make([]byte, fileHeaderLen)
	if err := readFull(stream, headerBuf, 0); err != nil {
		return nil, err
	}

	typ, length := readTLV(headerBuf)
	var digestMethod codec.DigestMethod
	switch typ {
	case tlvTypeHeaderSHA256:
		digestMethod = codec.DigestSHA256
	case tlvTypeHeaderSHA384:
		digestMethod = codec.DigestSHA384
	default:
		return nil, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("unrecognized header tlv type %#x", typ))
	}
	f.info.DigestMethod = digestMethod
	if int(length) != headerBodySize {
		return nil, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("header tlv length %d, want %d", length, headerBodySize))
	}

	off := tlvHeaderSize
	f.info.UpdateFileVersion = FileVersion(binary.LittleEndian.Uint32(headerBuf[off+4 : off+8]))
	f.info.ProductUpdateID = cstringFrom(headerBuf[off+8 : off+8+productUpdateIDLen])
	f.info.SoftwareVersion = cstringFrom(headerBuf[off+8+productUpdateIDLen : off+8+productUpdateIDLen+softwareVersionLen])

	off = tlvHeaderSize + headerBodySize
	timeTyp, timeLength := readTLV(headerBuf[off : off+tlvHeaderSize])
	if err := checkTLV(op, timeTyp, timeLength, tlvTypeTime, timeBodySize, fileLen); err != nil {
		return nil, err
	}
	off += tlvHeaderSize
	f.info.Date = cstringFrom(headerBuf[off : off+dateLen])
	f.info.Time = cstringFrom(headerBuf[off+dateLen : off+dateLen+timeLen])

	alg, err := newDigest(digestMethod)
	if err != nil {
		return nil, err
	}
	alg.Write(headerBuf)
	parsedLen := int64(fileHeaderLen)

	compTLVBuf := make([]byte, tlvHeaderSize)
	if err := readFull(stream, compTLVBuf, parsedLen); err != nil {
		return nil, err
	}
	compTyp, compLength := readTLV(compTLVBuf)
	if err := checkTLV(op, compTyp, compLength, tlvTypeComponents, compInfoSize, fileLen); err != nil {
		return nil, err
	}
	if int(compLength)%compInfoSize != 0 {
		return nil, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("component table length %d not a multiple of %d", compLength, compInfoSize))
	}
	alg.Write(compTLVBuf)
	parsedLen += tlvHeaderSize

	n := int(compLength) / compInfoSize
	tableBuf := make([]byte, compLength)
	if err := readFull(stream, tableBuf, parsedLen); err != nil {
		return nil, err
	}
	alg.Write(tableBuf)
	parsedLen += int64(compLength)

	f.info.EntryCount = uint32(n)
	f.components = make([]component, n)
	dataOffset := parsedLen + ReserveLen + SignatureLen
	for i := 0; i < n; i++ {
		row := tableBuf[i*compInfoSize : (i+1)*compInfoSize]
		info := unmarshalComponentInfo(row)
		f.components[i] = component{
			info:         info,
			headerOffset: parsedLen + int64(i*compInfoSize),
			dataOffset:   dataOffset,
		}
		dataOffset += int64(info.Size)
	}

	if parsedLen+ReserveLen+SignatureLen >= fileLen {
		return nil, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("no room for reserve and signature"))
	}

	trailer := make([]byte, ReserveLen+SignatureLen)
	if err := readFull(stream, trailer, parsedLen); err != nil {
		return nil, err
	}
	f.info.DescriptPackageID = cstringFrom(trailer[:ReserveLen])

	var signature []byte
	if digestMethod == codec.DigestSHA384 {
		signature = append([]byte(nil), trailer[ReserveLen+signSHA256Len:ReserveLen+SignatureLen]...)
	} else {
		signature = append([]byte(nil), trailer[ReserveLen:ReserveLen+signSHA256Len]...)
	}

	// Canonical pre-sign representation: digest the reserve bytes as stored,
	// then a zero-filled buffer the width of the signature trailer (spec §4.4).
	alg.Write(trailer[:ReserveLen])
	alg.Write(make([]byte, SignatureLen))
	parsedLen += ReserveLen + SignatureLen
	f.info.UpdateFileHeadLen = parsedLen

	buf := make([]byte, verifyStreamChunk)
	for offset := parsedLen; offset < fileLen; {
		remain := fileLen - offset
		want := int64(len(buf))
		if remain < want {
			want = remain
		}
		got, err := stream.ReadAt(buf[:want], offset)
		if err != nil {
			return nil, pkgerr.New(pkgerr.InvalidStream, op, err)
		}
		if got == 0 {
			break
		}
		alg.Write(buf[:got])
		offset += int64(got)
	}

	digest := alg.Sum(nil)
	if err := verify(&f.info, digest, signature); err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, err)
	}

	f.state = stateClose
	return f, nil
}

// ExtractComponent writes one component's stored bytes into out through
// codec.MethodNone, with no decompression (spec's components are stored raw at this
// container layer: packMethod is always codec.MethodNone on load, matching
// DecodeHeader's fixed reset of packMethod/digestMethod to NONE).
func (f *File) ExtractComponent(identity string, out pkgstream.Stream) error {
	for _, c := range f.components {
		if c.info.Identity != identity {
			continue
		}
		in := newOffsetStream(f.stream, c.dataOffset, int64(c.info.Size))
		alg, err := f.registry.Get(codec.MethodNone)
		if err != nil {
			return err
		}
		ctx := &codec.Context{PackedSize: int64(c.info.Size), UnpackedSize: int64(c.info.Size)}
		return alg.Unpack(in, out, ctx)
	}
	return pkgerr.New(pkgerr.InvalidParam, "upgradepkg.ExtractComponent", fmt.Errorf("no such component %q", identity))
}
