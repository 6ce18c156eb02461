// Package upgradepkg implements the "update.bin" upgrade container from
// spec §4.4: a TLV-framed header, a component table, a reserve block, a
// fixed-length signature trailer, and the packed components themselves.
package upgradepkg

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/google/uuid"
	"github.com/open-edge-platform/updater-core/internal/codec"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// Field widths mirrored from the original's packed C structs
// (UpgradePkgHeader, UpgradePkgTime, UpgradeCompInfo).
const (
	productUpdateIDLen = 64
	softwareVersionLen = 64
	dateLen            = 16
	timeLen            = 16
	addressLen         = 32
	versionLen         = 10

	// DigestMaxLen covers the longer of the two supported digests (SHA384).
	DigestMaxLen = 48

	ReserveLen = 16

	signSHA256Len = 32
	signSHA384Len = 48
	// SignatureLen is the fixed trailer width regardless of which digest
	// method is actually in use (spec §4.4).
	SignatureLen = signSHA256Len + signSHA384Len

	tlvHeaderSize  = 4 // type(u16) + length(u16)
	headerBodySize = 4 + 4 + productUpdateIDLen + softwareVersionLen
	timeBodySize   = dateLen + timeLen
	compInfoSize   = addressLen + 2 + 1 + 1 + 1 + versionLen + 4 + 4 + DigestMaxLen // 103

	tlvTypeHeaderSHA256 = 0x0001
	tlvTypeHeaderSHA384 = 0x0011
	tlvTypeTime         = 0x0002
	tlvTypeComponents   = 0x0005

	// fileHeaderLen is the fixed-size prefix before the component table:
	// header TLV + header body + time TLV + time body.
	fileHeaderLen = 2*tlvHeaderSize + headerBodySize + timeBodySize
)

// FileVersion is spec §3's UpgradePkgInfo.update_file_version.
type FileVersion uint32

const (
	FileVersionV1 FileVersion = iota + 1
	FileVersionV2
	FileVersionV3
	FileVersionV4
)

// SignMethod is spec §3's PkgInfo.sign_method.
type SignMethod uint8

const (
	SignNone SignMethod = iota
	SignRSA
)

// PkgInfo mirrors spec §3's PkgInfo.
type PkgInfo struct {
	EntryCount        uint32
	UpdateFileHeadLen int64
	SignMethod        SignMethod
	DigestMethod      codec.DigestMethod
	PkgType           uint8
	PkgFlags          uint8
}

// UpgradePkgInfo mirrors spec §3's UpgradePkgInfo.
type UpgradePkgInfo struct {
	PkgInfo
	UpdateFileVersion FileVersion
	ProductUpdateID   string
	SoftwareVersion   string
	Date              string
	Time              string
	DescriptPackageID string
}

// ComponentInfo mirrors spec §3's ComponentInfo: FileInfo plus the
// container-specific identity fields.
type ComponentInfo struct {
	Identity     string
	ID           uint16
	ResType      uint8
	Flags        uint8
	Type         uint8
	Version      string
	Size         uint32 // on the wire, packed size == unpacked size (spec §4.4 Load algorithm)
	OriginalSize uint32
	Digest       []byte
}

// component is the in-memory bookkeeping entry for one table row, including
// the offsets the container layout implies.
type component struct {
	info         ComponentInfo
	dataOffset   int64
	headerOffset int64
}

// state is UpgradePkgFile's IDLE -> WORKING -> CLOSE state machine (spec §4.4).
type state int

const (
	stateIdle state = iota
	stateWorking
	stateClose
)

// File is the loaded or in-construction "update.bin" container.
type File struct {
	state      state
	info       UpgradePkgInfo
	components []component
	stream     pkgstream.Stream
	registry   *codec.Registry
}

// Info returns the container's package-level metadata.
func (f *File) Info() UpgradePkgInfo { return f.info }

// Components returns the parsed/added component table, in declaration order.
func (f *File) Components() []ComponentInfo {
	out := make([]ComponentInfo, len(f.components))
	for i, c := range f.components {
		out[i] = c.info
	}
	return out
}

// VerifyFunc is the caller-supplied signature/digest check spec §4.4's Load
// algorithm calls once the whole-file digest has been finalized.
type VerifyFunc func(info *UpgradePkgInfo, digest, signature []byte) error

// newDigest builds the hash implementation matching a DigestMethod, or
// PKG_NOT_EXIST_ALGORITHM if none is registered for it.
func newDigest(method codec.DigestMethod) (hash.Hash, error) {
	switch method {
	case codec.DigestSHA256:
		return sha256.New(), nil
	case codec.DigestSHA384:
		return sha512.New384(), nil
	default:
		return nil, pkgerr.New(pkgerr.NotExistAlgorithm, "upgradepkg.newDigest", fmt.Errorf("digest method %d", method))
	}
}

// digestLen returns the output width of method, matching
// DigestAlgorithm::GetDigestLen in the original.
func digestLen(method codec.DigestMethod) int {
	switch method {
	case codec.DigestSHA256:
		return signSHA256Len
	case codec.DigestSHA384:
		return signSHA384Len
	default:
		return 0
	}
}

// mintIdentity assigns a UUID v4 identity when the caller building a new
// package doesn't supply one explicitly (SPEC_FULL §4.4 — the distilled
// spec leaves component-identity generation for package construction
// unspecified; the original only ever consumes a caller-assigned address).
func mintIdentity(identity string) string {
	if identity != "" {
		return identity
	}
	return uuid.NewString()
}
