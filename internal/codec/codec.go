// Package codec implements the pluggable per-component compression dispatch
// table from spec §4.3: a registry mapping pack_method -> algorithm, each of
// which implements pack/unpack/update-file-info over the polymorphic
// pkgstream.Stream contract.
package codec

import (
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// Method is the on-disk pack_method enum (spec §3 FileInfo.pack_method).
type Method uint8

const (
	MethodNone Method = iota
	MethodLZ4Frame
	MethodLZ4Block
	MethodZipDeflate
	MethodGzip
	MethodXZ   // new codec, see SPEC_FULL §4.3
	MethodZstd // new codec, see SPEC_FULL §4.3
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodLZ4Frame:
		return "lz4-frame"
	case MethodLZ4Block:
		return "lz4-block"
	case MethodZipDeflate:
		return "zip-deflate"
	case MethodGzip:
		return "gzip"
	case MethodXZ:
		return "xz"
	case MethodZstd:
		return "zstd"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

// DigestMethod mirrors spec §3 PkgInfo.digest_method.
type DigestMethod uint8

const (
	DigestNone DigestMethod = iota
	DigestMD5
	DigestSHA256
	DigestSHA384
	DigestCRC32
)

// Context is spec §4.3's AlgorithmContext: the state an algorithm both reads
// (offsets, digest method) and writes back (produced sizes, digest).
type Context struct {
	SrcOffset     int64
	DstOffset     int64
	PackedSize    int64
	UnpackedSize  int64
	DigestMethod  DigestMethod
	Digest        []byte

	// Lz4 carries the LZ4-frame-specific preferences (spec §4.3); nil for
	// every other method, and ignored by Pack/Unpack for methods that don't
	// use it.
	Lz4 *Lz4FileInfo
}

// Lz4FileInfo is spec §4.3's Lz4FileInfo preference block for the LZ4 frame
// codec.
type Lz4FileInfo struct {
	AutoFlush           bool
	CompressionLevel    int // [2..LZ4HC_CLEVEL_MAX]
	BlockMode           int
	BlockSizeID         int
	ContentChecksumFlag bool
}

// Algorithm is the per-codec contract from spec §4.3.
type Algorithm interface {
	ID() Method
	Pack(in, out pkgstream.Stream, ctx *Context) error
	Unpack(in, out pkgstream.Stream, ctx *Context) error
}

// Registry is the pack_method -> Algorithm dispatch table.
type Registry struct {
	algos map[Method]Algorithm
}

// NewRegistry returns an empty registry; use NewDefaultRegistry for one
// pre-populated with every built-in codec.
func NewRegistry() *Registry {
	return &Registry{algos: make(map[Method]Algorithm)}
}

// NewDefaultRegistry returns a Registry with every codec spec §4.3 (plus the
// SPEC_FULL-added xz/zstd codecs) already registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(newStoreAlgorithm())
	r.Register(newLz4FrameAlgorithm())
	r.Register(newLz4BlockAlgorithm())
	r.Register(newZipDeflateAlgorithm())
	r.Register(newGzipAlgorithm())
	r.Register(newXZAlgorithm())
	r.Register(newZstdAlgorithm())
	return r
}

// Register installs alg under its own ID, replacing any previous registrant.
func (r *Registry) Register(alg Algorithm) {
	r.algos[alg.ID()] = alg
}

// Get looks up the algorithm for method, returning NOT_EXIST_ALGORITHM if
// nothing is registered for it (spec §7).
func (r *Registry) Get(method Method) (Algorithm, error) {
	alg, ok := r.algos[method]
	if !ok {
		return nil, pkgerr.New(pkgerr.NotExistAlgorithm, "codec.Get", fmt.Errorf("method %s", method))
	}
	return alg, nil
}
