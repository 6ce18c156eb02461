package codec

import (
	"bytes"
	"testing"

	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// roundTrip exercises spec §8 property 3: for every registered codec,
// Unpack(Pack(x)) == x.
func roundTrip(t *testing.T, method Method, payload []byte) {
	t.Helper()

	reg := NewDefaultRegistry()
	alg, err := reg.Get(method)
	if err != nil {
		t.Fatalf("Get(%s): %v", method, err)
	}

	in := pkgstream.NewMemoryStream(payload)
	packed := pkgstream.NewMemoryStream(nil)
	packCtx := &Context{Lz4: &Lz4FileInfo{ContentChecksumFlag: true}}
	if err := alg.Pack(in, packed, packCtx); err != nil {
		t.Fatalf("%s Pack: %v", method, err)
	}

	unpacked := pkgstream.NewMemoryStream(nil)
	unpackCtx := &Context{}
	if err := alg.Unpack(packed, unpacked, unpackCtx); err != nil {
		t.Fatalf("%s Unpack: %v", method, err)
	}

	if !bytes.Equal(unpacked.Bytes(), payload) {
		t.Fatalf("%s round trip mismatch: got %d bytes, want %d", method, len(unpacked.Bytes()), len(payload))
	}
	if unpackCtx.UnpackedSize != int64(len(payload)) {
		t.Errorf("%s UnpackedSize = %d, want %d", method, unpackCtx.UnpackedSize, len(payload))
	}
}

func TestRoundTripAllCodecs(t *testing.T) {
	payloads := map[string][]byte{
		"empty":    {},
		"small":    []byte("hello update world"),
		"repeated": bytes.Repeat([]byte("ABCD"), 4096),
	}

	methods := []Method{
		MethodNone,
		MethodLZ4Frame,
		MethodLZ4Block,
		MethodZipDeflate,
		MethodGzip,
		MethodXZ,
		MethodZstd,
	}

	for _, m := range methods {
		for name, payload := range payloads {
			t.Run(m.String()+"/"+name, func(t *testing.T) {
				roundTrip(t, m, payload)
			})
		}
	}
}

func TestLz4BlockSpansMultipleBlocks(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), maxLz4BlockSize+1024)
	roundTrip(t, MethodLZ4Block, payload)
}

func TestGetUnknownMethod(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get(MethodGzip); err == nil {
		t.Fatal("expected error for unregistered method")
	}
}

func TestRegisterOverridesPrevious(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newStoreAlgorithm())
	reg.Register(newStoreAlgorithm())
	if _, err := reg.Get(MethodNone); err != nil {
		t.Fatalf("Get after re-register: %v", err)
	}
}
