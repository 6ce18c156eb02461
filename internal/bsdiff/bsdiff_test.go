package bsdiff

import (
	"bytes"
	"compress/bzip2"
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

// compress/bzip2 is decode-only in stdlib, so these tests can't synthesize a
// real compressed control/diff/extra stream; they cover header/bounds
// validation and the newLen==0 edge case, which never touches the bzip2
// readers at all.
func TestParseHeaderRejectsBadMagic(t *testing.T) {
	_, _, err := parseHeader([]byte("NOTBSDIF" + string(make([]byte, 24))))
	if err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestApplyPatchRejectsShortBody(t *testing.T) {
	patch := make([]byte, 32)
	copy(patch, magic)
	binary.LittleEndian.PutUint64(patch[8:16], 100)
	binary.LittleEndian.PutUint64(patch[16:24], 100)
	binary.LittleEndian.PutUint64(patch[24:32], 0)
	if err := ApplyPatch(nil, patch, func([]byte) error { return nil }, nil); err == nil {
		t.Fatal("expected error for body shorter than declared ctrl+diff length")
	}
}

func TestApplyPatchEmptyNewFile(t *testing.T) {
	patch := make([]byte, 32)
	copy(patch, magic)
	// ctrlLen, diffLen, newLen all zero: the reconstruction loop never
	// touches the bzip2 streams because newPos(0) >= newLen(0) immediately.
	var out bytes.Buffer
	err := ApplyPatch(nil, patch, func(b []byte) error {
		out.Write(b)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %d bytes", out.Len())
	}
}

func TestApplyPatchVerifiesHash(t *testing.T) {
	patch := make([]byte, 32)
	copy(patch, magic)
	sum := sha256.Sum256(nil)
	var out bytes.Buffer
	err := ApplyPatch(nil, patch, func(b []byte) error { out.Write(b); return nil }, sum[:])
	if err != nil {
		t.Fatalf("ApplyPatch with matching empty hash: %v", err)
	}

	badHash := make([]byte, 32)
	if err := ApplyPatch(nil, patch, func([]byte) error { return nil }, badHash); err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestApplyImgPatchRawChunk(t *testing.T) {
	payload := []byte("literal replacement bytes for this region")
	patch := make([]byte, 0, 12+1+8+len(payload))
	patch = append(patch, imgdiffMagic...)
	numChunks := make([]byte, 4)
	binary.LittleEndian.PutUint32(numChunks, 1)
	patch = append(patch, numChunks...)
	patch = append(patch, chunkRaw)
	lenBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenBuf, uint64(len(payload)))
	patch = append(patch, lenBuf...)
	patch = append(patch, payload...)

	var out bytes.Buffer
	sum := sha256.Sum256(payload)
	err := ApplyImgPatch(nil, patch, func(b []byte) error { out.Write(b); return nil }, sum[:])
	if err != nil {
		t.Fatalf("ApplyImgPatch: %v", err)
	}
	if out.String() != string(payload) {
		t.Fatalf("output = %q, want %q", out.String(), payload)
	}
}

func TestApplyImgPatchRejectsBadMagic(t *testing.T) {
	if err := ApplyImgPatch(nil, []byte("short"), func([]byte) error { return nil }, nil); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

// sanity check that stdlib bzip2 is wired as expected without needing a
// bzip2 encoder: reading from a reader built over empty input reports an
// error instead of panicking or returning data.
func TestBzip2ReaderConstruction(t *testing.T) {
	r := bzip2.NewReader(bytes.NewReader(nil))
	buf := make([]byte, 1)
	if _, err := r.Read(buf); err == nil {
		t.Fatal("expected error reading from empty bzip2 stream")
	}
}
