package upgradepkg

import (
	"bytes"
	"testing"

	"github.com/open-edge-platform/updater-core/internal/codec"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// fakeSign/fakeVerify stand in for a real PKCS#7 signer so this test can
// exercise the container's framing and digest bookkeeping on their own,
// independent of internal/pkcs7.
func fakeSign(_ *UpgradePkgInfo, digest []byte) ([]byte, error) {
	return append([]byte(nil), digest...), nil
}

func fakeVerify(_ *UpgradePkgInfo, digest, signature []byte) error {
	if !bytes.Equal(digest, signature) {
		return errNotEqual
	}
	return nil
}

var errNotEqual = &testMismatch{}

type testMismatch struct{}

func (*testMismatch) Error() string { return "digest/signature mismatch" }

func buildAndLoad(t *testing.T, entries [][]byte) *File {
	t.Helper()

	backing := pkgstream.NewMemoryStream(nil)
	info := UpgradePkgInfo{
		UpdateFileVersion: FileVersionV2,
		ProductUpdateID:   "product-42",
		SoftwareVersion:   "1.2.3",
		Date:              "2026-07-30",
		Time:              "12:00:00",
		DescriptPackageID: "desc-id",
	}
	info.DigestMethod = codec.DigestSHA256

	w := NewForSave(backing, codec.NewDefaultRegistry(), info, uint32(len(entries)))
	for i, content := range entries {
		in := pkgstream.NewMemoryStream(content)
		err := w.AddEntry(in, ComponentInfo{
			Type:         uint8(i),
			ResType:      0,
			Version:      "1.0",
			OriginalSize: uint32(len(content)),
		})
		if err != nil {
			t.Fatalf("AddEntry(%d): %v", i, err)
		}
	}
	if err := w.Save(fakeSign); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(backing, codec.NewDefaultRegistry(), fakeVerify)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return loaded
}

func TestSaveLoadRoundTrip(t *testing.T) {
	entries := [][]byte{
		[]byte("first component payload"),
		[]byte("second, a bit longer component payload with more bytes"),
		{},
	}
	loaded := buildAndLoad(t, entries)

	if loaded.info.ProductUpdateID != "product-42" {
		t.Errorf("ProductUpdateID = %q", loaded.info.ProductUpdateID)
	}
	if loaded.info.SoftwareVersion != "1.2.3" {
		t.Errorf("SoftwareVersion = %q", loaded.info.SoftwareVersion)
	}
	if loaded.info.DescriptPackageID != "desc-id" {
		t.Errorf("DescriptPackageID = %q", loaded.info.DescriptPackageID)
	}
	if got := len(loaded.Components()); got != len(entries) {
		t.Fatalf("got %d components, want %d", got, len(entries))
	}

	for i, content := range entries {
		comp := loaded.components[i]
		out := pkgstream.NewMemoryStream(nil)
		if err := loaded.ExtractComponent(comp.info.Identity, out); err != nil {
			t.Fatalf("ExtractComponent(%d): %v", i, err)
		}
		if !bytes.Equal(out.Bytes(), content) {
			t.Errorf("component %d = %q, want %q", i, out.Bytes(), content)
		}
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	backing := pkgstream.NewMemoryStream(make([]byte, 512))
	_, err := Load(backing, codec.NewDefaultRegistry(), fakeVerify)
	if err == nil {
		t.Fatal("expected error for all-zero input")
	}
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	backing := pkgstream.NewMemoryStream(make([]byte, 8))
	_, err := Load(backing, codec.NewDefaultRegistry(), fakeVerify)
	if err == nil {
		t.Fatal("expected error for truncated input")
	}
}

func TestAddEntryRejectsOverflow(t *testing.T) {
	backing := pkgstream.NewMemoryStream(nil)
	w := NewForSave(backing, codec.NewDefaultRegistry(), UpgradePkgInfo{}, 1)
	in := pkgstream.NewMemoryStream([]byte("x"))
	if err := w.AddEntry(in, ComponentInfo{}); err != nil {
		t.Fatalf("first AddEntry: %v", err)
	}
	if err := w.AddEntry(in, ComponentInfo{}); err == nil {
		t.Fatal("expected error adding beyond declared entryCount")
	}
}

func TestVerifyFailurePropagates(t *testing.T) {
	loaded := buildAndLoad(t, [][]byte{[]byte("payload")})
	_ = loaded

	backing := pkgstream.NewMemoryStream(nil)
	w := NewForSave(backing, codec.NewDefaultRegistry(), UpgradePkgInfo{DigestMethod: codec.DigestSHA256}, 1)
	in := pkgstream.NewMemoryStream([]byte("payload"))
	if err := w.AddEntry(in, ComponentInfo{}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := w.Save(fakeSign); err != nil {
		t.Fatalf("Save: %v", err)
	}

	badVerify := func(info *UpgradePkgInfo, digest, signature []byte) error {
		return errNotEqual
	}
	if _, err := Load(backing, codec.NewDefaultRegistry(), badVerify); err == nil {
		t.Fatal("expected verify failure to propagate")
	}
}
