package pkgmanager

import (
	"bytes"
	"testing"

	"github.com/open-edge-platform/updater-core/internal/codec"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/open-edge-platform/updater-core/internal/upgradepkg"
)

func fakeSign(_ *upgradepkg.UpgradePkgInfo, digest []byte) ([]byte, error) {
	return append([]byte(nil), digest...), nil
}

func fakeVerify(_ *upgradepkg.UpgradePkgInfo, digest, signature []byte) error {
	if !bytes.Equal(digest, signature) {
		return errMismatch
	}
	return nil
}

var errMismatch = errFake("digest/signature mismatch")

type errFake string

func (e errFake) Error() string { return string(e) }

func buildManager(t *testing.T, names []string, contents [][]byte) *Manager {
	t.Helper()
	backing := pkgstream.NewMemoryStream(nil)
	info := upgradepkg.UpgradePkgInfo{UpdateFileVersion: upgradepkg.FileVersionV2, DigestMethod: codec.DigestSHA256}
	w := upgradepkg.NewForSave(backing, codec.NewDefaultRegistry(), info, uint32(len(names)))
	for i, content := range contents {
		in := pkgstream.NewMemoryStream(content)
		if err := w.AddEntry(in, upgradepkg.ComponentInfo{Identity: names[i]}); err != nil {
			t.Fatalf("AddEntry(%d): %v", i, err)
		}
	}
	if err := w.Save(fakeSign); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m, err := Load(backing, codec.NewDefaultRegistry(), fakeVerify)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func TestGetFileInfoAndExtractBytes(t *testing.T) {
	m := buildManager(t, []string{"system.transfer.list", "system.new.dat"},
		[][]byte{[]byte("1\n100\n0\n0\n"), []byte("some new data bytes")})

	info, err := m.GetFileInfo("system.new.dat")
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if info.Identity != "system.new.dat" {
		t.Fatalf("Identity = %q", info.Identity)
	}

	got, err := m.ExtractBytes("system.new.dat")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if string(got) != "some new data bytes" {
		t.Fatalf("ExtractBytes = %q", got)
	}
}

func TestGetFileInfoUnknownName(t *testing.T) {
	m := buildManager(t, []string{"a"}, [][]byte{[]byte("x")})
	if _, err := m.GetFileInfo("missing"); err == nil {
		t.Fatal("expected an error for an unknown inner file name")
	}
}

func TestCreatePkgStreamInternsByName(t *testing.T) {
	m := buildManager(t, []string{"a"}, [][]byte{[]byte("x")})
	calls := 0
	create := func() (pkgstream.Stream, error) {
		calls++
		return pkgstream.NewMemoryStream(nil), nil
	}
	s1, err := m.CreatePkgStream("work", create)
	if err != nil {
		t.Fatalf("CreatePkgStream: %v", err)
	}
	s2, err := m.CreatePkgStream("work", create)
	if err != nil {
		t.Fatalf("CreatePkgStream (second): %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected the same stream instance for a repeated name")
	}
	if calls != 1 {
		t.Fatalf("create func called %d times, want 1", calls)
	}
	if err := m.ClosePkgStream(); err != nil {
		t.Fatalf("ClosePkgStream: %v", err)
	}
}
