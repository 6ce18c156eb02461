package script

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/open-edge-platform/updater-core/internal/codec"
	"github.com/open-edge-platform/updater-core/internal/partrecord"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgmanager"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/open-edge-platform/updater-core/internal/store"
	"github.com/open-edge-platform/updater-core/internal/transfer"
	"github.com/open-edge-platform/updater-core/internal/upgradepkg"
)

func fakeSign(_ *upgradepkg.UpgradePkgInfo, digest []byte) ([]byte, error) {
	return append([]byte(nil), digest...), nil
}

func fakeVerify(_ *upgradepkg.UpgradePkgInfo, digest, signature []byte) error {
	if hex.EncodeToString(digest) != hex.EncodeToString(signature) {
		return fmt.Errorf("mismatch")
	}
	return nil
}

func buildPkg(t *testing.T, entries map[string][]byte) *pkgmanager.Manager {
	t.Helper()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	backing := pkgstream.NewMemoryStream(nil)
	info := upgradepkg.UpgradePkgInfo{UpdateFileVersion: upgradepkg.FileVersionV2, DigestMethod: codec.DigestSHA256}
	w := upgradepkg.NewForSave(backing, codec.NewDefaultRegistry(), info, uint32(len(names)))
	for _, name := range names {
		in := pkgstream.NewMemoryStream(entries[name])
		if err := w.AddEntry(in, upgradepkg.ComponentInfo{Identity: name, OriginalSize: uint32(len(entries[name]))}); err != nil {
			t.Fatalf("AddEntry(%s): %v", name, err)
		}
	}
	if err := w.Save(fakeSign); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m, err := pkgmanager.Load(backing, codec.NewDefaultRegistry(), fakeVerify)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newTestEnv(t *testing.T, pkg *pkgmanager.Manager, devices map[string]string) *Env {
	t.Helper()
	dir := t.TempDir()
	rec, err := partrecord.Open(filepath.Join(dir, "partition_record"))
	if err != nil {
		t.Fatalf("partrecord.Open: %v", err)
	}
	st, _, err := store.CreateNewSpace(filepath.Join(dir, "stash"), true)
	if err != nil {
		t.Fatalf("CreateNewSpace: %v", err)
	}
	return &Env{
		Pkg: pkg,
		Device: func(name string) (transfer.Device, error) {
			path, ok := devices[name]
			if !ok {
				return nil, fmt.Errorf("no such device %q", name)
			}
			f, err := os.OpenFile(path, os.O_RDWR, 0o644)
			if err != nil {
				return nil, err
			}
			return transfer.NewFileDevice(f), nil
		},
		DevPath: func(name string) (string, error) {
			path, ok := devices[name]
			if !ok {
				return "", fmt.Errorf("no such device %q", name)
			}
			return path, nil
		},
		Stash:   st,
		Record:  rec,
		WorkDir: dir,
	}
}

func TestShaCheckSuccessAndMismatch(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "system.img")
	content := []byte("partition content for sha_check")
	if err := os.WriteFile(devPath, content, 0o644); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	env := newTestEnv(t, buildPkg(t, nil), map[string]string{"system": devPath})

	if err := doShaCheck(env, []string{"system", fmt.Sprint(len(content)), hashHex(content)}); err != nil {
		t.Fatalf("sha_check with correct hash: %v", err)
	}
	if err := doShaCheck(env, []string{"system", fmt.Sprint(len(content)), hashHex([]byte("wrong"))}); err == nil {
		t.Fatal("expected sha_check to fail for a wrong hash")
	}
}

func TestFirstBlockCheck(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "system.img")
	block := make([]byte, 4096)
	for i := range block {
		block[i] = 0xA5
	}
	if err := os.WriteFile(devPath, block, 0o644); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	env := newTestEnv(t, buildPkg(t, nil), map[string]string{"system": devPath})

	if err := doFirstBlockCheck(env, []string{"system", hashHex(block)}); err != nil {
		t.Fatalf("first_block_check: %v", err)
	}
	if err := doFirstBlockCheck(env, []string{"system", hashHex([]byte("not the first block"))}); err == nil {
		t.Fatal("expected first_block_check to fail for a wrong hash")
	}
}

func TestPkgExtractAndNoRet(t *testing.T) {
	pkg := buildPkg(t, map[string][]byte{"readme": []byte("hello from the package")})
	dir := t.TempDir()
	env := newTestEnv(t, pkg, nil)

	dest := filepath.Join(dir, "out.txt")
	if err := doPkgExtract(env, []string{"readme", dest}); err != nil {
		t.Fatalf("pkg_extract: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != "hello from the package" {
		t.Fatalf("extracted content = %q", got)
	}

	if err := doPkgExtract(env, []string{"missing", dest}); err == nil {
		t.Fatal("expected pkg_extract to fail for a missing entry")
	}
	if err := doPkgExtractNoRet(env, []string{"missing", dest}); err != nil {
		t.Fatalf("pkg_extract_no_ret must swallow the error, got: %v", err)
	}
}

func TestRawImageWrite(t *testing.T) {
	payload := []byte("raw image bytes written straight to the device")
	pkg := buildPkg(t, map[string][]byte{"boot.img": payload})
	dir := t.TempDir()
	devPath := filepath.Join(dir, "boot")
	if err := os.WriteFile(devPath, make([]byte, len(payload)), 0o644); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	env := newTestEnv(t, pkg, map[string]string{"boot": devPath})

	if err := doRawImageWrite(env, []string{"boot", "boot.img"}); err != nil {
		t.Fatalf("raw_image_write: %v", err)
	}
	got, err := os.ReadFile(devPath)
	if err != nil {
		t.Fatalf("read device: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("device content = %q, want %q", got, payload)
	}
}

func TestBlockUpdateAppliesNewCommand(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "system.img")
	if err := os.WriteFile(devPath, make([]byte, 3*4096), 0o644); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	newData := make([]byte, 2*4096)
	for i := range newData {
		newData[i] = byte(i)
	}
	list := "1\n3\n0\n0\nnew 2 0 2\n"

	pkg := buildPkg(t, map[string][]byte{
		"system.transfer.list": []byte(list),
		"system.new.dat":       newData,
	})
	env := newTestEnv(t, pkg, map[string]string{"system": devPath})

	if err := doBlockUpdate(env, []string{"system", "system.transfer.list", "system.new.dat", "-"}); err != nil {
		t.Fatalf("block_update: %v", err)
	}
	got, err := os.ReadFile(devPath)
	if err != nil {
		t.Fatalf("read device: %v", err)
	}
	if string(got[:len(newData)]) != string(newData) {
		t.Fatal("device content after block_update does not match the new-data command's payload")
	}
}

func buildRawImgDiff(payload []byte) []byte {
	patch := make([]byte, 0, 13+8+len(payload))
	patch = append(patch, "IMGDIFF2"...)
	n := make([]byte, 4)
	binary.LittleEndian.PutUint32(n, 1)
	patch = append(patch, n...)
	patch = append(patch, 1)
	l := make([]byte, 8)
	binary.LittleEndian.PutUint64(l, uint64(len(payload)))
	patch = append(patch, l...)
	patch = append(patch, payload...)
	return patch
}

func TestImagePatchAndImageShaCheck(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "vendor.img")
	oldContent := []byte("old vendor partition bytes, fixed width!")
	if err := os.WriteFile(devPath, oldContent, 0o644); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	newContent := []byte("new vendor partition bytes, fixed width!")
	patch := buildRawImgDiff(newContent)

	pkg := buildPkg(t, map[string][]byte{"vendor.patch.dat": patch})
	env := newTestEnv(t, pkg, map[string]string{"vendor": devPath})

	args := []string{
		"vendor",
		fmt.Sprint(len(oldContent)),
		fmt.Sprint(len(newContent)),
		hashHex(oldContent),
		hashHex(newContent),
		"imgdiff",
		"vendor.patch.dat",
	}
	if err := doImagePatch(env, args); err != nil {
		t.Fatalf("image_patch: %v", err)
	}
	if err := doImageShaCheck(env, []string{"vendor", fmt.Sprint(len(newContent)), hashHex(newContent)}); err != nil {
		t.Fatalf("image_sha_check after patch: %v", err)
	}
}

func TestRunStopsAtFirstFailureAndReportsRetryTag(t *testing.T) {
	env := newTestEnv(t, buildPkg(t, nil), nil)
	r := NewRunner(env)
	var ran []string
	r.Register("ok", func(env *Env, args []string) error {
		ran = append(ran, "ok")
		return nil
	})
	r.Register("boom", func(env *Env, args []string) error {
		ran = append(ran, "boom")
		return pkgerr.New(pkgerr.InvalidDigest, "test.boom", fmt.Errorf("digest mismatch"))
	})
	r.Register("never", func(env *Env, args []string) error {
		ran = append(ran, "never")
		return nil
	})

	err := r.Run("ok\nboom\nnever\n")
	if err == nil {
		t.Fatal("expected Run to return an error")
	}
	if len(ran) != 2 || ran[0] != "ok" || ran[1] != "boom" {
		t.Fatalf("unexpected execution order: %v", ran)
	}
}

func TestRunRejectsUnknownInstruction(t *testing.T) {
	env := newTestEnv(t, buildPkg(t, nil), nil)
	r := NewRunner(env)
	if err := r.Run("not_a_real_instruction foo\n"); err == nil {
		t.Fatal("expected an error for an unrecognized instruction")
	}
}
