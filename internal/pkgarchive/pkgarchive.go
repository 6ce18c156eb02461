// Package pkgarchive opens the outer signed update package (spec §6): a ZIP
// archive whose EOCD comment carries the PKCS#7 blob that both arms the
// hash_signed_data table (spec §4.6) and, reused directly, verifies the
// inner update.bin container's own digest/signature trailer (spec §4.4).
// Grounded on original_source/services/updater_binary/update_processor.cpp's
// ExecUpdate (HashDataVerifier::LoadHashDataAndPkcs7 followed by
// PkgManager::LoadPackage against the same key material) and on
// yuan22-payload_extract/reader.go's archive/zip-over-ReaderAt usage — no
// example repo hand-rolls ZIP central-directory parsing, so the outer
// container's entry listing goes through the standard library's own parser;
// internal/zippkgparse only locates the appended signature, and nothing is
// stripped before the ZIP is parsed.
package pkgarchive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"

	"github.com/open-edge-platform/updater-core/internal/hashverify"
	"github.com/open-edge-platform/updater-core/internal/logger"
	"github.com/open-edge-platform/updater-core/internal/pkcs7"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/open-edge-platform/updater-core/internal/upgradepkg"
	"github.com/open-edge-platform/updater-core/internal/zippkgparse"
)

var log = logger.Logger()

// hashSignedDataEntry is the inner ZIP entry name carrying the two-field
// hash table (internal/hashverify.ParseTable).
const hashSignedDataEntry = "hash_signed_data"

// Package is an opened, signature-armed outer update package. The ZIP's own
// structure is left exactly as a signer wrote it (zippkgparse.WriteSignedData
// only extends the EOCD comment, never touching the central directory), so
// archive/zip parses it without any stripping step.
type Package struct {
	f  *os.File
	zr *zip.Reader

	signed *pkcs7.SignedData
	hv     *hashverify.Verifier
}

// Open parses path as a signed outer package: locates and parses the
// appended PKCS#7 blob, reads hash_signed_data and arms a Verifier from it,
// and opens the ZIP's central directory for later entry lookups.
func Open(path string) (*Package, error) {
	const op = "pkgarchive.Open"

	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidFile, op, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, pkgerr.New(pkgerr.InvalidFile, op, err)
	}

	sigDER, _, err := zippkgparse.GetSignature(pkgstream.NewFileStream(f))
	if err != nil {
		f.Close()
		return nil, err
	}

	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, pkgerr.New(pkgerr.InvalidPkgFormat, op, err)
	}

	p := &Package{f: f, zr: zr}

	tableBuf, err := p.readAll(hashSignedDataEntry)
	if err != nil {
		f.Close()
		return nil, err
	}
	hv, err := hashverify.New(tableBuf, sigDER)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.hv = hv
	p.signed = hv.Signed()

	log.Debugf("pkgarchive: opened %s, %d entries", path, len(zr.File))
	return p, nil
}

// Close releases the underlying file.
func (p *Package) Close() error { return p.f.Close() }

// VerifyFunc returns the upgradepkg.VerifyFunc to load this package's
// update.bin with: the same signing certificate already armed for the hash
// table, checked directly against update.bin's own digest/signature
// trailer instead of a table lookup (update.bin carries no entry of its own
// in hash_signed_data — its signature is the container-level one spec §4.4
// defines).
func (p *Package) VerifyFunc() upgradepkg.VerifyFunc {
	return func(_ *upgradepkg.UpgradePkgInfo, digest, signature []byte) error {
		return p.signed.Verify(digest, signature)
	}
}

// VerifiedReader extracts name and checks its whole content against the
// hash_signed_data table before returning it (HashDataVerifier::
// VerifyHashData applied at open time — used for updater_script and any
// other loose outer-package entry that isn't update.bin itself).
func (p *Package) VerifiedReader(name string) (pkgstream.Stream, error) {
	buf, err := p.readAll(name)
	if err != nil {
		return nil, err
	}
	mem := pkgstream.NewMemoryStream(buf)
	if err := p.hv.VerifyHashData(name, mem); err != nil {
		return nil, err
	}
	return pkgstream.NewMemoryStream(buf), nil
}

// Open returns name's bytes unverified, for update.bin: its own load path
// (upgradepkg.Load, given VerifyFunc above) carries its own independent
// container-level check.
func (p *Package) Open(name string) (pkgstream.Stream, error) {
	buf, err := p.readAll(name)
	if err != nil {
		return nil, err
	}
	return pkgstream.NewMemoryStream(buf), nil
}

// Has reports whether name exists in the central directory, for callers
// enumerating the per-partition transfer/new/patch files whose names vary
// per package.
func (p *Package) Has(name string) bool {
	for _, zf := range p.zr.File {
		if zf.Name == name {
			return true
		}
	}
	return false
}

// Names returns every entry name in the outer ZIP, in central-directory
// order.
func (p *Package) Names() []string {
	out := make([]string, len(p.zr.File))
	for i, zf := range p.zr.File {
		out[i] = zf.Name
	}
	return out
}

func (p *Package) readAll(name string) ([]byte, error) {
	const op = "pkgarchive.readAll"
	for _, zf := range p.zr.File {
		if zf.Name != name {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, pkgerr.New(pkgerr.InvalidStream, op, err)
		}
		defer rc.Close()
		buf := make([]byte, zf.UncompressedSize64)
		if _, err := io.ReadFull(rc, buf); err != nil {
			return nil, pkgerr.New(pkgerr.InvalidStream, op, err)
		}
		return buf, nil
	}
	return nil, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("no such entry %q", name))
}
