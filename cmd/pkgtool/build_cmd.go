package main

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/updater-core/internal/codec"
	"github.com/open-edge-platform/updater-core/internal/pkcs7"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/open-edge-platform/updater-core/internal/upgradepkg"
	"github.com/open-edge-platform/updater-core/internal/zippkgparse"
)

// hashTableEntryPrefix mirrors internal/hashverify's own entryPrefix
// ("build_tools/"), unexported there since only this build path needs to
// produce it.
const hashTableEntryPrefix = "build_tools/"

var buildManifestPath string

func createBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build --manifest FILE",
		Short: "assemble a signed update.bin and its outer signed package from a build manifest",
		Long: `build implements the Save algorithm (spec §4.4) plus the outer
signed-ZIP assembly (spec §4.7): it packs each declared component into a
fresh update.bin, signs it, builds the hash_signed_data table over every
outer entry, and appends the PKCS#7 trailer zippkgparse expects.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runBuild,
	}
	cmd.Flags().StringVar(&buildManifestPath, "manifest", "", "path to the build manifest YAML file")
	cmd.MarkFlagRequired("manifest")
	return cmd
}

func runBuild(cmd *cobra.Command, _ []string) error {
	m, err := loadManifest(buildManifestPath)
	if err != nil {
		return err
	}
	key, cert, err := loadSigner(m.Key, m.Cert)
	if err != nil {
		return err
	}

	if err := buildUpgradePkg(m, key); err != nil {
		return fmt.Errorf("build update.bin: %w", err)
	}
	if err := buildOuterPackage(m, key, cert); err != nil {
		return fmt.Errorf("build outer package: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", m.UpdateBinOutput, m.Archive.Output)
	return nil
}

// rawRSASign produces the raw PKCS#1v1.5 signature over digest that both
// UpgradePkgFile's own trailer (upgradepkg.SignFunc) and the hash_signed_data
// table entries expect — pkcs7.SignedData.Verify checks exactly this shape
// against an embedded certificate, not a CMS-wrapped blob, so a bare
// rsa.SignPKCS1v15 is the correct counterpart at both call sites. Only the
// outer package's own appended trailer is a full PKCS#7 block
// (internal/pkcs7.Sign), since that one is parsed by pkcs7.Parse on load.
func rawRSASign(key *rsa.PrivateKey, digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
}

func buildUpgradePkg(m manifest, key *rsa.PrivateKey) error {
	info := upgradepkg.UpgradePkgInfo{
		UpdateFileVersion: upgradepkg.FileVersion(m.Package.UpdateFileVersion),
		ProductUpdateID:   m.Package.ProductUpdateID,
		SoftwareVersion:   m.Package.SoftwareVersion,
		Date:              m.Package.Date,
		Time:              m.Package.Time,
		DescriptPackageID: m.Package.DescriptPackageID,
	}
	info.DigestMethod = codec.DigestSHA256
	info.SignMethod = upgradepkg.SignRSA

	backing := pkgstream.NewMemoryStream(nil)
	w := upgradepkg.NewForSave(backing, codec.NewDefaultRegistry(), info, uint32(len(m.Components)))
	for _, c := range m.Components {
		content, err := os.ReadFile(c.Path)
		if err != nil {
			return fmt.Errorf("read component %s: %w", c.Path, err)
		}
		in := pkgstream.NewMemoryStream(content)
		err = w.AddEntry(in, upgradepkg.ComponentInfo{
			Identity:     c.Identity,
			Type:         c.Type,
			ResType:      c.ResType,
			Flags:        c.Flags,
			Version:      c.Version,
			OriginalSize: uint32(len(content)),
		})
		if err != nil {
			return fmt.Errorf("add component %s: %w", c.Path, err)
		}
	}

	sign := func(_ *upgradepkg.UpgradePkgInfo, digest []byte) ([]byte, error) {
		return rawRSASign(key, digest)
	}
	if err := w.Save(sign); err != nil {
		return err
	}
	return os.WriteFile(m.UpdateBinOutput, backing.Bytes(), 0o644)
}

func buildOuterPackage(m manifest, key *rsa.PrivateKey, cert *x509.Certificate) error {
	type entry struct{ name, path string }
	entries := make([]entry, 0, len(m.Archive.Entries)+1)
	for _, e := range m.Archive.Entries {
		entries = append(entries, entry{name: e.Name, path: e.Path})
	}
	entries = append(entries, entry{name: "update.bin", path: m.UpdateBinOutput})

	content := make(map[string][]byte, len(entries))
	var hashTable bytes.Buffer
	for _, e := range entries {
		data, err := os.ReadFile(e.path)
		if err != nil {
			return fmt.Errorf("read archive entry %s: %w", e.path, err)
		}
		content[e.name] = data

		sum := sha256.Sum256(data)
		sig, err := rawRSASign(key, sum[:])
		if err != nil {
			return fmt.Errorf("sign entry %s: %w", e.name, err)
		}
		fmt.Fprintf(&hashTable, "%s%s %s\n", hashTableEntryPrefix, e.name, base64.StdEncoding.EncodeToString(sig))
	}

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	for _, e := range entries {
		fw, err := zw.Create(e.name)
		if err != nil {
			return fmt.Errorf("create zip entry %s: %w", e.name, err)
		}
		if _, err := fw.Write(content[e.name]); err != nil {
			return fmt.Errorf("write zip entry %s: %w", e.name, err)
		}
	}
	hw, err := zw.Create("hash_signed_data")
	if err != nil {
		return fmt.Errorf("create hash_signed_data entry: %w", err)
	}
	if _, err := hw.Write(hashTable.Bytes()); err != nil {
		return fmt.Errorf("write hash_signed_data entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}

	tableSum := sha256.Sum256(hashTable.Bytes())
	p7, err := pkcs7.Sign(key, cert, tableSum[:])
	if err != nil {
		return fmt.Errorf("sign outer package: %w", err)
	}

	inStream := pkgstream.NewMemoryStream(zipBuf.Bytes())
	outStream := pkgstream.NewMemoryStream(nil)
	if err := zippkgparse.WriteSignedData(outStream, inStream, p7); err != nil {
		return fmt.Errorf("append signature trailer: %w", err)
	}
	return os.WriteFile(m.Archive.Output, outStream.Bytes(), 0o644)
}
