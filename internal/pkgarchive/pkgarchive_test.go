package pkgarchive

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/open-edge-platform/updater-core/internal/zippkgparse"
)

var (
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type issuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

type signerInfoASN1 struct {
	Version                   int
	IssuerAndSerialNumber     issuerAndSerial
	DigestAlgorithm           algorithmIdentifier
	AuthenticatedAttributes   asn1.RawValue `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm algorithmIdentifier
	EncryptedDigest           []byte
	UnauthenticatedAttributes asn1.RawValue `asn1:"optional,tag:1"`
}

type contentInfoASN1 struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedDataASN1 struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	ContentInfo      contentInfoASN1
	Certificates     asn1.RawValue    `asn1:"optional,tag:0"`
	Crls             asn1.RawValue    `asn1:"optional,tag:1"`
	SignerInfos      []signerInfoASN1 `asn1:"set"`
}

// testSigner is a self-signed RSA certificate used to build a PKCS#7
// SignedData block the same shape a real signing tool produces, so Open can
// be exercised without a fixture file (mirrors internal/pkcs7's own test
// helper, duplicated here since that package's ASN.1 types are unexported).
type testSigner struct {
	key    *rsa.PrivateKey
	cert   *x509.Certificate
	certDER []byte
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "pkgarchive test signer"},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return &testSigner{key: key, cert: cert, certDER: certDER}
}

// sign returns the raw PKCS#1v1.5 signature over digest.
func (s *testSigner) sign(t *testing.T, digest []byte) []byte {
	t.Helper()
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest)
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}
	return sig
}

// buildPKCS7 hand-assembles a minimal SignedData block around s's
// certificate, wrapping placeholder content (the block's own embedded
// digest is never consulted by pkcs7.SignedData.Verify, which takes its
// hash explicitly).
func (s *testSigner) buildPKCS7(t *testing.T) []byte {
	t.Helper()
	placeholder := sha256.Sum256([]byte("pkgarchive test content placeholder"))
	sig := s.sign(t, placeholder[:])

	octetDER, err := asn1.Marshal(placeholder[:])
	if err != nil {
		t.Fatalf("marshal octet string: %v", err)
	}
	content := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: octetDER}

	certsSeq, err := asn1.Marshal([]asn1.RawValue{{FullBytes: s.certDER}})
	if err != nil {
		t.Fatalf("marshal cert sequence: %v", err)
	}
	certsSeq[0] = 0xA0

	sd := signedDataASN1{
		Version:          1,
		DigestAlgorithms: []algorithmIdentifier{{Algorithm: oidSHA256}},
		ContentInfo: contentInfoASN1{
			ContentType: oidData,
			Content:     content,
		},
		Certificates: asn1.RawValue{FullBytes: certsSeq},
		SignerInfos: []signerInfoASN1{{
			Version: 1,
			IssuerAndSerialNumber: issuerAndSerial{
				IssuerName:   asn1.RawValue{FullBytes: s.cert.RawIssuer},
				SerialNumber: s.cert.SerialNumber,
			},
			DigestAlgorithm:           algorithmIdentifier{Algorithm: oidSHA256},
			DigestEncryptionAlgorithm: algorithmIdentifier{Algorithm: oidRSAEncryption},
			EncryptedDigest:           sig,
		}},
	}
	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		t.Fatalf("marshal SignedData: %v", err)
	}
	outer := contentInfoASN1{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER},
	}
	der, err := asn1.Marshal(outer)
	if err != nil {
		t.Fatalf("marshal outer ContentInfo: %v", err)
	}
	return der
}

// buildSignedPackage writes a ZIP containing entries, signs it with signer,
// and appends the PKCS#7 blob the way a package signer would
// (zippkgparse.WriteSignedData), returning the path to the finished file.
func buildSignedPackage(t *testing.T, dir string, entries map[string][]byte, signer *testSigner) string {
	t.Helper()

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create(%s): %v", name, err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatalf("zip Write(%s): %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}

	p7 := signer.buildPKCS7(t)

	inStream := pkgstream.NewMemoryStream(zipBuf.Bytes())
	outStream := pkgstream.NewMemoryStream(nil)
	if err := zippkgparse.WriteSignedData(outStream, inStream, p7); err != nil {
		t.Fatalf("WriteSignedData: %v", err)
	}

	path := filepath.Join(dir, "signed.zip")
	if err := os.WriteFile(path, outStream.Bytes(), 0o644); err != nil {
		t.Fatalf("write signed package: %v", err)
	}
	return path
}

func hashTableLine(signer *testSigner, logicalName string, content []byte) string {
	digest := sha256.Sum256(content)
	sig, err := rsa.SignPKCS1v15(rand.Reader, signer.key, crypto.SHA256, digest[:])
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("build_tools/%s %s\n", logicalName, base64.StdEncoding.EncodeToString(sig))
}

func TestOpenVerifiesEntriesAndUpdateBin(t *testing.T) {
	signer := newTestSigner(t)
	dir := t.TempDir()

	script := []byte("ui_log:hello\nsha_check system 10 deadbeef\n")
	updateBin := []byte("fake update.bin container bytes")

	table := hashTableLine(signer, "updater_script", script)
	entries := map[string][]byte{
		"updater_script":    script,
		"hash_signed_data":  []byte(table),
		"update.bin":        updateBin,
	}
	path := buildSignedPackage(t, dir, entries, signer)

	pkg, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pkg.Close()

	if !pkg.Has("update.bin") {
		t.Fatal("expected Has(update.bin) true")
	}
	names := pkg.Names()
	if len(names) != 3 {
		t.Fatalf("Names() = %v, want 3 entries", names)
	}

	scriptStream, err := pkg.VerifiedReader("updater_script")
	if err != nil {
		t.Fatalf("VerifiedReader(updater_script): %v", err)
	}
	length, err := scriptStream.Length()
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if int(length) != len(script) {
		t.Fatalf("VerifiedReader length = %d, want %d", length, len(script))
	}

	// The update.bin container's own digest/signature trailer reuses the
	// same certificate: VerifyFunc must accept a signature produced by the
	// same key over an arbitrary digest, and reject one that is not.
	verify := pkg.VerifyFunc()
	digest := sha256.Sum256([]byte("update.bin trailer digest"))
	sig := signer.sign(t, digest[:])
	if err := verify(nil, digest[:], sig); err != nil {
		t.Fatalf("VerifyFunc accepted a correctly-signed digest: %v", err)
	}
	if err := verify(nil, digest[:], []byte("not a signature")); err == nil {
		t.Fatal("expected VerifyFunc to reject a bogus signature")
	}
}

func TestVerifiedReaderRejectsTamperedEntry(t *testing.T) {
	signer := newTestSigner(t)
	dir := t.TempDir()

	script := []byte("original script content")
	table := hashTableLine(signer, "updater_script", script)

	entries := map[string][]byte{
		// Store a different script than the one the hash table was signed
		// over, simulating a tampered entry.
		"updater_script":   []byte("tampered script content"),
		"hash_signed_data": []byte(table),
	}
	path := buildSignedPackage(t, dir, entries, signer)

	pkg, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pkg.Close()

	if _, err := pkg.VerifiedReader("updater_script"); err == nil {
		t.Fatal("expected VerifiedReader to reject a tampered entry")
	}
}

func TestOpenRejectsMissingHashTable(t *testing.T) {
	signer := newTestSigner(t)
	dir := t.TempDir()
	path := buildSignedPackage(t, dir, map[string][]byte{"update.bin": []byte("x")}, signer)

	if _, err := Open(path); err == nil {
		t.Fatal("expected Open to fail when hash_signed_data is absent")
	}
}
