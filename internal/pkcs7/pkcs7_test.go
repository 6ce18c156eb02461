package pkcs7

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"
)

// buildSignedData produces a PKCS#7 SignedData block around a fresh
// self-signed certificate and signer, via the same Sign used by pkgtool's
// build path, so Parse/Verify can be exercised without a fixture file.
func buildSignedData(t *testing.T, payload []byte) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "updater-core test signer"},
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

	digest := sha256.Sum256(payload)
	der, err := Sign(key, cert, digest[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return der
}

func TestParseAndVerifyRoundTrip(t *testing.T) {
	payload := []byte("update.bin trailer digest")
	der := buildSignedData(t, payload)

	sd, err := Parse(der)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(sd.Certificates()) != 1 {
		t.Fatalf("got %d certificates, want 1", len(sd.Certificates()))
	}
	if len(sd.SignerInfos()) != 1 {
		t.Fatalf("got %d signer infos, want 1", len(sd.SignerInfos()))
	}

	digest := sha256.Sum256(payload)
	if err := sd.Verify(digest[:], nil); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedHash(t *testing.T) {
	der := buildSignedData(t, []byte("original payload"))
	sd, err := Parse(der)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	wrongDigest := sha256.Sum256([]byte("different payload"))
	if err := sd.Verify(wrongDigest[:], nil); err == nil {
		t.Fatal("expected verify failure for mismatched hash")
	}
}

func TestGetHashFromSignBlock(t *testing.T) {
	payload := []byte("content-derived digest path")
	der := buildSignedData(t, payload)

	hash, err := GetHashFromSignBlock(der)
	if err != nil {
		t.Fatalf("GetHashFromSignBlock: %v", err)
	}
	want := sha256.Sum256(payload)
	if string(hash) != string(want[:]) {
		t.Fatalf("hash = %x, want %x", hash, want)
	}
}

func TestParseRejectsNonSignedData(t *testing.T) {
	outer := contentInfoASN1{ContentType: oidData}
	der, err := asn1.Marshal(outer)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Parse(der); err == nil {
		t.Fatal("expected error for non-signedData content type")
	}
}
