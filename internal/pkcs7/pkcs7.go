// Package pkcs7 parses and verifies PKCS#7/CMS SignedData blocks, the
// signature format UpgradePkgFile uses from file version V4 onward (spec
// §4.5). No example repo or ecosystem-standard library in the retrieved pack
// provides a PKCS#7/CMS parser, so this builds directly on encoding/asn1 +
// crypto/x509 + crypto/rsa, the same foundation real-world Go PKCS#7
// libraries (e.g. fullsailor/pkcs7) are themselves thin wrappers over.
package pkcs7

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
)

var (
	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
)

// algorithmIdentifier mirrors rfc2315's AlgorithmIdentifier.
type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type issuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

// signerInfoASN1 mirrors rfc2315#section-9.2's SignerInfo.
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

// signedDataASN1 mirrors rfc2315#section-9.1's SignedData.
type signedDataASN1 struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	ContentInfo      contentInfoASN1
	Certificates     asn1.RawValue    `asn1:"optional,tag:0"`
	Crls             asn1.RawValue    `asn1:"optional,tag:1"`
	SignerInfos      []signerInfoASN1 `asn1:"set"`
}

// SignerInfo is the parsed, Go-friendly form of a PKCS#7 SignerInfo
// (Pkcs7SignerInfo in the original).
type SignerInfo struct {
	IssuerName      pkix.RDNSequence
	SerialNumber    *big.Int
	DigestAlg       asn1.ObjectIdentifier
	DigestEncAlg    asn1.ObjectIdentifier
	EncryptedDigest []byte
}

// SignedData is a parsed PKCS#7/CMS SignedData block (spec §4.5).
type SignedData struct {
	certificates []*x509.Certificate
	signerInfos  []SignerInfo
	digest       []byte
}

// SignerInfos returns the parsed signer list.
func (s *SignedData) SignerInfos() []SignerInfo { return s.signerInfos }

// Certificates returns every embedded certificate from the cert stack.
func (s *SignedData) Certificates() []*x509.Certificate { return s.certificates }

// Digest returns the hash extracted from the SignedData's content octet
// string (GetHashFromSignBlock's digest_, either the raw digest[] layout or
// the unwrapped {algorithm_id, digest_len, digest[]} sub-block).
func (s *SignedData) Digest() []byte { return s.digest }

// Parse decodes a DER-encoded PKCS#7 ContentInfo{contentType=signedData,
// content=SignedData} block (ParsePkcs7Data in the original).
func Parse(der []byte) (*SignedData, error) {
	const op = "pkcs7.Parse"
	if len(der) == 0 {
		return nil, pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("empty input"))
	}

	var outer contentInfoASN1
	if _, err := asn1.Unmarshal(der, &outer); err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("unmarshal ContentInfo: %w", err))
	}
	if !outer.ContentType.Equal(oidSignedData) {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("content type %v is not signedData", outer.ContentType))
	}

	var sd signedDataASN1
	if _, err := asn1.Unmarshal(outer.Content.Bytes, &sd); err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("unmarshal SignedData: %w", err))
	}

	certs, err := parseCertificates(sd.Certificates)
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("parse certificates: %w", err))
	}

	digest, err := extractDigest(sd.ContentInfo)
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("extract content digest: %w", err))
	}

	signers := make([]SignerInfo, 0, len(sd.SignerInfos))
	for _, si := range sd.SignerInfos {
		var issuer pkix.RDNSequence
		if _, err := asn1.Unmarshal(si.IssuerAndSerialNumber.IssuerName.FullBytes, &issuer); err != nil {
			continue
		}
		signers = append(signers, SignerInfo{
			IssuerName:      issuer,
			SerialNumber:    si.IssuerAndSerialNumber.SerialNumber,
			DigestAlg:       si.DigestAlgorithm.Algorithm,
			DigestEncAlg:    si.DigestEncryptionAlgorithm.Algorithm,
			EncryptedDigest: si.EncryptedDigest,
		})
	}
	if len(signers) == 0 {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("no valid signer infos"))
	}

	return &SignedData{certificates: certs, signerInfos: signers, digest: digest}, nil
}

// parseCertificates hands the contents of the [0] IMPLICIT SET OF
// Certificate field to crypto/x509 (the same approach fullsailor/pkcs7
// takes): x509.ParseCertificates wants the concatenated Certificate DER
// elements, without the context-tagged PKCS#7 wrapper around them.
func parseCertificates(raw asn1.RawValue) ([]*x509.Certificate, error) {
	if len(raw.FullBytes) == 0 {
		return nil, nil
	}
	return x509.ParseCertificates(raw.Bytes)
}

// extractDigest unwraps the ContentInfo's OCTET STRING payload and, per
// spec §4.5, treats it either as a raw digest (older layout) or as
// {u16 algorithm_id, u16 digest_len, digest[]} (GetDigestFromContentInfo in
// the original).
func extractDigest(ci contentInfoASN1) ([]byte, error) {
	if !ci.ContentType.Equal(oidData) {
		return nil, fmt.Errorf("content type %v is not data", ci.ContentType)
	}
	if len(ci.Content.Bytes) == 0 {
		return nil, fmt.Errorf("empty content")
	}

	var octets []byte
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &octets); err != nil {
		return nil, fmt.Errorf("unmarshal content octet string: %w", err)
	}

	if len(octets) > 4 {
		algoID := uint16(octets[0]) | uint16(octets[1])<<8
		digestLen := uint16(octets[2]) | uint16(octets[3])<<8
		if want := digestLength(algoID); want != 0 && int(digestLen) == want && int(digestLen)+4 == len(octets) {
			return append([]byte(nil), octets[4:]...), nil
		}
	}
	return append([]byte(nil), octets...), nil
}

// digestLength returns the expected digest width for a known sub-block
// algorithm id, or 0 if unrecognized (g_digestAlgoLength in the original,
// which lists only NID_sha256 -> SHA256_DIGEST_LENGTH).
func digestLength(algoID uint16) int {
	const nidSHA256 = 672 // OpenSSL's NID_sha256, carried verbatim from the original table
	if algoID == nidSHA256 {
		return 32
	}
	return 0
}
