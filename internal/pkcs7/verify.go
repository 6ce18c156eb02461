package pkcs7

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"

	_ "crypto/sha1"   // register crypto.SHA1
	_ "crypto/sha256" // register crypto.SHA256
	_ "crypto/sha512" // register crypto.SHA384 and crypto.SHA512
)

var digestOIDToHash = map[string]crypto.Hash{
	asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}.String(): crypto.SHA256,
	asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}.String(): crypto.SHA384,
	asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}.String():             crypto.SHA1,
}

// Verify checks (hash, sig) against every embedded SignerInfo in turn,
// succeeding on the first signer whose certificate chain validates and whose
// signature verifies (spec §4.5, Pkcs7SignleSignerVerify/VerifyDigest in the
// original). sig, when nil, falls back to the signer's own EncryptedDigest
// (Verify(hash, {}, true) in the original — sigInSignerInfo).
func (s *SignedData) Verify(hash, sig []byte) error {
	const op = "pkcs7.Verify"
	if len(hash) == 0 {
		return pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("empty hash"))
	}

	pool := x509.NewCertPool()
	for _, c := range s.certificates {
		pool.AddCert(c)
	}

	var lastErr error
	for _, signer := range s.signerInfos {
		cert := findCert(s.certificates, signer)
		if cert == nil {
			lastErr = fmt.Errorf("no certificate matches signer issuer/serial")
			continue
		}
		if _, err := cert.Verify(x509.VerifyOptions{
			Roots:     pool,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			lastErr = fmt.Errorf("cert chain check: %w", err)
			continue
		}

		candidateSig := sig
		if len(candidateSig) == 0 {
			candidateSig = signer.EncryptedDigest
		}
		if err := verifyDigest(cert, signer, hash, candidateSig); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no signer infos")
	}
	return pkgerr.New(pkgerr.InvalidSignature, op, lastErr)
}

// VerifyEitherHash mirrors Pkcs7SignedData::Verify() with no arguments: try
// the caller-overall hash from HwSigningSigntureInfo first (unused in this
// port since GetDigestFromSubBlocks has no registered helper beyond the
// stub), falling back to the content-derived digest_.
func (s *SignedData) VerifyEitherHash(overall []byte) error {
	if len(overall) != 0 {
		if err := s.Verify(overall, nil); err == nil {
			return nil
		}
	}
	return s.Verify(s.digest, nil)
}

func findCert(certs []*x509.Certificate, signer SignerInfo) *x509.Certificate {
	issuerDER := signerIssuerBytes(signer)
	for _, c := range certs {
		if c.SerialNumber == nil || signer.SerialNumber == nil {
			continue
		}
		if c.SerialNumber.Cmp(signer.SerialNumber) != 0 {
			continue
		}
		if bytes.Equal(c.RawIssuer, issuerDER) {
			return c
		}
	}
	return nil
}

func signerIssuerBytes(signer SignerInfo) []byte {
	raw, err := asn1.Marshal(signer.IssuerName)
	if err != nil {
		return nil
	}
	return raw
}

// verifyDigest checks sig against hash using cert's public key and the
// algorithm named by signer.DigestAlg (VerifyDigest/VerifyDigestByPubKey in
// the original). Only RSA PKCS#1 v1.5 signatures are supported — every
// signing path in spec §4.4/§4.5 is RSA (raw-RSA for pre-V4 containers,
// PKCS#7-wrapped RSA for V4).
func verifyDigest(cert *x509.Certificate, signer SignerInfo, hash, sig []byte) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate public key is not RSA")
	}
	hashAlg, ok := digestOIDToHash[signer.DigestAlg.String()]
	if !ok {
		return fmt.Errorf("unsupported digest algorithm %v", signer.DigestAlg)
	}
	return rsa.VerifyPKCS1v15(pub, hashAlg, hash, sig)
}

// GetHashFromSignBlock parses der and verifies its internal consistency
// (the signer's signature must validate against the content-derived
// digest), returning that digest on success — the one-shot convenience the
// spec names (GetHashFromSignBlock in the original).
func GetHashFromSignBlock(der []byte) ([]byte, error) {
	const op = "pkcs7.GetHashFromSignBlock"
	sd, err := Parse(der)
	if err != nil {
		return nil, err
	}
	if err := sd.Verify(sd.digest, nil); err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("verify pkcs7 data: %w", err))
	}
	return sd.digest, nil
}
