package pkcs7

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
)

var (
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
)

// Sign assembles a single-signer PKCS#7/CMS SignedData DER block embedding
// cert and a raw PKCS#1v1.5 signature of digest under key, the counterpart
// build tooling needs to produce what Parse/Verify consume (spec §4.5,
// §4.7's hash_signed_data and the outer package's appended signature blob
// are both this shape). digest is also embedded as the block's own content
// octet string: Parse exposes it as Digest(), and GetHashFromSignBlock
// returns it once the signature over it verifies. Verify itself always
// takes its hash explicitly.
func Sign(key *rsa.PrivateKey, cert *x509.Certificate, digest []byte) ([]byte, error) {
	const op = "pkcs7.Sign"
	if len(digest) == 0 {
		return nil, pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("empty digest"))
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("sign digest: %w", err))
	}

	octetDER, err := asn1.Marshal(digest)
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("marshal content octet string: %w", err))
	}
	content := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: octetDER}

	certsSeq, err := asn1.Marshal([]asn1.RawValue{{FullBytes: cert.Raw}})
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("marshal certificate sequence: %w", err))
	}
	certsSeq[0] = 0xA0 // SEQUENCE -> [0] IMPLICIT, matching the wire format Parse expects

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
				IssuerName:   asn1.RawValue{FullBytes: cert.RawIssuer},
				SerialNumber: cert.SerialNumber,
			},
			DigestAlgorithm:           algorithmIdentifier{Algorithm: oidSHA256},
			DigestEncryptionAlgorithm: algorithmIdentifier{Algorithm: oidRSAEncryption},
			EncryptedDigest:           sig,
		}},
	}
	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("marshal SignedData: %w", err))
	}

	outer := contentInfoASN1{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER},
	}
	der, err := asn1.Marshal(outer)
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("marshal outer ContentInfo: %w", err))
	}
	return der, nil
}
