// Package hashverify implements HashDataVerifier (spec §4.6): verification
// of individual inner-package streams against a PKCS#7-signed hash table
// carried alongside the outer package, independent of UpgradePkgFile's own
// container-level signature.
package hashverify

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/open-edge-platform/updater-core/internal/pkcs7"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// maxSigSize bounds a single table entry's signature (MAX_SIG_SIZE in the
// original).
const maxSigSize = 1024

// entryPrefix is prepended to every lookup name (hash_data_verifier.cpp
// looks up "build_tools/" + fileName).
const entryPrefix = "build_tools/"

// Table is the parsed "hash_signed_data" text table: one "name sig_base64"
// pair per line.
type Table map[string][]byte

// ParseTable parses the hash_signed_data inner entry's bytes. Blank lines
// and lines starting with '#' are ignored; every other line must be exactly
// two whitespace-separated fields.
func ParseTable(data []byte) (Table, error) {
	const op = "hashverify.ParseTable"
	table := make(Table)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("malformed hash table line %q", line))
		}
		sig, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return nil, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("decode signature for %q: %w", fields[0], err))
		}
		if len(sig) > maxSigSize {
			return nil, pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("signature for %q exceeds %d bytes", fields[0], maxSigSize))
		}
		table[fields[0]] = sig
	}
	if err := scanner.Err(); err != nil {
		return nil, pkgerr.New(pkgerr.InvalidFile, op, err)
	}
	return table, nil
}

// Verifier is armed with the hash table and the outer package's PKCS#7
// signature block (LoadHashDataAndPkcs7 in the original).
type Verifier struct {
	table  Table
	signed *pkcs7.SignedData
}

// New arms a Verifier from the inner hash_signed_data table bytes and the
// outer package's PKCS#7 signature block.
func New(tableData, pkcs7DER []byte) (*Verifier, error) {
	table, err := ParseTable(tableData)
	if err != nil {
		return nil, err
	}
	signed, err := pkcs7.Parse(pkcs7DER)
	if err != nil {
		return nil, err
	}
	return &Verifier{table: table, signed: signed}, nil
}

// VerifyHashData computes stream's SHA-256, looks up "build_tools/"+name in
// the hash table, and verifies the pairing through the armed PKCS#7 block
// (VerifyHashData in the original).
func (v *Verifier) VerifyHashData(name string, stream pkgstream.Stream) error {
	const op = "hashverify.VerifyHashData"

	hash, err := digestStream(stream)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidDigest, op, err)
	}

	sig, ok := v.table[entryPrefix+name]
	if !ok {
		return pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("no hash table entry for %s%s", entryPrefix, name))
	}

	if err := v.signed.Verify(hash, sig); err != nil {
		return pkgerr.New(pkgerr.InvalidSignature, op, fmt.Errorf("verify %s: %w", name, err))
	}
	return nil
}

// Signed returns the PKCS#7 block this Verifier was armed with, so a caller
// that already built a Verifier for the hash table can reuse the same
// signing certificate to check a container's own digest/signature trailer
// (update.bin's UpgradePkgFile, in particular) instead of parsing the DER a
// second time.
func (v *Verifier) Signed() *pkcs7.SignedData { return v.signed }

func digestStream(stream pkgstream.Stream) ([]byte, error) {
	length, err := stream.Length()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	buf := make([]byte, 1<<20)
	for offset := int64(0); offset < length; {
		remain := length - offset
		want := int64(len(buf))
		if remain < want {
			want = remain
		}
		n, err := stream.ReadAt(buf[:want], offset)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		h.Write(buf[:n])
		offset += int64(n)
	}
	return h.Sum(nil), nil
}
