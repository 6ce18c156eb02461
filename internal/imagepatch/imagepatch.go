// Package imagepatch executes the whole-image patch and pre-check script
// instructions (spec §4.11): `image_patch` and `image_sha_check`. Grounded on
// original_source/services/updater_binary/update_image_patch.cpp's
// USInstrImagePatch/USInstrImageShaCheck classes — GetSourceFile's
// backup-or-copy logic, ApplyPatch's mmap-source/append-writer shape, and
// ExecuteImagePatch's retry-skip and PartitionRecord bookkeeping are all
// reproduced here, generalized from a single partName/devPath pair to the
// general component described by Params.
package imagepatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-edge-platform/updater-core/internal/bsdiff"
	"github.com/open-edge-platform/updater-core/internal/logger"
	"github.com/open-edge-platform/updater-core/internal/partrecord"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

var log = logger.Logger()

// Format selects which bsdiff container the patch bytes are in.
type Format int

const (
	FormatBSDiff Format = iota
	FormatImgDiff
)

// Params describes one whole-image patch application (ImagePatchPara in the
// original).
type Params struct {
	PartName string // e.g. "/system", used to name the on-disk backup
	DevPath  string // block device or regular file backing the partition
	SrcSize  int64
	SrcHash  string // hex, case-insensitive
	DestSize int64
	DestHash string // hex, case-insensitive
	Format   Format
}

// Executor applies image patches against a work directory used to hold
// partition backups, recording completion in a PartitionRecord so a retry
// boot can skip partitions already finished (spec §4.12).
type Executor struct {
	WorkDir string
	Record  *partrecord.Record

	// IsRetry reports whether the current boot is a retry of a previous
	// attempt (env.IsRetry() in the original); nil means "not a retry".
	IsRetry func() bool
}

// backupPath returns <WorkDir>/<partName, slashes to underscores>.backup.
func (e *Executor) backupPath(partName string) string {
	name := strings.TrimPrefix(partName, "/")
	name = strings.ReplaceAll(name, "/", "_")
	return filepath.Join(e.WorkDir, name+".backup")
}

// fileHash returns the uppercase hex SHA-256 of a whole file, matching
// USInstrImagePatch::GetFileHash's ::toupper convention for comparison
// against srcHash tokens (this module compares case-insensitively
// throughout, so the case choice here is cosmetic).
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// getSourceFile returns a usable backup file path, reusing an existing
// backup if its hash already matches srcHash, else freshly copying devPath
// (GetSourceFile in the original).
func (e *Executor) getSourceFile(p Params) (string, error) {
	backup := e.backupPath(p.PartName)
	if _, err := os.Stat(backup); err == nil {
		if h, err := fileHash(backup); err == nil && strings.EqualFold(h, p.SrcHash) {
			log.Debugf("imagepatch: reusing backup %s", backup)
			return backup, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		return "", fmt.Errorf("imagepatch: mkdir backup dir: %w", err)
	}
	if err := copyFile(p.DevPath, backup); err != nil {
		return "", fmt.Errorf("imagepatch: backup %s: %w", p.DevPath, err)
	}
	return backup, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// Apply runs the 5-step image-patch algorithm from spec §4.11.
func (e *Executor) Apply(p Params, patchData []byte) error {
	const op = "imagepatch.Apply"

	if e.IsRetry != nil && e.IsRetry() && e.Record.IsPartitionUpdated(p.PartName) {
		log.Infof("imagepatch: %s already updated, skip", p.PartName)
		return nil
	}

	srcFile, err := e.getSourceFile(p)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidFile, op, err)
	}

	backupFile, err := os.Open(srcFile)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("open backup: %w", err))
	}
	defer backupFile.Close()
	src, err := pkgstream.NewMappedStream(backupFile)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("mmap backup: %w", err))
	}
	defer src.Close()

	srcLen, err := src.Length()
	if err != nil {
		return pkgerr.New(pkgerr.InvalidFile, op, err)
	}
	srcBuf := make([]byte, srcLen)
	if _, err := src.ReadAt(srcBuf, 0); err != nil {
		return pkgerr.New(pkgerr.InvalidFile, op, err)
	}

	writer, err := os.OpenFile(p.DevPath, os.O_WRONLY, 0o644)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidFile, op, fmt.Errorf("open partition writer: %w", err))
	}
	defer writer.Close()

	expected, err := hex.DecodeString(strings.ToLower(p.DestHash))
	if err != nil {
		return pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("bad dest hash %q: %w", p.DestHash, err))
	}

	// DataWriter::Write in the original tracks its own append position
	// starting at the partition's first byte; reproduced here with an
	// explicit offset rather than the POSIX O_APPEND flag, since the
	// latter would continue from the partition's *existing* length
	// instead of overwriting it from byte 0.
	var pos int64
	write := func(chunk []byte) error {
		n, err := writer.WriteAt(chunk, pos)
		if err != nil {
			return err
		}
		pos += int64(n)
		return nil
	}

	var applyErr error
	switch p.Format {
	case FormatImgDiff:
		applyErr = bsdiff.ApplyImgPatch(srcBuf, patchData, write, expected)
	default:
		applyErr = bsdiff.ApplyPatch(srcBuf, patchData, write, expected)
	}
	if applyErr != nil {
		log.Errorf("imagepatch: %s apply failed, leaving backup in place: %v", p.PartName, applyErr)
		return applyErr
	}
	if err := writer.Sync(); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, fmt.Errorf("fsync partition: %w", err))
	}

	if err := e.Record.RecordPartitionUpdateStatus(p.PartName, true); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, fmt.Errorf("record partition status: %w", err))
	}
	if err := os.Remove(srcFile); err != nil {
		log.Warnf("imagepatch: remove backup %s: %v", srcFile, err)
	}
	return nil
}

// ShaCheck is the image_sha_check pre-step: verify the current partition's
// first srcSize bytes hash to srcHash (USInstrImageShaCheck::CheckHash).
func ShaCheck(devPath string, srcSize int64, srcHash string) error {
	const op = "imagepatch.ShaCheck"
	f, err := os.Open(devPath)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidFile, op, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyN(h, f, srcSize); err != nil && err != io.EOF {
		return pkgerr.New(pkgerr.InvalidFile, op, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, srcHash) {
		return pkgerr.New(pkgerr.InvalidDigest, op, fmt.Errorf("hash mismatch: got %s, want %s", got, srcHash))
	}
	return nil
}
