// Package store implements the disk-backed blob stash the transfer engine
// uses to hold aside blocks a later transfer-list command will consume
// (spec §4.9). No original_source file implements Store directly — only
// call sites (update_image_block.cpp's Store::CreateNewSpace/DoFreeSpace) —
// so this follows spec §4.9's API literally, in the teacher's directory
// lifecycle idiom (internal/image/rawmaker's log.Infof/log.Errorf around
// MkdirAll and cleanup).
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/open-edge-platform/updater-core/internal/logger"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
)

var log = logger.Logger()

// SpaceResult is create_new_space's three-way outcome.
type SpaceResult int

const (
	SpaceError   SpaceResult = -1
	SpaceReused  SpaceResult = 0
	SpaceCreated SpaceResult = 1
)

// Store is a filesystem-backed key/value blob stash rooted at Base.
// Filenames are the SHA-256 hex digest of their content.
type Store struct {
	Base string
}

// CreateNewSpace arms the stash directory at base. wipeExisting forces a
// clean slate (the normal boot path); on a retry boot (retry_marker_path
// exists) the caller passes wipeExisting=false so a prior stash survives a
// crash mid-transfer.
func CreateNewSpace(base string, wipeExisting bool) (*Store, SpaceResult, error) {
	const op = "store.CreateNewSpace"
	s := &Store{Base: base}

	_, err := os.Stat(base)
	existed := err == nil
	if err != nil && !os.IsNotExist(err) {
		log.Errorf("stat stash directory %s: %v", base, err)
		return nil, SpaceError, pkgerr.New(pkgerr.InvalidFile, op, err)
	}

	if existed && wipeExisting {
		log.Infof("wiping existing stash directory %s", base)
		if err := os.RemoveAll(base); err != nil {
			log.Errorf("remove existing stash directory %s: %v", base, err)
			return nil, SpaceError, pkgerr.New(pkgerr.InvalidFile, op, err)
		}
		existed = false
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		log.Errorf("create stash directory %s: %v", base, err)
		return nil, SpaceError, pkgerr.New(pkgerr.InvalidFile, op, err)
	}

	if existed {
		log.Infof("reusing stash directory %s", base)
		return s, SpaceReused, nil
	}
	log.Infof("created stash directory %s", base)
	return s, SpaceCreated, nil
}

// Tag returns the SHA-256 hex digest used as a stash entry's filename.
func Tag(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (s *Store) path(tagHex string) string {
	return filepath.Join(s.Base, tagHex)
}

// Write stashes buf under tagHex (store_write in spec §4.9).
func (s *Store) Write(tagHex string, buf []byte) error {
	const op = "store.Write"
	if err := os.WriteFile(s.path(tagHex), buf, 0o644); err != nil {
		log.Errorf("write stash entry %s: %v", tagHex, err)
		return pkgerr.New(pkgerr.InvalidFile, op, err)
	}
	return nil
}

// Read reads back a stash entry written under tagHex (store_read in
// spec §4.9), returning the number of bytes read.
func (s *Store) Read(tagHex string) ([]byte, int, error) {
	const op = "store.Read"
	buf, err := os.ReadFile(s.path(tagHex))
	if err != nil {
		log.Errorf("read stash entry %s: %v", tagHex, err)
		return nil, 0, pkgerr.New(pkgerr.InvalidFile, op, err)
	}
	return buf, len(buf), nil
}

// Delete drops a single stash entry (store_delete in spec §4.9). Deleting a
// nonexistent entry is not an error — free on an already-freed hash is a
// normal transfer-list occurrence on resume.
func (s *Store) Delete(tagHex string) error {
	const op = "store.Delete"
	if err := os.Remove(s.path(tagHex)); err != nil && !os.IsNotExist(err) {
		log.Errorf("delete stash entry %s: %v", tagHex, err)
		return pkgerr.New(pkgerr.InvalidFile, op, err)
	}
	return nil
}

// DoFreeSpace removes the entire stash directory (do_free_space in
// spec §4.9), called once a transfer completes successfully.
func DoFreeSpace(base string) error {
	const op = "store.DoFreeSpace"
	if err := os.RemoveAll(base); err != nil {
		log.Errorf("free stash directory %s: %v", base, err)
		return pkgerr.New(pkgerr.InvalidFile, op, err)
	}
	log.Infof("freed stash directory %s", base)
	return nil
}

// Exists reports whether tagHex has a stash entry under base, without
// fully reading it back (used by transfer's "stash already present,
// resuming mid-move" check).
func (s *Store) Exists(tagHex string) bool {
	_, err := os.Stat(s.path(tagHex))
	return err == nil
}
