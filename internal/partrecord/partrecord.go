// Package partrecord persists "partition X already applied" markers across a
// retry reboot (spec §4.12). No partition_record.{cpp,h} survives in the
// retrieved original_source — the operation list (is_partition_updated,
// record_partition_update_status, clear) comes directly from spec.md §4.12
// and the PartitionRecord::GetInstance() call sites visible in
// update_image_patch.cpp and update_image_block.cpp. File locking follows
// the spec's own "serializes writes under a file lock" line (spec §5) via
// stdlib syscall.Flock — no ecosystem file-lock library appears anywhere in
// the pack, and flock is itself the fixed OS primitive the spec names.
package partrecord

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/open-edge-platform/updater-core/internal/logger"
)

var log = logger.Logger()

// Record is a one-line-per-partition marker file: `<name>\t<applied>\n`.
// Writes are serialized both in-process (mu) and across processes (flock on
// the backing file), matching spec §5's "PartitionRecord serializes writes
// under a file lock".
type Record struct {
	path string
	mu   sync.Mutex
}

// Open returns a Record bound to path, creating an empty file if none
// exists yet (spec §4.12: "created empty at install-start").
func Open(path string) (*Record, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("partrecord: open %s: %w", path, err)
	}
	_ = f.Close()
	return &Record{path: path}, nil
}

// IsPartitionUpdated reports whether name's last recorded status is applied.
// A partition with no entry at all is reported as not updated.
func (r *Record) IsPartitionUpdated(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.readLocked()
	if err != nil {
		log.Warnf("partrecord: read %s: %v", r.path, err)
		return false
	}
	applied, ok := entries[name]
	return ok && applied
}

// RecordPartitionUpdateStatus appends (or updates) name's entry and fsyncs
// the file before returning, so a crash immediately after this call still
// leaves the record durable (spec §4.11 step 5's "record the partition as
// applied" happens only after the final byte and its own fsync land).
func (r *Record) RecordPartitionUpdateStatus(name string, applied bool) error {
	const op = "partrecord.RecordPartitionUpdateStatus"
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%s: open: %w", op, err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("%s: flock: %w", op, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	entries, err := decode(f)
	if err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	entries[name] = applied

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("%s: truncate: %w", op, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("%s: seek: %w", op, err)
	}
	if err := encode(f, entries); err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%s: fsync: %w", op, err)
	}
	log.Debugf("partrecord: %s applied=%v", name, applied)
	return nil
}

// Clear empties the record (spec §4.12: "cleared when the install completes
// successfully or is explicitly abandoned").
func (r *Record) Clear() error {
	const op = "partrecord.Clear"
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%s: open: %w", op, err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("%s: flock: %w", op, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("%s: truncate: %w", op, err)
	}
	return f.Sync()
}

// readLocked takes a shared flock, decodes, and releases it.
func (r *Record) readLocked() (map[string]bool, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return nil, err
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return decode(f)
}

func decode(f *os.File) (map[string]bool, error) {
	entries := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed record line %q", line)
		}
		entries[fields[0]] = fields[1] == "true"
	}
	return entries, scanner.Err()
}

func encode(f *os.File, entries map[string]bool) error {
	w := bufio.NewWriter(f)
	for name, applied := range entries {
		if _, err := fmt.Fprintf(w, "%s\t%t\n", name, applied); err != nil {
			return err
		}
	}
	return w.Flush()
}
