// Package ptable implements PtableManager (spec §4.14): loading, comparing,
// and rewriting a device's GPT partition table. Grounded on
// original_source/services/ptable_parse/{ptable_manager,emmc_ptable,ufs_ptable,
// composite_ptable}.cpp — EMMC addresses a single device node, UFS addresses
// one node per LUN (CompositePtable's child-table aggregation), and
// PtableManager::ComparePtable/ComparePartition do a field-wise diff of the
// parsed partition list. The GPT parse/CRC/write machinery itself is
// delegated to github.com/diskfs/go-diskfs/partition/gpt, the same package
// the teacher's internal/image/imageinspect/imageinspect.go already imports
// for GPT enumeration — hand-rolling protective-MBR/header/CRC32 parsing
// again here, when the teacher's own stack already solves it, would be the
// kind of bare-stdlib rendition this module avoids.
package ptable

import (
	"fmt"
	"os"
	"sort"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/panjf2000/ants/v2"

	"github.com/open-edge-platform/updater-core/internal/logger"
)

var log = logger.Logger()

// LastPartitionName is the partition resized to fill the device minus the
// backup reserve when a new table is applied (spec §4.14's adjustment
// rule; LAST_PATITION_NAME in the original).
const LastPartitionName = "USERDATA"

// Kind selects the device topology: a single GPT (EMMC) or one GPT per LUN
// (UFS), mirroring DevicePtable vs. CompositePtable.
type Kind int

const (
	KindEMMC Kind = iota
	KindUFS
)

// PtnInfo is one partition table entry (Ptable::PtnInfo).
type PtnInfo struct {
	Name       string
	StartLBA   uint64
	EndLBA     uint64
	SizeBytes  uint64
	TypeGUID   string
	Lun        int // which device node this entry belongs to, for KindUFS
	IsTailPart bool
}

// lun is one GPT table bound to a single device node.
type lun struct {
	path  string
	table *gpt.Table
}

// Manager owns one or more lun tables (PtableManager / CompositePtable).
type Manager struct {
	kind Kind
	luns []lun
}

// LoadFromDevice parses the GPT already on disk for each device path (spec
// §4.14's "load_partition_info... from the device"; DevicePtable::
// LoadPartitionInfo). EMMC callers pass exactly one path; UFS callers pass
// one path per LUN, in LUN order.
func LoadFromDevice(kind Kind, paths []string) (*Manager, error) {
	const op = "ptable.LoadFromDevice"
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: no device paths given", op)
	}

	m := &Manager{kind: kind}
	for _, p := range paths {
		t, err := readGPT(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", op, p, err)
		}
		m.luns = append(m.luns, lun{path: p, table: t})
	}
	return m, nil
}

// LoadFromBuffer parses a GPT image already in memory — the package's inner
// `/ptable` file (spec §4.14's "or the package's /ptable inner file"). It is
// staged to a scratch file first since go-diskfs's GPT reader operates on a
// device-shaped file, not an in-memory buffer.
func LoadFromBuffer(buf []byte, scratchPath string) (*Manager, error) {
	const op = "ptable.LoadFromBuffer"
	if err := os.WriteFile(scratchPath, buf, 0o600); err != nil {
		return nil, fmt.Errorf("%s: stage scratch file: %w", op, err)
	}
	t, err := readGPT(scratchPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Manager{kind: KindEMMC, luns: []lun{{path: scratchPath, table: t}}}, nil
}

func readGPT(path string) (*gpt.Table, error) {
	disk, err := diskfs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	pt, err := disk.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("read partition table: %w", err)
	}
	t, ok := pt.(*gpt.Table)
	if !ok {
		return nil, fmt.Errorf("partition table is not GPT")
	}
	return t, nil
}

// PartitionInfo flattens every lun's table into the PtnInfo list the rest of
// this package (and the script runner) works against, in LUN then start-LBA
// order.
func (m *Manager) PartitionInfo() []PtnInfo {
	var out []PtnInfo
	for lunIdx, l := range m.luns {
		for _, p := range l.table.Partitions {
			if p.Start == 0 && p.End == 0 {
				continue // unused GPT entry
			}
			out = append(out, PtnInfo{
				Name:      p.Name,
				StartLBA:  p.Start,
				EndLBA:    p.End,
				SizeBytes: (p.End - p.Start + 1) * uint64(l.table.LogicalSectorSize),
				TypeGUID:  string(p.Type),
				Lun:       lunIdx,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Lun != out[j].Lun {
			return out[i].Lun < out[j].Lun
		}
		return out[i].StartLBA < out[j].StartLBA
	})
	if len(out) > 0 {
		out[len(out)-1].IsTailPart = true
	}
	return out
}

// GetPartitionInfoByName resolves a partition by name across every lun
// (PtableManager::GetPartionInfoByName).
func (m *Manager) GetPartitionInfoByName(name string) (PtnInfo, error) {
	for _, p := range m.PartitionInfo() {
		if p.Name == name {
			return p, nil
		}
	}
	return PtnInfo{}, fmt.Errorf("ptable: partition %q not found", name)
}

// ComparePtable field-wise diffs every partition entry between m and other,
// returning a human-readable list of differences (PtableManager::
// ComparePtable / IsPtableChanged). An empty result means the tables match.
func (m *Manager) ComparePtable(other *Manager) []string {
	a, b := m.PartitionInfo(), other.PartitionInfo()
	var diffs []string
	if len(a) != len(b) {
		diffs = append(diffs, fmt.Sprintf("partition count %d != %d", len(a), len(b)))
	}
	byName := make(map[string]PtnInfo, len(b))
	for _, p := range b {
		byName[p.Name] = p
	}
	for _, p := range a {
		q, ok := byName[p.Name]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("partition %q missing from other table", p.Name))
			continue
		}
		diffs = append(diffs, comparePtn(p, q)...)
	}
	return diffs
}

// ComparePartition field-wise diffs a single named partition between m and
// other (PtableManager::ComparePartition).
func (m *Manager) ComparePartition(other *Manager, name string) ([]string, error) {
	a, err := m.GetPartitionInfoByName(name)
	if err != nil {
		return nil, err
	}
	b, err := other.GetPartitionInfoByName(name)
	if err != nil {
		return nil, err
	}
	return comparePtn(a, b), nil
}

func comparePtn(a, b PtnInfo) []string {
	var diffs []string
	if a.StartLBA != b.StartLBA {
		diffs = append(diffs, fmt.Sprintf("%s: start LBA %d != %d", a.Name, a.StartLBA, b.StartLBA))
	}
	if a.EndLBA != b.EndLBA {
		diffs = append(diffs, fmt.Sprintf("%s: end LBA %d != %d", a.Name, a.EndLBA, b.EndLBA))
	}
	if a.TypeGUID != b.TypeGUID {
		diffs = append(diffs, fmt.Sprintf("%s: type GUID %s != %s", a.Name, a.TypeGUID, b.TypeGUID))
	}
	return diffs
}

// WriteToDevice rewrites every lun's GPT (protective MBR + primary header +
// primary entries + backup entries + backup header, per spec §4.14's
// invariant), recomputing CRC32s as part of gpt.Table.Write. EMMC has one
// lun and writes synchronously; UFS fans the per-LUN writes out across a
// bounded worker pool since each LUN is an independent device node
// (PtableManager::WritePartitionTable / CompositePtable aggregating
// per-child writes).
func (m *Manager) WriteToDevice() error {
	const op = "ptable.WriteToDevice"
	if m.kind == KindEMMC || len(m.luns) == 1 {
		for _, l := range m.luns {
			if err := writeLun(l); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		return nil
	}

	pool, err := ants.NewPool(len(m.luns))
	if err != nil {
		return fmt.Errorf("%s: build worker pool: %w", op, err)
	}
	defer pool.Release()

	errs := make([]error, len(m.luns))
	done := make(chan struct{}, len(m.luns))
	for i, l := range m.luns {
		i, l := i, l
		submitErr := pool.Submit(func() {
			defer func() { done <- struct{}{} }()
			if err := writeLun(l); err != nil {
				errs[i] = err
			}
		})
		if submitErr != nil {
			return fmt.Errorf("%s: submit lun %d: %w", op, i, submitErr)
		}
	}
	for range m.luns {
		<-done
	}
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("%s: lun %d: %w", op, i, err)
		}
	}
	return nil
}

func writeLun(l lun) error {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	defer f.Close()

	size, err := diskSize(f)
	if err != nil {
		return fmt.Errorf("stat %s: %w", l.path, err)
	}
	if err := l.table.Write(f, size); err != nil {
		return fmt.Errorf("write gpt to %s: %w", l.path, err)
	}
	log.Infof("ptable: wrote gpt to %s", l.path)
	return nil
}

func diskSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// AdjustUserData resizes the last lun's LastPartitionName partition (or,
// if none has that name, its last partition) so it ends at the device size
// minus reservedBytes, matching spec §4.14's
// resize rule. allowBoundaryMove must be true for this to actually move the
// USERDATA boundary; a normal (non-sdcard) update passes false and gets an
// error instead, per the safety rule in the same paragraph.
func (m *Manager) AdjustUserData(deviceSizeBytes, reservedBytes uint64, allowBoundaryMove bool) error {
	const op = "ptable.AdjustUserData"
	if len(m.luns) == 0 {
		return fmt.Errorf("%s: no partition table loaded", op)
	}
	last := &m.luns[len(m.luns)-1]
	parts := last.table.Partitions
	if len(parts) == 0 {
		return fmt.Errorf("%s: no partitions", op)
	}

	target := parts[len(parts)-1]
	for _, p := range parts {
		if p.Name == LastPartitionName {
			target = p
			break
		}
	}

	sectorSize := uint64(last.table.LogicalSectorSize)
	if sectorSize == 0 {
		sectorSize = 512
	}
	newEnd := (deviceSizeBytes-reservedBytes)/sectorSize - 1
	if newEnd != target.End && !allowBoundaryMove {
		return fmt.Errorf("%s: %s boundary would move from LBA %d to %d on a non-sdcard update, refusing",
			op, target.Name, target.End, newEnd)
	}
	target.End = newEnd
	return nil
}
