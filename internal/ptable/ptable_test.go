package ptable

import (
	"testing"

	"github.com/diskfs/go-diskfs/partition/gpt"
)

func table(sectorSize int, parts ...*gpt.Partition) *gpt.Table {
	return &gpt.Table{
		LogicalSectorSize:  sectorSize,
		PhysicalSectorSize: sectorSize,
		ProtectiveMBR:      true,
		Partitions:         parts,
	}
}

func TestPartitionInfoSkipsEmptyEntriesAndMarksTail(t *testing.T) {
	m := &Manager{luns: []lun{{path: "/dev/fake", table: table(512,
		&gpt.Partition{Start: 34, End: 1000, Name: "boot", Type: "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
		&gpt.Partition{Start: 0, End: 0},
		&gpt.Partition{Start: 1001, End: 2000, Name: "USERDATA", Type: "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
	)}}}

	info := m.PartitionInfo()
	if len(info) != 2 {
		t.Fatalf("got %d entries, want 2 (empty entry skipped): %+v", len(info), info)
	}
	if info[0].Name != "boot" || info[1].Name != "USERDATA" {
		t.Fatalf("unexpected order/names: %+v", info)
	}
	if !info[1].IsTailPart || info[0].IsTailPart {
		t.Fatalf("expected only the last entry marked tail: %+v", info)
	}
}

func TestGetPartitionInfoByNameNotFound(t *testing.T) {
	m := &Manager{luns: []lun{{path: "/dev/fake", table: table(512,
		&gpt.Partition{Start: 34, End: 1000, Name: "boot"},
	)}}}
	if _, err := m.GetPartitionInfoByName("missing"); err == nil {
		t.Fatal("expected an error for an unknown partition name")
	}
	p, err := m.GetPartitionInfoByName("boot")
	if err != nil {
		t.Fatalf("GetPartitionInfoByName: %v", err)
	}
	if p.StartLBA != 34 || p.EndLBA != 1000 {
		t.Fatalf("unexpected partition info: %+v", p)
	}
}

func TestComparePtableDetectsDrift(t *testing.T) {
	a := &Manager{luns: []lun{{path: "a", table: table(512,
		&gpt.Partition{Start: 34, End: 1000, Name: "boot", Type: "guid-a"},
	)}}}
	b := &Manager{luns: []lun{{path: "b", table: table(512,
		&gpt.Partition{Start: 34, End: 2000, Name: "boot", Type: "guid-a"},
	)}}}

	diffs := a.ComparePtable(b)
	if len(diffs) == 0 {
		t.Fatal("expected a diff for the changed end LBA")
	}
}

func TestComparePtableIdentical(t *testing.T) {
	a := &Manager{luns: []lun{{path: "a", table: table(512,
		&gpt.Partition{Start: 34, End: 1000, Name: "boot", Type: "guid-a"},
	)}}}
	b := &Manager{luns: []lun{{path: "b", table: table(512,
		&gpt.Partition{Start: 34, End: 1000, Name: "boot", Type: "guid-a"},
	)}}}
	if diffs := a.ComparePtable(b); len(diffs) != 0 {
		t.Fatalf("expected no diffs for identical tables, got %v", diffs)
	}
}

func TestComparePartitionMissingOnOneSide(t *testing.T) {
	a := &Manager{luns: []lun{{path: "a", table: table(512,
		&gpt.Partition{Start: 34, End: 1000, Name: "boot"},
	)}}}
	b := &Manager{luns: []lun{{path: "b", table: table(512,
		&gpt.Partition{Start: 34, End: 1000, Name: "vendor"},
	)}}}
	if _, err := a.ComparePartition(b, "boot"); err == nil {
		t.Fatal("expected an error since \"boot\" doesn't exist on the other side")
	}
}

// TestAdjustUserDataRefusesBoundaryMoveByDefault is spec §4.14's safety
// rule: a normal (non-sdcard) update must reject a USERDATA resize.
func TestAdjustUserDataRefusesBoundaryMoveByDefault(t *testing.T) {
	m := &Manager{kind: KindEMMC, luns: []lun{{path: "a", table: table(512,
		&gpt.Partition{Start: 34, End: 1000, Name: "boot"},
		&gpt.Partition{Start: 1001, End: 2000, Name: "USERDATA"},
	)}}}
	if err := m.AdjustUserData(1_000_000, 0, false); err == nil {
		t.Fatal("expected AdjustUserData to refuse a boundary move when allowBoundaryMove is false")
	}
}

func TestAdjustUserDataResizesWhenAllowed(t *testing.T) {
	m := &Manager{kind: KindEMMC, luns: []lun{{path: "a", table: table(512,
		&gpt.Partition{Start: 34, End: 1000, Name: "boot"},
		&gpt.Partition{Start: 1001, End: 2000, Name: "USERDATA"},
	)}}}
	deviceSize := uint64(2_097_152) // 4096 sectors * 512
	if err := m.AdjustUserData(deviceSize, 0, true); err != nil {
		t.Fatalf("AdjustUserData: %v", err)
	}
	got, err := m.GetPartitionInfoByName("USERDATA")
	if err != nil {
		t.Fatalf("GetPartitionInfoByName: %v", err)
	}
	if got.EndLBA != 4095 {
		t.Fatalf("USERDATA end LBA = %d, want 4095", got.EndLBA)
	}
}
