package runtimeconfig

import "testing"

func TestParseValid(t *testing.T) {
	doc := []byte(`
store_base_path: /data/updater/stash
retry_marker_path: /data/updater/retry_marker
partition_record_path: /data/updater/partition_record
misc_device_path: /dev/block/by-name/misc
max_retry_count: 3
device_kind: ufs
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.DeviceKind != DeviceUFS {
		t.Fatalf("DeviceKind = %q, want ufs", cfg.DeviceKind)
	}
	if cfg.MaxRetryCount != 3 {
		t.Fatalf("MaxRetryCount = %d, want 3", cfg.MaxRetryCount)
	}
}

func TestParseMissingField(t *testing.T) {
	doc := []byte(`
store_base_path: /data/updater/stash
`)
	if _, err := Parse(doc); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestParseBadDeviceKind(t *testing.T) {
	doc := []byte(`
store_base_path: /data/updater/stash
retry_marker_path: /data/updater/retry_marker
partition_record_path: /data/updater/partition_record
misc_device_path: /dev/block/by-name/misc
max_retry_count: 3
device_kind: zzz
`)
	if _, err := Parse(doc); err == nil {
		t.Fatal("expected validation error for bad device_kind")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MaxRetryCount != 3 {
		t.Fatalf("default MaxRetryCount = %d, want 3", cfg.MaxRetryCount)
	}
}
