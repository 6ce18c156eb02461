package main

import (
	"os"
	"path/filepath"

	"github.com/open-edge-platform/updater-core/internal/transfer"
)

// byNamePartitionPath resolves a logical partition name to its device node
// under byNameDir, the conventional /dev/block/by-name directory
// fs_manager/mount.cpp's PARTITION_PATH constant documents
// (GetPartitionPathFromName in update_processor.h, whose own implementation
// was not part of the retrieved pack).
func byNamePartitionPath(byNameDir, name string) string {
	return filepath.Join(byNameDir, name)
}

// devPathResolver returns the script.Env.DevPath function bound to byNameDir.
func devPathResolver(byNameDir string) func(string) (string, error) {
	return func(name string) (string, error) {
		path := byNamePartitionPath(byNameDir, name)
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
}

// deviceResolver returns the script.Env.Device function bound to byNameDir,
// opening the by-name node O_RDWR for block-addressed transfer.Device use.
func deviceResolver(byNameDir string) func(string) (transfer.Device, error) {
	return func(name string) (transfer.Device, error) {
		path := byNamePartitionPath(byNameDir, name)
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		return transfer.NewFileDevice(f), nil
	}
}
