package main

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/open-edge-platform/updater-core/internal/utils/shell"
)

// Linux reboot(2)'s magic numbers and LINUX_REBOOT_CMD_RESTART2, which
// passes a reason string through to the bootloader (the mechanism Android
// devices use to carry "updater"/"recovery" across a reboot, matching
// HwFaultRetry::RebootRetry's platform reboot call). golang.org/x/sys/unix's
// own Reboot wrapper takes no argument string, so this goes straight through
// unix.Syscall the same way internal/transfer.FileDevice.Discard issues
// BLKDISCARD.
const (
	rebootMagic1      = 0xfee1dead
	rebootMagic2      = 672274793
	rebootCmdRestart2 = 0xa1b2c3d4
)

// realRebooter issues the platform reboot syscall carrying target as the
// restart reason (hwfault.Rebooter).
type realRebooter struct{}

func (realRebooter) Reboot(target string) error {
	// HwFaultRetry::RebootRetry syncs before the platform reboot call so the
	// misc message just written actually lands; shell out rather than call
	// unix.Sync directly so this goes through the same recorded-command path
	// tests can stub (internal/utils/shell.Executor).
	if _, err := shell.ExecCmd("sync"); err != nil {
		log.Warnf("reboot: sync failed: %v", err)
	}

	arg := append([]byte(target), 0)
	_, _, errno := unix.Syscall6(unix.SYS_REBOOT, rebootMagic1, rebootMagic2, rebootCmdRestart2,
		uintptr(unsafe.Pointer(&arg[0])), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
