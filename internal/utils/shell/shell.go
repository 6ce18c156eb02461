// Package shell runs the handful of external commands the updater core
// still needs on the happy path: the sync that precedes a reboot into
// recovery from HwFaultRetry (the reboot itself is a reboot(2) syscall in
// cmd/updater-binary). Trimmed from the teacher's chroot-aware executor (this
// module never chroots; it runs directly against the running device).
package shell

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/open-edge-platform/updater-core/internal/logger"
)

var log = logger.Logger()

// Executor runs a shell command and returns its combined output.
type Executor interface {
	ExecCmd(cmdStr string) (string, error)
}

type defaultExecutor struct{}

// Default is the Executor used outside of tests; tests inject a fake.
var Default Executor = &defaultExecutor{}

func (defaultExecutor) ExecCmd(cmdStr string) (string, error) {
	log.Debugf("exec: %s", cmdStr)
	cmd := exec.Command("sh", "-c", cmdStr)
	out, err := cmd.CombinedOutput()
	outStr := strings.TrimSpace(string(out))
	if err != nil {
		if outStr != "" {
			return outStr, fmt.Errorf("exec %q: %s: %w", cmdStr, outStr, err)
		}
		return outStr, fmt.Errorf("exec %q: %w", cmdStr, err)
	}
	if outStr != "" {
		log.Debugf(outStr)
	}
	return outStr, nil
}

// ExecCmd runs cmdStr through Default.
func ExecCmd(cmdStr string) (string, error) {
	return Default.ExecCmd(cmdStr)
}
