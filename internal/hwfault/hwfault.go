// Package hwfault implements HwFaultRetry (spec §4.13): a registered-handler
// fault/retry state machine that writes the next boot's intent into the misc
// area and reboots back into the updater. Grounded on
// original_source/services/hwfault_retry/hwfault_retry.{cpp,h}; the field
// layout for the misc struct itself comes from spec.md §4.9's "Misc area
// layout" line rather than misc_info.cpp (not part of the retrieved pack).
package hwfault

import (
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
)

// MaxRetryCount bounds how many times RebootRetry will actually reboot for a
// given fault before refusing (spec §4.13 step 1, spec §8 property 8).
const MaxRetryCount = 3

// RetryFunc is a registered per-fault handler (HwFaultRetry::RetryFunc).
type RetryFunc func(r *Retry) error

// Rebooter performs the terminal "sync + reboot into updater" step; the real
// implementation shells out to the platform reboot syscall, exercised only
// by cmd/updater-binary. Tests supply a recording stub.
type Rebooter interface {
	Reboot(target string) error
}

// Retry is the Go analogue of HwFaultRetry: state plus a registry of
// handlers keyed by retry tag (spec §7's RetryTag values).
type Retry struct {
	misc       *MiscArea
	reboot     Rebooter
	handlers   map[pkgerr.RetryTag]RetryFunc
	faultInfo  pkgerr.RetryTag
	retryCount uint32
}

// New builds a Retry bound to a MiscArea and a Rebooter, with the built-in
// handler pre-registered for VERIFY_FAILED_REBOOT, IO_FAILED_REBOOT, and
// PROCESS_BIN_FAIL_RETRY per spec §4.13's closing line.
func New(misc *MiscArea, reboot Rebooter) *Retry {
	r := &Retry{
		misc:     misc,
		reboot:   reboot,
		handlers: make(map[pkgerr.RetryTag]RetryFunc),
	}
	r.RegisterFunc(pkgerr.VerifyFailedReboot, (*Retry).rebootRetry)
	r.RegisterFunc(pkgerr.IOFailedReboot, (*Retry).rebootRetry)
	r.RegisterFunc(pkgerr.ProcessBinFailRetry, (*Retry).rebootRetry)
	return r
}

// RegisterFunc installs (or replaces) the handler for a fault tag.
func (r *Retry) RegisterFunc(tag pkgerr.RetryTag, fn RetryFunc) {
	r.handlers[tag] = fn
}

// SetFaultInfo records which fault triggered the current retry episode.
func (r *Retry) SetFaultInfo(tag pkgerr.RetryTag) { r.faultInfo = tag }

// SetRetryCount seeds the retry counter, used when resuming after a reboot
// whose misc message already carried a prior count.
func (r *Retry) SetRetryCount(count uint32) { r.retryCount = count }

// DoRetryAction looks up and runs the handler registered for the current
// fault, returning an error if none is registered (HwFaultRetry::DoRetryAction).
func (r *Retry) DoRetryAction() error {
	fn, ok := r.handlers[r.faultInfo]
	if !ok {
		return fmt.Errorf("hwfault: no handler registered for %s", r.faultInfo)
	}
	return fn(r)
}

// rebootRetry is the built-in handler (HwFaultRetry::RebootRetry): refuse at
// the retry bound, else bump the counter, persist it to misc, and reboot.
func (r *Retry) rebootRetry() error {
	if r.retryCount >= MaxRetryCount {
		return fmt.Errorf("hwfault: retry_count %d at or above MaxRetryCount %d, refusing", r.retryCount, MaxRetryCount)
	}

	next := r.retryCount + 1
	msg := Message{
		BootCommand: "boot_updater",
		RetryCount:  next,
		FaultInfo:   string(r.faultInfo),
	}
	if err := r.misc.Write(msg); err != nil {
		return fmt.Errorf("hwfault: write misc: %w", err)
	}
	r.retryCount = next

	return r.reboot.Reboot("updater")
}
