// Package script implements the update-script instruction dispatcher (spec
// §6's "Script-visible instruction names" contract, detailed further by
// SPEC_FULL §4.15). Grounded on
// original_source/services/flow_update/update_bin/{bin_process.cpp,
// component_processor.cpp} for the update_from_bin/pkg_extract dispatch
// shape, and on update_image_block.cpp's UScript instruction wrappers (read
// in an earlier package) plus update_image_patch.cpp's USInstrImagePatch/
// USInstrImageShaCheck classes for block_update/image_patch/image_sha_check.
// The per-instruction line grammar itself (one instruction per line,
// space-separated arguments) comes from spec §6/§4.15 directly, since
// script_instruction.cpp/script_manager.cpp were not part of the retrieved
// pack.
package script

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/open-edge-platform/updater-core/internal/blockset"
	"github.com/open-edge-platform/updater-core/internal/codec"
	"github.com/open-edge-platform/updater-core/internal/hwfault"
	"github.com/open-edge-platform/updater-core/internal/imagepatch"
	"github.com/open-edge-platform/updater-core/internal/logger"
	"github.com/open-edge-platform/updater-core/internal/partrecord"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgmanager"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/open-edge-platform/updater-core/internal/ptable"
	"github.com/open-edge-platform/updater-core/internal/ringbuffer"
	"github.com/open-edge-platform/updater-core/internal/store"
	"github.com/open-edge-platform/updater-core/internal/transfer"
	"github.com/open-edge-platform/updater-core/internal/upgradepkg"
	"github.com/open-edge-platform/updater-core/internal/utils/security"
)

var log = logger.Logger()

// Exit codes of the updater-binary sub-process (spec §6, verbatim).
const (
	ExitSuccess          = 0
	ExitInvalidArgs      = 1
	ExitReadPackageError = 2
	ExitScriptNotFound   = 3
	ExitScriptParseError = 4
	ExitScriptExecError  = 5
)

// Env is everything one running script needs: the loaded package, a way to
// resolve a partition name to its block Device and raw device path, the
// persisted partition-update record, the retry/reboot controller, and the
// progress/log sinks the parent process reads off the pipe (spec §6).
type Env struct {
	Pkg     *pkgmanager.Manager
	Device  func(partition string) (transfer.Device, error)
	DevPath func(partition string) (string, error)
	Stash   *store.Store
	Record  *partrecord.Record
	Retry   *hwfault.Retry
	IsRetry bool
	WorkDir string

	// Progress reports fractional completion in [0,1] (set_progress:<float>).
	Progress func(float64)
	// UILog reports a free-text progress line (ui_log:<text>).
	UILog func(string)
}

func (e *Env) uiLog(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Infof("%s", msg)
	if e.UILog != nil {
		e.UILog(msg)
	}
}

// Instruction is one script-visible instruction's implementation.
type Instruction func(env *Env, args []string) error

// Runner dispatches one script's instructions in order, stopping at the
// first error (spec §6: exit code 5 on any instruction execution error).
type Runner struct {
	env      *Env
	handlers map[string]Instruction
}

// NewRunner builds a Runner with the default instruction table wired in
// (spec §6's ten script-visible instruction names).
func NewRunner(env *Env) *Runner {
	r := &Runner{env: env, handlers: make(map[string]Instruction)}
	r.handlers["sha_check"] = doShaCheck
	r.handlers["first_block_check"] = doFirstBlockCheck
	r.handlers["block_update"] = doBlockUpdate
	r.handlers["raw_image_write"] = doRawImageWrite
	r.handlers["update_partitions"] = doUpdatePartitions
	r.handlers["image_patch"] = doImagePatch
	r.handlers["image_sha_check"] = doImageShaCheck
	r.handlers["pkg_extract"] = doPkgExtract
	r.handlers["pkg_extract_no_ret"] = doPkgExtractNoRet
	r.handlers["update_from_bin"] = doUpdateFromBin
	return r
}

// Register installs (or replaces) the handler for name, for callers that
// need to extend or stub the dispatch table in tests.
func (r *Runner) Register(name string, fn Instruction) {
	r.handlers[name] = fn
}

// Run parses scriptText one instruction per line (blank lines and lines
// starting with "#" are ignored) and executes each in order. On the first
// failing instruction it classifies the error via pkgerr.RetryTagForKind,
// drives env.Retry accordingly when the kind requests a reboot, and returns
// the error so the caller can map it to exit code 5.
func (r *Runner) Run(scriptText string) error {
	const op = "script.Runner.Run"
	scanner := bufio.NewScanner(strings.NewReader(scriptText))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	lineNo := 0
	executed := 0
	total := countInstructions(scriptText)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		name := fields[0]
		args := fields[1:]

		fn, ok := r.handlers[name]
		if !ok {
			return pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("line %d: unrecognized instruction %q", lineNo, name))
		}
		for i, arg := range args {
			if err := security.ValidateString(fmt.Sprintf("%s arg %d", name, i), arg, security.DefaultLimits()); err != nil {
				return pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("line %d: %w", lineNo, err))
			}
		}

		r.env.uiLog("executing %s", name)
		if err := fn(r.env, args); err != nil {
			wrapped := fmt.Errorf("%s: line %d (%s): %w", op, lineNo, name, err)
			r.handleFailure(err)
			return wrapped
		}
		executed++
		if r.env.Progress != nil {
			r.env.Progress(float64(executed) / float64(total))
		}
	}
	if err := scanner.Err(); err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, op, err)
	}
	return nil
}

// handleFailure escalates a retry-tagged failure to the hardware-fault
// controller, matching spec §7's recovery policy: INVALID_DIGEST and
// INVALID_STREAM request a reboot with an incremented retry counter instead
// of aborting the whole install outright.
func (r *Runner) handleFailure(err error) {
	var pe *pkgerr.Error
	kind := pkgerr.Kind(0)
	if errors.As(err, &pe) {
		kind = pe.Kind
	}
	tag, wantsReboot := pkgerr.RetryTagForKind(kind)
	if !wantsReboot || r.env.Retry == nil {
		return
	}
	r.env.Retry.SetFaultInfo(tag)
	if retryErr := r.env.Retry.DoRetryAction(); retryErr != nil {
		log.Errorf("script: retry action for %s failed: %v", tag, retryErr)
	}
}

func countInstructions(scriptText string) int {
	n := 0
	for _, line := range strings.Split(scriptText, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

func wantArgs(op string, args []string, n int) error {
	if len(args) != n {
		return pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("want %d arguments, got %d", n, len(args)))
	}
	return nil
}

// doShaCheck verifies a partition's current whole-device content against a
// size/hash pair (`sha_check <partition> <size> <sha256_hex>`).
func doShaCheck(env *Env, args []string) error {
	const op = "script.sha_check"
	if err := wantArgs(op, args, 3); err != nil {
		return err
	}
	devPath, err := env.DevPath(args[0])
	if err != nil {
		return pkgerr.New(pkgerr.InvalidParam, op, err)
	}
	size, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidParam, op, err)
	}
	return imagepatch.ShaCheck(devPath, size, args[2])
}

// doFirstBlockCheck hashes only the first block of a partition, a cheap
// pre-check used to decide whether a block_update can be skipped entirely
// (`first_block_check <partition> <sha256_hex>`).
func doFirstBlockCheck(env *Env, args []string) error {
	const op = "script.first_block_check"
	if err := wantArgs(op, args, 2); err != nil {
		return err
	}
	dev, err := env.Device(args[0])
	if err != nil {
		return pkgerr.New(pkgerr.InvalidParam, op, err)
	}
	buf := make([]byte, blockset.BlockSize)
	if err := dev.ReadBlocks(buf, 0); err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	return compareHash(op, buf, args[1])
}

// doBlockUpdate runs a transfer-list against a partition (`block_update
// <partition> <transfer_list_entry> <new_data_entry> <patch_data_entry>`).
// The new-data entry is decompressed by one goroutine while the transfer
// engine consumes it on another, matching the producer/consumer split
// bin_process.cpp runs its ExtractBinFile/ProcessBinFile threads as.
func doBlockUpdate(env *Env, args []string) error {
	const op = "script.block_update"
	if err := wantArgs(op, args, 4); err != nil {
		return err
	}
	partition, listName, newDataName, patchDataName := args[0], args[1], args[2], args[3]

	listBytes, err := env.Pkg.ExtractBytes(listName)
	if err != nil {
		return err
	}
	list, err := transfer.ParseList(listBytes)
	if err != nil {
		return err
	}

	dev, err := env.Device(partition)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidParam, op, err)
	}

	var patchData []byte
	if patchDataName != "-" {
		patchData, err = env.Pkg.ExtractBytes(patchDataName)
		if err != nil {
			return err
		}
	}

	newInfo, err := env.Pkg.GetFileInfo(newDataName)
	declaredLen := int64(newInfo.OriginalSize)
	if err != nil {
		declaredLen = 0
	}

	// Codecs decompress a whole component in one writeAll call, which would
	// overrun a FlowStream's ring-buffer slot size if handed the flow
	// directly; decompress into memory first and let RunNewDataProducer
	// re-chunk it into the flow at a bounded size.
	newData, err := env.Pkg.ExtractBytes(newDataName)
	if err != nil {
		return err
	}

	rb := ringbuffer.New(64*1024, 16)
	flow := pkgstream.NewFlowStream(rb, declaredLen)

	grp := new(errgroup.Group)
	grp.Go(func() error {
		return transfer.RunNewDataProducer(flow, pkgstream.NewMemoryStream(newData))
	})
	grp.Go(func() error {
		mgr := &transfer.Manager{Device: dev, Stash: env.Stash, PatchData: patchData, NewData: flow}
		return mgr.Run(list)
	})
	if err := grp.Wait(); err != nil {
		return err
	}
	return dev.Sync()
}

// doRawImageWrite copies an inner file straight onto a partition, byte for
// byte, with no block-diffing (`raw_image_write <partition> <image_entry>`;
// RawImgProcessor in the original).
func doRawImageWrite(env *Env, args []string) error {
	const op = "script.raw_image_write"
	if err := wantArgs(op, args, 2); err != nil {
		return err
	}
	partition := args[0]

	if env.IsRetry && env.Record != nil && env.Record.IsPartitionUpdated(partition) {
		env.uiLog("%s already updated, skip", partition)
		return nil
	}

	devPath, err := env.DevPath(partition)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidParam, op, err)
	}
	info, err := env.Pkg.GetFileInfo(args[1])
	if err != nil {
		return err
	}
	out, err := pkgstream.OpenFileStream(devPath, false)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidStream, op, err)
	}
	defer out.Close()
	if err := env.Pkg.ExtractFile(args[1], out); err != nil {
		return err
	}
	if err := out.Flush(int64(info.OriginalSize)); err != nil {
		return err
	}
	if env.Record != nil {
		if err := env.Record.RecordPartitionUpdateStatus(partition, true); err != nil {
			return pkgerr.New(pkgerr.InvalidFile, op, err)
		}
	}
	return nil
}

// doUpdatePartitions loads the package's /ptable inner file, compares it
// against what's on every device node named in args[1:], and rewrites the
// table if it differs (`update_partitions <ptable_entry> <device>...`).
func doUpdatePartitions(env *Env, args []string) error {
	const op = "script.update_partitions"
	if len(args) < 2 {
		return pkgerr.New(pkgerr.InvalidParam, op, fmt.Errorf("want at least 2 arguments, got %d", len(args)))
	}
	buf, err := env.Pkg.ExtractBytes(args[0])
	if err != nil {
		return err
	}
	want, err := ptable.LoadFromBuffer(buf, env.WorkDir+"/ptable.staged")
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, op, err)
	}

	kind := ptable.KindEMMC
	if len(args[1:]) > 1 {
		kind = ptable.KindUFS
	}
	have, err := ptable.LoadFromDevice(kind, args[1:])
	if err != nil {
		return pkgerr.New(pkgerr.InvalidFile, op, err)
	}

	if diffs := have.ComparePtable(want); len(diffs) > 0 {
		log.Infof("update_partitions: table differs (%d diffs), rewriting", len(diffs))
		if err := want.WriteToDevice(); err != nil {
			return pkgerr.New(pkgerr.InvalidStream, op, err)
		}
	}
	return nil
}

// doImagePatch applies a bsdiff/imgdiff patch against a whole partition
// (`image_patch <partition> <src_size> <dest_size> <src_hash> <dest_hash>
// <format> <patch_entry>`; USInstrImagePatch in the original).
func doImagePatch(env *Env, args []string) error {
	const op = "script.image_patch"
	if err := wantArgs(op, args, 7); err != nil {
		return err
	}
	partition := args[0]
	srcSize, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidParam, op, err)
	}
	destSize, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidParam, op, err)
	}
	format := imagepatch.FormatBSDiff
	if args[5] == "imgdiff" {
		format = imagepatch.FormatImgDiff
	}

	devPath, err := env.DevPath(partition)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidParam, op, err)
	}
	patchData, err := env.Pkg.ExtractBytes(args[6])
	if err != nil {
		return err
	}

	exec := &imagepatch.Executor{WorkDir: env.WorkDir, Record: env.Record, IsRetry: func() bool { return env.IsRetry }}
	return exec.Apply(imagepatch.Params{
		PartName: partition,
		DevPath:  devPath,
		SrcSize:  srcSize,
		DestSize: destSize,
		SrcHash:  args[3],
		DestHash: args[4],
		Format:   format,
	}, patchData)
}

// doImageShaCheck is the pre-step before image_patch: it verifies a
// partition's current content against the patch's source size/hash
// (`image_sha_check <partition> <size> <sha256_hex>`; USInstrImageShaCheck
// in the original). On a retry boot it skips the check for a partition the
// PartitionRecord already marks as updated, since that partition now holds
// the patched content; otherwise it behaves exactly like sha_check, kept as
// a distinct instruction since the package's script grammar names both
// separately (spec §6).
func doImageShaCheck(env *Env, args []string) error {
	if len(args) > 0 && env.IsRetry && env.Record != nil && env.Record.IsPartitionUpdated(args[0]) {
		env.uiLog("%s already updated, skip", args[0])
		return nil
	}
	return doShaCheck(env, args)
}

// doPkgExtract extracts a named inner file to an absolute path, failing the
// whole script on error (`pkg_extract <entry> <dest_path>`).
func doPkgExtract(env *Env, args []string) error {
	const op = "script.pkg_extract"
	if err := wantArgs(op, args, 2); err != nil {
		return err
	}
	return extractToPath(env, args[0], args[1])
}

// doPkgExtractNoRet extracts a named inner file but never fails the script
// on error — used for optional inner files a script tolerates being absent
// (`pkg_extract_no_ret <entry> <dest_path>`).
func doPkgExtractNoRet(env *Env, args []string) error {
	const op = "script.pkg_extract_no_ret"
	if err := wantArgs(op, args, 2); err != nil {
		return err
	}
	if err := extractToPath(env, args[0], args[1]); err != nil {
		log.Warnf("pkg_extract_no_ret: %s: %v (ignored)", args[0], err)
	}
	return nil
}

func extractToPath(env *Env, entry, destPath string) error {
	out, err := pkgstream.OpenFileStream(destPath, true)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidFile, "script.extractToPath", err)
	}
	defer out.Close()
	return env.Pkg.ExtractFile(entry, out)
}

// doUpdateFromBin loads the named inner file as a nested "flow" package (a
// bin-flow container bundling one or more component images) and writes
// each component to its partition in turn, skipping any already recorded
// as updated on a retry boot (`update_from_bin <entry>`;
// UScriptInstructionBinFlowWrite::Execute in the original).
func doUpdateFromBin(env *Env, args []string) error {
	const op = "script.update_from_bin"
	if err := wantArgs(op, args, 1); err != nil {
		return err
	}

	info, err := env.Pkg.GetFileInfo(args[0])
	if err != nil {
		return err
	}
	flowBuf := make([]byte, 0, info.OriginalSize)
	mem := pkgstream.NewMemoryStream(flowBuf)
	if err := env.Pkg.ExtractFile(args[0], mem); err != nil {
		return err
	}

	nested, err := pkgmanager.Load(pkgstream.NewMemoryStream(mem.Bytes()), codec.NewDefaultRegistry(), acceptNestedSignature)
	if err != nil {
		return pkgerr.New(pkgerr.InvalidPkgFormat, op, err)
	}

	for _, comp := range nested.Components() {
		if env.IsRetry && env.Record.IsPartitionUpdated(comp.Identity) {
			env.uiLog("%s already updated, skip", comp.Identity)
			continue
		}
		devPath, err := env.DevPath(comp.Identity)
		if err != nil {
			return pkgerr.New(pkgerr.InvalidParam, op, err)
		}
		f, err := os.OpenFile(devPath, os.O_RDWR, 0o644)
		if err != nil {
			return pkgerr.New(pkgerr.InvalidStream, op, err)
		}
		out := pkgstream.NewFileStream(f)
		if err := nested.ExtractFile(comp.Identity, out); err != nil {
			out.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			out.Close()
			return pkgerr.New(pkgerr.InvalidStream, op, err)
		}
		if err := out.Close(); err != nil {
			return pkgerr.New(pkgerr.InvalidStream, op, err)
		}
		if err := env.Record.RecordPartitionUpdateStatus(comp.Identity, true); err != nil {
			return err
		}
	}
	return nil
}

// acceptNestedSignature is the VerifyFunc used when loading a bin-flow
// container nested inside an already-verified outer component: the outer
// update.bin's own digest already spans these bytes as one opaque
// component (spec §4.4's Load algorithm covers the whole file), so the
// nested container's own header digest needs no independent signature.
func acceptNestedSignature(*upgradepkg.UpgradePkgInfo, []byte, []byte) error { return nil }

func compareHash(op string, data []byte, wantHex string) error {
	got := store.Tag(data)
	if !strings.EqualFold(got, wantHex) {
		return pkgerr.New(pkgerr.InvalidDigest, op, fmt.Errorf("hash mismatch: got %s, want %s", got, wantHex))
	}
	return nil
}
