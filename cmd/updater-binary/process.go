package main

import (
	"errors"
	"path/filepath"

	"github.com/open-edge-platform/updater-core/internal/codec"
	"github.com/open-edge-platform/updater-core/internal/hwfault"
	"github.com/open-edge-platform/updater-core/internal/logger"
	"github.com/open-edge-platform/updater-core/internal/partrecord"
	"github.com/open-edge-platform/updater-core/internal/pkgarchive"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgmanager"
	"github.com/open-edge-platform/updater-core/internal/runtimeconfig"
	"github.com/open-edge-platform/updater-core/internal/script"
	"github.com/open-edge-platform/updater-core/internal/store"
)

var log = logger.Logger()

const updaterScriptEntry = "updater_script"

// runUpdate implements ExecUpdate/ProcessUpdater from
// original_source/services/updater_binary/update_processor.cpp: open and
// verify the package, load its script, build the execution environment,
// and run every instruction in order, returning the exit code spec §6
// defines rather than the original's EXIT_INVALID_ARGS-on-load-failure
// quirk (spec.md's own documented mapping is the contract this module
// follows).
func runUpdate(packagePath, configPath string, isRetry bool, pipe *pipeWriter) int {
	cfg := runtimeconfig.Default()
	if configPath != "" {
		loaded, err := runtimeconfig.Load(configPath)
		if err != nil {
			log.Errorf("load runtime config %s: %v", configPath, err)
			return script.ExitInvalidArgs
		}
		cfg = loaded
	}

	pkg, err := pkgarchive.Open(packagePath)
	if err != nil {
		log.Errorf("open package %s: %v", packagePath, err)
		return script.ExitReadPackageError
	}
	defer pkg.Close()

	scriptStream, err := pkg.VerifiedReader(updaterScriptEntry)
	if err != nil {
		log.Errorf("verify %s: %v", updaterScriptEntry, err)
		return script.ExitScriptNotFound
	}
	scriptLen, err := scriptStream.Length()
	if err != nil {
		log.Errorf("read %s length: %v", updaterScriptEntry, err)
		return script.ExitScriptNotFound
	}
	scriptBuf := make([]byte, scriptLen)
	if _, err := scriptStream.ReadAt(scriptBuf, 0); err != nil {
		log.Errorf("read %s: %v", updaterScriptEntry, err)
		return script.ExitScriptNotFound
	}

	binStream, err := pkg.Open("update.bin")
	if err != nil {
		log.Errorf("open update.bin: %v", err)
		return script.ExitReadPackageError
	}
	mgr, err := pkgmanager.Load(binStream, codec.NewDefaultRegistry(), pkg.VerifyFunc())
	if err != nil {
		log.Errorf("load update.bin: %v", err)
		return script.ExitReadPackageError
	}
	defer mgr.ClosePkgStream()

	env, err := buildEnv(cfg, mgr, isRetry, pipe)
	if err != nil {
		log.Errorf("build execution environment: %v", err)
		return script.ExitReadPackageError
	}

	progress := newProgressSink(pipe)
	env.Progress = progress.report
	defer progress.finish()

	runner := script.NewRunner(env)

	if err := runner.Run(string(scriptBuf)); err != nil {
		log.Errorf("script execution failed: %v", err)
		var pe *pkgerr.Error
		if errors.As(err, &pe) {
			if tag, wantsReboot := pkgerr.RetryTagForKind(pe.Kind); wantsReboot {
				pipe.retryTag(string(tag), pe.Error())
			}
			if pe.Kind == pkgerr.InvalidParam {
				return script.ExitScriptParseError
			}
		}
		return script.ExitScriptExecError
	}

	if err := env.Record.Clear(); err != nil {
		log.Warnf("clear partition record after success: %v", err)
	}
	if err := store.DoFreeSpace(cfg.StoreBasePath); err != nil {
		log.Warnf("free stash after success: %v", err)
	}
	return script.ExitSuccess
}

// buildEnv wires a script.Env against cfg: the stash (wiped unless this
// boot is itself a retry, so a prior stash survives a crash mid-transfer),
// the partition-applied record, the hardware-fault retry controller, and
// the by-name device resolvers.
func buildEnv(cfg runtimeconfig.Config, mgr *pkgmanager.Manager, isRetry bool, pipe *pipeWriter) (*script.Env, error) {
	st, _, err := store.CreateNewSpace(cfg.StoreBasePath, !isRetry)
	if err != nil {
		return nil, err
	}

	rec, err := partrecord.Open(cfg.PartitionRecordPath)
	if err != nil {
		return nil, err
	}

	misc := hwfault.Open(cfg.MiscDevicePath)
	retry := hwfault.New(misc, realRebooter{})
	if msg, err := misc.Read(); err == nil {
		retry.SetRetryCount(msg.RetryCount)
	}

	// cfg.MiscDevicePath is itself a /dev/block/by-name/<name> node, so its
	// directory is the by-name directory every other partition is resolved
	// relative to.
	byNameRoot := filepath.Dir(cfg.MiscDevicePath)
	env := &script.Env{
		Pkg:     mgr,
		Device:  deviceResolver(byNameRoot),
		DevPath: devPathResolver(byNameRoot),
		Stash:   st,
		Record:  rec,
		Retry:   retry,
		IsRetry: isRetry,
		WorkDir: filepath.Dir(cfg.PartitionRecordPath),
		UILog:   pipe.uiLog,
	}
	return env, nil
}
