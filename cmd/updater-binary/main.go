// Command updater-binary is the OTA sub-process spec §6 describes: given a
// signed outer package, a control-pipe file descriptor, and a retry flag, it
// verifies and runs the package's update_script against the running
// device, reporting progress and the eventual result back over the pipe.
// Grounded on original_source/services/updater_binary/main.cpp's argv
// handling, expressed as cobra flags the way the teacher's cmd/image-composer
// and cmd/os-image-composer subcommands are built (no root command survives
// in the retrieved pack for this teacher, so the cobra wiring here is
// written fresh in the same idiom).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/updater-core/internal/logger"
	"github.com/open-edge-platform/updater-core/internal/script"
)

var (
	flagPackagePath string
	flagPipeFD      int
	flagRetry       bool
	flagConfigPath  string
	flagVerbose     bool

	exitCode = script.ExitSuccess
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "updater-binary --package PACKAGE --pipe-fd FD [--retry] [--config FILE]",
		Short: "Verify and apply a signed OTA update package",
		Long: `updater-binary loads a signed outer update package, verifies its
update.bin container and update_script against the package's embedded
signature, and runs the script's instructions against the device's block
devices and partition table. Progress, log lines, and the final result are
written to the file descriptor named by --pipe-fd, one "tag:content" line
at a time.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runRoot,
	}
	cmd.Flags().StringVar(&flagPackagePath, "package", "", "path to the signed outer update package")
	cmd.Flags().IntVar(&flagPipeFD, "pipe-fd", -1, "writable file descriptor for the control pipe")
	cmd.Flags().BoolVar(&flagRetry, "retry", false, "this boot is a retry of a previously interrupted update")
	cmd.Flags().StringVar(&flagConfigPath, "config", "", "runtime config YAML (defaults to runtimeconfig.Default())")
	cmd.Flags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
	cmd.MarkFlagRequired("package")
	cmd.MarkFlagRequired("pipe-fd")
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	logger.SetVerbose(flagVerbose)
	defer logger.Sync()

	pipeFile := os.NewFile(uintptr(flagPipeFD), "updater-pipe")
	if pipeFile == nil {
		return fmt.Errorf("invalid --pipe-fd %d", flagPipeFD)
	}
	defer pipeFile.Close()
	pipe := newPipeWriter(pipeFile)

	code := runUpdate(flagPackagePath, flagConfigPath, flagRetry, pipe)
	pipe.result(code)
	exitCode = code
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(script.ExitInvalidArgs)
	}
	os.Exit(exitCode)
}
