// Command pkgtool is the build-time companion to cmd/updater-binary: it
// assembles signed update packages for testing and operational tooling, and
// exposes the misc partition for offline inspection (SPEC_FULL §2, §6.x).
// Package construction is out of scope for the on-device core per spec.md's
// Non-goals; this tool exists only to make that container round-trippable
// and testable (spec §8 property 4), the same split the teacher draws
// between its composer core and its own cmd/os-image-composer CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkgtool",
		Short: "build and inspect updater-core update packages",
	}
	cmd.AddCommand(createBuildCommand(), createMiscCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
