package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/updater-core/internal/hwfault"
	"github.com/open-edge-platform/updater-core/internal/runtimeconfig"
)

func createMiscCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "misc",
		Short: "inspect or clear the misc partition (SPEC_FULL §6.x)",
	}
	cmd.AddCommand(createMiscShowCommand(), createMiscClearCommand())
	return cmd
}

func createMiscShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "show [device]",
		Short:        "print the decoded misc-area message",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         runMiscShow,
	}
}

func createMiscClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "clear [device]",
		Short:        "zero the fault-info and retry-count fields",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         runMiscClear,
	}
}

func miscDevicePath(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return runtimeconfig.Default().MiscDevicePath
}

func runMiscShow(cmd *cobra.Command, args []string) error {
	area := hwfault.Open(miscDevicePath(args))
	msg, err := area.Read()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "command:      %q\n", msg.Command)
	fmt.Fprintf(out, "update:       %q\n", msg.Update)
	fmt.Fprintf(out, "boot_command: %q\n", msg.BootCommand)
	fmt.Fprintf(out, "stage:        %q\n", msg.Stage)
	fmt.Fprintf(out, "fault_info:   %q\n", msg.FaultInfo)
	fmt.Fprintf(out, "retry_count:  %d\n", msg.RetryCount)
	return nil
}

func runMiscClear(cmd *cobra.Command, args []string) error {
	area := hwfault.Open(miscDevicePath(args))
	msg, err := area.Read()
	if err != nil {
		return err
	}
	msg.FaultInfo = ""
	msg.RetryCount = 0
	if err := area.Write(msg); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "fault_info and retry_count cleared")
	return nil
}
