package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/status"
)

var statusConfiguration struct {
	checkAll bool
	quick    bool
}

func statusMain(_ *cobra.Command, arguments []string) error {
	ctx, o4Dir, targetCL, err := resolveContext(arguments[0], rootConfiguration.p4Timeout)
	if err != nil {
		return err
	}

	report, err := status.Run(status.Options{
		Ctx:      ctx,
		O4Dir:    o4Dir,
		ToCL:     targetCL,
		CheckAll: statusConfiguration.checkAll,
		Quick:    statusConfiguration.quick,
	})
	if err != nil {
		return err
	}

	fmt.Print(report.String())
	if !report.AllClean() {
		os.Exit(1)
	}
	return nil
}

var statusCommand = &cobra.Command{
	Use:          "status <path>",
	Short:        "Verify a workspace's files against their fstat records, like git status",
	Args:         cobra.ExactArgs(1),
	RunE:         statusMain,
	SilenceUsage: true,
}

func init() {
	flags := statusCommand.Flags()
	flags.BoolVarP(&statusConfiguration.checkAll, "force", "f", false, "Check all files, including paths that should be deleted")
	flags.BoolVar(&statusConfiguration.quick, "quick", false, "Only check the most recent fifth of local changes (faster, recommended)")
}
