package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/config"
	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/merge"
	"github.com/o4sync/o4/pkg/orchestrator"
)

var cleanConfiguration struct {
	resume  bool
	discard bool
}

func cleanMain(_ *cobra.Command, arguments []string) error {
	ctx, o4Dir, targetCL, err := resolveContext(arguments[0], rootConfiguration.p4Timeout)
	if err != nil {
		return err
	}

	cfg, err := config.Load(logging.RootLogger)
	if err != nil {
		return err
	}
	fstatClient, err := buildFstatClient(cfg, ctx.Logger)
	if err != nil {
		return err
	}

	result, err := orchestrator.Clean(orchestrator.CleanOptions{
		Sync: orchestrator.Options{
			Ctx:   ctx,
			Cfg:   cfg,
			O4Dir: o4Dir,
			ToCL:  targetCL,
			Quiet: rootConfiguration.quiet,
			MergeOptions: merge.Options{
				FstatClient: fstatClient,
			},
		},
		Resume:  cleanConfiguration.resume,
		Discard: cleanConfiguration.discard,
		Now:     func() string { return time.Now().UTC().Format("20060102-150405") },
	})
	if err != nil {
		return err
	}

	fmt.Println(result.Report.String())
	return nil
}

var cleanCommand = &cobra.Command{
	Use:          "clean <path>",
	Short:        "Clean a workspace by moving it aside and reseeding a fresh sync",
	Args:         cobra.ExactArgs(1),
	RunE:         cleanMain,
	SilenceUsage: true,
}

func init() {
	flags := cleanCommand.Flags()
	flags.BoolVar(&cleanConfiguration.resume, "resume", false, "Resume a previously interrupted clean")
	flags.BoolVar(&cleanConfiguration.discard, "discard", false, "Discard files that should not exist instead of preserving them")
}
