package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/config"
	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/merge"
	"github.com/o4sync/o4/pkg/orchestrator"
)

var syncConfiguration struct {
	force      bool
	quick      bool
	seed       string
	seedMove   bool
	skipOpened bool
}

func syncMain(_ *cobra.Command, arguments []string) error {
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

	result, err := orchestrator.Sync(orchestrator.Options{
		Ctx:        ctx,
		Cfg:        cfg,
		O4Dir:      o4Dir,
		ToCL:       targetCL,
		Force:      syncConfiguration.force,
		Quick:      syncConfiguration.quick,
		Quiet:      rootConfiguration.quiet,
		SeedPath:   syncConfiguration.seed,
		SeedMove:   syncConfiguration.seedMove,
		SkipOpened: syncConfiguration.skipOpened,
		MergeOptions: merge.Options{
			FstatClient: fstatClient,
		},
	})
	if err != nil {
		return err
	}

	if result.Skipped {
		fmt.Printf("Already synced to changelist %d\n", result.ActualCL)
		return nil
	}
	fmt.Println(result.Report.String())
	if code := result.Report.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}

var syncCommand = &cobra.Command{
	Use:          "sync <path>",
	Short:        "Sync/verify a depot or local path",
	Args:         cobra.ExactArgs(1),
	RunE:         syncMain,
	SilenceUsage: true,
}

func init() {
	flags := syncCommand.Flags()
	flags.BoolVarP(&syncConfiguration.force, "force", "f", false, "Force all files to be verified and synced")
	flags.BoolVarP(&syncConfiguration.quick, "quick", "Q", false, "Skip the post-verify have-list reconciliation pass")
	flags.StringVarP(&syncConfiguration.seed, "seed", "s", "", "Seed sync with files from a path")
	flags.BoolVar(&syncConfiguration.seedMove, "move", false, "Move (rather than copy) files from the seed path")
	flags.BoolVarP(&syncConfiguration.skipOpened, "skip-opened", "o", false, "Do not sync open files")
}
