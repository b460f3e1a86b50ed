package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/cache"
)

// headMain updates the ".o4/head" marker for each given path to the latest
// submitted changelist, implementing the source's `o4 head <paths>...`
// verb; this is the same query resolveContext falls back to when a path
// has no explicit "@changelist" suffix, just persisted instead of only
// used in-process.
func headMain(_ *cobra.Command, arguments []string) error {
	for _, raw := range arguments {
		ctx, o4Dir, targetCL, err := resolveContext(raw, rootConfiguration.p4Timeout)
		if err != nil {
			return err
		}
		if err := cache.WriteHead(o4Dir, cache.HeadInfo{Changelist: targetCL, RecordedAt: time.Now().UTC()}); err != nil {
			return err
		}
		if !rootConfiguration.quiet {
			fmt.Printf("%s: head is %d\n", ctx.DepotPath, targetCL)
		}
	}
	return nil
}

var headCommand = &cobra.Command{
	Use:          "head <path>...",
	Short:        "Update the cached head changelist marker for one or more paths",
	Args:         cobra.MinimumNArgs(1),
	RunE:         headMain,
	SilenceUsage: true,
}
