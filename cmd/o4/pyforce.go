package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/o4"
	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/p4op"
)

var pyforceConfiguration struct {
	debug bool
	noRev bool
}

// pyforceMain runs `p4 <p4args>...` against fstat records read from stdin,
// implementing the source's `o4 pyforce` verb: component H's operator does
// the argfile batching, timeout retry, and debug-bundle bookkeeping, so this
// is just flag wiring plus environment-derived context (pyforce is always
// invoked as a pipeline-internal sub-process, never with a --path argument).
func pyforceMain(_ *cobra.Command, arguments []string) error {
	if pyforceConfiguration.debug {
		o4.DebugEnabled = true
	}
	ctx := o4ctx.FromEnvironment(logging.RootLogger.Sublogger("pyforce"))
	ctx.P4Timeout = rootConfiguration.p4Timeout

	op := &p4op.Operator{
		Ctx:        ctx,
		NoRevision: pyforceConfiguration.noRev,
		Quiet:      rootConfiguration.quiet,
		O4Dir:      filepath.Join(ctx.ClientRoot, ".o4"),
	}
	return op.Run(arguments, os.Stdin, os.Stdout)
}

var pyforceCommand = &cobra.Command{
	Use:          "pyforce [--] <p4args>...",
	Short:        "Run a p4 command against fstat records read from stdin",
	Args:         cobra.MinimumNArgs(1),
	RunE:         pyforceMain,
	SilenceUsage: true,
}

func init() {
	flags := pyforceCommand.Flags()
	flags.BoolVar(&pyforceConfiguration.debug, "debug", false, "Display the pyforce response objects on stderr")
	flags.BoolVar(&pyforceConfiguration.noRev, "no-rev", false, "Send the depot path to p4 without the revision number")
}
