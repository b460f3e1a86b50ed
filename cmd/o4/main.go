// Command o4 is the CLI entry point: a Cobra root command plus one
// subcommand per verb (sync, status, clean, fstat, drop/keep/keep-any,
// pyforce, head, progress, fail, version), mirroring the teacher's
// cmd/mutagen/main.go structure.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/config"
	"github.com/o4sync/o4/pkg/fstatclient"
	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/o4"
	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/p4proto"
)

// Warning prints a warning message to standard error.
func Warning(message string) {
	fmt.Fprintln(color.Error, color.YellowString("Warning:"), message)
}

// Error prints an error message to standard error.
func Error(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
}

// Fatal prints an error message and terminates with an error exit code.
func Fatal(err error) {
	Error(err)
	os.Exit(1)
}

// Mainify wraps an entry point that returns an error into a standard Cobra
// entry point, so RunE-style functions can rely on defer-based cleanup
// instead of calling os.Exit directly.
func Mainify(entry func(*cobra.Command, []string) error) func(*cobra.Command, []string) {
	return func(command *cobra.Command, arguments []string) {
		if err := entry(command, arguments); err != nil {
			Fatal(err)
		}
	}
}

// defaultP4Timeout is the -vnet.maxwait ceiling (seconds) applied to every
// p4 invocation unless overridden by --p4-timeout.
const defaultP4Timeout = 60

var rootConfiguration struct {
	verbose   bool
	quiet     bool
	version   bool
	p4Timeout int
}

var rootCommand = &cobra.Command{
	Use:   "o4",
	Short: "o4 is a pipelined verify-sync-reverify engine built on top of p4",
	Run: func(command *cobra.Command, arguments []string) {
		if rootConfiguration.version {
			fmt.Println(o4.Version)
			return
		}
		command.Help()
	},
	SilenceUsage: true,
}

func init() {
	flags := rootCommand.PersistentFlags()
	flags.BoolVarP(&rootConfiguration.verbose, "verbose", "v", false, "Be verbose")
	flags.BoolVarP(&rootConfiguration.quiet, "quiet", "q", false, "Suppress informational passthrough output")
	flags.IntVar(&rootConfiguration.p4Timeout, "p4-timeout", defaultP4Timeout, "Per-p4-invocation timeout, in seconds")

	rootCommand.Flags().BoolVarP(&rootConfiguration.version, "version", "V", false, "Show version information")

	cobra.EnableCommandSorting = false

	rootCommand.AddCommand(
		syncCommand,
		statusCommand,
		cleanCommand,
		fstatCommand,
		dropCommand,
		keepCommand,
		keepAnyCommand,
		pyforceCommand,
		headCommand,
		progressCommand,
		failCommand,
		versionCommand,
	)
}

func main() {
	spliceConfigArgs()
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

// spliceConfigArgs implements "o4.args.<subcommand>"/"o4.args" default
// argument injection: once a loaded configuration names default
// arguments for the subcommand found in os.Args, they are inserted
// immediately after the subcommand word, exactly as the source's
// add_implicit_args does, before Cobra ever parses flags.
func spliceConfigArgs() {
	cfg, err := config.Load(logging.RootLogger)
	if err != nil {
		return
	}
	args := os.Args[1:]
	idx := -1
	for i, a := range args {
		if !strings.HasPrefix(a, "-") {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	extra, err := cfg.CommandArgs(args[idx])
	if err != nil || len(extra) == 0 {
		return
	}
	spliced := make([]string, 0, len(args)+len(extra))
	spliced = append(spliced, args[:idx+1]...)
	spliced = append(spliced, extra...)
	spliced = append(spliced, args[idx+1:]...)
	os.Args = append(os.Args[:1], spliced...)
}

// splitChangelistSuffix splits a "<path>@<changelist>" argument into its
// path and an optional explicit target changelist.
func splitChangelistSuffix(raw string) (path string, cl int, explicit bool) {
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		if n, err := strconv.Atoi(raw[i+1:]); err == nil {
			return raw[:i], n, true
		}
	}
	return raw, 0, false
}

// resolveContext turns a command-line path argument into a fully
// populated *o4ctx.Context plus the derived ".o4" cache directory,
// mirroring the source's _depot_path/_client_path/pyforce_info
// resolution: a depot path is used directly, a local path is mapped to
// its depot path via `p4 where`, and the target changelist is either the
// explicit "@NNN" suffix or the latest submitted changelist for that
// path (the same query `o4 head` performs).
func resolveContext(rawPath string, p4Timeout int) (ctx *o4ctx.Context, o4Dir string, targetCL int, err error) {
	path, cl, explicit := splitChangelistSuffix(rawPath)

	logger := logging.RootLogger.Sublogger("o4")
	bootstrap := &o4ctx.Context{P4Timeout: p4Timeout, Logger: logger}

	var depotPath, clientRoot string
	if strings.HasPrefix(path, "//") {
		depotPath = strings.TrimSuffix(path, "/...")
		clientRoot, err = clientRootFor(bootstrap, depotPath)
		if err != nil {
			return nil, "", 0, err
		}
	} else {
		clientRoot, err = filepath.Abs(path)
		if err != nil {
			return nil, "", 0, errors.Wrapf(err, "unable to resolve %s", path)
		}
		depotPath, err = depotPathFor(bootstrap, clientRoot)
		if err != nil {
			return nil, "", 0, err
		}
	}

	ctx = &o4ctx.Context{
		DepotPath:  depotPath + "/...",
		ClientRoot: clientRoot,
		P4Timeout:  p4Timeout,
		Quiet:      rootConfiguration.quiet,
		Verbose:    rootConfiguration.verbose,
		Logger:     logger,
	}

	if !explicit {
		cl, err = latestSubmittedChangelist(ctx)
		if err != nil {
			return nil, "", 0, err
		}
	}
	ctx.Changelist = cl

	return ctx, filepath.Join(clientRoot, ".o4"), cl, nil
}

// clientRootFor resolves a depot path's corresponding local workspace
// root via `p4 where`.
func clientRootFor(ctx *o4ctx.Context, depotPath string) (string, error) {
	inv, err := p4proto.Invoke(ctx, ctx.P4Timeout, "where", depotPath+"/...")
	if err != nil {
		return "", errors.Wrap(err, "unable to run p4 where")
	}
	defer inv.Close()
	for {
		result, err := inv.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		path, _ := result.Fields["path"].(string)
		if path == "" {
			continue
		}
		return filepath.Dir(p4proto.Unescape(path)), nil
	}
	return "", errors.Errorf("p4 where returned no mapping for %s", depotPath)
}

// depotPathFor resolves a local directory's corresponding depot path via
// `p4 where`, the mirror image of clientRootFor.
func depotPathFor(ctx *o4ctx.Context, localDir string) (string, error) {
	inv, err := p4proto.Invoke(ctx, ctx.P4Timeout, "where", filepath.Join(localDir, "..."))
	if err != nil {
		return "", errors.Wrap(err, "unable to run p4 where")
	}
	defer inv.Close()
	for {
		result, err := inv.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		depotFile, _ := result.Fields["depotFile"].(string)
		if depotFile == "" {
			continue
		}
		return strings.TrimSuffix(p4proto.Unescape(depotFile), "/..."), nil
	}
	return "", errors.Errorf("p4 where returned no mapping for %s", localDir)
}

// latestSubmittedChangelist implements o4 head's core query: the most
// recent submitted changelist affecting depotPath.
func latestSubmittedChangelist(ctx *o4ctx.Context) (int, error) {
	inv, err := p4proto.Invoke(ctx, ctx.P4Timeout, "changes", "-s", "submitted", "-m1", ctx.DepotPath)
	if err != nil {
		return 0, errors.Wrap(err, "unable to run p4 changes")
	}
	defer inv.Close()
	for {
		result, err := inv.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if n := intField(result.Fields, "change"); n != 0 {
			return n, nil
		}
	}
	return 0, errors.Errorf("could not determine HEAD changelist for %s", ctx.DepotPath)
}

// buildFstatClient constructs the remote fstat service client from a
// loaded configuration's "o4.fstat_server_*" properties, returning nil
// (not an error) when no server URL is configured, since the remote
// phases of component E are optional and merge.Options.FstatClient being
// nil simply disables them.
func buildFstatClient(cfg *config.Config, logger *logging.Logger) (*fstatclient.Client, error) {
	url, ok := cfg.Get("o4.fstat_server_url")
	if !ok || url == "" {
		return nil, nil
	}
	var auth *fstatclient.AuthConfig
	if spec, ok := cfg.Get("o4.fstat_server_auth"); ok && spec != "" {
		var err error
		auth, err = fstatclient.ParseAuthSpec(cfg.Expand(spec, logger))
		if err != nil {
			return nil, errors.Wrap(err, "unable to parse o4.fstat_server_auth")
		}
	}
	return fstatclient.New(fstatclient.Config{
		URL:      url,
		Nearby:   cfg.FstatServerNearby(),
		Auth:     auth,
		CertPath: cfg.GetDefault("o4.fstat_server_cert", ""),
	}, logger)
}

// intField reads a p4 -G field that may arrive as either a marshaled int
// or a numeric string, matching pkg/merge's own field-decoding convention.
func intField(fields map[string]interface{}, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
