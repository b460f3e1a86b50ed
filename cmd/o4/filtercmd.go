package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/filter"
	"github.com/o4sync/o4/pkg/havelist"
	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/o4ctx"
)

var filterConfiguration struct {
	caseSensitive bool
	notCase       bool
	open          bool
	notOpen       bool
	existence     bool
	notExistence  bool
	checksum      bool
	notChecksum   bool
	deletes       bool
	notDeletes    bool
	deletedFiles  []string
	havelist      bool
}

// buildFilterPredicates turns the shared drop/keep/keep-any flag set into
// a predicate list, exactly mirroring the source's one-predicate-per-flag
// translation ("--case", "--not-case", etc., each independently togglable
// and combined by the stage's own Keep/KeepAny/Drop mode).
func buildFilterPredicates() ([]filter.Predicate, error) {
	var predicates []filter.Predicate
	add := func(p filter.Predicate, invert bool) {
		if invert {
			p = filter.Not(p)
		}
		predicates = append(predicates, p)
	}
	if filterConfiguration.caseSensitive {
		add(filter.Case(), false)
	}
	if filterConfiguration.notCase {
		add(filter.Case(), true)
	}
	if filterConfiguration.open {
		add(filter.Open(), false)
	}
	if filterConfiguration.notOpen {
		add(filter.Open(), true)
	}
	if filterConfiguration.existence {
		add(filter.Existence(), false)
	}
	if filterConfiguration.notExistence {
		add(filter.Existence(), true)
	}
	if filterConfiguration.checksum {
		add(filter.Checksum(), false)
	}
	if filterConfiguration.notChecksum {
		add(filter.Checksum(), true)
	}
	if filterConfiguration.deletes {
		add(filter.Deletes(), false)
	}
	if filterConfiguration.notDeletes {
		add(filter.Deletes(), true)
	}
	if len(filterConfiguration.deletedFiles) > 0 {
		names, err := readNameLists(filterConfiguration.deletedFiles)
		if err != nil {
			return nil, err
		}
		add(filter.Deleted(names), false)
	}
	if len(predicates) == 0 {
		return nil, errors.New("at least one filter flag is required")
	}
	return predicates, nil
}

// readNameLists reads newline-separated path lists from one or more files.
func readNameLists(paths []string) ([]string, error) {
	var names []string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read %s", path)
		}
		for _, line := range splitNonEmptyLines(string(data)) {
			names = append(names, line)
		}
	}
	return names, nil
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if line := s[start:i]; line != "" {
				lines = append(lines, line)
			}
			start = i + 1
		}
	}
	if start < len(s) && s[start:] != "" {
		lines = append(lines, s[start:])
	}
	return lines
}

func runFilterStage(mode filter.Mode) error {
	if mode == filter.Drop && filterConfiguration.havelist {
		ctx := o4ctx.FromEnvironment(logging.RootLogger.Sublogger("havelist"))
		ctx.P4Timeout = rootConfiguration.p4Timeout
		return havelist.Stage(ctx, os.Stdin, os.Stdout)
	}

	predicates, err := buildFilterPredicates()
	if err != nil {
		return err
	}
	ctx := o4ctx.FromEnvironment(logging.RootLogger.Sublogger("filter"))
	ctx.P4Timeout = rootConfiguration.p4Timeout
	state := filter.NewState(ctx, ctx.ClientRoot)
	return filter.Stage(mode, predicates, state, os.Stdin, os.Stdout)
}

func registerFilterFlags(cmd *cobra.Command, allowHavelist bool) {
	flags := cmd.Flags()
	flags.BoolVar(&filterConfiguration.caseSensitive, "case", false, "Filter files whose filesystem path case matches the fstat stream exactly")
	flags.BoolVar(&filterConfiguration.notCase, "not-case", false, "Opposite of --case")
	flags.BoolVar(&filterConfiguration.open, "open", false, "Filter files that are open for edit")
	flags.BoolVar(&filterConfiguration.notOpen, "not-open", false, "Opposite of --open")
	flags.BoolVar(&filterConfiguration.existence, "existence", false, "Filter files that correctly exist (or are correctly absent)")
	flags.BoolVar(&filterConfiguration.notExistence, "not-existence", false, "Opposite of --existence")
	flags.BoolVar(&filterConfiguration.checksum, "checksum", false, "Filter files with the correct checksum")
	flags.BoolVar(&filterConfiguration.notChecksum, "not-checksum", false, "Opposite of --checksum")
	flags.BoolVar(&filterConfiguration.deletes, "deletes", false, "Filter fstat lines that are deletes")
	flags.BoolVar(&filterConfiguration.notDeletes, "not-deletes", false, "Opposite of --deletes")
	flags.StringArrayVar(&filterConfiguration.deletedFiles, "deleted", nil, "Drop named files (from the given file list) if they are deleted")
	if allowHavelist {
		flags.BoolVar(&filterConfiguration.havelist, "havelist", false, "Filter files that are at the revision the have-list says they should be")
	}
}

var dropCommand = &cobra.Command{
	Use:          "drop",
	Short:        "Forward fstat lines on stdin that satisfy none of the given filters",
	Args:         cobra.NoArgs,
	RunE:         func(cmd *cobra.Command, _ []string) error { return runFilterStage(filter.Drop) },
	SilenceUsage: true,
}

var keepCommand = &cobra.Command{
	Use:          "keep",
	Short:        "Forward fstat lines on stdin that satisfy every given filter",
	Args:         cobra.NoArgs,
	RunE:         func(cmd *cobra.Command, _ []string) error { return runFilterStage(filter.Keep) },
	SilenceUsage: true,
}

var keepAnyCommand = &cobra.Command{
	Use:          "keep-any",
	Short:        "Forward fstat lines on stdin that satisfy at least one given filter",
	Args:         cobra.NoArgs,
	RunE:         func(cmd *cobra.Command, _ []string) error { return runFilterStage(filter.KeepAny) },
	SilenceUsage: true,
}

func init() {
	registerFilterFlags(dropCommand, true)
	registerFilterFlags(keepCommand, false)
	registerFilterFlags(keepAnyCommand, false)
}
