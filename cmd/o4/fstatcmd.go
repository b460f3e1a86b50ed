package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/config"
	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/merge"
)

var fstatConfiguration struct {
	force      bool
	changed    int
	dropFile   string
	keepFile   string
	addFiles   []string
	reportTmpl string
}

// fstatMain streams fstat records for one or more paths, implementing the
// source's `o4 fstat <paths>...` verb: each path is merged independently
// (component E), optionally narrowed to (--changed, to_cl], filtered by a
// --drop/--keep name list, with --add entries appended as synthetic
// zero-revision records to help with unsubmitted renames.
func fstatMain(_ *cobra.Command, arguments []string) error {
	cfg, err := config.Load(logging.RootLogger)
	if err != nil {
		return err
	}

	var dropNames, keepNames map[string]bool
	if fstatConfiguration.dropFile != "" {
		dropNames, err = readNameSet(fstatConfiguration.dropFile)
		if err != nil {
			return err
		}
	}
	if fstatConfiguration.keepFile != "" {
		keepNames, err = readNameSet(fstatConfiguration.keepFile)
		if err != nil {
			return err
		}
	}

	total := 0
	for _, raw := range arguments {
		ctx, o4Dir, targetCL, err := resolveContext(raw, rootConfiguration.p4Timeout)
		if err != nil {
			return err
		}
		fstatClient, err := buildFstatClient(cfg, ctx.Logger)
		if err != nil {
			return err
		}

		fromCL := 0
		if fstatConfiguration.changed > 0 {
			fromCL = fstatConfiguration.changed
		}

		it, err := merge.New(ctx, merge.Options{
			O4Dir:       o4Dir,
			DepotPath:   ctx.DepotPath,
			ToCL:        targetCL,
			FromCL:      fromCL,
			P4Timeout:   ctx.P4Timeout,
			FstatClient: fstatClient,
		})
		if err != nil {
			return err
		}

		n, err := streamFstat(it, dropNames, keepNames)
		it.Close()
		if err != nil {
			return err
		}
		total += n
	}

	for _, name := range fstatConfiguration.addFiles {
		fmt.Println(fstat.Encode(fstat.Record{Path: name, Revision: 0}))
		total++
	}

	if fstatConfiguration.reportTmpl != "" {
		fmt.Println(strings.ReplaceAll(fstatConfiguration.reportTmpl, "{count}", fmt.Sprint(total)))
	}
	return nil
}

func streamFstat(it *merge.Iterator, dropNames, keepNames map[string]bool) (int, error) {
	n := 0
	for {
		r, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		if dropNames != nil && dropNames[r.Path] {
			continue
		}
		if keepNames != nil && !keepNames[r.Path] {
			continue
		}
		fmt.Println(fstat.Encode(*r))
		n++
	}
	return n, nil
}

func readNameSet(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", path)
	}
	defer f.Close()

	set := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			set[line] = true
		}
	}
	return set, scanner.Err()
}

var fstatCommand = &cobra.Command{
	Use:          "fstat <path>...",
	Short:        "Stream fstat lines for one or more depot or local paths",
	Args:         cobra.MinimumNArgs(1),
	RunE:         fstatMain,
	SilenceUsage: true,
}

func init() {
	flags := fstatCommand.Flags()
	flags.BoolVarP(&fstatConfiguration.force, "force", "f", false, "Has no effect; retrieval is the same with or without it")
	flags.IntVar(&fstatConfiguration.changed, "changed", 0, "Only output fstat for changes in (<previous>, <changelist>]")
	flags.StringVar(&fstatConfiguration.dropFile, "drop", "", "Remove fstat whose path is listed in <fname>")
	flags.StringVar(&fstatConfiguration.keepFile, "keep", "", "Only keep fstat whose path is listed in <fname>")
	flags.StringArrayVar(&fstatConfiguration.addFiles, "add", nil, "Append a dummy zero-revision entry for <fname>")
	flags.StringVar(&fstatConfiguration.reportTmpl, "report", "", "Print this string (with {count} interpolated) after the fstat operation")
}
