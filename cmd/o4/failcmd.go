package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/cache"
	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/o4ctx"
)

// failMain implements the source's `o4 fail` verb: the terminal stage of a
// pipeline that exits non-zero if any fstat record survived to stdin,
// printing a sorted summary of the rejected files plus any accumulated
// "#o4pass-*" sideband messages. When warnings were collected but no
// record and no error, it sets the IncompleteMarker under
// $CLIENT_ROOT/.o4 (if CLIENT_ROOT is set) and exits 0.
func failMain(_ *cobra.Command, _ []string) error {
	var files []string
	var infos, warnings, errs []string
	n := 0

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		record, passthrough, err := fstat.Decode(line)
		if err != nil {
			continue
		}
		if passthrough != nil {
			switch passthrough.Kind {
			case "info":
				infos = append(infos, passthrough.Message)
			case "warn":
				warnings = append(warnings, passthrough.Message)
			case "err":
				errs = append(errs, passthrough.Message)
			}
			continue
		}
		if record == nil {
			continue
		}
		n++
		if n < 100 {
			files = append(files, fmt.Sprintf("  %s#%d", record.Path, record.Revision))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(files) == 0 && len(infos) == 0 && len(warnings) == 0 && len(errs) == 0 {
		return nil
	}

	if len(infos) > 0 {
		sort.Strings(infos)
		fmt.Fprintln(os.Stderr, "*** INFO:\n\t"+joinLines(infos))
	}
	if len(warnings) > 0 {
		sort.Strings(warnings)
		fmt.Fprintln(os.Stderr, "*** WARNING:\n\t"+joinLines(warnings))
	}
	if len(files) > 0 {
		sort.Strings(files)
		fmt.Fprintln(os.Stderr, "These files did not sync")
		fmt.Fprintln(os.Stderr, joinLines(files))
		if len(files) != n {
			fmt.Fprintf(os.Stderr, "  ...and %d others!\n", n-len(files))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		fmt.Fprintln(os.Stderr, "*** ERROR:\n\t"+joinLines(errs))
	}

	if len(files) > 0 || len(errs) > 0 {
		plural := "s"
		if n == 1 {
			plural = ""
		}
		fmt.Fprintf(os.Stderr, "*** ERROR: Pipeline ended with %d file%s rejected.\n", n, plural)
		os.Exit(1)
	}
	if len(warnings) > 0 {
		if root := o4ctx.FromEnvironment(nil).ClientRoot; root != "" {
			if err := cache.SetIncompleteMarker(filepath.Join(root, ".o4")); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinLines(lines []string) string {
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n\t" + l
	}
	return out
}

var failCommand = &cobra.Command{
	Use:          "fail",
	Short:        "Exit non-zero if any fstat record was read on stdin",
	Args:         cobra.NoArgs,
	RunE:         failMain,
	SilenceUsage: true,
}
