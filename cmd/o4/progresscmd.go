package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/o4ctx"
)

// progressMain implements `o4 progress`: a thin reader of the status line
// an in-flight sync's ProgressWriter is maintaining at ".o4/.fstat",
// printed once rather than followed, since the interactive TTY-following
// behavior is an external display concern.
func progressMain(_ *cobra.Command, _ []string) error {
	ctx := o4ctx.FromEnvironment(nil)
	path := filepath.Join(ctx.ClientRoot, ".o4", ".fstat")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("-")
			return nil
		}
		return err
	}
	fmt.Print(strings.TrimRight(string(data), "\n") + "\n")
	return nil
}

var progressCommand = &cobra.Command{
	Use:          "progress",
	Short:        "Show the current sync's progress marker",
	Args:         cobra.NoArgs,
	RunE:         progressMain,
	SilenceUsage: true,
}
