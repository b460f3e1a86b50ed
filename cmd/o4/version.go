package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/o4sync/o4/pkg/o4"
)

var versionConfiguration struct {
	atLeast string
}

// versionMain implements `o4 version [--at-least <compare>]`: with no
// argument it just prints the running version, otherwise it exits
// non-zero when the running version is older than the given
// "maj.min.patch" baseline, signaling that an update is called for.
func versionMain(_ *cobra.Command, _ []string) error {
	if versionConfiguration.atLeast == "" {
		fmt.Println(o4.Version)
		return nil
	}

	current, err := parseSemver(o4.Version)
	if err != nil {
		return err
	}
	baseline, err := parseSemver(versionConfiguration.atLeast)
	if err != nil {
		return err
	}
	if compareSemver(current, baseline) < 0 {
		return errors.Errorf("o4 %s is older than required %s", o4.Version, versionConfiguration.atLeast)
	}
	fmt.Println(o4.Version)
	return nil
}

func parseSemver(s string) ([3]int, error) {
	var out [3]int
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return out, errors.Errorf("malformed version %q, expected maj.min.patch", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, errors.Errorf("malformed version %q, expected maj.min.patch", s)
		}
		out[i] = n
	}
	return out, nil
}

func compareSemver(a, b [3]int) int {
	for i := range a {
		if a[i] != b[i] {
			return a[i] - b[i]
		}
	}
	return 0
}

var versionCommand = &cobra.Command{
	Use:          "version",
	Short:        "Display version information",
	Args:         cobra.NoArgs,
	RunE:         versionMain,
	SilenceUsage: true,
}

func init() {
	versionCommand.Flags().StringVar(&versionConfiguration.atLeast, "at-least", "", "Exit with an error if the running version is older than this maj.min.patch baseline")
}
