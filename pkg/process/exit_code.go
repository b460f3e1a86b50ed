//go:build !plan9
// +build !plan9

package process

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// ExitCodeForProcessState extracts the process exit code from the process'
// post-exit state.
func ExitCodeForProcessState(state *os.ProcessState) (int, error) {
	waitStatus, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return 0, errors.New("unable to access wait status")
	}
	return waitStatus.ExitStatus(), nil
}

// WasSignaled reports whether the process state indicates the process was
// terminated by a signal rather than exiting normally, distinguishing a
// killed child (expected during cancellation) from a genuine nonzero-exit
// failure.
func WasSignaled(state *os.ProcessState) bool {
	waitStatus, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return waitStatus.Signaled()
}
