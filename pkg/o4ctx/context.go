// Package o4ctx provides an explicit Context type in place of stashing
// DEPOT_PATH/CLIENT_ROOT/CHANGELIST in the process environment to pass
// state to sub-invocations. Stage constructors take a *Context
// explicitly; only when a p4 sub-process is actually created (see
// pkg/p4proto) is the context marshaled to environment variables, at that
// one boundary.
package o4ctx

import (
	"fmt"
	"os"
	"strconv"

	"github.com/o4sync/o4/pkg/logging"
)

// Context carries the per-sync state that the original implementation
// passed to sub-invocations via DEPOT_PATH, CLIENT_ROOT, CHANGELIST, and
// related environment variables.
type Context struct {
	// DepotPath is the server-side path being synchronized, e.g. "//depot/foo".
	DepotPath string
	// ClientRoot is the local workspace root directory.
	ClientRoot string
	// Changelist is the target changelist for this sync invocation.
	Changelist int
	// P4Port, P4User, P4Client mirror the environment variables of the same
	// name consumed by p4 itself.
	P4Port   string
	P4User   string
	P4Client string
	// P4Timeout is the per-command ceiling passed as -vnet.maxwait.
	P4Timeout int
	// Quiet and Verbose mirror the -q/-v CLI flags.
	Quiet   bool
	Verbose bool
	// Logger is the context-scoped logger; callers should derive
	// sub-loggers from it via Logger.Sublogger rather than using the root.
	Logger *logging.Logger
}

// Environ returns the environment variable list that should be appended to
// a spawned sub-process's environment so that it observes the same
// context this process was given. This is the one place context is
// translated back into the environment-variable representation described
// in §6; it is called solely at the p4 process-spawn boundary
// (pkg/p4proto), never as ambient global state.
func (c *Context) Environ() []string {
	if c == nil {
		return nil
	}
	var env []string
	if c.DepotPath != "" {
		env = append(env, "DEPOT_PATH="+c.DepotPath)
	}
	if c.ClientRoot != "" {
		env = append(env, "CLIENT_ROOT="+c.ClientRoot)
	}
	if c.Changelist != 0 {
		env = append(env, fmt.Sprintf("CHANGELIST=%d", c.Changelist))
	}
	if c.P4Port != "" {
		env = append(env, "P4PORT="+c.P4Port)
	}
	if c.P4User != "" {
		env = append(env, "P4USER="+c.P4User)
	}
	if c.P4Client != "" {
		env = append(env, "P4CLIENT="+c.P4Client)
	}
	return env
}

// FromEnvironment constructs a Context by reading the environment variables
// a parent o4 process would have set via Environ. It's used by sub-o4
// invocations (spawned by the dispatcher) to recover the context their
// parent established, and is the mirror image of Environ.
func FromEnvironment(logger *logging.Logger) *Context {
	changelist, _ := strconv.Atoi(os.Getenv("CHANGELIST"))
	return &Context{
		DepotPath:  os.Getenv("DEPOT_PATH"),
		ClientRoot: os.Getenv("CLIENT_ROOT"),
		Changelist: changelist,
		P4Port:     os.Getenv("P4PORT"),
		P4User:     os.Getenv("P4USER"),
		P4Client:   os.Getenv("P4CLIENT"),
		Logger:     logger,
	}
}

// Sublogger returns a sub-logger of the context's logger, or nil if the
// context has none.
func (c *Context) Sublogger(name string) *logging.Logger {
	if c == nil || c.Logger == nil {
		return nil
	}
	return c.Logger.Sublogger(name)
}
