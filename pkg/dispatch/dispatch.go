// Package dispatch implements component G: the gatling and manifold
// parallel dispatchers. Both fan a line-oriented input stream out across
// up to MaxProcs children of the same command, multiplexing every
// child's stdout/stderr back into one line-atomic output stream.
package dispatch

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
)

// Mode selects how input chunks are assigned to children.
type Mode string

const (
	// Gatling fills the current child to MaxBytes before opening the
	// next, minimizing concurrent connections to remote servers.
	Gatling Mode = "gatling"
	// Manifold spawns up to MaxProcs children immediately and rotates
	// input across them round-robin, maximizing local CPU utilization.
	Manifold Mode = "manifold"
)

// readChunkSize bounds how much of the input is read at a time before
// being truncated at the last newline and forwarded to a child.
const readChunkSize = 64 * 1024

// Dispatcher fans a line-oriented stream out across a pool of identical
// subprocesses.
type Dispatcher struct {
	Command  []string
	Mode     Mode
	MaxProcs int
	MaxBytes int64

	// Stdout and Stderr receive the line-atomic interleaved output of all
	// children. Neither may be nil.
	Stdout io.Writer
	Stderr io.Writer

	// SpawnedChildren is set by Run to the total number of child
	// processes started over the call, win or lose -- a bounded pool
	// should never spawn more than ceil(input size / MaxBytes) of them.
	SpawnedChildren int
}

// ChildFailureError reports one child's nonzero exit, accumulated into a
// MultiError by Run.
type ChildFailureError struct {
	Command  []string
	ExitCode int
}

func (e *ChildFailureError) Error() string {
	return errors.Errorf("child %v exited %d", e.Command, e.ExitCode).Error()
}

// MultiError aggregates every child's nonzero exit from one Run call.
type MultiError struct {
	Failures []*ChildFailureError
}

func (e *MultiError) Error() string {
	msg := "dispatch: one or more children failed:"
	for _, f := range e.Failures {
		msg += " " + f.Error() + ";"
	}
	return msg
}

type child struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	written int64
	filled  bool
	exited  bool
	exitErr error
}

// pool tracks the live set of children for one Run call and the
// synchronization needed to wait for any/all of them to exit.
type pool struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	children []*child
	exited   chan struct{} // signaled (best-effort) whenever a child exits
}

func newPool() *pool {
	return &pool{exited: make(chan struct{}, 1)}
}

func (p *pool) add(c *child) {
	p.mu.Lock()
	p.children = append(p.children, c)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := c.cmd.Wait()
		p.mu.Lock()
		c.exitErr = err
		c.exited = true
		p.mu.Unlock()
		select {
		case p.exited <- struct{}{}:
		default:
		}
	}()
}

func (p *pool) snapshot() []*child {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*child{}, p.children...)
}

// activeCount returns the number of children still occupying a process
// slot: started and not yet exited, whether or not their stdin is filled.
func (p *pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.children {
		if !c.exited {
			n++
		}
	}
	return n
}

// waitForExit blocks until at least one child has exited since the last
// drain of the signal channel.
func (p *pool) waitForExit() {
	<-p.exited
}

// state returns c's filled/exited flags under the pool lock, since they
// are mutated from the child's wait goroutine and from writeTo.
func (p *pool) state(c *child) (filled, exited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.filled, c.exited
}

func (p *pool) markFilled(c *child) {
	p.mu.Lock()
	c.filled = true
	p.mu.Unlock()
}

func (p *pool) killAll() {
	for _, c := range p.snapshot() {
		_ = c.stdin.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	}
}

// Run fans r's content out across the dispatcher's children per Mode,
// multiplexing their stdout/stderr into d.Stdout/d.Stderr, until r is
// exhausted or ctx is cancelled. On cancellation, every child's stdin is
// closed and every child is killed before Run returns ctx.Err(). On
// normal completion, Run waits for every child and returns a *MultiError
// if any exited nonzero.
func (d *Dispatcher) Run(ctx context.Context, r io.Reader) error {
	sink := newLineSink(d.Stdout, d.Stderr)
	p := newPool()
	defer func() { d.SpawnedChildren = len(p.snapshot()) }()
	current := -1 // index of the gatling mode's currently-open child
	roundRobin := 0

	spawn := func() (*child, error) {
		cmd := exec.Command(d.Command[0], d.Command[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, errors.Wrap(err, "unable to create child stdin pipe")
		}
		cmd.Stdout = sink.stdoutWriter()
		cmd.Stderr = sink.stderrWriter()
		if err := cmd.Start(); err != nil {
			return nil, errors.Wrapf(err, "unable to start child %v", d.Command)
		}
		c := &child{cmd: cmd, stdin: stdin}
		p.add(c)
		return c, nil
	}

	writeTo := func(c *child, data []byte) error {
		n, err := c.stdin.Write(data)
		c.written += int64(n)
		if err != nil {
			return errors.Wrapf(err, "unable to write to child %v", d.Command)
		}
		if d.MaxBytes > 0 && c.written >= d.MaxBytes {
			p.markFilled(c)
			_ = c.stdin.Close()
		}
		return nil
	}

	nextGatlingChild := func() (*child, error) {
		children := p.snapshot()
		if current >= 0 && current < len(children) {
			if filled, _ := p.state(children[current]); !filled {
				return children[current], nil
			}
		}
		for p.activeCount() >= d.MaxProcs {
			p.waitForExit()
		}
		c, err := spawn()
		if err != nil {
			return nil, err
		}
		current = len(p.snapshot()) - 1
		return c, nil
	}

	nextManifoldChild := func() (*child, error) {
		children := p.snapshot()
		if len(children) < d.MaxProcs {
			return spawn()
		}
		var open []*child
		for _, c := range children {
			filled, exited := p.state(c)
			if !filled && !exited {
				open = append(open, c)
			}
		}
		if len(open) > 0 {
			c := open[roundRobin%len(open)]
			roundRobin++
			return c, nil
		}
		// Every child is either filled or exited, and we're already at
		// MaxProcs: a filled-but-not-exited child still occupies a
		// process slot, so spawning here would exceed MaxProcs live
		// processes. Block until one actually exits, same as gatling.
		for p.activeCount() >= d.MaxProcs {
			p.waitForExit()
		}
		return spawn()
	}

	nextChild := func() (*child, error) {
		if d.Mode == Manifold {
			return nextManifoldChild()
		}
		return nextGatlingChild()
	}

	// Reads happen on a separate goroutine so a blocking Read on r (e.g. a
	// pipe with no writer yet) cannot prevent ctx cancellation from being
	// observed promptly.
	type readResult struct {
		n   int
		buf []byte
		err error
	}
	reads := make(chan readResult)
	go func() {
		reader := bufio.NewReaderSize(r, readChunkSize)
		for {
			buf := make([]byte, readChunkSize)
			n, err := reader.Read(buf)
			reads <- readResult{n: n, buf: buf, err: err}
			if err != nil {
				return
			}
		}
	}()

	var pending []byte

readLoop:
	for {
		select {
		case <-ctx.Done():
			p.killAll()
			return ctx.Err()
		case res := <-reads:
			if res.n > 0 {
				data := append(pending, res.buf[:res.n]...)
				if cut := lastNewline(data); cut >= 0 {
					forward := data[:cut+1]
					pending = append([]byte{}, data[cut+1:]...)
					target, err := nextChild()
					if err != nil {
						p.killAll()
						return err
					}
					if err := writeTo(target, forward); err != nil {
						p.killAll()
						return err
					}
				} else {
					pending = data
				}
			}
			if res.err == io.EOF {
				break readLoop
			}
			if res.err != nil {
				p.killAll()
				return errors.Wrap(res.err, "unable to read dispatcher input")
			}
		}
	}

	if len(pending) > 0 {
		children := p.snapshot()
		var last *child
		if len(children) > 0 {
			last = children[len(children)-1]
		}
		if last == nil {
			var err error
			last, err = nextChild()
			if err != nil {
				p.killAll()
				return err
			}
		}
		if err := writeTo(last, pending); err != nil {
			p.killAll()
			return err
		}
	}

	for _, c := range p.snapshot() {
		if filled, _ := p.state(c); !filled {
			_ = c.stdin.Close()
		}
	}

	p.wg.Wait()

	multi := &MultiError{}
	for _, c := range p.snapshot() {
		if c.exitErr != nil {
			multi.Failures = append(multi.Failures, &ChildFailureError{
				Command:  d.Command,
				ExitCode: exitCode(c.exitErr),
			})
		}
	}
	if len(multi.Failures) > 0 {
		return multi
	}
	return nil
}

func lastNewline(data []byte) int {
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == '\n' {
			return i
		}
	}
	return -1
}

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
