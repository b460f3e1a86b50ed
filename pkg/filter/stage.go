package filter

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/fstat"
)

// Mode is one of the three filter stage combination rules.
type Mode string

const (
	Keep    Mode = "keep"     // all predicates must hold
	KeepAny Mode = "keep-any" // at least one predicate must hold
	Drop    Mode = "drop"     // no predicate may hold
)

// Combine evaluates predicates against record under mode. An empty
// predicate list is a caller error, enforced by Stage rather than here so
// it is only checked once per invocation.
func Combine(mode Mode, predicates []Predicate, state *State, record fstat.Record) (bool, error) {
	switch mode {
	case Keep:
		for _, p := range predicates {
			ok, err := p.Evaluate(state, record)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case KeepAny:
		for _, p := range predicates {
			ok, err := p.Evaluate(state, record)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Drop:
		for _, p := range predicates {
			ok, err := p.Evaluate(state, record)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, errors.Errorf("unknown filter mode %q", mode)
	}
}

// Stage reads fstat lines from r and writes the ones that survive mode's
// predicate combination to w, verbatim-preserving passthrough lines and
// comments.
func Stage(mode Mode, predicates []Predicate, state *State, r io.Reader, w io.Writer) error {
	if len(predicates) == 0 {
		return errors.New("no predicates supplied to filter")
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(w)
	defer writer.Flush()

	for scanner.Scan() {
		line := scanner.Text()
		record, passthrough, err := fstat.Decode(line)
		if err != nil {
			return err
		}
		if record == nil {
			if passthrough != nil || strings.HasPrefix(line, "#") {
				if _, err := writer.WriteString(line + "\n"); err != nil {
					return errors.Wrap(err, "unable to write passthrough line")
				}
			}
			continue
		}

		keep, err := Combine(mode, predicates, state, *record)
		if err != nil {
			return err
		}
		if !keep {
			continue
		}
		if _, err := writer.WriteString(fstat.Encode(*record) + "\n"); err != nil {
			return errors.Wrap(err, "unable to write filtered record")
		}
	}
	return scanner.Err()
}
