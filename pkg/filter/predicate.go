// Package filter implements component F: the three filter stage modes
// (keep, keep-any, drop) and the predicates they combine, as a tagged set
// of Predicate implementations rather than the constructed-lambda/eval
// approach of the original implementation.
package filter

import (
	"os"

	"github.com/o4sync/o4/pkg/checksum"
	"github.com/o4sync/o4/pkg/fstat"
)

// Predicate evaluates a single condition against an fstat record.
type Predicate interface {
	Evaluate(state *State, record fstat.Record) (bool, error)
	String() string
}

// Deletes is true when the record represents a delete (empty checksum).
func Deletes() Predicate { return deletesPredicate{} }

type deletesPredicate struct{}

func (deletesPredicate) Evaluate(_ *State, record fstat.Record) (bool, error) {
	return record.IsDelete(), nil
}
func (deletesPredicate) String() string { return "deletes" }

// Existence is true when the file's on-disk presence matches the
// record's expectation: present for a non-delete, absent for a delete.
// A directory at the path never counts as file presence.
func Existence() Predicate { return existencePredicate{} }

type existencePredicate struct{}

func (existencePredicate) Evaluate(state *State, record fstat.Record) (bool, error) {
	present, err := fileExists(state.absolute(record.Path))
	if err != nil {
		return false, err
	}
	return present == !record.IsDelete(), nil
}
func (existencePredicate) String() string { return "existence" }

// Checksum is true when the on-disk file's content matches the record's
// declared checksum. Symlinks trivially match (their checksum is not
// content-addressed); a directory at a delete record's path also matches.
func Checksum() Predicate { return checksumPredicate{} }

type checksumPredicate struct{}

func (checksumPredicate) Evaluate(state *State, record fstat.Record) (bool, error) {
	path := state.absolute(record.Path)
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return record.IsDelete(), nil
		}
		return false, err
	}
	if record.IsDelete() {
		return info.IsDir(), nil
	}
	if record.Flavor == fstat.FlavorSymlink {
		return true, nil
	}
	sum, err := checksum.Checksum(path, record.Size, record.Flavor)
	if err != nil {
		return false, err
	}
	return sum == record.Checksum, nil
}
func (checksumPredicate) String() string { return "checksum" }

// Case is true when the path's on-disk casing exactly matches the
// record's path, on case-insensitive filesystems; it is a no-op (always
// true) on case-sensitive ones.
func Case() Predicate { return casePredicate{} }

type casePredicate struct{}

func (casePredicate) Evaluate(state *State, record fstat.Record) (bool, error) {
	return state.casefullyAccurate(record.Path)
}
func (casePredicate) String() string { return "case" }

// Open is true when the record's path is currently opened for any action
// in Perforce (lazily loaded via one `p4 opened` call per process).
func Open() Predicate { return openPredicate{} }

type openPredicate struct{}

func (openPredicate) Evaluate(state *State, record fstat.Record) (bool, error) {
	opened, err := state.opened()
	if err != nil {
		return false, err
	}
	return opened[record.Path], nil
}
func (openPredicate) String() string { return "open" }

// Deleted is true when the record's path is in names and the file is
// absent from disk.
func Deleted(names []string) Predicate {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return deletedPredicate{names: set}
}

type deletedPredicate struct {
	names map[string]bool
}

func (p deletedPredicate) Evaluate(state *State, record fstat.Record) (bool, error) {
	if !p.names[record.Path] {
		return false, nil
	}
	present, err := fileExists(state.absolute(record.Path))
	if err != nil {
		return false, err
	}
	return !present, nil
}
func (deletedPredicate) String() string { return "deleted" }

// Not inverts a predicate's result.
func Not(p Predicate) Predicate { return notPredicate{inner: p} }

type notPredicate struct {
	inner Predicate
}

func (p notPredicate) Evaluate(state *State, record fstat.Record) (bool, error) {
	result, err := p.inner.Evaluate(state, record)
	if err != nil {
		return false, err
	}
	return !result, nil
}
func (p notPredicate) String() string { return "not(" + p.inner.String() + ")" }

func fileExists(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}
