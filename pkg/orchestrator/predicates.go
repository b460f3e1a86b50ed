package orchestrator

import (
	"github.com/o4sync/o4/pkg/filter"
	"github.com/o4sync/o4/pkg/fstat"
)

// and conjoins predicates, surviving only when every one holds. filter's
// own Combine already expresses AND (its Keep mode) and OR (KeepAny) across
// a whole predicate list for one stage invocation, but the primary sync
// state needs an AND *inside* a single Drop-mode predicate ("drop when
// not-a-delete AND already-correct", dropping the whole conjunction at
// once rather than dropping on either condition alone) — so it is
// expressed here as one more filter.Predicate rather than by reaching for
// a second stage mode.
func and(predicates ...filter.Predicate) filter.Predicate {
	return andPredicate{predicates: predicates}
}

type andPredicate struct {
	predicates []filter.Predicate
}

func (p andPredicate) Evaluate(state *filter.State, record fstat.Record) (bool, error) {
	for _, inner := range p.predicates {
		ok, err := inner.Evaluate(state, record)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (p andPredicate) String() string {
	s := "and("
	for i, inner := range p.predicates {
		if i > 0 {
			s += ","
		}
		s += inner.String()
	}
	return s + ")"
}
