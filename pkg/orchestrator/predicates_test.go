package orchestrator

import (
	"testing"

	"github.com/o4sync/o4/pkg/filter"
	"github.com/o4sync/o4/pkg/fstat"
)

type alwaysTrue struct{}

func (alwaysTrue) Evaluate(*filter.State, fstat.Record) (bool, error) { return true, nil }
func (alwaysTrue) String() string                                    { return "true" }

type alwaysFalse struct{}

func (alwaysFalse) Evaluate(*filter.State, fstat.Record) (bool, error) { return false, nil }
func (alwaysFalse) String() string                                    { return "false" }

func TestAndPredicateAllTrue(t *testing.T) {
	ok, err := and(alwaysTrue{}, alwaysTrue{}).Evaluate(nil, fstat.Record{})
	if err != nil || !ok {
		t.Fatalf("expected true, got ok=%v err=%v", ok, err)
	}
}

func TestAndPredicateOneFalse(t *testing.T) {
	ok, err := and(alwaysTrue{}, alwaysFalse{}).Evaluate(nil, fstat.Record{})
	if err != nil || ok {
		t.Fatalf("expected false, got ok=%v err=%v", ok, err)
	}
}
