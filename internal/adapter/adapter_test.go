package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
)

func stub(id string) Func {
	return Func{Name: id, Fn: func(context.Context) ([]opportunity.CandidateRecord, error) { return nil, nil }}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("city")))
	require.Error(t, reg.Register(stub("city")))
	require.Error(t, reg.Register(stub("")))
	require.Equal(t, 1, reg.Len())
}

func TestRegistryAllSorted(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	for _, id := range []string{"state", "county", "city"} {
		require.NoError(t, reg.Register(stub(id)))
	}
	var ids []string
	for _, a := range reg.All() {
		ids = append(ids, a.ID())
	}
	require.Equal(t, []string{"city", "county", "state"}, ids)

	got, err := reg.Get("county")
	require.NoError(t, err)
	require.Equal(t, "county", got.ID())
	_, err = reg.Get("missing")
	require.Error(t, err)
}

func TestKindsBuild(t *testing.T) {
	t.Parallel()

	kinds := Kinds{
		"stub": func(spec Spec, _ Deps) (Adapter, error) { return stub(spec.ID), nil },
		"broken": func(Spec, Deps) (Adapter, error) {
			return nil, errors.New("missing selector")
		},
	}

	reg, err := kinds.Build([]Spec{{ID: "a", Kind: "stub"}, {ID: "b", Kind: "stub"}}, Deps{})
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	_, err = kinds.Build([]Spec{{ID: "a", Kind: "nope"}}, Deps{})
	require.ErrorContains(t, err, "unknown adapter kind")

	_, err = kinds.Build([]Spec{{ID: "a", Kind: "broken"}}, Deps{})
	require.ErrorContains(t, err, "missing selector")

	_, err = kinds.Build([]Spec{{ID: "a", Kind: "stub"}, {ID: "a", Kind: "stub"}}, Deps{})
	require.ErrorContains(t, err, "already registered")
}
