package challenge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/acmeprotocol/resources"
)

type stubSolver struct{ typ string }

func (s *stubSolver) Type() string { return s.typ }
func (s *stubSolver) Prepare(context.Context, resources.Identifier, resources.Challenge, string) error {
	return nil
}
func (s *stubSolver) Present(context.Context) error { return nil }
func (s *stubSolver) Verify(context.Context) error  { return nil }
func (s *stubSolver) Cleanup(context.Context) error { return nil }

func TestSelectChallengePicksFirstOfferedTypeWithASolver(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubSolver{typ: resources.ChallengeDNS01})
	r.Register(&stubSolver{typ: resources.ChallengeHTTP01})

	offered := []resources.Challenge{
		{Type: resources.ChallengeTLSALPN01},
		{Type: resources.ChallengeHTTP01},
		{Type: resources.ChallengeDNS01},
	}

	chosen, solver, err := r.SelectChallenge(offered, false)
	require.NoError(t, err)
	require.Equal(t, resources.ChallengeHTTP01, chosen.Type)
	require.Equal(t, resources.ChallengeHTTP01, solver.Type())
}

func TestSelectChallengeWildcardRequiresDNS01(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubSolver{typ: resources.ChallengeHTTP01})

	offered := []resources.Challenge{{Type: resources.ChallengeHTTP01}}
	_, _, err := r.SelectChallenge(offered, true)
	require.Error(t, err)

	r.Register(&stubSolver{typ: resources.ChallengeDNS01})
	offered = []resources.Challenge{
		{Type: resources.ChallengeHTTP01},
		{Type: resources.ChallengeDNS01},
	}
	chosen, _, err := r.SelectChallenge(offered, true)
	require.NoError(t, err)
	require.Equal(t, resources.ChallengeDNS01, chosen.Type)
}

func TestSelectChallengeNoMatchingSolver(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.SelectChallenge([]resources.Challenge{{Type: resources.ChallengeHTTP01}}, false)
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup(resources.ChallengeHTTP01)
	require.False(t, ok)

	r.Register(&stubSolver{typ: resources.ChallengeHTTP01})
	s, ok := r.Lookup(resources.ChallengeHTTP01)
	require.True(t, ok)
	require.Equal(t, resources.ChallengeHTTP01, s.Type())
}
