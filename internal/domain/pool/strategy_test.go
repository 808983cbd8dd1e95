package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStrategy(t *testing.T) {
	for _, name := range []string{"round-robin", "least-connections", "lowest-load", "fastest-response"} {
		s, err := NewStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	_, err := NewStrategy("random")
	assert.Error(t, err)
}

func TestRoundRobinRotation(t *testing.T) {
	s, err := NewStrategy("round-robin")
	require.NoError(t, err)

	candidates := []candidate{{id: "a"}, {id: "b"}}

	assert.Equal(t, "a", s.Pick(candidates).id)
	assert.Equal(t, "b", s.Pick(candidates).id)
	assert.Equal(t, "a", s.Pick(candidates).id)
}

func TestRoundRobinSurvivesSetShrink(t *testing.T) {
	s, err := NewStrategy("round-robin")
	require.NoError(t, err)

	three := []candidate{{id: "a"}, {id: "b"}, {id: "c"}}
	s.Pick(three)
	s.Pick(three)

	// One backend left the set; rotation keeps going without panicking.
	one := []candidate{{id: "a"}}
	assert.Equal(t, "a", s.Pick(one).id)
}

func TestLeastConnections(t *testing.T) {
	s, _ := NewStrategy("least-connections")

	picked := s.Pick([]candidate{
		{id: "a", active: 5},
		{id: "b", active: 2},
		{id: "c", active: 7},
	})
	assert.Equal(t, "b", picked.id)

	// First encountered wins ties.
	picked = s.Pick([]candidate{
		{id: "a", active: 3},
		{id: "b", active: 3},
	})
	assert.Equal(t, "a", picked.id)
}

func TestLowestLoad(t *testing.T) {
	s, _ := NewStrategy("lowest-load")

	// Equal latency: the error rate breaks the tie.
	picked := s.Pick([]candidate{
		{id: "a", ewmaMs: 100, errorRate: 0.5},
		{id: "b", ewmaMs: 100, errorRate: 0.0},
	})
	assert.Equal(t, "b", picked.id)

	// A slow clean backend loses to a fast one with modest errors.
	picked = s.Pick([]candidate{
		{id: "a", ewmaMs: 500, errorRate: 0.0},
		{id: "b", ewmaMs: 100, errorRate: 0.1},
	})
	assert.Equal(t, "b", picked.id)
}

func TestFastestResponse(t *testing.T) {
	s, _ := NewStrategy("fastest-response")

	picked := s.Pick([]candidate{
		{id: "a", ewmaMs: 120},
		{id: "b", ewmaMs: 40},
		{id: "c", ewmaMs: 80},
	})
	assert.Equal(t, "b", picked.id)
}
