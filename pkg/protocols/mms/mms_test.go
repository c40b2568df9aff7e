package mms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphHasNoHandshakeForAnySpecies(t *testing.T) {
	m := New()
	for _, species := range m.Species() {
		g, err := m.Graph(species)
		require.NoError(t, err)
		pre, err := g.TraversePre()
		require.NoError(t, err)
		assert.Empty(t, pre)
		post, err := g.TraversePost()
		require.NoError(t, err)
		assert.Empty(t, post)
	}
}

func TestSeedIndividualKnownSpecies(t *testing.T) {
	m := New()
	for _, species := range m.Species() {
		ind, err := m.SeedIndividual(species)
		require.NoError(t, err)
		assert.NotEmpty(t, ind.Serialize())
	}
}

func TestUnknownSpeciesErrors(t *testing.T) {
	m := New()
	_, err := m.Graph("nonexistent")
	assert.Error(t, err)
	_, err = m.SeedIndividual("nonexistent")
	assert.Error(t, err)
}
