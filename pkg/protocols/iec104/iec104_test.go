package iec104

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUFramesGetNoHandshake(t *testing.T) {
	m := New()
	g, err := m.Graph(SpeciesUFrame)
	require.NoError(t, err)
	pre, err := g.TraversePre()
	require.NoError(t, err)
	assert.Empty(t, pre)
}

func TestIFramesGetTestfrStartdtStopdt(t *testing.T) {
	m := New()
	g, err := m.Graph(SpeciesIFrame)
	require.NoError(t, err)
	pre, err := g.TraversePre()
	require.NoError(t, err)
	require.Len(t, pre, 2)
	assert.Equal(t, "testfr", pre[0].Name)
	assert.Equal(t, "startdt", pre[1].Name)

	post, err := g.TraversePost()
	require.NoError(t, err)
	require.Len(t, post, 1)
	assert.Equal(t, "stopdt", post[0].Name)
}

func TestSeedIndividualKnownSpecies(t *testing.T) {
	m := New()
	for _, species := range m.Species() {
		ind, err := m.SeedIndividual(species)
		require.NoError(t, err)
		assert.NotEmpty(t, ind.Serialize())
	}
}

func TestGraphUnknownSpecies(t *testing.T) {
	m := New()
	_, err := m.Graph("nonexistent")
	assert.Error(t, err)
}

func TestClassifySeedByControlField(t *testing.T) {
	m := New()
	species, ok := m.ClassifySeed(startdt)
	require.True(t, ok)
	assert.Equal(t, SpeciesUFrame, species)

	species, ok = m.ClassifySeed([]byte{0x68, 0x04, 0x01, 0x00, 0x00, 0x00})
	require.True(t, ok)
	assert.Equal(t, SpeciesSFrame, species)

	_, ok = m.ClassifySeed([]byte{0x00})
	assert.False(t, ok)
}
