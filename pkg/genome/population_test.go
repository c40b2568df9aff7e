package genome

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndividual(species string, payload byte) *Individual {
	return NewIndividual(species, []Field{
		NewByteField("a", []byte{payload}),
		NewByteField("b", []byte{payload, payload}),
	})
}

func TestPopulationAddRejectsDuplicates(t *testing.T) {
	p := NewPopulation("s")
	require.True(t, p.Add(newTestIndividual("s", 1), false))
	require.False(t, p.Add(newTestIndividual("s", 1), false))
	assert.Equal(t, 1, p.Len())
}

func TestPopulationAddRejectsIncompatibleSpecies(t *testing.T) {
	p := NewPopulation("s")
	require.True(t, p.Add(newTestIndividual("s", 1), false))
	incompatible := NewIndividual("s", []Field{NewByteField("c", []byte{9})})
	require.False(t, p.Add(incompatible, false))
	assert.Equal(t, 1, p.Len())
}

func TestPopulationAddRecordsSeedCorpus(t *testing.T) {
	p := NewPopulation("s")
	seed := newTestIndividual("s", 1)
	require.True(t, p.Add(seed, true))
	assert.True(t, seed.SeedCorpus)
	require.Len(t, p.seeds, 1)
	assert.Same(t, seed, p.seeds[0])
}

func breedChild(t *testing.T, a, b *Individual) *Individual {
	t.Helper()
	// Seed 2 puts the crossover point at 1: the child takes field "a" from a
	// and field "b" from b, so it is Identical to neither parent.
	child, err := SinglePoint(rand.New(rand.NewSource(2)), a, b)
	require.NoError(t, err)
	return child
}

func TestPopulationUpdateDiscardsIdenticalChild(t *testing.T) {
	p := NewPopulation("s")
	for i := byte(0); i < 3; i++ {
		p.Add(newTestIndividual("s", i), false)
	}
	dup := newTestIndividual("s", 0)
	p.Update(dup, true, 1.0, true)
	assert.Equal(t, 3, p.Len())
	_, ok := p.Lookup(dup.Identity)
	assert.False(t, ok)
}

func TestPopulationUpdateCoverageIncreasePromotesParentsAndInsertsChildAtFront(t *testing.T) {
	p := NewPopulation("s")
	for i := byte(0); i < 5; i++ {
		p.Add(newTestIndividual("s", i), false)
	}
	a, b := p.At(3), p.At(4)
	child := breedChild(t, a, b)

	p.Update(child, true, 0.5, true)

	// Parents are promoted from 3 and 4 to 2 and 3, then shifted back by one
	// when the child is inserted at the front.
	assert.Same(t, child, p.At(0))
	assert.Equal(t, 3, a.Index)
	assert.Equal(t, 4, b.Index)
}

func TestPopulationUpdatePromotionNeverGoesNegative(t *testing.T) {
	p := NewPopulation("s")
	for i := byte(0); i < 3; i++ {
		p.Add(newTestIndividual("s", i), false)
	}
	a, b := p.At(0), p.At(1)
	child := breedChild(t, a, b)

	p.Update(child, true, 0.5, true)

	assert.Equal(t, 0, a.Index)
}

func TestPopulationUpdateIgnoresEvictedParent(t *testing.T) {
	p := NewPopulation("s")
	for i := byte(0); i < 3; i++ {
		p.Add(newTestIndividual("s", i), false)
	}
	a := p.At(0)
	child := breedChild(t, a, p.At(1))
	p.Shrink(1) // evicts every member except a

	require.NotPanics(t, func() {
		p.Update(child, true, 0.5, true)
	})
	assert.Same(t, child, p.At(0))
}

func TestPopulationUpdateDemotesParentsWithoutCoverageGain(t *testing.T) {
	p := NewPopulation("s")
	for i := byte(0); i < 5; i++ {
		p.Add(newTestIndividual("s", i), false)
	}
	a, b := p.At(0), p.At(1)
	child := breedChild(t, a, b)

	p.Update(child, false, 0.1, false)

	assert.Greater(t, a.Index, 0)
	assert.Greater(t, b.Index, 1)
	_, ok := p.Lookup(child.Identity)
	assert.False(t, ok, "child must not be inserted when add is false")
}

func TestPopulationUpdateInsertsChildByHeatWhenAddIsTrue(t *testing.T) {
	p := NewPopulation("s")
	for i := byte(0); i < 10; i++ {
		p.Add(newTestIndividual("s", i), false)
	}
	a, b := p.At(8), p.At(9)
	child := breedChild(t, a, b)

	p.Update(child, false, 0.3, true)

	got, ok := p.Lookup(child.Identity)
	require.True(t, ok)
	assert.Equal(t, 7, got.Index) // floor((1-0.3)*10) == 7
}

func TestPopulationGenerateGrowsSingleton(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := NewPopulation("s")
	p.Generate(rng, []*Individual{newTestIndividual("s", 7)})
	assert.Greater(t, p.Len(), 1)
}

func TestPopulationGenerateLeavesMultipleSeedsAlone(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := NewPopulation("s")
	p.Generate(rng, []*Individual{newTestIndividual("s", 1), newTestIndividual("s", 2)})
	assert.Equal(t, 2, p.Len())
}

func TestSinglePointRejectsIncompatible(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := newTestIndividual("s1", 1)
	b := newTestIndividual("s2", 2)
	_, err := SinglePoint(rng, a, b)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestSinglePointStampsParents(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := newTestIndividual("s", 1)
	b := newTestIndividual("s", 2)
	child, err := SinglePoint(rng, a, b)
	require.NoError(t, err)
	assert.Equal(t, [2]uuid.UUID{a.Identity, b.Identity}, child.Parents)
}

func TestShrinkDropsWorstMembers(t *testing.T) {
	p := NewPopulation("s")
	for i := byte(0); i < 5; i++ {
		p.Add(newTestIndividual("s", i), false)
	}
	p.Shrink(2)
	assert.Equal(t, 2, p.Len())
}

func TestReseedRestoresSeedsToFrontAndShrinks(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	p := NewPopulation("s")
	seedA := newTestIndividual("s", 1)
	seedB := newTestIndividual("s", 2)
	p.Add(seedA, true)
	p.Add(seedB, true)
	for i := byte(3); i < 8; i++ {
		p.Add(newTestIndividual("s", i), false)
	}

	// Breed the seeds away from the front so Reseed has real work to do.
	child, err := SinglePoint(rng, p.At(5), p.At(6))
	require.NoError(t, err)
	p.Update(child, true, 1.0, true)

	p.Reseed(4)

	assert.Equal(t, 4, p.Len())
	_, okA := p.Lookup(seedA.Identity)
	_, okB := p.Lookup(seedB.Identity)
	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, 0, seedA.Index)
	assert.Equal(t, 1, seedB.Index)
	for i, ind := range p.members {
		assert.Equal(t, i, ind.Index)
	}
}

func TestNewChildDrawsDistinctParentsOnSizeTwoPopulation(t *testing.T) {
	p := NewPopulation("s")
	p.Add(newTestIndividual("s", 1), false)
	p.Add(newTestIndividual("s", 2), false)

	schedRNG := rand.New(rand.NewSource(1))
	fieldRNG := rand.New(rand.NewSource(2))
	child, err := p.NewChild(schedRNG, fieldRNG, 3, 0.8)
	require.NoError(t, err)
	assert.NotEqual(t, child.Parents[0], child.Parents[1])
	assert.Equal(t, 1, p.Crossovers)
}

func TestNewChildRejectsTooSmallPopulation(t *testing.T) {
	p := NewPopulation("s")
	p.Add(newTestIndividual("s", 1), false)
	_, err := p.NewChild(rand.New(rand.NewSource(1)), rand.New(rand.NewSource(2)), 3, 0.8)
	require.ErrorIs(t, err, ErrPopulationTooSmall)
}
