package genome

import (
	"errors"
	"math"
	"math/rand"

	"github.com/google/uuid"
)

// Population holds one species' individuals in priority order: index 0 is
// the current best (most interesting) individual, and index len-1 is the
// worst. The scheduler repeatedly samples a parent, breeds a child, scores
// it, and inserts it back at a rank that reflects how well it did.
type Population struct {
	Species string

	// Crossovers and SpotMutations count how many times NewChild has bred
	// a child and, of those, how many times the probabilistic mutation
	// actually fired.
	Crossovers    int
	SpotMutations int

	// members is the priority-ordered slice; members[i].Index == i is
	// maintained as an invariant after every mutating call.
	members []*Individual
	byID    map[uuid.UUID]*Individual

	// seeds records, in insertion order, every individual ever Add-ed with
	// seedCorpus=true, so Reseed can re-establish them at the front of the
	// priority order even after they've been bred over or evicted.
	seeds []*Individual
}

// NewPopulation creates an empty population for the given species.
func NewPopulation(species string) *Population {
	return &Population{Species: species, byID: make(map[uuid.UUID]*Individual)}
}

// Len returns the number of individuals currently in the population.
func (p *Population) Len() int { return len(p.members) }

// At returns the individual at priority rank i (0 is best).
func (p *Population) At(i int) *Individual { return p.members[i] }

// Best returns the highest-priority individual, or nil if the population is
// empty.
func (p *Population) Best() *Individual {
	if len(p.members) == 0 {
		return nil
	}
	return p.members[0]
}

// Lookup returns the individual with the given identity, if present.
func (p *Population) Lookup(id uuid.UUID) (*Individual, bool) {
	ind, ok := p.byID[id]
	return ind, ok
}

// Add rejects ind if it is not Compatible with an existing member, or if
// some existing member is Identical to it. Otherwise it appends ind at the
// back of the priority order (the worst rank) and, if seedCorpus is true,
// also marks it and records it in the seed list so a later Reseed can bring
// it back to the front.
func (p *Population) Add(ind *Individual, seedCorpus bool) bool {
	if len(p.members) > 0 && !p.members[0].Compatible(ind) {
		return false
	}
	for _, existing := range p.members {
		if existing.Identical(ind) {
			return false
		}
	}
	ind.Index = len(p.members)
	p.members = append(p.members, ind)
	p.byID[ind.Identity] = ind
	if seedCorpus {
		ind.SeedCorpus = true
		p.seeds = append(p.seeds, ind)
	}
	return true
}

// reindex restores the members[i].Index == i invariant after a splice.
func (p *Population) reindex() {
	for i, ind := range p.members {
		ind.Index = i
	}
}

// move relocates ind from its current index to newIdx (clamped to
// [0, len(members)]) and restores the index invariant on every member
// before returning, so that a second move reading a sibling parent's
// .Index afterward sees its true, post-splice position -- this is what
// keeps a crossing pair of parent moves consistent without having to track
// the crossing by hand.
func (p *Population) move(ind *Individual, newIdx int) {
	old := ind.Index
	if old < 0 || old >= len(p.members) || p.members[old] != ind {
		return
	}
	p.members = append(p.members[:old], p.members[old+1:]...)
	if newIdx > len(p.members) {
		newIdx = len(p.members)
	}
	if newIdx < 0 {
		newIdx = 0
	}
	p.members = append(p.members, nil)
	copy(p.members[newIdx+1:], p.members[newIdx:])
	p.members[newIdx] = ind
	p.reindex()
}

// insertAt splices ind into the priority order at idx (clamped), registers
// it in the identity index, and restores the index invariant.
func (p *Population) insertAt(ind *Individual, idx int) {
	if idx < 0 {
		idx = 0
	}
	if idx > len(p.members) {
		idx = len(p.members)
	}
	p.members = append(p.members, nil)
	copy(p.members[idx+1:], p.members[idx:])
	p.members[idx] = ind
	p.byID[ind.Identity] = ind
	p.reindex()
}

// Update folds a bred child's outcome back into priority order:
//
//  1. If an existing member is already Identical to child, the child is
//     discarded outright -- no parent reshuffling happens either.
//  2. child's recorded Parents are resolved through the identity index; a
//     parent already evicted (e.g. by a prior Shrink) is simply ignored.
//  3. If coverageIncrease, every resolved parent is promoted to
//     max(0, index-1) and the child is unconditionally inserted at
//     position 0.
//  4. Otherwise every resolved parent is demoted by one position
//     (symmetric to promotion) and, iff add is true, the child is
//     inserted at position floor((1-heat) * len) -- colder energy places
//     it deeper.
//
// Parents are promoted higher-ranked first and demoted lower-ranked first,
// so moving one parent never carries the other back across it.
func (p *Population) Update(child *Individual, coverageIncrease bool, heat float64, add bool) {
	for _, existing := range p.members {
		if existing.Identical(child) {
			return
		}
	}

	var parents []*Individual
	for _, pid := range child.Parents {
		if pid == uuid.Nil {
			continue
		}
		if parent, ok := p.byID[pid]; ok {
			parents = append(parents, parent)
		}
	}
	if len(parents) == 2 && parents[0].Index > parents[1].Index {
		parents[0], parents[1] = parents[1], parents[0]
	}

	if coverageIncrease {
		for _, parent := range parents {
			p.move(parent, intMax(0, parent.Index-1))
		}
		p.insertAt(child, 0)
		return
	}

	for i := len(parents) - 1; i >= 0; i-- {
		parent := parents[i]
		p.move(parent, intMin(len(p.members), parent.Index+1))
	}
	if add {
		newIdx := int(math.Floor((1 - heat) * float64(len(p.members))))
		p.insertAt(child, newIdx)
	}
}

func intMax(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func intMin(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Shrink truncates the population to at most n individuals, discarding the
// lowest-priority (worst) members first and removing them from the
// identity index. n <= 0 or n >= the current length is a no-op.
func (p *Population) Shrink(n int) {
	if n <= 0 || n >= len(p.members) {
		return
	}
	for _, dropped := range p.members[n:] {
		delete(p.byID, dropped.Identity)
	}
	p.members = p.members[:n]
}

// Shuffle randomizes priority order, used once at startup so that the
// order of packets in the seed capture does not bias initial priority.
func (p *Population) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(p.members), func(i, j int) {
		p.members[i], p.members[j] = p.members[j], p.members[i]
	})
	p.reindex()
}

// removeByIdentity drops the member with the given identity, if present,
// from both the priority order and the identity index.
func (p *Population) removeByIdentity(id uuid.UUID) {
	for i, ind := range p.members {
		if ind.Identity == id {
			p.members = append(p.members[:i], p.members[i+1:]...)
			delete(p.byID, id)
			return
		}
	}
}

// Reseed re-establishes every recorded seed individual at the front of the
// priority order (removing any prior copy first so a seed is never
// duplicated), shrinks to cap, and re-stamps every member's index to match
// its new position.
func (p *Population) Reseed(cap int) {
	for i := len(p.seeds) - 1; i >= 0; i-- {
		seed := p.seeds[i]
		p.removeByIdentity(seed.Identity)
		p.members = append([]*Individual{seed}, p.members...)
		p.byID[seed.Identity] = seed
	}
	p.reindex()
	p.Shrink(cap)
	p.reindex()
}

// TruncatedExpChoice samples a parent with an exponential bias toward the
// front (best-ranked) individuals: rank i is weighted proportional to
// exp(-i/scale).
func (p *Population) TruncatedExpChoice(rng *rand.Rand, scale float64) *Individual {
	n := len(p.members)
	if n == 0 {
		return nil
	}
	weights := make([]float64, n)
	total := 0.0
	for i := range weights {
		w := math.Exp(-float64(i) / scale)
		weights[i] = w
		total += w
	}
	return p.members[weightedChoice(rng, weights, total)]
}

// TruncatedUniformChoice samples a parent uniformly from the whole
// population.
func (p *Population) TruncatedUniformChoice(rng *rand.Rand) *Individual {
	n := len(p.members)
	if n == 0 {
		return nil
	}
	return p.members[rng.Intn(n)]
}

func weightedChoice(rng *rand.Rand, weights []float64, total float64) int {
	r := rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return i
		}
	}
	return len(weights) - 1
}

// ErrPopulationTooSmall is returned by NewChild when a population has fewer
// than two members, so no distinct pair of parents can be drawn.
var ErrPopulationTooSmall = errors.New("genome: population has fewer than two members")

// NewChild breeds one child from two distinct parents sampled with
// independent samplers (one truncated-exponential, one truncated-uniform,
// assigned to the a/b slot with equal probability, matching the Python
// source's 50/50 sampler assignment), redrawing both parents until they
// differ. It runs single-point crossover, then, with
// probability mutationProb, applies one random mutation to the result.
//
// schedRNG drives which parents get chosen (the scheduling decision);
// fieldRNG drives the crossover point and the resulting mutation (the
// protocol-field decision). Keeping these on independent streams means a
// session's reported schedule of "which individual got picked when" does
// not shift if a field's mutation logic changes, and vice versa.
func (p *Population) NewChild(schedRNG, fieldRNG *rand.Rand, expScale, mutationProb float64) (*Individual, error) {
	if len(p.members) < 2 {
		return nil, ErrPopulationTooSmall
	}

	var a, b *Individual
	for {
		expParent := p.TruncatedExpChoice(schedRNG, expScale)
		uniformParent := p.TruncatedUniformChoice(schedRNG)
		if expParent.Identity == uniformParent.Identity {
			continue
		}
		a, b = expParent, uniformParent
		break
	}
	if schedRNG.Float64() < 0.5 {
		a, b = b, a
	}

	child, err := SinglePoint(fieldRNG, a, b)
	if err != nil {
		return nil, err
	}
	p.Crossovers++
	if fieldRNG.Float64() <= mutationProb {
		child.RandomMutation(fieldRNG)
		p.SpotMutations++
	}
	return child, nil
}

// Generate seeds the population from a set of parsed seed individuals. Each
// seed is added as-is (and recorded in the seed list for later Reseed
// calls); if the resulting population would otherwise contain only a
// single individual (a singleton species, which starves the
// crossover-based breeding this population relies on), k extra mutated
// clones are added, where k is drawn uniformly from [1, number of fields)
// (k is 1 for a single-field seed, where that range is empty). Clones are not seed-corpus members: only the original pcap-derived
// individuals are re-established by Reseed.
func (p *Population) Generate(rng *rand.Rand, seeds []*Individual) {
	for _, seed := range seeds {
		p.Add(seed, true)
	}
	if p.Len() != 1 {
		return
	}
	base := p.members[0]
	numFields := len(base.Fields())
	if numFields == 0 {
		return
	}
	k := 1
	if numFields > 1 {
		k = 1 + rng.Intn(numFields-1)
	}
	for i := 0; i < k; i++ {
		child := base.Clone()
		child.RandomMutation(rng)
		p.Add(child, false)
	}
}
