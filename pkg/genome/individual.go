package genome

import (
	"math/rand"
	"sort"

	"github.com/google/uuid"
)

// Individual is one candidate packet: a named, sorted collection of Fields
// (its "chromosomes") plus the bookkeeping the scheduler needs to rank it
// within a Population.
type Individual struct {
	// Species groups individuals generated from the same seed shape, e.g.
	// "IEC-104 I APDU" vs "IEC-104 U APDU". Crossover and compatibility
	// checks only ever combine individuals of the same species.
	Species string

	// Identity is a random 128-bit identifier assigned at construction,
	// used for result bookkeeping (bug_payloads/<species>/<uuid>) and for
	// Population's identity index.
	Identity uuid.UUID

	// Index is this individual's position in its owning Population's
	// priority-ordered slice. Maintained by Population, not by Individual
	// itself.
	Index int

	// Parents holds the identities of the two individuals crossed over to
	// produce this one, in (a, b) order as passed to SinglePoint. Both are
	// uuid.Nil for a seed individual parsed directly from a pcap.
	Parents [2]uuid.UUID

	// SeedCorpus marks an individual as having originated from the seed
	// pcap rather than from breeding, so Population.Reseed knows which
	// members to re-insert at the front of an energy period.
	SeedCorpus bool

	fields     []Field
	fieldNames []string
}

// NewIndividual builds an Individual over the given fields, sorted by field
// name for deterministic iteration, matching the Python source's
// _build_chromosomes.
func NewIndividual(species string, fields []Field) *Individual {
	sorted := make([]Field, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	names := make([]string, len(sorted))
	for i, f := range sorted {
		names[i] = f.Name()
	}
	return &Individual{
		Species:    species,
		Identity:   newIdentity(),
		fields:     sorted,
		fieldNames: names,
	}
}

func newIdentity() uuid.UUID {
	id, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand failure is unrecoverable for identity uniqueness
		// guarantees; fall back to a zero UUID would silently collide.
		panic("genome: failed to generate individual identity: " + err.Error())
	}
	return id
}

// Fields returns the individual's fields in sorted-name order. The returned
// slice must not be mutated by the caller.
func (ind *Individual) Fields() []Field { return ind.fields }

// Serialize concatenates every field's current bytes in sorted-name order
// to produce the individual's wire representation.
func (ind *Individual) Serialize() []byte {
	var out []byte
	for _, f := range ind.fields {
		out = append(out, f.Serialize()...)
	}
	return out
}

// RandomMutation mutates a single, uniformly chosen field in place.
func (ind *Individual) RandomMutation(rng *rand.Rand) {
	if len(ind.fields) == 0 {
		return
	}
	ind.fields[rng.Intn(len(ind.fields))].RandomMutate(rng)
}

// Compatible reports whether two individuals can be crossed over: they must
// be of the same species and have the identical, ordered set of field
// names.
func (ind *Individual) Compatible(other *Individual) bool {
	if ind.Species != other.Species {
		return false
	}
	if len(ind.fieldNames) != len(other.fieldNames) {
		return false
	}
	for i := range ind.fieldNames {
		if ind.fieldNames[i] != other.fieldNames[i] {
			return false
		}
	}
	return true
}

// Identical reports whether two individuals currently serialize to the same
// bytes, used to avoid inserting true duplicates into a population.
func (ind *Individual) Identical(other *Individual) bool {
	a, b := ind.Serialize(), other.Serialize()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GiveBirth produces a fresh child individual with a new identity but the
// same species, field shape, and current field values as the receiver,
// stamped with ind and other as its recorded parents. The caller is
// expected to mix in the other parent's fields (crossover) afterward.
func (ind *Individual) GiveBirth(other *Individual) *Individual {
	child := ind.Clone()
	child.Parents = [2]uuid.UUID{ind.Identity, other.Identity}
	return child
}

// Clone returns a deep, independently-mutable copy of the individual with a
// freshly assigned identity.
func (ind *Individual) Clone() *Individual {
	fields := make([]Field, len(ind.fields))
	for i, f := range ind.fields {
		fields[i] = f.Clone()
	}
	names := make([]string, len(ind.fieldNames))
	copy(names, ind.fieldNames)
	return &Individual{
		Species:    ind.Species,
		Identity:   newIdentity(),
		fields:     fields,
		fieldNames: names,
	}
}

// Reset restores every field to its originally constructed value.
func (ind *Individual) Reset() {
	for _, f := range ind.fields {
		f.Reset()
	}
}
