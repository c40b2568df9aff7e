package genome

import (
	"errors"
	"math/rand"

	"github.com/google/uuid"
)

// ErrIncompatible is returned when a crossover is attempted between
// individuals of different species or field shape.
var ErrIncompatible = errors.New("genome: individuals are not compatible for crossover")

// SinglePoint produces one child by picking a random crossover point in
// [0, n] over the parents' sorted field list, taking fields before the
// point from a and from the point onward from b.
func SinglePoint(rng *rand.Rand, a, b *Individual) (*Individual, error) {
	if !a.Compatible(b) {
		return nil, ErrIncompatible
	}
	n := len(a.fields)
	point := rng.Intn(n + 1)

	fields := make([]Field, 0, n)
	for i := 0; i < point; i++ {
		fields = append(fields, a.fields[i].Clone())
	}
	for i := point; i < n; i++ {
		fields = append(fields, b.fields[i].Clone())
	}
	child := NewIndividual(a.Species, fields)
	child.Parents = [2]uuid.UUID{a.Identity, b.Identity}
	return child, nil
}
