// Package protocols is the explicit registry that protocol fuzzer modules
// (iec104, mms, ...) add themselves to via init(), replacing the Python
// original's subclass-discovery-via-reflection with an ordinary map keyed
// by name.
package protocols

import (
	"fmt"
	"sort"

	"github.com/mozzbozz/epf/pkg/genome"
	"github.com/mozzbozz/epf/pkg/transition"
)

// Module is a protocol fuzzer module: it knows how to build the transition
// graph and seed populations for each species of payload it understands.
type Module interface {
	// Name identifies the module on the command line, e.g. "iec104".
	Name() string

	// Species lists the payload species this module produces, in a
	// stable order.
	Species() []string

	// Graph returns the pre/post transition graph for the given species.
	Graph(species string) (*transition.Graph, error)

	// SeedIndividual returns a minimal, structurally valid seed
	// individual for the given species. cmd/epf does not use it: every
	// population there is seeded from the pcap, and a species with no
	// captured packet is an error.
	SeedIndividual(species string) (*genome.Individual, error)

	// ClassifySeed inspects an application-layer payload decoded from a
	// pcap capture (see pkg/seedpcap) and reports which species, if any,
	// it belongs to. This plays the role of the Python source's per-module
	// layer_filter.
	ClassifySeed(payload []byte) (species string, ok bool)
}

var registry = map[string]func() Module{}

// Register adds a module constructor under name. It panics on a duplicate
// name, since that can only happen from a programming error (two modules
// claiming the same name at init time).
func Register(name string, factory func() Module) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("protocols: module %q already registered", name))
	}
	registry[name] = factory
}

// Get constructs the named module, or returns an error if no module by that
// name was ever registered.
func Get(name string) (Module, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("protocols: unknown module %q (known: %v)", name, Names())
	}
	return factory(), nil
}

// Names returns every registered module name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
