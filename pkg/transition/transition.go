// Package transition models the fixed sequence of payloads a test case
// sends before and after the fuzzed individual: a pre-phase that brings the
// target into the protocol state the fuzzed payload targets, and a
// post-phase that winds it back down. The Python original models this as a
// general networkx digraph; in practice the topology is always a single
// linear path (root -> pre... -> Population -> post... ), so it is
// simplified here to an ordered slice.
package transition

import "errors"

// ErrAlreadyFinalized is returned by Pre/Post once the corresponding phase
// has been finalized, matching the Python source's ValueError on
// out-of-order graph mutation.
var ErrAlreadyFinalized = errors.New("transition: phase already finalized")

// ErrNotFinalized is returned by Traverse* before Finalize* has been called,
// since an unfinalized graph may still be mutated underneath an iterator.
var ErrNotFinalized = errors.New("transition: phase not finalized")

// Payload is one node of the transition: a named protocol message and
// whether the test case should wait for and consume a response after
// sending it.
type Payload struct {
	Name          string
	Data          []byte
	RecvAfterSend bool
}

// Graph is the ordered pre-phase / post-phase path around a test case's
// fuzzed individual.
type Graph struct {
	pre  []Payload
	post []Payload

	preFinal  bool
	postFinal bool
}

// New returns an empty transition graph.
func New() *Graph {
	return &Graph{}
}

// Pre appends a payload to the pre-phase path. It returns ErrAlreadyFinalized
// once FinalizePre has been called.
func (g *Graph) Pre(p Payload) error {
	if g.preFinal {
		return ErrAlreadyFinalized
	}
	g.pre = append(g.pre, p)
	return nil
}

// Post appends a payload to the post-phase path. It returns
// ErrAlreadyFinalized once FinalizePost has been called.
func (g *Graph) Post(p Payload) error {
	if g.postFinal {
		return ErrAlreadyFinalized
	}
	g.post = append(g.post, p)
	return nil
}

// FinalizePre locks the pre-phase path against further mutation, enabling
// TraversePre.
func (g *Graph) FinalizePre() { g.preFinal = true }

// FinalizePost locks the post-phase path against further mutation, enabling
// TraversePost.
func (g *Graph) FinalizePost() { g.postFinal = true }

// TraversePre returns the ordered pre-phase payloads. It returns
// ErrNotFinalized if FinalizePre has not yet been called.
func (g *Graph) TraversePre() ([]Payload, error) {
	if !g.preFinal {
		return nil, ErrNotFinalized
	}
	return g.pre, nil
}

// TraversePost returns the ordered post-phase payloads. It returns
// ErrNotFinalized if FinalizePost has not yet been called.
func (g *Graph) TraversePost() ([]Payload, error) {
	if !g.postFinal {
		return nil, ErrNotFinalized
	}
	return g.post, nil
}
