// Package mms implements the protocols.Module for IEC 61850 MMS
// (Manufacturing Message Specification), ported from the Python source's
// fuzzers/mms module. Unlike iec104, no pre/post handshake is played around
// a fuzzed payload: the ISO 8823 presentation/association handshake needed
// to reach MMS is itself out of scope (the original leaves it commented
// out), so species are sent directly over an already-open association.
package mms

import (
	"fmt"

	"github.com/mozzbozz/epf/pkg/genome"
	"github.com/mozzbozz/epf/pkg/protocols"
	"github.com/mozzbozz/epf/pkg/transition"
)

// Species names mirror the Python source's population_identifier: the PDU
// name, with "- Read"/"- Write" appended for confirmed-request PDUs that
// carry a Read or Write service.
const (
	SpeciesInitiateRequest       = "MMS_Initiate_Request_PDU"
	SpeciesConfirmedRequestRead  = "MMS_Confirmed_Request_PDU - Read"
	SpeciesConfirmedRequestWrite = "MMS_Confirmed_Request_PDU - Write"
	SpeciesConfirmedRequestOther = "MMS_Confirmed_Request_PDU"
)

func init() {
	protocols.Register("mms", New)
}

type module struct{}

// New constructs the IEC 61850 MMS protocol module.
func New() protocols.Module { return &module{} }

func (m *module) Name() string { return "mms" }

func (m *module) Species() []string {
	return []string{
		SpeciesInitiateRequest,
		SpeciesConfirmedRequestRead,
		SpeciesConfirmedRequestWrite,
		SpeciesConfirmedRequestOther,
	}
}

// Graph returns an empty, immediately-finalized transition graph for every
// MMS species: the association handshake that would otherwise precede a
// fuzzed PDU is assumed already established by the target harness.
func (m *module) Graph(species string) (*transition.Graph, error) {
	if !knownSpecies(species) {
		return nil, fmt.Errorf("mms: unknown species %q", species)
	}
	g := transition.New()
	g.FinalizePre()
	g.FinalizePost()
	return g, nil
}

func knownSpecies(species string) bool {
	switch species {
	case SpeciesInitiateRequest, SpeciesConfirmedRequestRead, SpeciesConfirmedRequestWrite, SpeciesConfirmedRequestOther:
		return true
	default:
		return false
	}
}

// SeedIndividual returns a minimal MMS PDU for the requested species. These
// are skeletal; the populations cmd/epf fuzzes are seeded from a pcap
// capture via pkg/seedpcap instead.
func (m *module) SeedIndividual(species string) (*genome.Individual, error) {
	if !knownSpecies(species) {
		return nil, fmt.Errorf("mms: unknown species %q", species)
	}
	switch species {
	case SpeciesInitiateRequest:
		// ISO 8823 CP-type header, AARQ, minimal MMS initiate-request
		// parameter block (version 1, negotiated PDU sizes).
		return genome.NewIndividual(species, []genome.Field{
			genome.NewByteField("cp_type", []byte{0x31, 0x81, 0xb3}),
			genome.NewByteField("initiate", []byte{0xa8, 0x1c, 0x80, 0x01, 0x01}),
		}), nil
	default:
		// Confirmed-request PDUs share one minimal invoke-id +
		// service-choice shell; the service body is left empty for the
		// mutator to fill in from crossover with richer pcap seeds.
		return genome.NewIndividual(species, []genome.Field{
			genome.NewByteField("invoke_id", []byte{0x02, 0x01, 0x00}),
			genome.NewByteField("service", []byte{0xa4, 0x00}),
		}), nil
	}
}

// ClassifySeed looks at the outermost BER tag of a decoded COTP/presentation
// payload to tell an MMS initiate-request from a confirmed-request, and
// within confirmed requests, to tell Read and Write services apart by their
// ASN.1 CHOICE tag. This is a coarse stand-in for the Python source's full
// scapy-based dissection down through ISO 8823 and AARQ.
func (m *module) ClassifySeed(payload []byte) (string, bool) {
	if len(payload) < 2 {
		return "", false
	}
	switch payload[0] {
	case 0xa8: // [8] IMPLICIT MMS Initiate-RequestPDU, wrapped in an AARQ.
		return SpeciesInitiateRequest, true
	case 0xa4: // [4] IMPLICIT MMS Confirmed-RequestPDU.
		if len(payload) < 5 {
			return SpeciesConfirmedRequestOther, true
		}
		switch payload[4] {
		case 0xa4: // [4] read
			return SpeciesConfirmedRequestRead, true
		case 0xa5: // [5] write
			return SpeciesConfirmedRequestWrite, true
		default:
			return SpeciesConfirmedRequestOther, true
		}
	default:
		return "", false
	}
}
