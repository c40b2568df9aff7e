// Package iec104 implements the protocols.Module for IEC 60870-5-104, the
// telecontrol protocol used between SCADA masters and RTUs over TCP/2404.
// It is ported from the Python source's fuzzers/iec104 module: every APDU
// species other than the U-format control frames gets the same
// TESTFR/STARTDT pre-phase and STOPDT post-phase, since the target must be
// in the "data transfer" state before it will process I- or S-format
// frames.
package iec104

import (
	"fmt"

	"github.com/mozzbozz/epf/pkg/genome"
	"github.com/mozzbozz/epf/pkg/protocols"
	"github.com/mozzbozz/epf/pkg/transition"
)

// Species names, matching the Python source's fuzzer module exactly.
const (
	SpeciesUFrame = "IEC-104 U APDU"
	SpeciesSFrame = "IEC-104 S APDU"
	SpeciesIFrame = "IEC-104 I APDU"
)

// Fixed control-field APDUs used to bring the target into (and back out
// of) the data transfer state around a fuzzed payload.
var (
	testfr  = []byte{0x68, 0x04, 0x43, 0x00, 0x00, 0x00}
	startdt = []byte{0x68, 0x04, 0x07, 0x00, 0x00, 0x00}
	stopdt  = []byte{0x68, 0x04, 0x13, 0x00, 0x00, 0x00}
)

func init() {
	protocols.Register("iec104", New)
}

type module struct{}

// New constructs the IEC 104 protocol module.
func New() protocols.Module { return &module{} }

func (m *module) Name() string { return "iec104" }

func (m *module) Species() []string {
	return []string{SpeciesUFrame, SpeciesSFrame, SpeciesIFrame}
}

// Graph returns the transition graph for species. U-format frames are
// control frames in their own right and are sent directly with no
// surrounding handshake; I- and S-format frames require the link to already
// be in data transfer mode.
func (m *module) Graph(species string) (*transition.Graph, error) {
	g := transition.New()
	switch species {
	case SpeciesUFrame:
		// No pre/post: U APDUs (including STARTDT/STOPDT/TESTFR
		// themselves) are meaningful on a freshly opened link.
	case SpeciesSFrame, SpeciesIFrame:
		if err := g.Pre(transition.Payload{Name: "testfr", Data: testfr, RecvAfterSend: true}); err != nil {
			return nil, err
		}
		if err := g.Pre(transition.Payload{Name: "startdt", Data: startdt, RecvAfterSend: true}); err != nil {
			return nil, err
		}
		if err := g.Post(transition.Payload{Name: "stopdt", Data: stopdt, RecvAfterSend: true}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("iec104: unknown species %q", species)
	}
	g.FinalizePre()
	g.FinalizePost()
	return g, nil
}

// SeedIndividual returns a minimal, well-formed APDU of the requested
// species.
func (m *module) SeedIndividual(species string) (*genome.Individual, error) {
	switch species {
	case SpeciesUFrame:
		return genome.NewIndividual(species, []genome.Field{
			genome.NewByteField("apdu", startdt),
		}), nil
	case SpeciesSFrame:
		// Start byte, length, control field (S-format: low bit pattern
		// 0b01), two reserved bytes, receive sequence number.
		return genome.NewIndividual(species, []genome.Field{
			genome.NewByteField("apdu", []byte{0x68, 0x04, 0x01, 0x00, 0x00, 0x00}),
		}), nil
	case SpeciesIFrame:
		// Start byte, length, send sequence number (2 bytes, low bit 0),
		// receive sequence number (2 bytes), ASDU: type id 100
		// (C_IC_NA_1, interrogation command), variable structure
		// qualifier 1, cause of transmission 6 (activation), common
		// address of ASDU 1, information object address 0, QOI 20.
		return genome.NewIndividual(species, []genome.Field{
			genome.NewByteField("apci", []byte{0x68, 0x0e, 0x00, 0x00, 0x00, 0x00}),
			genome.NewByteField("asdu", []byte{0x64, 0x01, 0x06, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x14}),
		}), nil
	default:
		return nil, fmt.Errorf("iec104: unknown species %q", species)
	}
}

// ClassifySeed inspects an IEC 104 APDU's start byte and control field to
// determine its species. The APCI format is selected by the two low bits
// of the first control octet: 0b00 is an I-format frame (unnumbered send
// sequence), 0b01 is an S-format frame, and 0b11 is a U-format frame.
func (m *module) ClassifySeed(payload []byte) (string, bool) {
	if len(payload) < 4 || payload[0] != 0x68 {
		return "", false
	}
	switch payload[2] & 0x03 {
	case 0x03:
		return SpeciesUFrame, true
	case 0x01:
		return SpeciesSFrame, true
	default:
		return SpeciesIFrame, true
	}
}
