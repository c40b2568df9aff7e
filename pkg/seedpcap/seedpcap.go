// Package seedpcap turns a recorded pcap file into seed individuals for a
// genome.Population: it decodes each packet down to its application-layer
// payload using gopacket, groups payloads by a caller-supplied species
// classifier, and wraps each one in a single ByteField individual ready for
// Population.Generate.
//
// This uses gopacket/pcapgo rather than gopacket/pcap deliberately: pcapgo
// is a pure Go reader with no libpcap/cgo dependency, which keeps seed
// ingestion usable in the same statically-linked binary as the rest of epf.
package seedpcap

import (
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/mozzbozz/epf/pkg/genome"
)

// Classifier names the species a decoded packet belongs to, and can return
// ok=false to drop packets that don't belong to any species the caller
// cares about (the Python source's layer_filter).
type Classifier func(payload []byte) (species string, ok bool)

// LoadSeeds reads every packet in the pcap file at path, decodes it down to
// its UDP or TCP application payload, classifies it, and returns one
// Individual per classified packet, keyed by species.
func LoadSeeds(path string, classify Classifier) (map[string][]*genome.Individual, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("seedpcap: open %s: %w", path, err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("seedpcap: parse %s: %w", path, err)
	}

	out := make(map[string][]*genome.Individual)
	linkType := reader.LinkType()
	for {
		data, _, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("seedpcap: read packet: %w", err)
		}

		payload := applicationPayload(data, linkType)
		if payload == nil {
			continue
		}
		species, ok := classify(payload)
		if !ok {
			continue
		}
		ind := genome.NewIndividual(species, []genome.Field{
			genome.NewByteField("payload", payload),
		})
		out[species] = append(out[species], ind)
	}
	return out, nil
}

// applicationPayload decodes a raw frame down to the bytes carried above the
// transport layer, returning nil if the frame has no TCP/UDP payload to
// offer (e.g. a bare TCP ACK).
func applicationPayload(data []byte, linkType layers.LinkType) []byte {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if appLayer := packet.ApplicationLayer(); appLayer != nil {
		payload := appLayer.Payload()
		if len(payload) > 0 {
			out := make([]byte, len(payload))
			copy(out, payload)
			return out
		}
	}
	return nil
}
