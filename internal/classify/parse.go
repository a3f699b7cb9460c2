// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package classify

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/emflex/upf/internal/errors"
)

// Info is the decoded view of an inner packet the classifier works on.
type Info struct {
	IsIP4   bool
	Proto   uint8
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16

	IsTCP    bool
	TCPFlags uint8
	Payload  []byte
}

// decoder is per-worker gopacket state; DecodingLayerParser reuses the
// layer structs across packets and must not be shared between workers.
type decoder struct {
	ip4 layers.IPv4
	ip6 layers.IPv6
	tcp layers.TCP
	udp layers.UDP

	parser4 *gopacket.DecodingLayerParser
	parser6 *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newDecoder() *decoder {
	d := &decoder{}
	d.parser4 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip4, &d.tcp, &d.udp)
	d.parser6 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &d.ip6, &d.tcp, &d.udp)
	d.parser4.IgnoreUnsupported = true
	d.parser6.IgnoreUnsupported = true
	return d
}

func tcpFlagBits(t *layers.TCP) uint8 {
	var f uint8
	if t.FIN {
		f |= 0x01
	}
	if t.SYN {
		f |= 0x02
	}
	if t.RST {
		f |= 0x04
	}
	if t.ACK {
		f |= 0x10
	}
	return f
}

func addrOf(b []byte) netip.Addr {
	a, _ := netip.AddrFromSlice(b)
	return a.Unmap()
}

// decode parses the inner packet starting at data.
func (d *decoder) decode(data []byte, isIP4 bool) (Info, error) {
	info := Info{IsIP4: isIP4}

	parser := d.parser6
	if isIP4 {
		parser = d.parser4
	}

	d.decoded = d.decoded[:0]
	if err := parser.DecodeLayers(data, &d.decoded); err != nil {
		if len(d.decoded) == 0 {
			return info, errors.Wrap(err, errors.KindMalformedPacket, "decode inner packet")
		}
		// A partial decode of the transport layer is still usable.
	}

	seenNet := false
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			info.Proto = uint8(d.ip4.Protocol)
			info.Src = addrOf(d.ip4.SrcIP)
			info.Dst = addrOf(d.ip4.DstIP)
			seenNet = true
		case layers.LayerTypeIPv6:
			info.Proto = uint8(d.ip6.NextHeader)
			info.Src = addrOf(d.ip6.SrcIP)
			info.Dst = addrOf(d.ip6.DstIP)
			seenNet = true
		case layers.LayerTypeTCP:
			info.IsTCP = true
			info.SrcPort = uint16(d.tcp.SrcPort)
			info.DstPort = uint16(d.tcp.DstPort)
			info.TCPFlags = tcpFlagBits(&d.tcp)
			info.Payload = d.tcp.Payload
		case layers.LayerTypeUDP:
			info.SrcPort = uint16(d.udp.SrcPort)
			info.DstPort = uint16(d.udp.DstPort)
			info.Payload = d.udp.Payload
		}
	}

	if !seenNet {
		return info, errors.New(errors.KindMalformedPacket, "no network layer")
	}
	return info, nil
}
