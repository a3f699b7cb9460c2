// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package flowtable

import (
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// Signature is the canonicalised bidirectional 5-tuple. SrcAddr is
// always the lexicographically smaller endpoint so both half-duplex
// observations of a connection produce the same value.
type Signature struct {
	Proto   uint8
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
}

// MakeSignature canonicalises an observed 5-tuple. isReverse reports
// that the observed source is the greater endpoint, i.e. the packet
// runs against the canonical direction.
func MakeSignature(proto uint8, src, dst netip.Addr, srcPort, dstPort uint16) (Signature, bool) {
	c := src.Compare(dst)
	reverse := c > 0 || (c == 0 && srcPort > dstPort)

	sig := Signature{Proto: proto}
	if reverse {
		sig.SrcAddr, sig.DstAddr = dst, src
		sig.SrcPort, sig.DstPort = dstPort, srcPort
	} else {
		sig.SrcAddr, sig.DstAddr = src, dst
		sig.SrcPort, sig.DstPort = srcPort, dstPort
	}
	return sig, reverse
}

// Hash returns the signature's table key.
func (s Signature) Hash() uint64 {
	var buf [37]byte
	buf[0] = s.Proto
	src16 := s.SrcAddr.As16()
	dst16 := s.DstAddr.As16()
	copy(buf[1:17], src16[:])
	copy(buf[17:33], dst16[:])
	buf[33] = byte(s.SrcPort >> 8)
	buf[34] = byte(s.SrcPort)
	buf[35] = byte(s.DstPort >> 8)
	buf[36] = byte(s.DstPort)
	return xxhash.Sum64(buf[:])
}
