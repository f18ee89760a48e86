package relay

import "net/netip"

// Packet is one application datagram accepted by the bridge, addressed to a
// logical target rather than a socket address.
type Packet struct {
	Source  netip.AddrPort
	Target  string
	Payload []byte
}

// ParsePacket decodes a local datagram received from src.
func ParsePacket(src netip.AddrPort, frame []byte) (Packet, error) {
	target, payload, err := ParseDatagram(frame)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Source: src, Target: target, Payload: payload}, nil
}
