package ads

import (
	"fmt"
	"strconv"
	"strings"
)

// NetworkId is a six-byte AMS network address, conventionally printed as
// "a.b.c.d.e.f". It is immutable once constructed.
type NetworkId [6]byte

// ParseNetworkId parses an AMS network id string such as "192.168.1.100.1.1".
func ParseNetworkId(s string) (NetworkId, error) {
	var id NetworkId

	if s == "" {
		return id, fmt.Errorf("ads: empty network id")
	}

	parts := strings.Split(s, ".")
	if len(parts) != 6 {
		return id, fmt.Errorf("ads: invalid network id %q (want a.b.c.d.e.f)", s)
	}

	for i, part := range parts {
		val, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return id, fmt.Errorf("ads: invalid network id component %q: %w", part, err)
		}
		id[i] = byte(val)
	}

	return id, nil
}

// String returns the dotted-decimal representation of the network id.
func (id NetworkId) String() string {
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d", id[0], id[1], id[2], id[3], id[4], id[5])
}

// IsZero reports whether the network id is the all-zero value.
func (id NetworkId) IsZero() bool {
	return id == NetworkId{}
}

// NetworkIdFromIP derives a network id from an IPv4 address using the
// conventional TwinCAT suffix ".1.1".
func NetworkIdFromIP(ip string) (NetworkId, error) {
	var id NetworkId

	if idx := strings.IndexByte(ip, ':'); idx != -1 {
		ip = ip[:idx]
	}

	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return id, fmt.Errorf("ads: invalid IPv4 address %q", ip)
	}

	for i, part := range parts {
		val, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return id, fmt.Errorf("ads: invalid IPv4 component %q: %w", part, err)
		}
		id[i] = byte(val)
	}

	id[4] = 1
	id[5] = 1
	return id, nil
}

// Endpoint is an AMS network id plus a port, naming one addressable entity
// on that node (an I/O server, an EtherCAT master, a client).
type Endpoint struct {
	NetId NetworkId
	Port  uint16
}

// String renders the endpoint as "netid:port".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.NetId, e.Port)
}

// Well-known AMS ports (spec section 6).
const (
	PortLogger        uint16 = 100
	PortEventLog      uint16 = 110
	PortIO            uint16 = 300
	PortNC            uint16 = 500
	PortPLC1          uint16 = 801
	PortPLC2          uint16 = 811
	PortTC3PLC1       uint16 = 851
	PortTC3PLC2       uint16 = 852
	PortCamshaft      uint16 = 900
	PortSystemService uint16 = 10000
	PortEtherCATMaster uint16 = 65535
)

// DefaultTCPPort is the well-known ADS TCP port.
const DefaultTCPPort = 48898

// DefaultUDPPort is the well-known ADS discovery/route UDP port.
const DefaultUDPPort = 48899

// minEphemeralPort is the floor for client-chosen local AMS ports.
const minEphemeralPort uint16 = 8000
