package ads

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"adslink/logging"
)

// UDP discovery/route negotiation (C2). Before a TCP ADS connection can be
// opened to a target that does not already trust this host's AmsNetId, the
// client must identify itself over UDP port 48899 and ask the target to add
// a route for it.

var udpCookie = [4]byte{0x03, 0x66, 0x14, 0x71}

// UDP discovery/route command codes.
const (
	udpCmdDiscoverRequest  uint32 = 1
	udpCmdDiscoverResponse uint32 = 2
	udpCmdAddRoute         uint32 = 6
)

// Tagged payload keys used by the discovery and add-route frames.
const (
	tagHostName  uint32 = 12
	tagNetId     uint32 = 5
	tagRouteName uint32 = 6
	tagUsername  uint32 = 2
	tagPassword  uint32 = 3
	tagOSInfo    uint32 = 9
	tagTComVer   uint32 = 3
)

// RouteOptions configures AddRoute.
type RouteOptions struct {
	// RouteName identifies the route on the target, usually the local
	// hostname.
	RouteName string
	// Username/Password authenticate the route add on targets that
	// require TwinCAT Windows credentials (PLC runtime route security).
	Username string
	Password string
	Timeout  time.Duration
}

// DiscoverPeer sends a UDP discovery broadcast to addr and returns the
// peer's AmsNetId, extracted from its tagged reply (spec section 6, step
// 1-2).
func DiscoverPeer(ctx context.Context, addr string) (NetworkId, error) {
	conn, err := dialUDP(ctx, addr)
	if err != nil {
		return NetworkId{}, newRouteError("ads.DiscoverPeer", err)
	}
	defer conn.Close()

	req := encodeUDPFrame(udpCmdDiscoverRequest, 1, nil)
	logging.DebugTX("route", req)
	if _, err := conn.Write(req); err != nil {
		return NetworkId{}, newRouteError("ads.DiscoverPeer", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	} else {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return NetworkId{}, newError(KindRoute, "ads.DiscoverPeer", fmt.Errorf("no discovery reply: %w", err))
		}
		return NetworkId{}, newRouteError("ads.DiscoverPeer", err)
	}
	logging.DebugRX("route", buf[:n])

	tags, err := decodeUDPFrame(buf[:n])
	if err != nil {
		return NetworkId{}, newRouteError("ads.DiscoverPeer", err)
	}

	netIDBytes, ok := tags[tagNetId]
	if !ok || len(netIDBytes) < 6 {
		return NetworkId{}, newError(KindRoute, "ads.DiscoverPeer", fmt.Errorf("reply missing AmsNetId tag"))
	}
	var id NetworkId
	copy(id[:], netIDBytes[:6])
	return id, nil
}

// AddRoute asks the peer at addr to trust localNetID under the given route
// name, so a subsequent Dial to its ADS TCP port is accepted (spec section
// 6, step 3). A target that refuses the route returns a KindRoute *Error
// whose message carries the refusal code. Refusals, reply timeouts and
// socket failures all share KindRoute; only the message tells them apart.
func AddRoute(ctx context.Context, addr string, localNetID NetworkId, localHost string, opts RouteOptions) error {
	conn, err := dialUDP(ctx, addr)
	if err != nil {
		return newRouteError("ads.AddRoute", err)
	}
	defer conn.Close()

	tags := map[uint32][]byte{
		tagNetId:     append(append([]byte{}, localNetID[:]...), 1, 1), // netid + port(lo,hi) placeholder
		tagRouteName: cstr(opts.RouteName),
		tagHostName:  cstr(localHost),
	}
	if opts.Username != "" {
		tags[tagUsername] = cstr(opts.Username)
	}
	if opts.Password != "" {
		tags[tagPassword] = cstr(opts.Password)
	}

	req := encodeUDPFrame(udpCmdAddRoute, 2, tags)
	logging.DebugTX("route", req)
	if _, err := conn.Write(req); err != nil {
		return newRouteError("ads.AddRoute", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	} else {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return newError(KindRoute, "ads.AddRoute", fmt.Errorf("no reply from target: %w", err))
		}
		return newRouteError("ads.AddRoute", err)
	}
	logging.DebugRX("route", buf[:n])

	// A non-zero 4-byte result code in tag 1 is a refusal; a zero code,
	// or a reply without tag 1, counts as accepted.
	tagsOut, err := decodeUDPFrame(buf[:n])
	if err != nil {
		return newRouteError("ads.AddRoute", err)
	}
	if result, ok := tagsOut[1]; ok && len(result) >= 4 && binary.LittleEndian.Uint32(result) != 0 {
		return newError(KindRoute, "ads.AddRoute", fmt.Errorf("route refused, code %d", binary.LittleEndian.Uint32(result)))
	}

	return nil
}

func dialUDP(ctx context.Context, addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// encodeUDPFrame builds a discovery/route UDP datagram: a 4-byte cookie, a
// little-endian command id(4), invoke id(4), tag count(4), then each tag as
// id(4)+length(2)+bytes.
func encodeUDPFrame(command, invokeID uint32, tags map[uint32][]byte) []byte {
	size := 4 + 4 + 4 + 4
	for _, v := range tags {
		size += 4 + 2 + len(v)
	}
	buf := make([]byte, size)
	copy(buf[0:4], udpCookie[:])
	binary.LittleEndian.PutUint32(buf[4:8], command)
	binary.LittleEndian.PutUint32(buf[8:12], invokeID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(tags)))

	off := 16
	for id, v := range tags {
		binary.LittleEndian.PutUint32(buf[off:off+4], id)
		binary.LittleEndian.PutUint16(buf[off+4:off+6], uint16(len(v)))
		copy(buf[off+6:], v)
		off += 6 + len(v)
	}
	return buf
}

// decodeUDPFrame parses a discovery/route reply into its tagged fields,
// verifying the magic cookie.
func decodeUDPFrame(buf []byte) (map[uint32][]byte, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("ads: short UDP frame (%d bytes)", len(buf))
	}
	if [4]byte(buf[0:4]) != udpCookie {
		return nil, fmt.Errorf("ads: bad UDP discovery cookie")
	}
	tagCount := binary.LittleEndian.Uint32(buf[12:16])

	tags := make(map[uint32][]byte, tagCount)
	off := 16
	for i := uint32(0); i < tagCount; i++ {
		if off+6 > len(buf) {
			return tags, fmt.Errorf("ads: truncated UDP tag table")
		}
		id := binary.LittleEndian.Uint32(buf[off : off+4])
		length := binary.LittleEndian.Uint16(buf[off+4 : off+6])
		off += 6
		if off+int(length) > len(buf) {
			return tags, fmt.Errorf("ads: truncated UDP tag value")
		}
		tags[id] = buf[off : off+int(length)]
		off += int(length)
	}
	return tags, nil
}

func cstr(s string) []byte {
	return append([]byte(s), 0)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
