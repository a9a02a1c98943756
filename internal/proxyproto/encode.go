package proxyproto

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// mappedPrefix is the textual IPv4-mapped IPv6 prefix. Addresses of the
// form ::ffff:a.b.c.d are normalized to the dotted quad before
// encoding so they travel as INET, matching what the backend expects.
const mappedPrefix = "::ffff:"

// Encode builds a single v2 PROXY header announcing srcIP:srcPort as
// the original client and dstIP:dstPort as the original destination.
// udp selects the DGRAM transport, otherwise STREAM.
//
// The returned buffer is FixedLen + AddrLenInet (28) bytes for IPv4
// sources and FixedLen + AddrLenInet6 (52) bytes for IPv6 sources.
// The family follows the source address; a destination of the other
// family encodes as zeros rather than failing.
//
// Encoding never fails: malformed address text encodes as zero bytes.
// The forwarder sits in the data path and a bad config value must not
// kill a live connection.
func Encode(srcIP string, srcPort uint16, dstIP string, dstPort uint16, udp bool) []byte {
	srcIP = normalizeMapped(srcIP)
	dstIP = normalizeMapped(dstIP)

	transport := TransportStream
	if udp {
		transport = TransportDgram
	}

	// Family follows the (normalized) source: a colon means IPv6.
	if strings.Contains(srcIP, ":") {
		return encodeInet6(srcIP, srcPort, dstIP, dstPort, transport)
	}
	return encodeInet(srcIP, srcPort, dstIP, dstPort, transport)
}

// encodeInet builds an INET (IPv4) header.
func encodeInet(srcIP string, srcPort uint16, dstIP string, dstPort uint16, transport Transport) []byte {
	buf := make([]byte, FixedLen+AddrLenInet)
	putFixed(buf, FamilyInet, transport, AddrLenInet)

	copy(buf[16:20], parseIPv4Lax(srcIP))
	copy(buf[20:24], parseIPv4Lax(dstIP))
	binary.BigEndian.PutUint16(buf[24:26], srcPort)
	binary.BigEndian.PutUint16(buf[26:28], dstPort)

	return buf
}

// encodeInet6 builds an INET6 (IPv6) header.
func encodeInet6(srcIP string, srcPort uint16, dstIP string, dstPort uint16, transport Transport) []byte {
	buf := make([]byte, FixedLen+AddrLenInet6)
	putFixed(buf, FamilyInet6, transport, AddrLenInet6)

	copy(buf[16:32], parseIPv6Lax(srcIP))
	copy(buf[32:48], parseIPv6Lax(dstIP))
	binary.BigEndian.PutUint16(buf[48:50], srcPort)
	binary.BigEndian.PutUint16(buf[50:52], dstPort)

	return buf
}

// putFixed writes the signature, version/command, family/transport and
// address length into the first FixedLen bytes of buf.
func putFixed(buf []byte, family Family, transport Transport, addrLen uint16) {
	copy(buf[:SignatureLen], Signature[:])
	buf[12] = versionV2<<4 | uint8(CommandProxy)
	buf[13] = uint8(family)<<4 | uint8(transport)
	binary.BigEndian.PutUint16(buf[14:16], addrLen)
}

// normalizeMapped strips the ::ffff: prefix from IPv4-mapped IPv6
// literals, leaving the dotted quad.
func normalizeMapped(ip string) string {
	lower := strings.ToLower(ip)
	if rest, ok := strings.CutPrefix(lower, mappedPrefix); ok && !strings.Contains(rest, ":") {
		return rest
	}
	return ip
}

// parseIPv4Lax parses a dotted quad into 4 bytes. Malformed or
// out-of-range octets become 0; missing octets are zero-filled.
func parseIPv4Lax(ip string) []byte {
	out := make([]byte, 4)
	for i, part := range strings.SplitN(ip, ".", 4) {
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			continue
		}
		out[i] = byte(v)
	}
	return out
}

// parseIPv6Lax parses an IPv6 literal into 16 bytes, expanding one ::
// compression to the missing zero groups. Malformed or out-of-range
// groups become 0 rather than failing.
func parseIPv6Lax(ip string) []byte {
	out := make([]byte, 16)

	// Zone index, if any, is not part of the wire address.
	ip, _, _ = strings.Cut(ip, "%")

	head := ip
	var tail string
	if h, t, ok := strings.Cut(ip, "::"); ok {
		head, tail = h, t
	}

	headGroups := splitGroups(head)
	tailGroups := splitGroups(tail)

	// Front groups fill from index 0, back groups from the end; the
	// gap left by :: stays zero.
	for i, g := range headGroups {
		if i >= 8 {
			break
		}
		binary.BigEndian.PutUint16(out[i*2:], parseGroupLax(g))
	}
	for i, g := range tailGroups {
		idx := 8 - len(tailGroups) + i
		if idx < 0 || idx >= 8 {
			continue
		}
		binary.BigEndian.PutUint16(out[idx*2:], parseGroupLax(g))
	}

	return out
}

// splitGroups splits a colon-separated group list, mapping the empty
// string to no groups.
func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ":")
}

// parseGroupLax parses one 16-bit hex group. Malformed or out-of-range
// groups map to 0.
func parseGroupLax(g string) uint16 {
	v, err := strconv.ParseUint(g, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
