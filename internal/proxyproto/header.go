// Package proxyproto implements the PROXY protocol version 2 binary
// codec: single-header encode/decode and chain parsing for
// proxy-of-proxies topologies.
//
// Only the v2 binary form is handled. INET and INET6 address blocks
// are decoded fully for STREAM and DGRAM transports; UNSPEC and UNIX
// headers are decoded as metadata only (the address fields stay empty).
package proxyproto

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// -------------------------------------------------------------------------
// Wire Constants
// -------------------------------------------------------------------------

// Signature is the fixed 12-byte PROXY protocol v2 preamble.
// A buffer that does not begin with these exact bytes carries no header.
var Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// SignatureLen is the length of the v2 signature in bytes.
const SignatureLen = 12

// FixedLen is the length of the fixed header part: signature (12) +
// version/command (1) + family/transport (1) + address length (2).
const FixedLen = 16

// Address block sizes per family.
const (
	// AddrLenInet is the INET address block: 4B src + 4B dst + 2B src
	// port + 2B dst port.
	AddrLenInet = 12

	// AddrLenInet6 is the INET6 address block: 16B src + 16B dst + 2B
	// src port + 2B dst port.
	AddrLenInet6 = 36

	// AddrLenUnix is the UNIX address block: 108B src path + 108B dst path.
	AddrLenUnix = 216
)

// MaxChainDepth bounds the number of stacked headers a single chain
// parse will consume. Anything past the bound is treated as payload,
// capping worst-case work on adversarial input.
const MaxChainDepth = 32

// versionV2 is the only recognized protocol version (high nibble of
// byte 12).
const versionV2 = 2

// unknownFmt is the format string for unrecognized enum values.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Command
// -------------------------------------------------------------------------

// Command is the v2 command nibble (low nibble of byte 12).
type Command uint8

const (
	// CommandLocal indicates a health-check or locally originated
	// connection; address data, if any, is to be ignored.
	CommandLocal Command = 0

	// CommandProxy indicates a genuine proxied connection carrying the
	// original endpoint addresses.
	CommandProxy Command = 1
)

// String returns the human-readable name for the command.
func (c Command) String() string {
	switch c {
	case CommandLocal:
		return "LOCAL"
	case CommandProxy:
		return "PROXY"
	default:
		return fmt.Sprintf(unknownFmt, uint8(c))
	}
}

// -------------------------------------------------------------------------
// Family
// -------------------------------------------------------------------------

// Family is the address family nibble (high nibble of byte 13).
type Family uint8

const (
	// FamilyUnspec indicates an unspecified or unsupported family.
	FamilyUnspec Family = 0

	// FamilyInet indicates IPv4 addresses.
	FamilyInet Family = 1

	// FamilyInet6 indicates IPv6 addresses.
	FamilyInet6 Family = 2

	// FamilyUnix indicates UNIX socket paths.
	FamilyUnix Family = 3
)

// familyNames maps family values to human-readable strings.
var familyNames = [4]string{"UNSPEC", "INET", "INET6", "UNIX"}

// String returns the human-readable name for the address family.
func (f Family) String() string {
	if int(f) < len(familyNames) {
		return familyNames[f]
	}
	return fmt.Sprintf(unknownFmt, uint8(f))
}

// addrLen returns the advertised address block length for the family,
// or -1 when the family carries no defined block.
func (f Family) addrLen() int {
	switch f {
	case FamilyInet:
		return AddrLenInet
	case FamilyInet6:
		return AddrLenInet6
	case FamilyUnix:
		return AddrLenUnix
	default:
		return -1
	}
}

// -------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------

// Transport is the transport protocol nibble (low nibble of byte 13).
type Transport uint8

const (
	// TransportUnspec indicates an unspecified or unsupported transport.
	TransportUnspec Transport = 0

	// TransportStream indicates a stream transport (TCP).
	TransportStream Transport = 1

	// TransportDgram indicates a datagram transport (UDP).
	TransportDgram Transport = 2
)

// transportNames maps transport values to human-readable strings.
var transportNames = [3]string{"UNSPEC", "STREAM", "DGRAM"}

// String returns the human-readable name for the transport.
func (t Transport) String() string {
	if int(t) < len(transportNames) {
		return transportNames[t]
	}
	return fmt.Sprintf(unknownFmt, uint8(t))
}

// -------------------------------------------------------------------------
// Header
// -------------------------------------------------------------------------

// Header is a decoded PROXY protocol v2 header.
//
// SrcAddr/DstAddr are only populated for recognized (family, transport)
// combinations: {INET, INET6} x {STREAM, DGRAM}. For UNSPEC and UNIX
// the metadata fields are filled and the addresses stay zero-valued.
type Header struct {
	// Version is the protocol version from the high nibble of byte 12.
	// Only version 2 is ever produced by Decode.
	Version uint8

	// Command is LOCAL or PROXY.
	Command Command

	// Family is the address family.
	Family Family

	// Transport is the transport protocol.
	Transport Transport

	// SrcAddr is the original source address (the proxied client).
	SrcAddr netip.Addr

	// SrcPort is the original source port.
	SrcPort uint16

	// DstAddr is the original destination address.
	DstAddr netip.Addr

	// DstPort is the original destination port.
	DstPort uint16

	// Len is the total header length in bytes: FixedLen plus the
	// advertised address block length. A chain parse advances by Len.
	Len int
}

// String renders the header in a compact single-line form for logs.
func (h *Header) String() string {
	return fmt.Sprintf("ppv2 %s %s/%s %s:%d -> %s:%d (%dB)",
		h.Command, h.Family, h.Transport,
		h.SrcAddr, h.SrcPort, h.DstAddr, h.DstPort, h.Len)
}

// -------------------------------------------------------------------------
// Decode — single header
// -------------------------------------------------------------------------

// Decode attempts to decode one v2 header from the start of buf.
//
// Returns nil when buf is too short, does not begin with the v2
// signature, or advertises more address bytes than buf holds. A nil
// return is not an error: the bytes are ordinary payload.
func Decode(buf []byte) *Header {
	if len(buf) < FixedLen {
		return nil
	}
	if [12]byte(buf[:SignatureLen]) != Signature {
		return nil
	}

	advertised := int(binary.BigEndian.Uint16(buf[14:16]))
	total := FixedLen + advertised
	if len(buf) < total {
		return nil
	}

	h := &Header{
		Version:   buf[12] >> 4,
		Family:    Family(buf[13] >> 4),
		Transport: Transport(buf[13] & 0x0F),
		Len:       total,
	}

	// Low nibble of byte 12: 0 = LOCAL, 1 = PROXY. Anything else is
	// treated as LOCAL so the address data is ignored.
	if buf[12]&0x0F == 1 {
		h.Command = CommandProxy
	}

	decodeAddrs(buf[FixedLen:total], h)

	return h
}

// decodeAddrs fills the address fields for recognized combinations.
// The block slice is exactly the advertised address block.
func decodeAddrs(block []byte, h *Header) {
	if h.Transport != TransportStream && h.Transport != TransportDgram {
		return
	}

	switch h.Family {
	case FamilyInet:
		if len(block) < AddrLenInet {
			return
		}
		h.SrcAddr = netip.AddrFrom4([4]byte(block[0:4]))
		h.DstAddr = netip.AddrFrom4([4]byte(block[4:8]))
		h.SrcPort = binary.BigEndian.Uint16(block[8:10])
		h.DstPort = binary.BigEndian.Uint16(block[10:12])

	case FamilyInet6:
		if len(block) < AddrLenInet6 {
			return
		}
		h.SrcAddr = netip.AddrFrom16([16]byte(block[0:16]))
		h.DstAddr = netip.AddrFrom16([16]byte(block[16:32]))
		h.SrcPort = binary.BigEndian.Uint16(block[32:34])
		h.DstPort = binary.BigEndian.Uint16(block[34:36])

	case FamilyUnspec, FamilyUnix:
		// Metadata only.
	}
}

// -------------------------------------------------------------------------
// DecodeChain — stacked headers
// -------------------------------------------------------------------------

// DecodeChain decodes consecutive v2 headers from the start of buf and
// returns them in wire order along with the residual payload: a slice
// view of buf starting at the first byte that is not a valid header.
//
// Parsing stops at the first non-header, at end of input, or after
// MaxChainDepth headers.
func DecodeChain(buf []byte) ([]*Header, []byte) {
	var headers []*Header

	off := 0
	for len(headers) < MaxChainDepth && off < len(buf) {
		h := Decode(buf[off:])
		if h == nil {
			break
		}
		headers = append(headers, h)
		off += h.Len
	}

	return headers, buf[off:]
}

// OriginalClient returns the source coordinates of the last header in
// a chain. The last header was written by the closest upstream proxy,
// which holds the authoritative client address.
//
// Returns ok=false for an empty chain or when the last header carries
// no source address (UNSPEC/UNIX families).
func OriginalClient(headers []*Header) (netip.Addr, uint16, bool) {
	if len(headers) == 0 {
		return netip.Addr{}, 0, false
	}
	last := headers[len(headers)-1]
	if !last.SrcAddr.IsValid() {
		return netip.Addr{}, 0, false
	}
	return last.SrcAddr, last.SrcPort, true
}
