// Package protocol implements the inner request/reply frame shared by the
// local gateway and the remote server. It is not SOCKS5 itself — it is the
// much smaller header the gateway composes from a parsed SOCKS5 request
// and sends, encrypted, over the uplink.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/idna"
)

// FrameSignature gates acceptance of every decrypted frame. A frame whose
// first two bytes are not this value is rejected outright; it is the only
// integrity signal this protocol has (see package cipher's doc comment).
const FrameSignature uint16 = 0x504B

// Command values. CmdReply doubles as the wire marker for every frame the
// remote server sends back to the gateway; on those frames the byte that
// would otherwise hold a command instead holds an error code (see
// EncodeReply).
const (
	CmdReply        uint8 = 0x00
	CmdConnect      uint8 = 0x01
	CmdBind         uint8 = 0x02
	CmdUDPAssociate uint8 = 0x03
)

// Address family tags, matching the SOCKS5 ATYP values this system reuses.
const (
	AddrIPv4   uint8 = 0x01
	AddrDomain uint8 = 0x03
	AddrIPv6   uint8 = 0x04
)

// Reply error codes. ErrOK means the requested tunnel was established;
// ErrGeneralFailure covers dial failure, dial timeout, and unreachable
// targets alike — the wire format does not distinguish them.
const (
	ErrOK             uint8 = 0x00
	ErrGeneralFailure uint8 = 0x04
)

var (
	// ErrBadSignature is returned when a decrypted frame does not begin
	// with FrameSignature.
	ErrBadSignature = errors.New("protocol: bad frame signature")
	// ErrBadAddrType is returned for an atype outside {1,3,4}.
	ErrBadAddrType = errors.New("protocol: unsupported address type")
	// ErrShortFrame is returned when fewer bytes are available than the
	// frame's own header requires.
	ErrShortFrame = errors.New("protocol: frame truncated")
)

// Frame is a decoded inner frame. Command holds the request command for
// request frames, or the error code (ErrOK/ErrGeneralFailure) for reply
// frames — callers know which based on context (was this frame sent by the
// gateway or by the server).
type Frame struct {
	Command  uint8
	AddrType uint8
	Addr     string // textual IPv4/IPv6, or IDNA-decoded domain
	Port     uint16
	Payload  []byte // only populated for UDP relay envelopes
}

// EncodeRequest builds a CONNECT/BIND/UDP_ASSOCIATE request frame.
func EncodeRequest(command uint8, atype uint8, addr string, port uint16) ([]byte, error) {
	return encode(command, atype, addr, port, nil)
}

// EncodeReply builds a reply frame. Reply frames reuse the request frame's
// command byte slot to carry errCode instead, since a reply never needs to
// repeat which command it's answering.
func EncodeReply(errCode uint8, atype uint8, addr string, port uint16) ([]byte, error) {
	return encode(errCode, atype, addr, port, nil)
}

// EncodeUDPEnvelope builds a remote->client UDP relay envelope: command is
// always CmdReply, atype/addr/port describe the datagram's true source,
// and payload is the raw datagram bytes that follow the header.
func EncodeUDPEnvelope(atype uint8, addr string, port uint16, payload []byte) ([]byte, error) {
	return encode(CmdReply, atype, addr, port, payload)
}

func encode(commandOrErr uint8, atype uint8, addr string, port uint16, payload []byte) ([]byte, error) {
	addrBytes, alen, err := encodeAddr(atype, addr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 5+len(addrBytes)+2+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], FrameSignature)
	buf[2] = commandOrErr
	buf[3] = atype
	buf[4] = alen
	copy(buf[5:5+len(addrBytes)], addrBytes)
	binary.BigEndian.PutUint16(buf[5+len(addrBytes):7+len(addrBytes)], port)
	if len(payload) > 0 {
		copy(buf[7+len(addrBytes):], payload)
	}
	return buf, nil
}

func encodeAddr(atype uint8, addr string) (addrBytes []byte, alen uint8, err error) {
	switch atype {
	case AddrIPv4:
		ip := net.ParseIP(addr).To4()
		if ip == nil {
			return nil, 0, fmt.Errorf("protocol: %q is not a valid IPv4 address", addr)
		}
		return ip, 0, nil
	case AddrIPv6:
		ip := net.ParseIP(addr).To16()
		if ip == nil {
			return nil, 0, fmt.Errorf("protocol: %q is not a valid IPv6 address", addr)
		}
		return ip, 0, nil
	case AddrDomain:
		wire, err := idna.ToASCII(addr)
		if err != nil {
			return nil, 0, fmt.Errorf("protocol: idna encode %q: %w", addr, err)
		}
		if len(wire) > 255 {
			return nil, 0, fmt.Errorf("protocol: domain %q too long for wire", addr)
		}
		return []byte(wire), uint8(len(wire)), nil
	default:
		return nil, 0, fmt.Errorf("%w: %d", ErrBadAddrType, atype)
	}
}

// Decode parses the leading inner frame out of data, returning the decoded
// frame and the number of bytes it consumed. Any trailing bytes beyond the
// header+address+port (the UDP relay payload) are returned in Payload.
func Decode(data []byte) (Frame, int, error) {
	if len(data) < 5 {
		return Frame{}, 0, ErrShortFrame
	}
	if binary.BigEndian.Uint16(data[0:2]) != FrameSignature {
		return Frame{}, 0, ErrBadSignature
	}

	command := data[2]
	atype := data[3]
	alen := data[4]

	var addrLen int
	switch atype {
	case AddrIPv4:
		addrLen = net.IPv4len
	case AddrIPv6:
		addrLen = net.IPv6len
	case AddrDomain:
		addrLen = int(alen)
	default:
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrBadAddrType, atype)
	}

	need := 5 + addrLen + 2
	if len(data) < need {
		return Frame{}, 0, ErrShortFrame
	}

	addrRaw := data[5 : 5+addrLen]
	port := binary.BigEndian.Uint16(data[5+addrLen : 7+addrLen])

	addr, err := decodeAddr(atype, addrRaw)
	if err != nil {
		return Frame{}, 0, err
	}

	frame := Frame{
		Command:  command,
		AddrType: atype,
		Addr:     addr,
		Port:     port,
	}
	if len(data) > need {
		frame.Payload = data[need:]
	}
	return frame, need + len(frame.Payload), nil
}

func decodeAddr(atype uint8, raw []byte) (string, error) {
	switch atype {
	case AddrIPv4, AddrIPv6:
		return net.IP(raw).String(), nil
	case AddrDomain:
		decoded, err := idna.ToUnicode(string(raw))
		if err != nil {
			// Fall back to the raw ASCII form; a malformed IDNA label
			// should not make an otherwise well-formed frame fatal.
			return string(raw), nil
		}
		return decoded, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrBadAddrType, atype)
	}
}

// AddrTypeForIP returns AddrIPv4 for any net.IP that has a 4-byte form
// (including IPv4-mapped IPv6 values) and AddrIPv6 for everything else.
func AddrTypeForIP(ip net.IP) uint8 {
	if ip.To4() != nil {
		return AddrIPv4
	}
	return AddrIPv6
}
