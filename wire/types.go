/*
Copyright 2024 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package wire implements the on-the-wire DHCPv4 message framing defined by
// RFC 2131 (header) and RFC 2132 (options): encoding and decoding of the
// BOOTP header plus the TLV option stream, including the options-overload
// mechanism that reuses the sname and file header fields to carry
// additional options.
package wire

import "encoding/binary"

// Op identifies the direction of a DHCP message, carried in the BOOTP op
// field.
type Op uint8

const (
	// OpBootRequest marks a client-to-server message.
	OpBootRequest Op = 1
	// OpBootReply marks a server-to-client message.
	OpBootReply Op = 2
)

// MessageType is the value of option 53, required on every valid message.
type MessageType uint8

const (
	MessageTypeDiscover MessageType = 1
	MessageTypeOffer    MessageType = 2
	MessageTypeRequest  MessageType = 3
	MessageTypeDecline  MessageType = 4
	MessageTypeAck      MessageType = 5
	MessageTypeNak      MessageType = 6
	MessageTypeRelease  MessageType = 7
	MessageTypeInform   MessageType = 8
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeDiscover:
		return "DISCOVER"
	case MessageTypeOffer:
		return "OFFER"
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeDecline:
		return "DECLINE"
	case MessageTypeAck:
		return "ACK"
	case MessageTypeNak:
		return "NAK"
	case MessageTypeRelease:
		return "RELEASE"
	case MessageTypeInform:
		return "INFORM"
	default:
		return "UNKNOWN"
	}
}

// HardwareType is the BOOTP htype field. Ethernet and InfiniBand
// (RFC 4390) transports are supported.
type HardwareType uint8

const (
	HardwareTypeEthernet   HardwareType = 1
	HardwareTypeInfiniBand HardwareType = 32
)

// Option codes used directly by the client and codec. This is not the full
// RFC 2132 registry, only the subset the client touches.
const (
	OptionPad              = 0
	OptionSubnetMask       = 1
	OptionRouter           = 3
	OptionDNSServer        = 6
	OptionHostName         = 12
	OptionRequestedIP      = 50
	OptionLeaseTime        = 51
	OptionOverload         = 52
	OptionMessageType      = 53
	OptionServerIdentifier = 54
	OptionParameterList    = 55
	OptionMaxMessageSize   = 57
	OptionRenewalTime      = 58
	OptionRebindingTime    = 59
	OptionClientIdentifier = 61
	OptionEnd              = 255
)

// OverloadFile means the BOOTP file field has been reused to carry options.
const OverloadFile = 1 << 0

// OverloadSname means the BOOTP sname field has been reused to carry
// options.
const OverloadSname = 1 << 1

// MagicCookie is the fixed sentinel marking the start of the options area.
var MagicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// HeaderLen is the fixed size of the BOOTP prelude, not including the magic
// cookie.
const HeaderLen = 236

// CookieLen is the size of the magic cookie.
const CookieLen = 4

// MinMessageLen is the minimum decodable length: header + cookie.
const MinMessageLen = HeaderLen + CookieLen

// MinBootpLen is the historical BOOTP minimum datagram size; Encode pads to
// this length with option 0 (Pad) bytes when requested.
const MinBootpLen = 300

// ErrMalformed is returned for any structurally invalid message: short
// buffer, bad magic cookie, truncated option, or a missing option 53.
var ErrMalformed = malformedError("malformed dhcp message")

type malformedError string

func (e malformedError) Error() string { return string(e) }

func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
func putUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func getUint16(b []byte) uint16    { return binary.BigEndian.Uint16(b) }
