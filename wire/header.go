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

package wire

import "net"

// Header is the fixed BOOTP prelude described in RFC 2131 section 2.
type Header struct {
	Op     Op
	HType  HardwareType
	HLen   uint8
	Hops   uint8
	XID    uint32
	Secs   uint16
	Flags  uint16
	CIAddr [4]byte
	YIAddr [4]byte
	SIAddr [4]byte
	GIAddr [4]byte
	CHAddr [16]byte
	SName  [64]byte
	File   [128]byte
}

// FlagBroadcast is bit 15 of the Flags field: the client requests the reply
// be sent to the broadcast address rather than unicast to yiaddr.
const FlagBroadcast uint16 = 1 << 15

// CIAddrIP returns CIAddr as a net.IP.
func (h *Header) CIAddrIP() net.IP { return net.IP(h.CIAddr[:]) }

// YIAddrIP returns YIAddr as a net.IP.
func (h *Header) YIAddrIP() net.IP { return net.IP(h.YIAddr[:]) }

// SIAddrIP returns SIAddr as a net.IP.
func (h *Header) SIAddrIP() net.IP { return net.IP(h.SIAddr[:]) }

// SetCIAddr copies a 4-byte IPv4 address into CIAddr. If ip is not a valid
// 4-byte (or 4-in-16) address, nothing is copied and CIAddr is left as it
// was; callers are expected to validate addresses before constructing
// outbound headers.
func (h *Header) SetCIAddr(ip net.IP) { copy(h.CIAddr[:], ip.To4()) }

// SetYIAddr copies a 4-byte IPv4 address into YIAddr.
func (h *Header) SetYIAddr(ip net.IP) { copy(h.YIAddr[:], ip.To4()) }

// SetCHAddr copies a hardware address into CHAddr, zero-padding the
// remainder. RFC 4390 InfiniBand transports pass a nil or empty addr here
// (hlen=0) and rely on the client-identifier option instead.
func (h *Header) SetCHAddr(addr []byte) {
	for i := range h.CHAddr {
		h.CHAddr[i] = 0
	}
	copy(h.CHAddr[:], addr)
}

func encodeHeader(buf []byte, h *Header) {
	buf[0] = byte(h.Op)
	buf[1] = byte(h.HType)
	buf[2] = h.HLen
	buf[3] = h.Hops
	putUint32(buf[4:8], h.XID)
	putUint16(buf[8:10], h.Secs)
	putUint16(buf[10:12], h.Flags)
	copy(buf[12:16], h.CIAddr[:])
	copy(buf[16:20], h.YIAddr[:])
	copy(buf[20:24], h.SIAddr[:])
	copy(buf[24:28], h.GIAddr[:])
	copy(buf[28:44], h.CHAddr[:])
	copy(buf[44:108], h.SName[:])
	copy(buf[108:236], h.File[:])
}

func decodeHeader(buf []byte) Header {
	var h Header
	h.Op = Op(buf[0])
	h.HType = HardwareType(buf[1])
	h.HLen = buf[2]
	h.Hops = buf[3]
	h.XID = getUint32(buf[4:8])
	h.Secs = getUint16(buf[8:10])
	h.Flags = getUint16(buf[10:12])
	copy(h.CIAddr[:], buf[12:16])
	copy(h.YIAddr[:], buf[16:20])
	copy(h.SIAddr[:], buf[20:24])
	copy(h.GIAddr[:], buf[24:28])
	copy(h.CHAddr[:], buf[28:44])
	copy(h.SName[:], buf[44:108])
	copy(h.File[:], buf[108:236])
	return h
}
