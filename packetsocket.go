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

package dhcp4c

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ErrChecksum is returned internally by recv when the UDP checksum it
// recomputes (for a datagram the kernel has not validated) does not match.
// It is a packet-level error: callers never see it, the client just drops
// the datagram.
var ErrChecksum = errors.New("dhcp4c: bad udp checksum")

// tpStatusCsumNotReady and tpStatusCsumValid are tp_status bits from
// struct tpacket_auxdata (linux/if_packet.h).
const (
	tpStatusCsumNotReady = 1 << 3
	tpStatusCsumValid    = 1 << 7
)

// htons converts a host-order uint16 to network byte order, needed for
// the AF_PACKET protocol field in socket()/bind()/sendto() which the
// kernel always interprets as big-endian regardless of host endianness.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// packetSocket is the AF_PACKET/SOCK_DGRAM raw socket used before the
// client holds an address, per the raw packet path design.
type packetSocket struct {
	fd        int
	ifindex   int
	broadcast net.HardwareAddr
}

func newPacketSocket(cfg ClientConfig) (*packetSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM, int(htons(unix.ETH_P_IP)))
	if err != nil {
		return nil, fmt.Errorf("dhcp4c: open packet socket: %w", err)
	}
	ps := &packetSocket{fd: fd, ifindex: cfg.Ifindex, broadcast: cfg.BroadcastHWAddr}

	// Attach a filter before the socket is ever bound, so it is never
	// briefly open to unfiltered IP traffic on the interface; xid 0 never
	// matches a real exchange and is replaced by reprogram once the first
	// probe picks its own xid.
	if err := attachFilter(fd, 0); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_AUXDATA, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dhcp4c: PACKET_AUXDATA: %w", err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IP),
		Ifindex:  cfg.Ifindex,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dhcp4c: bind packet socket: %w", err)
	}
	return ps, nil
}

// reprogram attaches a fresh BPF filter parameterized on xid, draining any
// pending reads under the old filter first so the switch is atomic from
// the client's perspective, per the xid rotation design.
func (ps *packetSocket) reprogram(xid uint32) error {
	buf := make([]byte, 65536)
	for {
		_, _, err := unix.Recvfrom(ps.fd, buf, unix.MSG_DONTWAIT)
		if err != nil {
			break
		}
	}
	return attachFilter(ps.fd, xid)
}

func (ps *packetSocket) close() error {
	return unix.Close(ps.fd)
}

// send constructs IP+UDP+payload with source 0.0.0.0:68, destination
// 255.255.255.255:67, hand-computed checksums, and transmits it to the
// configured broadcast link-layer address.
func (ps *packetSocket) send(payload []byte) error {
	udpLen := 8 + len(payload)
	datagram := make([]byte, 20+udpLen)

	ip := datagram[:20]
	ip[0] = 0x45 // version 4, IHL 5
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(datagram)))
	binary.BigEndian.PutUint16(ip[4:6], 0) // identification
	binary.BigEndian.PutUint16(ip[6:8], 0) // flags/fragment offset
	ip[8] = 64                             // TTL
	ip[9] = unix.IPPROTO_UDP
	binary.BigEndian.PutUint16(ip[10:12], 0) // checksum, filled below
	copy(ip[12:16], net.IPv4zero.To4())
	copy(ip[16:20], net.IPv4bcast.To4())
	binary.BigEndian.PutUint16(ip[10:12], ipv4Checksum(ip))

	udp := datagram[20:]
	binary.BigEndian.PutUint16(udp[0:2], ClientPort)
	binary.BigEndian.PutUint16(udp[2:4], ServerPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	binary.BigEndian.PutUint16(udp[6:8], 0)
	copy(udp[8:], payload)
	var src, dst [4]byte
	copy(src[:], net.IPv4zero.To4())
	copy(dst[:], net.IPv4bcast.To4())
	binary.BigEndian.PutUint16(udp[6:8], udpChecksum(src, dst, udp))

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IP),
		Ifindex:  ps.ifindex,
		Halen:    6,
	}
	copy(addr.Addr[:6], ps.broadcast)
	if err := unix.Sendto(ps.fd, datagram, 0, addr); err != nil {
		return fmt.Errorf("dhcp4c: send raw packet: %w", err)
	}
	return nil
}

// recv reads one datagram and returns the DHCP payload with the IP+UDP
// framing stripped. When the kernel auxdata reports the checksum neither
// validated nor pending offload, recv recomputes it and drops a mismatch;
// a datagram without auxdata is not checksum-checked.
func (ps *packetSocket) recv() ([]byte, error) {
	buf := make([]byte, 65536)
	oob := make([]byte, 128)

	n, oobn, _, _, err := unix.Recvmsg(ps.fd, buf, oob, unix.MSG_DONTWAIT)
	if err != nil {
		return nil, err
	}
	data := buf[:n]
	if len(data) < 20 {
		return nil, fmt.Errorf("dhcp4c: short ip packet: %w", ErrMalformedPacket)
	}
	ihl := int(data[0]&0x0f) * 4
	if len(data) < ihl+8 {
		return nil, fmt.Errorf("dhcp4c: short udp header: %w", ErrMalformedPacket)
	}
	udp := data[ihl:]

	status, ok := parseAuxdataStatus(oob[:oobn])
	if ok && status&tpStatusCsumNotReady == 0 && status&tpStatusCsumValid == 0 {
		var src, dst [4]byte
		copy(src[:], data[12:16])
		copy(dst[:], data[16:20])
		wantChecksum := binary.BigEndian.Uint16(udp[6:8])
		if wantChecksum != 0 {
			tmp := append([]byte(nil), udp...)
			binary.BigEndian.PutUint16(tmp[6:8], 0)
			if udpChecksum(src, dst, tmp) != wantChecksum {
				return nil, ErrChecksum
			}
		}
	}

	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < 8 || ihl+udpLen > len(data) {
		return nil, fmt.Errorf("dhcp4c: inconsistent udp length: %w", ErrMalformedPacket)
	}
	return udp[8:udpLen], nil
}

// parseAuxdataStatus extracts tp_status from a PACKET_AUXDATA control
// message, if present in oob.
func parseAuxdataStatus(oob []byte) (uint32, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_PACKET && m.Header.Type == unix.PACKET_AUXDATA && len(m.Data) >= 4 {
			return binary.LittleEndian.Uint32(m.Data[0:4]), true
		}
	}
	return 0, false
}

// ErrMalformedPacket marks a drop at the raw packet-framing level, below
// the DHCP wire codec; like wire.ErrMalformed this is a tier-1 error that
// never surfaces to the caller.
var ErrMalformedPacket = errors.New("dhcp4c: malformed ip/udp framing")
