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
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// udpSocket is the bound-state transport used once a lease is held: a UDP
// socket on (yiaddr, 68), reused and bound to the client's interface so
// unicast RENEW and broadcast REBIND traffic both work without a route
// table entry yet installed for yiaddr.
type udpSocket struct {
	conn    *net.UDPConn
	ifName  string
	ifindex int
}

func newUDPSocket(cfg ClientConfig, yiaddr net.IP, ifName string) (*udpSocket, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					ctrlErr = fmt.Errorf("SO_REUSEADDR: %w", err)
					return
				}
				if ifName != "" {
					if err := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName); err != nil {
						ctrlErr = fmt.Errorf("SO_BINDTODEVICE: %w", err)
						return
					}
				}
				if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
					ctrlErr = fmt.Errorf("IP_PKTINFO: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
					ctrlErr = fmt.Errorf("SO_BROADCAST: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	addr := netip.AddrPortFrom(netipFrom4(yiaddr), ClientPort)
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("dhcp4c: bind udp socket to %s: %w", addr, err)
	}
	return &udpSocket{conn: pc.(*net.UDPConn), ifName: ifName, ifindex: cfg.Ifindex}, nil
}

func netipFrom4(ip net.IP) netip.Addr {
	v4 := ip.To4()
	if v4 == nil {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte{v4[0], v4[1], v4[2], v4[3]})
}

func (u *udpSocket) fd() int {
	raw, err := u.conn.SyscallConn()
	if err != nil {
		return -1
	}
	var out int
	raw.Control(func(fd uintptr) { out = int(fd) })
	return out
}

func (u *udpSocket) sendTo(payload []byte, dst net.IP) error {
	_, err := u.conn.WriteToUDP(payload, &net.UDPAddr{IP: dst, Port: ServerPort})
	if err != nil {
		return fmt.Errorf("dhcp4c: udp send to %s: %w", dst, err)
	}
	return nil
}

// recv reads one datagram without blocking: it sets an immediate read
// deadline so an empty socket returns a timeout error rather than
// blocking dispatch, matching the non-blocking drain the packet socket
// gets from MSG_DONTWAIT and the timer from TFD_NONBLOCK.
func (u *udpSocket) recv() ([]byte, error) {
	buf := make([]byte, 65536)
	if err := u.conn.SetReadDeadline(time.Now()); err != nil {
		return nil, err
	}
	n, _, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (u *udpSocket) close() error {
	return u.conn.Close()
}
