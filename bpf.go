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
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/netlease/dhcp4c/wire"
)

// ipHeaderMinLen is the minimum (no-options) IPv4 header length; the
// filter reads the actual header length out of the first byte of the
// packet at runtime with a BPF_LDX_MSH instruction.
const ipHeaderMinLen = 20

const udpHeaderLen = 8

// dhcpReplyMinLen is the smallest DHCP payload the filter admits: the
// BOOTP header plus the 4-byte magic cookie. A real reply always carries
// at least one option (message type) beyond this, but the filter only
// needs to guarantee the fixed fields it reads are in bounds.
const dhcpReplyMinLen = wire.HeaderLen + wire.CookieLen

// buildFilterProgram constructs the classic BPF program that admits only
// an unfragmented UDP datagram addressed to the DHCP client port, carrying
// a BOOTREPLY with the given transaction id and the DHCP magic cookie.
//
// The program assumes the capturing socket is AF_PACKET/SOCK_DGRAM, so the
// link-layer header has already been stripped and byte 0 is the start of
// the IP header.
func buildFilterProgram(xid uint32) ([]unix.SockFilter, error) {
	insns := []bpf.Instruction{
		// A <- IP protocol; must be UDP.
		bpf.LoadAbsolute{Off: 9, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: unix.IPPROTO_UDP, SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		// A <- IP flags+fragment offset; must be unfragmented (MF clear,
		// fragment offset zero).
		bpf.LoadAbsolute{Off: 6, Size: 2},
		bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0x3fff},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0, SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		// X <- IP header length (from the low nibble of byte 0, *4).
		bpf.LoadMemShift{Off: 0},

		// A <- total packet length; A -= X leaves the UDP+payload length.
		bpf.LoadExtension{Num: bpf.ExtLen},
		bpf.ALUOpX{Op: bpf.ALUOpSub},
		bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: udpHeaderLen + dhcpReplyMinLen, SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		// A <- UDP destination port (indirect off X); must be the DHCP
		// client port.
		bpf.LoadIndirect{Off: 2, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: ClientPort, SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		// X <- X + UDP header length, so indirect loads below are relative
		// to the start of the DHCP payload.
		bpf.LoadConstant{Dst: bpf.RegA, Val: udpHeaderLen},
		bpf.ALUOpX{Op: bpf.ALUOpAdd},
		bpf.TAX{},

		// A <- DHCP op; must be BOOTREPLY.
		bpf.LoadIndirect{Off: 0, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(wire.OpBootReply), SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		// A <- DHCP xid; must match the probe's active transaction id.
		bpf.LoadIndirect{Off: 4, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: xid, SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		// A <- magic cookie; must match the DHCP sentinel.
		bpf.LoadIndirect{Off: wire.HeaderLen, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: magicCookieWord, SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		bpf.RetConstant{Val: 0xffff},
	}

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("dhcp4c: assemble bpf filter: %w", err)
	}
	out := make([]unix.SockFilter, len(raw))
	for i, r := range raw {
		out[i] = unix.SockFilter{Code: r.Op, Jt: r.Jt, Jf: r.Jf, K: r.K}
	}
	return out, nil
}

var magicCookieWord = uint32(wire.MagicCookie[0])<<24 | uint32(wire.MagicCookie[1])<<16 | uint32(wire.MagicCookie[2])<<8 | uint32(wire.MagicCookie[3])

// attachFilter installs the classic BPF program matching xid onto fd,
// replacing whatever filter (if any) was previously attached. xid rotation
// always rebuilds and re-attaches rather than patching a live program in
// place.
func attachFilter(fd int, xid uint32) error {
	prog, err := buildFilterProgram(xid)
	if err != nil {
		return err
	}
	sockProg := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &sockProg); err != nil {
		return fmt.Errorf("dhcp4c: SO_ATTACH_FILTER: %w", err)
	}
	return nil
}
