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
	"net"

	"github.com/vishvananda/netlink"

	"github.com/netlease/dhcp4c/wire"
)

// ClientConfig is the immutable configuration a Client is constructed
// from. The constructor clones any slice fields, so the caller's copy may
// be reused or discarded afterward.
type ClientConfig struct {
	// Ifindex is the network interface the client operates on. Zero is
	// always invalid.
	Ifindex int
	// HardwareType distinguishes Ethernet (the default, zero value 0 is
	// treated as Ethernet) from InfiniBand transports.
	HardwareType wire.HardwareType
	// ClientHWAddr is the client's own hardware address. For InfiniBand
	// (hlen=0) this is typically empty; ClientID must then be set.
	ClientHWAddr net.HardwareAddr
	// BroadcastHWAddr is the link-layer broadcast address used as the
	// destination when sending via the raw packet path.
	BroadcastHWAddr net.HardwareAddr
	// ClientID, if non-empty, is carried as option 61 on every outbound
	// message. Required when HardwareType is InfiniBand.
	ClientID []byte
	// MTU, if non-zero, is the interface MTU at configuration time. The
	// constructor seeds the client's usability check from it, exactly as a
	// later UpdateMTU call would.
	MTU int
	// Metrics, if non-nil, receives optional packet and retransmit
	// counters. The client never dereferences a nil Metrics.
	Metrics *Metrics
}

// clone returns a defensive copy of cfg with slice fields duplicated.
func (cfg ClientConfig) clone() ClientConfig {
	out := cfg
	out.ClientHWAddr = append(net.HardwareAddr(nil), cfg.ClientHWAddr...)
	out.BroadcastHWAddr = append(net.HardwareAddr(nil), cfg.BroadcastHWAddr...)
	out.ClientID = append([]byte(nil), cfg.ClientID...)
	return out
}

// validate enforces the constructor-time invalid-argument checks. A zero
// ifindex is rejected uniformly here rather than checked ad hoc at each
// use site.
func (cfg ClientConfig) validate() error {
	if cfg.Ifindex == 0 {
		return newError(CodeInvalidArgument, "ifindex must be non-zero")
	}
	switch cfg.HardwareType {
	case wire.HardwareTypeInfiniBand:
		if len(cfg.ClientID) == 0 {
			return newError(CodeInvalidArgument, "client identifier required for InfiniBand transport")
		}
	case wire.HardwareTypeEthernet, 0:
		if len(cfg.ClientHWAddr) != 6 {
			return newError(CodeInvalidArgument, "ethernet client hardware address must be 6 bytes, got %d", len(cfg.ClientHWAddr))
		}
	default:
		return newError(CodeInvalidArgument, "unsupported hardware type %d", cfg.HardwareType)
	}
	return nil
}

func (cfg ClientConfig) hardwareType() wire.HardwareType {
	if cfg.HardwareType == 0 {
		return wire.HardwareTypeEthernet
	}
	return cfg.HardwareType
}

// NewConfigForInterface resolves an Ethernet ifName to a ClientConfig by
// looking up its ifindex, hardware address and MTU via netlink. It rejects
// non-Ethernet links: netlink does not expose the link-layer broadcast
// address an InfiniBand (RFC 4390) transport needs, so those callers build
// a ClientConfig directly, supplying BroadcastHWAddr and ClientID
// themselves.
func NewConfigForInterface(ifName string) (ClientConfig, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("dhcp4c: link %q not found: %w", ifName, err)
	}
	attrs := link.Attrs()
	if len(attrs.HardwareAddr) != 6 {
		return ClientConfig{}, newError(CodeInvalidArgument,
			"link %q is not Ethernet (hardware address is %d bytes); construct a ClientConfig directly with the transport's broadcast address and client identifier",
			ifName, len(attrs.HardwareAddr))
	}

	cfg := ClientConfig{
		Ifindex:         attrs.Index,
		ClientHWAddr:    append(net.HardwareAddr(nil), attrs.HardwareAddr...),
		BroadcastHWAddr: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		MTU:             attrs.MTU,
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}
