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
	"net"
	"time"

	"github.com/netlease/dhcp4c/wire"
)

// ErrNotFound is returned by Lease.Query for an absent option code.
var ErrNotFound = errors.New("dhcp4c: option not found")

// InfiniteLeaseTime is the RFC 2131 sentinel value (0xFFFFFFFF) meaning
// the lease never expires; it must never be converted into a scheduled
// expiry timer.
const InfiniteLeaseTime uint32 = 0xffffffff

// leaseState tracks the three reference-counted states a Lease can carry,
// per the data model: an OFFER starts a lease in stateOffered; the caller
// accepting it moves to stateSelected; the server's ACK moves it to
// stateAcked.
type leaseState int

const (
	stateOffered leaseState = iota
	stateSelected
	stateAcked
	stateDeclined
	stateReleased
)

// Lease is an immutable (after construction) snapshot of a server's
// OFFER or ACK. It is reference counted through Ref/Unref, and a lease may
// outlive the probe that produced it.
type Lease struct {
	refs int

	owner    *Probe
	state    leaseState
	accepted bool

	yiaddr      net.IP
	serverID    net.IP
	subnetMask  net.IP
	routers     []net.IP
	dns         []net.IP
	leaseTime   uint32
	t1          uint32
	t2          uint32
	messageType wire.MessageType
	acquiredAt  time.Time

	options wire.Options
}

// T1Instant returns the absolute time T1 (renewal) elapses.
func (l *Lease) T1Instant() time.Time {
	return l.acquiredAt.Add(time.Duration(l.t1) * time.Second)
}

// T2Instant returns the absolute time T2 (rebinding) elapses.
func (l *Lease) T2Instant() time.Time {
	return l.acquiredAt.Add(time.Duration(l.t2) * time.Second)
}

// ExpiryInstant returns the absolute time the lease expires. Callers must
// check LeaseTime() != InfiniteLeaseTime first; an infinite lease has no
// meaningful expiry instant.
func (l *Lease) ExpiryInstant() time.Time {
	return l.acquiredAt.Add(time.Duration(l.leaseTime) * time.Second)
}

// newLeaseFromMessage builds a Lease snapshot from a decoded OFFER or ACK.
// When the server omits T1/T2 they default to the RFC 2131 values
// T1 = T/2 and T2 = 7T/8; out-of-order values are clamped as described
// below.
func newLeaseFromMessage(owner *Probe, msg *wire.Message, now time.Time) (*Lease, error) {
	mt, ok := msg.Options.MessageType()
	if !ok {
		return nil, newError(CodeInternal, "message missing type at lease construction")
	}

	l := &Lease{
		refs:        1,
		owner:       owner,
		yiaddr:      append(net.IP(nil), msg.Header.YIAddrIP()...),
		messageType: mt,
		options:     msg.Options,
		acquiredAt:  now,
	}

	if v, ok := msg.Options.Get(wire.OptionServerIdentifier); ok && len(v) == 4 {
		l.serverID = net.IP(append([]byte(nil), v...))
	}
	if v, ok := msg.Options.Get(wire.OptionSubnetMask); ok && len(v) == 4 {
		l.subnetMask = net.IP(append([]byte(nil), v...))
	}
	l.routers = parseIPList(msg.Options, wire.OptionRouter)
	l.dns = parseIPList(msg.Options, wire.OptionDNSServer)

	if v, ok := msg.Options.Get(wire.OptionLeaseTime); ok && len(v) == 4 {
		l.leaseTime = binary.BigEndian.Uint32(v)
	}
	l.t1 = l.leaseTime / 2
	l.t2 = l.leaseTime - l.leaseTime/8
	if v, ok := msg.Options.Get(wire.OptionRenewalTime); ok && len(v) == 4 {
		l.t1 = binary.BigEndian.Uint32(v)
	}
	if v, ok := msg.Options.Get(wire.OptionRebindingTime); ok && len(v) == 4 {
		l.t2 = binary.BigEndian.Uint32(v)
	}
	if l.leaseTime == InfiniteLeaseTime {
		l.t1 = InfiniteLeaseTime
		l.t2 = InfiniteLeaseTime
	} else {
		// Server-supplied T1/T2 are advisory. A value that breaks
		// 0 < T1 < T2 < T would point the renewal timers at the past, so a
		// zero or out-of-order T2 falls back to 7T/8, and then a zero T1 or
		// one not below the resulting T2 falls back to half of that T2.
		if l.t2 == 0 || l.t2 >= l.leaseTime {
			l.t2 = l.leaseTime - l.leaseTime/8
		}
		if l.t1 == 0 || l.t1 >= l.t2 {
			l.t1 = l.t2 / 2
		}
	}

	switch mt {
	case wire.MessageTypeOffer:
		l.state = stateOffered
	case wire.MessageTypeAck:
		l.state = stateAcked
		if l.serverID == nil {
			return nil, newError(CodeInternal, "ACK missing server identifier")
		}
	}
	if l.yiaddr.Equal(net.IPv4zero) && (mt == wire.MessageTypeOffer || mt == wire.MessageTypeAck) {
		return nil, newError(CodeInternal, "%s carries zero yiaddr", mt)
	}

	return l, nil
}

func parseIPList(opts wire.Options, code uint8) []net.IP {
	v, ok := opts.Get(code)
	if !ok {
		return nil
	}
	var out []net.IP
	for i := 0; i+4 <= len(v); i += 4 {
		out = append(out, net.IP(append([]byte(nil), v[i:i+4]...)))
	}
	return out
}

// Ref increments the reference count and returns the same lease, so
// callers can write `l = l.Ref()`.
func (l *Lease) Ref() *Lease {
	l.refs++
	return l
}

// Unref decrements the reference count. The lease is conceptually freed
// when it reaches zero; since this implementation holds no OS resources
// directly (the wire option bytes are ordinary Go memory), there is
// nothing further to release, but callers must not use the lease
// afterward.
func (l *Lease) Unref() {
	l.refs--
}

// Query returns the raw bytes for code, or ErrNotFound.
func (l *Lease) Query(code uint8) ([]byte, error) {
	v, ok := l.options.Get(code)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// YourAddr returns the client IP address offered or acknowledged.
func (l *Lease) YourAddr() net.IP { return l.yiaddr }

// ServerID returns the server identifier (option 54), or nil if absent.
func (l *Lease) ServerID() net.IP { return l.serverID }

// SubnetMask returns the subnet mask (option 1), or nil if absent.
func (l *Lease) SubnetMask() net.IP { return l.subnetMask }

// Routers returns the router list (option 3).
func (l *Lease) Routers() []net.IP { return l.routers }

// DNSServers returns the DNS server list (option 6).
func (l *Lease) DNSServers() []net.IP { return l.dns }

// LeaseTime returns T in seconds; InfiniteLeaseTime means no expiry.
func (l *Lease) LeaseTime() uint32 { return l.leaseTime }

// T1 returns the renewal time in seconds.
func (l *Lease) T1() uint32 { return l.t1 }

// T2 returns the rebinding time in seconds.
func (l *Lease) T2() uint32 { return l.t2 }

// MessageType returns the message type that produced this snapshot
// (OFFER or ACK).
func (l *Lease) MessageType() wire.MessageType { return l.messageType }

// Select marks an offered lease as chosen by the caller, allowed only
// while the lease is still in the offered state.
func (l *Lease) Select() error {
	if l.state != stateOffered {
		return newError(CodeInvalidArgument, "lease is not in offered state")
	}
	l.state = stateSelected
	return nil
}

// Accept is the lease_accept operation: it commits an acked lease,
// arming its renewal/rebind/expiry timer and, on first acquisition,
// opening the UDP transport. Calling it more than once is a no-op.
// Before Accept is called the probe holds the lease in BOUND without
// scheduling anything, so the caller may still Decline instead.
func (l *Lease) Accept() error {
	if l.state != stateAcked {
		return newError(CodeInvalidArgument, "lease is not in acked state")
	}
	if l.accepted {
		return nil
	}
	if err := l.owner.acceptLease(l); err != nil {
		return err
	}
	l.accepted = true
	return nil
}

// Decline is allowed only in state selected (before ACK acceptance) or
// acked (before expiry); it sends DHCPDECLINE(server-id, requested-ip)
// and returns the owning probe to INIT.
func (l *Lease) Decline() error {
	if l.state != stateSelected && l.state != stateAcked {
		return newError(CodeInvalidArgument, "lease cannot be declined from its current state")
	}
	if l.state == stateSelected && l.owner != nil && l.owner.lease != nil && l.owner.lease.accepted {
		return newError(CodeInvalidArgument, "selected lease cannot be declined after the ACK was accepted")
	}
	if l.state == stateAcked && l.leaseTime != InfiniteLeaseTime && !time.Now().Before(l.ExpiryInstant()) {
		return newError(CodeInvalidArgument, "expired lease cannot be declined")
	}
	l.state = stateDeclined
	return l.owner.declineLease(l)
}

// Release sends DHCPRELEASE(ciaddr, server-id) for a held lease and frees
// the owning probe. RFC 2131 section 4.4.6 does not require or expect a
// reply, so Release does not wait for one.
func (l *Lease) Release() error {
	if l.state != stateAcked {
		return newError(CodeInvalidArgument, "only an acked lease can be released")
	}
	l.state = stateReleased
	return l.owner.releaseLease(l)
}
