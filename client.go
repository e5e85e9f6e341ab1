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
	"bytes"
	"errors"
	"net"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/netlease/dhcp4c/wire"
)

// minUsableMTU is the smallest interface MTU the client considers usable;
// update_mtu below this value emits Down, per the event-emission design.
const minUsableMTU = 576

// selectingWindow is the default OFFER collection window for SELECTING.
const selectingWindow = 10 * time.Second

// Client is the reference-counted root object: one ClientConfig, zero or
// more sequential Probes, and the transport/timer/event-queue plumbing
// they share.
type Client struct {
	cfg ClientConfig

	refs int

	probe        *Probe
	probeGenNext uint64

	packetSock *packetSocket
	udpSock    *udpSocket
	ifName     string

	poll  *poller
	timer *timerSource

	events eventQueue
	mtu    int
	closed bool
}

// New constructs a Client bound to cfg's interface, opening the raw
// packet socket and the readiness-fd aggregator. The UDP socket is
// created lazily once a probe reaches BOUND.
func New(cfg ClientConfig) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clone()

	ps, err := newPacketSocket(cfg)
	if err != nil {
		return nil, newError(CodeInternal, "%v", err)
	}

	pl, err := newPoller()
	if err != nil {
		ps.close()
		return nil, newError(CodeInternal, "%v", err)
	}
	if err := pl.add(ps.fd); err != nil {
		ps.close()
		pl.close()
		return nil, newError(CodeInternal, "%v", err)
	}

	ts, err := newTimerSource()
	if err != nil {
		ps.close()
		pl.close()
		return nil, newError(CodeInternal, "%v", err)
	}
	if err := pl.add(ts.fd); err != nil {
		ps.close()
		pl.close()
		ts.close()
		return nil, newError(CodeInternal, "%v", err)
	}

	ifName := ""
	if link, err := netlink.LinkByIndex(cfg.Ifindex); err == nil {
		ifName = link.Attrs().Name
	}

	c := &Client{
		cfg:        cfg,
		refs:       1,
		packetSock: ps,
		poll:       pl,
		timer:      ts,
		ifName:     ifName,
	}
	if cfg.MTU != 0 {
		// Seed the usability check from the MTU resolved at configuration
		// time, so an interface that is already below the minimum surfaces
		// Down on the first PopEvent rather than only after the host's
		// first UpdateMTU call.
		c.UpdateMTU(cfg.MTU)
	}
	return c, nil
}

// Ref increments the reference count.
func (c *Client) Ref() *Client {
	c.refs++
	return c
}

// Unref decrements the reference count, closing underlying resources once
// it reaches zero. Outstanding Lease refs remain valid afterward; they
// carry their own copy of the option bytes.
func (c *Client) Unref() {
	c.refs--
	if c.refs > 0 || c.closed {
		return
	}
	c.closed = true
	if c.probe != nil {
		c.cancelProbe(c.probe, false)
	}
	if c.udpSock != nil {
		c.poll.remove(c.udpSock.fd())
		c.udpSock.close()
	}
	c.packetSock.close()
	c.timer.close()
	c.poll.close()
}

// GetFD returns the single readiness fd aggregating the packet socket,
// the UDP socket (when present) and the timer.
func (c *Client) GetFD() int { return c.poll.fd() }

// PopEvent returns the next queued event, or ok=false if the queue is
// empty. It never blocks. The event's probe handle is weak: a probe
// superseded between the transition firing and the caller popping the
// event reports Alive()=false, and the lease ref (if any) stays valid
// regardless.
func (c *Client) PopEvent() (Event, bool) {
	return c.events.pop()
}

// UpdateMTU informs the client of the interface's current MTU. A value
// below minUsableMTU emits Down.
func (c *Client) UpdateMTU(mtu int) {
	c.mtu = mtu
	if mtu < minUsableMTU {
		c.events.push(Event{Kind: EventDown, Probe: c.probe})
	}
}

func (c *Client) nextProbeGeneration() uint64 {
	c.probeGenNext++
	return c.probeGenNext
}

// Probe starts a new acquisition attempt, cancelling any probe already in
// progress.
func (c *Client) Probe(cfg ProbeConfig) (*Probe, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if c.probe != nil {
		c.cancelProbe(c.probe, true)
	}
	now := time.Now()
	p := newProbe(c, cfg, now)
	c.probe = p

	if err := c.packetSock.reprogram(p.xid); err != nil {
		return nil, newError(CodeInternal, "%v", err)
	}
	c.timer.armNow()
	return p, nil
}

func (c *Client) cancelProbe(p *Probe, emitEvent bool) {
	if p == nil || p.cancelled {
		return
	}
	p.cancelled = true
	p.state = probeStateDone
	if c.probe == p {
		c.probe = nil
	}
	if c.udpSock != nil {
		c.poll.remove(c.udpSock.fd())
		c.udpSock.close()
		c.udpSock = nil
	}
	if emitEvent {
		c.events.push(Event{Kind: EventCancelled, Probe: p})
	}
}

func (c *Client) transitionToInit(p *Probe, now time.Time) {
	p.xid = newXID()
	p.enterState(probeStateInit, now)
	p.lease = nil
	p.offers = nil
	if c.udpSock != nil {
		c.poll.remove(c.udpSock.fd())
		c.udpSock.close()
		c.udpSock = nil
	}
	if err := c.packetSock.reprogram(p.xid); err != nil {
		klog.V(2).Infof("dhcp4c: reprogram filter on return to INIT: %v", err)
	}
	c.timer.armNow()
}

func (c *Client) fillHeader(h *wire.Header, p *Probe) {
	h.Op = wire.OpBootRequest
	h.HType = c.cfg.hardwareType()
	if h.HType == wire.HardwareTypeEthernet {
		h.HLen = uint8(len(c.cfg.ClientHWAddr))
		h.SetCHAddr(c.cfg.ClientHWAddr)
	}
	h.XID = p.xid
	h.Secs = p.secsField(time.Now())
}

func (c *Client) withCommonOptions(opts wire.Options) wire.Options {
	if len(c.cfg.ClientID) > 0 {
		opts[wire.OptionClientIdentifier] = c.cfg.ClientID
	}
	return opts
}

func (c *Client) sendRaw(msg *wire.Message) error {
	msg.Options = c.withCommonOptions(msg.Options)
	return c.packetSock.send(msg.Encode(wire.MinBootpLen))
}

// sendUDPUnicast is the entry point used by Lease.Release, which must
// work even though the owning probe has already transitioned out of
// BOUND/RENEWING by the time the caller calls it.
func (c *Client) sendUDPUnicast(msg *wire.Message, dst net.IP) error {
	return c.sendUDP(msg, dst)
}

func (c *Client) sendUDP(msg *wire.Message, dst net.IP) error {
	if c.udpSock == nil {
		return newError(CodeInternal, "udp socket not open")
	}
	msg.Options = c.withCommonOptions(msg.Options)
	return c.udpSock.sendTo(msg.Encode(wire.MinBootpLen), dst)
}

// Dispatch drains every ready fd and advances state accordingly. It is
// edge-idempotent: called with nothing ready, it is a no-op. A fatal
// socket error, POLLERR/POLLHUP on any tracked fd or an unrecoverable
// recv error, emits Down and returns a CodeInternal error; the caller is
// expected to destroy the client.
func (c *Client) Dispatch() error {
	ready, err := c.poll.wait(0)
	if err != nil {
		c.events.push(Event{Kind: EventDown, Probe: c.probe})
		return newError(CodeInternal, "%v", err)
	}
	now := time.Now()
	for _, r := range ready {
		if r.err {
			c.events.push(Event{Kind: EventDown, Probe: c.probe})
			return newError(CodeInternal, "fd %d reported a socket error", r.fd)
		}
		switch {
		case r.fd == c.packetSock.fd:
			if err := c.drainPacketSocket(now); err != nil {
				c.events.push(Event{Kind: EventDown, Probe: c.probe})
				return newError(CodeInternal, "%v", err)
			}
		case c.udpSock != nil && r.fd == c.udpSock.fd():
			if err := c.drainUDPSocket(now); err != nil {
				c.events.push(Event{Kind: EventDown, Probe: c.probe})
				return newError(CodeInternal, "%v", err)
			}
		case r.fd == c.timer.fd:
			c.timer.drain()
			c.onTimer(now)
		}
	}
	return nil
}

// drainPacketSocket drains every pending datagram. Packet-level
// malformation (bad framing, bad checksum, bad DHCP encoding) is tier-1:
// logged, counted, and dropped. Anything else escaping recv (ENETDOWN,
// EBADF, and the like) is fatal and returned so Dispatch can surface it.
func (c *Client) drainPacketSocket(now time.Time) error {
	for {
		payload, err := c.packetSock.recv()
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return nil
			case errors.Is(err, ErrChecksum):
				klog.V(4).Infof("dhcp4c: raw packet recv: %v", err)
				c.cfg.Metrics.dropped("checksum")
				continue
			case errors.Is(err, ErrMalformedPacket):
				klog.V(4).Infof("dhcp4c: raw packet recv: %v", err)
				c.cfg.Metrics.dropped("framing")
				continue
			default:
				klog.V(2).Infof("dhcp4c: raw packet socket fatal error: %v", err)
				return err
			}
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			klog.V(4).Infof("dhcp4c: drop malformed dhcp payload: %v", err)
			c.cfg.Metrics.dropped("malformed")
			continue
		}
		c.handleMessage(msg, now)
	}
}

// drainUDPSocket mirrors drainPacketSocket: a read-deadline timeout means
// the socket is simply empty (the expected steady state), anything else
// is a fatal tier-3 error.
func (c *Client) drainUDPSocket(now time.Time) error {
	for {
		payload, err := c.udpSock.recv()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			klog.V(2).Infof("dhcp4c: udp socket fatal error: %v", err)
			return err
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			klog.V(4).Infof("dhcp4c: drop malformed dhcp payload: %v", err)
			c.cfg.Metrics.dropped("malformed")
			continue
		}
		c.handleMessage(msg, now)
	}
}

// handleMessage performs the userspace reception matching beyond the
// kernel BPF: chaddr prefix and message-type-for-state checks. Mismatches
// are silently dropped.
func (c *Client) handleMessage(msg *wire.Message, now time.Time) {
	p := c.probe
	if p == nil || p.cancelled {
		return
	}
	if msg.Header.XID != p.xid {
		return
	}
	if c.cfg.hardwareType() == wire.HardwareTypeEthernet {
		if !bytes.Equal(msg.Header.CHAddr[:len(c.cfg.ClientHWAddr)], c.cfg.ClientHWAddr) {
			return
		}
	}
	mt, ok := msg.Options.MessageType()
	if !ok {
		return
	}

	switch p.state {
	case probeStateSelecting:
		if mt != wire.MessageTypeOffer {
			return
		}
		lease, err := newLeaseFromMessage(p, msg, now)
		if err != nil {
			klog.V(4).Infof("dhcp4c: drop invalid offer: %v", err)
			return
		}
		first := len(p.offers) == 0
		p.offers = append(p.offers, lease)
		if first {
			c.events.push(Event{Kind: EventOffer, Probe: p, Lease: lease})
		}
	case probeStateRequesting, probeStateRebooting:
		c.handleAckNak(p, msg, mt, now, true)
	case probeStateRenewing, probeStateRebinding:
		c.handleAckNak(p, msg, mt, now, false)
	case probeStateInformSent:
		if mt != wire.MessageTypeAck {
			return
		}
		c.cfg.Metrics.leaseAcquired()
		c.events.push(Event{Kind: EventGranted, Probe: p})
		c.cancelProbe(p, false)
	}
}

func (c *Client) handleAckNak(p *Probe, msg *wire.Message, mt wire.MessageType, now time.Time, firstGrant bool) {
	switch mt {
	case wire.MessageTypeAck:
		lease, err := newLeaseFromMessage(p, msg, now)
		if err != nil {
			klog.V(4).Infof("dhcp4c: drop invalid ack: %v", err)
			return
		}
		p.lease = lease
		p.enterState(probeStateBound, now)
		if firstGrant {
			// Nothing is scheduled here: the probe sits in BOUND with the
			// timer disarmed until the caller calls Lease.Accept, which
			// opens the UDP transport and arms the lease timer.
			c.timer.arm(0)
			c.cfg.Metrics.leaseAcquired()
			c.events.push(Event{Kind: EventGranted, Probe: p, Lease: lease})
		} else {
			// A renewal/rebind ACK refreshes an already-accepted lease; the
			// UDP transport is open and the caller is not asked to accept
			// again, so the refreshed T1 is armed immediately.
			lease.accepted = true
			c.armLeaseTimer(p, now)
			c.events.push(Event{Kind: EventExtended, Probe: p, Lease: lease})
		}
	case wire.MessageTypeNak:
		wasBound := !firstGrant
		c.transitionToInit(p, now)
		if wasBound {
			c.events.push(Event{Kind: EventRetracted, Probe: p})
		}
	}
}

func (c *Client) openUDPSocket(p *Probe, l *Lease) error {
	if c.udpSock != nil {
		c.poll.remove(c.udpSock.fd())
		c.udpSock.close()
		c.udpSock = nil
	}
	us, err := newUDPSocket(c.cfg, l.YourAddr(), c.ifName)
	if err != nil {
		return err
	}
	c.udpSock = us
	return c.poll.add(us.fd())
}

// armLeaseTimer schedules the wakeup for T1 (renewal) right after a lease
// is acquired or extended. An infinite lease disarms the timer instead:
// no renewal or expiry is ever scheduled for it.
func (c *Client) armLeaseTimer(p *Probe, now time.Time) {
	if p.lease == nil || p.lease.leaseTime == InfiniteLeaseTime {
		c.timer.arm(0)
		return
	}
	if d := p.lease.T1Instant().Sub(now); d > 0 {
		c.timer.arm(d)
	} else {
		c.timer.armNow()
	}
}

// armRetransmitTimer schedules the next RENEWING/REBINDING retransmit at
// max(60s, remaining-to-deadline/2), never overshooting deadline itself.
func (c *Client) armRetransmitTimer(now, deadline time.Time) {
	remaining := deadline.Sub(now)
	interval := remaining / 2
	if interval < 60*time.Second {
		interval = 60 * time.Second
	}
	next := now.Add(interval)
	if next.After(deadline) {
		next = deadline
	}
	if d := next.Sub(now); d > 0 {
		c.timer.arm(d)
	} else {
		// The deadline has already passed (a nearly expired lease, or a
		// clock that jumped); fire immediately so the state machine
		// advances rather than handing arm a non-positive duration, which
		// disarms the timer.
		c.timer.armNow()
	}
}

// onTimer advances the probe's retransmission/lease-timer state on every
// timer expiry: it sends whatever message the current state owes the
// network and arms the next deadline.
func (c *Client) onTimer(now time.Time) {
	p := c.probe
	if p == nil {
		return
	}
	switch p.state {
	case probeStateInit:
		c.sendDiscover(p, now)
		p.enterState(probeStateSelecting, now)
		c.scheduleSelectingWindow(p, now)
	case probeStateSelecting:
		if len(p.offers) == 0 {
			c.sendDiscover(p, now)
			c.scheduleSelectingWindow(p, now)
			return
		}
		// An offer exists but the caller has not yet selected one;
		// nothing to retransmit. Keep the timer quiet until Select or
		// external cancellation.
	case probeStateRequesting:
		c.sendRequestSelecting(p, now)
		c.scheduleBackoff(p, now)
	case probeStateInitReboot:
		c.sendRequestInitReboot(p, now)
		p.enterState(probeStateRebooting, now)
		c.scheduleBackoff(p, now)
	case probeStateRebooting:
		c.sendRequestInitReboot(p, now)
		c.scheduleBackoff(p, now)
	case probeStateInformInit:
		c.sendInform(p, now)
		p.enterState(probeStateInformSent, now)
		c.scheduleBackoff(p, now)
	case probeStateInformSent:
		c.sendInform(p, now)
		c.scheduleBackoff(p, now)
	case probeStateBound:
		// T1 has fired.
		p.enterState(probeStateRenewing, now)
		c.sendRequestRenew(p, now)
		c.armRetransmitTimer(now, p.lease.T2Instant())
	case probeStateRenewing:
		if !now.Before(p.lease.T2Instant()) {
			p.enterState(probeStateRebinding, now)
			c.sendRequestRebind(p, now)
			if p.lease.leaseTime == InfiniteLeaseTime {
				c.timer.arm(0)
			} else {
				c.armRetransmitTimer(now, p.lease.ExpiryInstant())
			}
			return
		}
		c.cfg.Metrics.retransmit()
		c.sendRequestRenew(p, now)
		c.armRetransmitTimer(now, p.lease.T2Instant())
	case probeStateRebinding:
		if p.lease.leaseTime != InfiniteLeaseTime && !now.Before(p.lease.ExpiryInstant()) {
			c.events.push(Event{Kind: EventExpired, Probe: p})
			c.transitionToInit(p, now)
			return
		}
		c.cfg.Metrics.retransmit()
		c.sendRequestRebind(p, now)
		if p.lease.leaseTime == InfiniteLeaseTime {
			c.timer.arm(0)
		} else {
			c.armRetransmitTimer(now, p.lease.ExpiryInstant())
		}
	}
}

func (c *Client) scheduleBackoff(p *Probe, now time.Time) {
	idx := p.retransmit
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	if idx > 0 {
		c.cfg.Metrics.retransmit()
	}
	d := jitter(backoffSchedule[idx])
	p.retransmit++
	c.timer.arm(time.Duration(d * float64(time.Second)))
}

// scheduleSelectingWindow arms the SELECTING OFFER-collection retry at the
// flat selectingWindow interval, distinct from the exponential
// backoffSchedule used to retry REQUEST elsewhere. Still jittered one
// second either way like every other retransmit.
func (c *Client) scheduleSelectingWindow(p *Probe, now time.Time) {
	if p.retransmit > 0 {
		c.cfg.Metrics.retransmit()
	}
	p.retransmit++
	d := jitter(selectingWindow.Seconds())
	c.timer.arm(time.Duration(d * float64(time.Second)))
}

func (c *Client) sendDiscover(p *Probe, now time.Time) {
	msg := wire.NewMessage(wire.OpBootRequest, wire.MessageTypeDiscover, p.requestOptions(wire.Options{}))
	c.fillHeader(&msg.Header, p)
	if err := c.sendRaw(msg); err != nil {
		klog.V(2).Infof("dhcp4c: send discover: %v", err)
	}
}

func (c *Client) sendRequestSelecting(p *Probe, now time.Time) {
	if len(p.offers) == 0 {
		return
	}
	lease := p.offers[0]
	for _, o := range p.offers {
		if o.state == stateSelected {
			lease = o
		}
	}
	opts := p.requestOptions(wire.Options{
		wire.OptionRequestedIP:      []byte(lease.YourAddr().To4()),
		wire.OptionServerIdentifier: []byte(lease.ServerID().To4()),
	})
	msg := wire.NewMessage(wire.OpBootRequest, wire.MessageTypeRequest, opts)
	c.fillHeader(&msg.Header, p)
	if err := c.sendRaw(msg); err != nil {
		klog.V(2).Infof("dhcp4c: send request: %v", err)
	}
}

func (c *Client) sendRequestInitReboot(p *Probe, now time.Time) {
	opts := p.requestOptions(wire.Options{
		wire.OptionRequestedIP: []byte(p.cfg.RequestedIP.To4()),
	})
	msg := wire.NewMessage(wire.OpBootRequest, wire.MessageTypeRequest, opts)
	c.fillHeader(&msg.Header, p)
	if err := c.sendRaw(msg); err != nil {
		klog.V(2).Infof("dhcp4c: send init-reboot request: %v", err)
	}
}

// sendInform sends DHCPINFORM for an inform-only probe: the client already
// holds RequestedIP (carried in ciaddr) and is asking for configuration
// parameters without an address assignment.
func (c *Client) sendInform(p *Probe, now time.Time) {
	msg := wire.NewMessage(wire.OpBootRequest, wire.MessageTypeInform, p.requestOptions(wire.Options{}))
	c.fillHeader(&msg.Header, p)
	msg.Header.SetCIAddr(p.cfg.RequestedIP)
	if err := c.sendRaw(msg); err != nil {
		klog.V(2).Infof("dhcp4c: send inform: %v", err)
	}
}

func (c *Client) sendRequestRenew(p *Probe, now time.Time) {
	if p.lease == nil {
		return
	}
	msg := wire.NewMessage(wire.OpBootRequest, wire.MessageTypeRequest, p.requestOptions(wire.Options{}))
	c.fillHeader(&msg.Header, p)
	msg.Header.SetCIAddr(p.lease.YourAddr())
	if err := c.sendUDP(msg, p.lease.ServerID()); err != nil {
		klog.V(2).Infof("dhcp4c: send renew request: %v", err)
	}
}

func (c *Client) sendRequestRebind(p *Probe, now time.Time) {
	if p.lease == nil {
		return
	}
	msg := wire.NewMessage(wire.OpBootRequest, wire.MessageTypeRequest, p.requestOptions(wire.Options{}))
	c.fillHeader(&msg.Header, p)
	msg.Header.SetCIAddr(p.lease.YourAddr())
	if err := c.sendUDP(msg, net.IPv4bcast); err != nil {
		klog.V(2).Infof("dhcp4c: send rebind request: %v", err)
	}
}

// SelectOffer is the lease_select operation: the caller picks one of the
// offers collected during SELECTING, moving the probe to REQUESTING.
func (c *Client) SelectOffer(p *Probe, l *Lease) error {
	if p.state != probeStateSelecting {
		return newError(CodeInvalidArgument, "probe is not collecting offers")
	}
	if err := l.Select(); err != nil {
		return err
	}
	p.enterState(probeStateRequesting, time.Now())
	c.timer.armNow()
	return nil
}
