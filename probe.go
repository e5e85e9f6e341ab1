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
	"net"
	"time"

	"k8s.io/klog/v2"

	"github.com/netlease/dhcp4c/wire"
)

// probeState enumerates the states a Probe moves through. It is a plain
// enumeration carrying no data; the retransmit/timer bookkeeping lives in
// the Probe fields shared by every state.
type probeState int

const (
	probeStateInit probeState = iota
	probeStateSelecting
	probeStateRequesting
	probeStateInitReboot
	probeStateRebooting
	probeStateBound
	probeStateRenewing
	probeStateRebinding
	probeStateInformInit
	probeStateInformSent
	probeStateDone
)

func (s probeState) String() string {
	switch s {
	case probeStateInit:
		return "INIT"
	case probeStateSelecting:
		return "SELECTING"
	case probeStateRequesting:
		return "REQUESTING"
	case probeStateInitReboot:
		return "INIT-REBOOT"
	case probeStateRebooting:
		return "REBOOTING"
	case probeStateBound:
		return "BOUND"
	case probeStateRenewing:
		return "RENEWING"
	case probeStateRebinding:
		return "REBINDING"
	case probeStateInformSent:
		return "INFORM-SENT"
	case probeStateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// backoffSchedule is the fixed retransmission schedule shared by
// REQUESTING, INIT-REBOOT/REBOOTING and the INFORM states: 4, 8, 16, 32, 64
// seconds, capped, each with independent ±1s jitter applied at use. DISCOVER
// (INIT/SELECTING) is retried on the flat selectingWindow instead.
var backoffSchedule = []float64{4, 8, 16, 32, 64}

// ProbeConfig is the immutable, caller-supplied description of one
// acquisition attempt.
type ProbeConfig struct {
	// InformOnly requests configuration parameters without address
	// assignment (DHCPINFORM); no lease timers are scheduled.
	InformOnly bool
	// InitReboot starts the probe in INIT-REBOOT with RequestedIP instead
	// of broadcasting a DISCOVER.
	InitReboot bool
	// RequestedIP is required when InitReboot is set.
	RequestedIP net.IP
	// ParameterRequestList is sent as option 55.
	ParameterRequestList []uint8
	// UserData is an opaque value the caller can retrieve with
	// Probe.UserData; the client never interprets it.
	UserData any
}

func (cfg ProbeConfig) validate() error {
	if cfg.InitReboot && len(cfg.RequestedIP.To4()) != 4 {
		return newError(CodeInvalidArgument, "init-reboot probe requires a requested IPv4 address")
	}
	if cfg.InformOnly {
		if cfg.InitReboot {
			return newError(CodeInvalidArgument, "probe cannot combine inform-only with init-reboot")
		}
		if len(cfg.RequestedIP.To4()) != 4 {
			return newError(CodeInvalidArgument, "inform-only probe requires the already-configured IPv4 address")
		}
	}
	return nil
}

// Probe is one acquisition attempt pinned to its Client. Exactly one
// probe is active per client; starting a new one cancels the old.
type Probe struct {
	client     *Client
	generation uint64
	cfg        ProbeConfig

	state        probeState
	xid          uint32
	lease        *Lease // current OFFER/ACK snapshot, nil until one arrives
	offers       []*Lease
	retransmit   int
	stateEntered time.Time
	cancelled    bool
}

func newProbe(c *Client, cfg ProbeConfig, now time.Time) *Probe {
	p := &Probe{
		client:       c,
		generation:   c.nextProbeGeneration(),
		cfg:          cfg,
		xid:          newXID(),
		stateEntered: now,
	}
	switch {
	case cfg.InformOnly:
		p.state = probeStateInformInit
	case cfg.InitReboot:
		p.state = probeStateInitReboot
	default:
		p.state = probeStateInit
	}
	return p
}

// requestOptions adds the probe's parameter request list (option 55) to
// opts. It belongs on DISCOVER, REQUEST and INFORM only; DECLINE and
// RELEASE must not carry it, so those paths never call this.
func (p *Probe) requestOptions(opts wire.Options) wire.Options {
	if len(p.cfg.ParameterRequestList) > 0 {
		opts[wire.OptionParameterList] = p.cfg.ParameterRequestList
	}
	return opts
}

// UserData returns the opaque value supplied in ProbeConfig.
func (p *Probe) UserData() any { return p.cfg.UserData }

// SetUserData replaces the opaque value returned by UserData.
func (p *Probe) SetUserData(v any) { p.cfg.UserData = v }

// Alive reports whether p is still the client's active probe; events
// carry a weak reference the caller validates against this at pop time.
func (p *Probe) Alive() bool {
	return p.client != nil && p.client.probe == p && !p.cancelled
}

// Free cancels the probe if it is still active. A cancelled probe emits
// exactly one Cancelled event and transitions to the terminal state.
func (p *Probe) Free() {
	if p.client == nil {
		return
	}
	p.client.cancelProbe(p, true)
}

func (p *Probe) secsField(now time.Time) uint16 {
	elapsed := now.Sub(p.stateEntered).Seconds()
	if elapsed > 65535 {
		return 65535
	}
	if elapsed < 0 {
		return 0
	}
	return uint16(elapsed)
}

func (p *Probe) enterState(s probeState, now time.Time) {
	klog.V(2).Infof("dhcp4c: probe %d transition %s -> %s", p.xid, p.state, s)
	p.state = s
	p.stateEntered = now
	p.retransmit = 0
}

func (p *Probe) declineLease(l *Lease) error {
	c := p.client
	if c == nil {
		return newError(CodeInternal, "probe has no owning client")
	}
	msg := wire.NewMessage(wire.OpBootRequest, wire.MessageTypeDecline, wire.Options{
		wire.OptionServerIdentifier: []byte(l.serverID.To4()),
		wire.OptionRequestedIP:      []byte(l.yiaddr.To4()),
	})
	c.fillHeader(&msg.Header, p)
	if err := c.sendRaw(msg); err != nil {
		return err
	}
	c.transitionToInit(p, time.Now())
	return nil
}

// acceptLease is the lease_accept operation: it commits an acked lease by
// opening the UDP transport (if not already open) and arming the
// renewal/rebind/expiry timer. Until called, an acked probe sits in BOUND
// with its timer disarmed, giving the caller a window to validate the
// lease (e.g. duplicate-address detection) and Decline it instead.
func (p *Probe) acceptLease(l *Lease) error {
	c := p.client
	if c == nil {
		return newError(CodeInternal, "probe has no owning client")
	}
	if p != c.probe || p.cancelled {
		return newError(CodePreempted, "probe is no longer active")
	}
	if c.udpSock == nil {
		if err := c.openUDPSocket(p, l); err != nil {
			return newError(CodeInternal, "%v", err)
		}
	}
	c.armLeaseTimer(p, time.Now())
	return nil
}

func (p *Probe) releaseLease(l *Lease) error {
	c := p.client
	if c == nil {
		return newError(CodeInternal, "probe has no owning client")
	}
	msg := wire.NewMessage(wire.OpBootRequest, wire.MessageTypeRelease, wire.Options{
		wire.OptionServerIdentifier: []byte(l.serverID.To4()),
	})
	c.fillHeader(&msg.Header, p)
	msg.Header.SetCIAddr(l.yiaddr)
	if err := c.sendUDPUnicast(msg, l.serverID); err != nil {
		return err
	}
	c.cancelProbe(p, false)
	return nil
}
