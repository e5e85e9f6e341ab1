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
	"net"
	"testing"
	"time"

	"github.com/netlease/dhcp4c/wire"
)

func ackMessage(leaseTime uint32, extra wire.Options) *wire.Message {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, leaseTime)
	opts := wire.Options{
		wire.OptionServerIdentifier: {192, 0, 2, 1},
		wire.OptionLeaseTime:        v,
	}
	for k, v := range extra {
		opts[k] = v
	}
	msg := wire.NewMessage(wire.OpBootReply, wire.MessageTypeAck, opts)
	msg.Header.SetYIAddr(net.IPv4(192, 0, 2, 10))
	return msg
}

func TestLeaseNormalizesT1T2FromLeaseTimeOnly(t *testing.T) {
	msg := ackMessage(3600, nil)
	l, err := newLeaseFromMessage(nil, msg, time.Now())
	if err != nil {
		t.Fatalf("newLeaseFromMessage: %v", err)
	}
	if l.T1() != 1800 {
		t.Fatalf("T1 = %d, want 1800 (T/2)", l.T1())
	}
	if l.T2() != 3600-3600/8 {
		t.Fatalf("T2 = %d, want %d (7T/8)", l.T2(), 3600-3600/8)
	}
	if !(l.T1() < l.T2() && l.T2() < l.LeaseTime()) {
		t.Fatalf("T1 < T2 < T invariant violated: T1=%d T2=%d T=%d", l.T1(), l.T2(), l.LeaseTime())
	}
}

func TestLeaseHonorsExplicitT1T2(t *testing.T) {
	t1 := make([]byte, 4)
	binary.BigEndian.PutUint32(t1, 1000)
	t2 := make([]byte, 4)
	binary.BigEndian.PutUint32(t2, 2000)
	msg := ackMessage(4000, wire.Options{
		wire.OptionRenewalTime:   t1,
		wire.OptionRebindingTime: t2,
	})
	l, err := newLeaseFromMessage(nil, msg, time.Now())
	if err != nil {
		t.Fatalf("newLeaseFromMessage: %v", err)
	}
	if l.T1() != 1000 || l.T2() != 2000 {
		t.Fatalf("got T1=%d T2=%d, want 1000/2000", l.T1(), l.T2())
	}
}

func TestLeaseClampsOutOfOrderServerT1T2(t *testing.T) {
	mk := func(v uint32) []byte {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}
	tests := []struct {
		name           string
		t1, t2         uint32
		wantT1, wantT2 uint32
	}{
		{
			// T2 at or past T falls back to 7T/8; the valid T1 survives.
			name: "t2 past lease time",
			t1:   1000, t2: 5000,
			wantT1: 1000, wantT2: 3500,
		},
		{
			// T1 at or past T2 falls back to half of the (valid) T2.
			name: "t1 past t2",
			t1:   3000, t2: 3000,
			wantT1: 1500, wantT2: 3000,
		},
		{
			name: "both out of order",
			t1:   4000, t2: 6000,
			wantT1: 1750, wantT2: 3500,
		},
		{
			name: "zero values fall back to defaults",
			t1:   0, t2: 0,
			wantT1: 1750, wantT2: 3500,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ackMessage(4000, wire.Options{
				wire.OptionRenewalTime:   mk(tt.t1),
				wire.OptionRebindingTime: mk(tt.t2),
			})
			l, err := newLeaseFromMessage(nil, msg, time.Now())
			if err != nil {
				t.Fatalf("newLeaseFromMessage: %v", err)
			}
			if l.T1() != tt.wantT1 || l.T2() != tt.wantT2 {
				t.Fatalf("got T1=%d T2=%d, want T1=%d T2=%d", l.T1(), l.T2(), tt.wantT1, tt.wantT2)
			}
			if !(0 < l.T1() && l.T1() < l.T2() && l.T2() < l.LeaseTime()) {
				t.Fatalf("0 < T1 < T2 < T violated: T1=%d T2=%d T=%d", l.T1(), l.T2(), l.LeaseTime())
			}
		})
	}
}

func TestLeaseInfiniteLeaseTimeNeverSchedulesExpiry(t *testing.T) {
	msg := ackMessage(InfiniteLeaseTime, nil)
	l, err := newLeaseFromMessage(nil, msg, time.Now())
	if err != nil {
		t.Fatalf("newLeaseFromMessage: %v", err)
	}
	if l.LeaseTime() != InfiniteLeaseTime {
		t.Fatalf("LeaseTime = %d, want infinite sentinel", l.LeaseTime())
	}
	if l.T1() != InfiniteLeaseTime || l.T2() != InfiniteLeaseTime {
		t.Fatalf("T1/T2 must also carry the infinite sentinel, got T1=%d T2=%d", l.T1(), l.T2())
	}
}

func TestLeaseAckRequiresServerIdentifier(t *testing.T) {
	msg := wire.NewMessage(wire.OpBootReply, wire.MessageTypeAck, wire.Options{})
	msg.Header.SetYIAddr(net.IPv4(192, 0, 2, 10))
	if _, err := newLeaseFromMessage(nil, msg, time.Now()); err == nil {
		t.Fatalf("expected error for ACK missing server identifier")
	}
}

func TestLeaseOfferRejectsZeroYIAddr(t *testing.T) {
	msg := wire.NewMessage(wire.OpBootReply, wire.MessageTypeOffer, wire.Options{})
	if _, err := newLeaseFromMessage(nil, msg, time.Now()); err == nil {
		t.Fatalf("expected error for OFFER with zero yiaddr")
	}
}

func TestLeaseQueryNotFound(t *testing.T) {
	msg := ackMessage(3600, nil)
	l, err := newLeaseFromMessage(nil, msg, time.Now())
	if err != nil {
		t.Fatalf("newLeaseFromMessage: %v", err)
	}
	if _, err := l.Query(wire.OptionHostName); err != ErrNotFound {
		t.Fatalf("Query for absent option = %v, want ErrNotFound", err)
	}
}

func TestLeaseSelectOnlyFromOffered(t *testing.T) {
	offer := wire.NewMessage(wire.OpBootReply, wire.MessageTypeOffer, wire.Options{})
	offer.Header.SetYIAddr(net.IPv4(192, 0, 2, 10))
	l, err := newLeaseFromMessage(nil, offer, time.Now())
	if err != nil {
		t.Fatalf("newLeaseFromMessage: %v", err)
	}
	if err := l.Select(); err != nil {
		t.Fatalf("Select from offered: %v", err)
	}
	if err := l.Select(); err == nil {
		t.Fatalf("expected error selecting an already-selected lease")
	}
}

func TestLeaseDeclineRequiresSelectedOrAcked(t *testing.T) {
	offer := wire.NewMessage(wire.OpBootReply, wire.MessageTypeOffer, wire.Options{})
	offer.Header.SetYIAddr(net.IPv4(192, 0, 2, 10))
	l, err := newLeaseFromMessage(nil, offer, time.Now())
	if err != nil {
		t.Fatalf("newLeaseFromMessage: %v", err)
	}
	if err := l.Decline(); err == nil {
		t.Fatalf("expected error declining a merely-offered lease")
	}
}
