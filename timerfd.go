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
	"time"

	"golang.org/x/sys/unix"
)

// timerSource is the single monotonic timer backing the client's
// retransmission and lease-timer scheduling: one timer, reprogrammed on
// every state/retransmit change, rather than one per concern.
type timerSource struct {
	fd int
}

func newTimerSource() (*timerSource, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("dhcp4c: timerfd_create: %w", err)
	}
	return &timerSource{fd: fd}, nil
}

// arm schedules the timer to fire once after d. A non-positive d disarms
// it: timerfd_settime treats an all-zero it_value as "stop the timer", so
// this is never a substitute for "fire as soon as possible"; use armNow
// for that.
func (t *timerSource) arm(d time.Duration) error {
	if d <= 0 {
		spec := unix.ItimerSpec{}
		if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
			return fmt.Errorf("dhcp4c: timerfd_settime: %w", err)
		}
		return nil
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("dhcp4c: timerfd_settime: %w", err)
	}
	return nil
}

// armNow schedules the timer to fire on the very next dispatch, used
// wherever a transition owes the network a message immediately (entering
// INIT, or after the caller selects an offer). It arms the smallest
// representable positive duration, since a zero it_value disarms rather
// than fires.
func (t *timerSource) armNow() error {
	return t.arm(1)
}

// drain consumes the timer's expiration counter so it stops reporting
// readable; dispatch calls this once it has observed the fd was ready.
func (t *timerSource) drain() {
	var buf [8]byte
	unix.Read(t.fd, buf[:])
}

func (t *timerSource) close() error {
	return unix.Close(t.fd)
}
