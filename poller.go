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

	"golang.org/x/sys/unix"
)

// poller aggregates the packet socket, the UDP socket (once bound) and
// the timer fd into a single readiness fd, the "epoll-like composite"
// the public API surface exposes via GetFD.
type poller struct {
	epfd int
	fds  map[int]bool
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dhcp4c: epoll_create1: %w", err)
	}
	return &poller{epfd: fd, fds: make(map[int]bool)}, nil
}

func (p *poller) add(fd int) error {
	if p.fds[fd] {
		return nil
	}
	// EPOLLERR and EPOLLHUP are always reported by the kernel regardless
	// of the requested event mask, but listed explicitly so the intent is
	// clear: a POLLERR/POLLHUP-equivalent condition on any of these fds
	// must reach wait's caller as a fatal condition.
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("dhcp4c: epoll_ctl add %d: %w", fd, err)
	}
	p.fds[fd] = true
	return nil
}

func (p *poller) remove(fd int) error {
	if !p.fds[fd] {
		return nil
	}
	delete(p.fds, fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("dhcp4c: epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// readyFD is one fd returned by wait, carrying whether the kernel
// reported it via POLLERR/POLLHUP rather than ordinary readability.
type readyFD struct {
	fd  int
	err bool
}

// wait returns the set of fds that are currently readable or errored,
// without blocking when timeoutMs is 0; it is edge-idempotent, returning
// an empty slice when nothing is ready.
func (p *poller) wait(timeoutMs int) ([]readyFD, error) {
	events := make([]unix.EpollEvent, len(p.fds))
	if len(events) == 0 {
		return nil, nil
	}
	n, err := unix.EpollWait(p.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("dhcp4c: epoll_wait: %w", err)
	}
	ready := make([]readyFD, 0, n)
	for i := 0; i < n; i++ {
		ready = append(ready, readyFD{
			fd:  int(events[i].Fd),
			err: events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return ready, nil
}

func (p *poller) fd() int { return p.epfd }

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
