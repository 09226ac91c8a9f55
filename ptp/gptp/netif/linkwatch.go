/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package netif

import (
	"context"
	"fmt"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/gptp2/gptpd/ptp/gptp/timer"
)

// LinkWatcher subscribes to RTNLGRP_LINK and turns carrier transitions on a
// set of watched interfaces into LinkUp/LinkDown events on their ports,
// grounded on responder/server/server_linux.go's use of
// jsimonetti/rtnetlink for interface/address management — generalised here
// from one-shot AddrAdd/AddrDel calls into a standing multicast-group
// subscription.
type LinkWatcher struct {
	conn *rtnetlink.Conn

	watched map[int]*Interface
}

// NewLinkWatcher dials a netlink route socket joined to the link multicast
// group.
func NewLinkWatcher() (*LinkWatcher, error) {
	conn, err := rtnetlink.Dial(&netlink.Config{Groups: unix.RTNLGRP_LINK})
	if err != nil {
		return nil, fmt.Errorf("dialing rtnetlink: %w", err)
	}
	return &LinkWatcher{
		conn:    conn,
		watched: make(map[int]*Interface),
	}, nil
}

// Watch registers iface's port to receive LinkUp/LinkDown events keyed by
// its ifindex.
func (w *LinkWatcher) Watch(iface *Interface) {
	w.watched[iface.IfIndex()] = iface
}

// Run blocks on the netlink subscription until ctx is cancelled or the
// socket fails. Cancellation closes the socket to unblock the pending
// Receive.
func (w *LinkWatcher) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			w.conn.Close()
		case <-done:
		}
	}()
	for {
		msgs, err := w.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("linkwatch receive: %w", err)
		}
		for _, m := range msgs {
			lm, ok := m.(*rtnetlink.LinkMessage)
			if !ok {
				continue
			}
			w.handle(lm)
		}
	}
}

// Close releases the netlink socket. Call after Run has returned.
func (w *LinkWatcher) Close() {
	w.conn.Close()
}

func (w *LinkWatcher) handle(lm *rtnetlink.LinkMessage) {
	iface, ok := w.watched[int(lm.Index)]
	if !ok {
		return
	}
	up := lm.Flags&unix.IFF_RUNNING != 0 && lm.Flags&unix.IFF_LOWER_UP != 0
	if up {
		iface.port.HandleEvent(timer.LinkUp)
	} else {
		iface.port.HandleEvent(timer.LinkDown)
	}
}
