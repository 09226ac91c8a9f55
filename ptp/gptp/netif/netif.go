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

// Package netif is the Ethernet substrate under a port: raw EtherType
// 0x88F7 framing over a live capture handle, grounded on ziffy's sender
// (cmd/ziffy/node/sender.go) for the gopacket/pcap open-and-filter idiom,
// generalised here from ziffy's one-shot LLDP sniff into a continuous
// bidirectional multicast Tx/Rx substrate.
package netif

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	log "github.com/sirupsen/logrus"

	"github.com/gptp2/gptpd/ptp/gptp/port"
	"github.com/gptp2/gptpd/ptp/gptp/tsp"
	"github.com/gptp2/gptpd/ptp/gptp/wire"
	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

// snapshotLen is generous for a gPTP frame (header + a handful of TLVs);
// matches the order of magnitude ziffy's sender uses for its own capture.
const snapshotLen = 1024

// pollTimeout bounds how long a single pcap poll blocks, so Run can
// observe context cancellation promptly.
const pollTimeout = 100 * time.Millisecond

// bpfFilter admits only gPTP frames: EtherType 0x88F7.
const bpfFilter = "ether proto 0x88f7"

// Interface is the live Ethernet substrate for one physical port: a pcap
// capture/injection handle bound to a single network interface, carrying
// gPTP frames to and from the port state machine it is wired to.
type Interface struct {
	name    string
	ifIndex int
	ownMAC  net.HardwareAddr

	handle *pcap.Handle
	ts     tsp.EventTimestamper

	port *port.Port
}

// Open binds a live capture/injection handle to ifName and applies the
// gPTP BPF filter. The returned Interface has no attached port yet; call
// Attach before Start.
func Open(ifName string, ts tsp.EventTimestamper) (*Interface, error) {
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", ifName, err)
	}

	handle, err := pcap.OpenLive(ifName, snapshotLen, true, pollTimeout)
	if err != nil {
		return nil, fmt.Errorf("opening %s for capture: %w", ifName, err)
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("setting BPF filter on %s: %w", ifName, err)
	}

	return &Interface{
		name:    ifName,
		ifIndex: iface.Index,
		ownMAC:  iface.HardwareAddr,
		handle:  handle,
		ts:      ts,
	}, nil
}

// Attach binds the port this interface feeds and drains into. Must be
// called before Start.
func (i *Interface) Attach(p *port.Port) { i.port = p }

// IfIndex returns the kernel ifindex, the key the clock aggregate's sparse
// port table uses.
func (i *Interface) IfIndex() int { return i.ifIndex }

// Name returns the interface name, used as the persistent-store key.
func (i *Interface) Name() string { return i.name }

// Run consumes the capture handle until ctx is cancelled or the source
// fails; one Run per interface is one receive goroutine of the daemon's
// errgroup.
func (i *Interface) Run(ctx context.Context) error {
	src := gopacket.NewPacketSource(i.handle, i.handle.LinkType())
	packets := src.Packets()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-packets:
			if !ok {
				return fmt.Errorf("capture source on %s closed", i.name)
			}
			i.handlePacket(pkt)
		}
	}
}

// Close releases the capture handle. Call after Run has returned.
func (i *Interface) Close() {
	i.handle.Close()
}

func (i *Interface) handlePacket(pkt gopacket.Packet) {
	eth := pkt.Layer(layers.LayerTypeEthernet)
	if eth == nil {
		return
	}
	payload := eth.LayerPayload()
	if len(payload) < 1 {
		return
	}

	arrival := i.rxTimestamp(pkt)

	p, err := ptp.DecodePacket(payload)
	if err != nil {
		log.Debugf("netif %s: discarding undecodable frame: %v", i.name, err)
		return
	}

	h, ok := anyHeader(p)
	if !ok || !wire.ValidTransportSpecific(h) {
		return
	}

	switch v := p.(type) {
	case *ptp.Announce:
		i.port.OnAnnounceReceived(v)
	case *ptp.Sync:
		i.port.OnSyncReceived(v, arrival)
	case *ptp.FollowUp:
		i.port.OnFollowUpReceived(v)
	case *ptp.PDelayReq:
		i.port.OnPDelayReqReceived(v, arrival)
	case *ptp.PDelayResp:
		i.port.OnPDelayRespReceived(v, arrival)
	case *ptp.PDelayRespFollowUp:
		i.port.OnPDelayRespFollowUpReceived(v)
	default:
		// Signaling and any other message type are not consumed by the
		// port state machine directly.
	}
}

func (i *Interface) rxTimestamp(pkt gopacket.Packet) int64 {
	if i.ts != nil {
		if system, _, _, _, err := i.ts.GetTime(); err == nil {
			return system.AsInt64()
		}
	}
	if meta := pkt.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		return meta.Timestamp.UnixNano()
	}
	return time.Now().UnixNano()
}

// anyHeader extracts the embedded *ptp.Header every message type carries,
// so callers only need one type switch for it.
func anyHeader(p ptp.Packet) (*ptp.Header, bool) {
	switch v := p.(type) {
	case *ptp.Announce:
		return &v.Header, true
	case *ptp.Sync:
		return &v.Header, true
	case *ptp.FollowUp:
		return &v.Header, true
	case *ptp.PDelayReq:
		return &v.Header, true
	case *ptp.PDelayResp:
		return &v.Header, true
	case *ptp.PDelayRespFollowUp:
		return &v.Header, true
	case *ptp.Signaling:
		return &v.Header, true
	default:
		return nil, false
	}
}

// ---- port.Transport ----

func (i *Interface) send(msgType ptp.MessageType, raw []byte) error {
	dst := wire.DestinationFor(msgType)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: false}

	ethLayer := &layers.Ethernet{
		SrcMAC:       i.ownMAC,
		DstMAC:       dst,
		EthernetType: layers.EthernetType(wire.EtherType),
	}
	if err := gopacket.SerializeLayers(buf, opts, ethLayer, gopacket.Payload(raw)); err != nil {
		return fmt.Errorf("serializing %s frame: %w", msgType, err)
	}
	return i.handle.WritePacketData(buf.Bytes())
}

// sendPacket marshals p and frames it to the multicast group its message
// type belongs to.
func (i *Interface) sendPacket(p ptp.Packet) error {
	raw, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return i.send(p.MessageType(), raw)
}

// SendAnnounce implements port.Transport.
func (i *Interface) SendAnnounce(a *ptp.Announce) error { return i.sendPacket(a) }

// SendSync implements port.Transport.
func (i *Interface) SendSync(s *ptp.Sync) error { return i.sendPacket(s) }

// SendFollowUp implements port.Transport.
func (i *Interface) SendFollowUp(f *ptp.FollowUp) error { return i.sendPacket(f) }

// SendPDelayReq implements port.Transport.
func (i *Interface) SendPDelayReq(r *ptp.PDelayReq) error { return i.sendPacket(r) }

// SendPDelayResp implements port.Transport.
func (i *Interface) SendPDelayResp(r *ptp.PDelayResp) error { return i.sendPacket(r) }

// SendPDelayRespFollowUp implements port.Transport.
func (i *Interface) SendPDelayRespFollowUp(f *ptp.PDelayRespFollowUp) error { return i.sendPacket(f) }

// SendSignaling implements port.Transport.
func (i *Interface) SendSignaling(s *ptp.Signaling) error { return i.sendPacket(s) }

var _ port.Transport = (*Interface)(nil)
