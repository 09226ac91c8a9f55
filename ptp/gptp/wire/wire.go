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

// Package wire holds the Ethernet envelope around ptp/protocol's message
// codec: multicast addressing, the EtherType, the transport-specific
// nibble check, and the path-trace loop-prevention/dedupe helpers.
package wire

import (
	"net"
	"time"

	"github.com/cespare/xxhash"

	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

// EtherType is the gPTP EtherType.
const EtherType = 0x88F7

// Multicast destinations.
var (
	PDelayMulticast  = net.HardwareAddr{0x01, 0x80, 0xC2, 0x00, 0x00, 0x0E}
	EventMulticast   = net.HardwareAddr{0x01, 0x1B, 0x19, 0x00, 0x00, 0x00} // Sync/FollowUp/Announce
)

// TransportSpecific is the required transportSpecific nibble value for
// gPTP; messages carrying any other value are not gPTP traffic.
const TransportSpecific = 1

// DestinationFor returns the multicast address a message of msgType must be
// sent to.
func DestinationFor(msgType ptp.MessageType) net.HardwareAddr {
	switch msgType {
	case ptp.MessagePDelayReq, ptp.MessagePDelayResp, ptp.MessagePDelayRespFollowUp:
		return PDelayMulticast
	default:
		return EventMulticast
	}
}

// ValidTransportSpecific reports whether the header's transport-specific
// nibble equals the required value 1. Messages that fail this check are
// discarded and counted as PTP-packet-discards.
func ValidTransportSpecific(h *ptp.Header) bool {
	return h.SdoIDAndMsgType.TransportSpecific() == TransportSpecific
}

// PathTraceContains reports whether trace already carries id; an announce
// whose trace contains the local clock identity has looped and must be
// rejected.
func PathTraceContains(trace []ptp.ClockIdentity, id ptp.ClockIdentity) bool {
	for _, t := range trace {
		if t == id {
			return true
		}
	}
	return false
}

// AppendPathTrace returns a new path-trace slice with id appended; the
// original slice is left untouched so a rejected announce never mutates a
// retained one.
func AppendPathTrace(trace []ptp.ClockIdentity, id ptp.ClockIdentity) []ptp.ClockIdentity {
	out := make([]ptp.ClockIdentity, len(trace), len(trace)+1)
	copy(out, trace)
	return append(out, id)
}

// DedupeKey hashes an Announce's grandmaster identity and path-trace into a
// single key the IPC publisher's fire-and-forget drop-and-log path uses to
// avoid re-logging an identical relayed announce every interval.
func DedupeKey(gm ptp.ClockIdentity, trace []ptp.ClockIdentity) uint64 {
	h := xxhash.New()
	var buf [8]byte
	putUint64(&buf, uint64(gm))
	_, _ = h.Write(buf[:])
	for _, id := range trace {
		putUint64(&buf, uint64(id))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func putUint64(buf *[8]byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * (7 - i)))
	}
}

// TimestampFromNS converts a scalar nanosecond count (the unit every other
// gptp package works in) to a wire Timestamp.
func TimestampFromNS(ns int64) ptp.Timestamp {
	return ptp.NewTimestamp(time.Unix(0, ns).UTC())
}

// NSFromTimestamp converts a wire Timestamp back to a scalar nanosecond
// count.
func NSFromTimestamp(ts ptp.Timestamp) int64 {
	return ts.Time().UnixNano()
}
