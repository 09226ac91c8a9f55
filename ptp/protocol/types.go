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

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"
)

// MessageType is the message-type nibble of the first header octet. Only
// the seven message kinds gPTP exchanges are recognised; end-to-end
// Delay_Req/Delay_Resp and management messages are not valid 802.1AS
// traffic and fail DecodePacket.
type MessageType uint8

// Event messages (timestamped at the capture point).
const (
	MessageSync       MessageType = 0x0
	MessagePDelayReq  MessageType = 0x2
	MessagePDelayResp MessageType = 0x3
)

// General messages.
const (
	MessageFollowUp           MessageType = 0x8
	MessagePDelayRespFollowUp MessageType = 0xA
	MessageAnnounce           MessageType = 0xB
	MessageSignaling          MessageType = 0xC
)

var messageTypeNames = map[MessageType]string{
	MessageSync:               "SYNC",
	MessagePDelayReq:          "PDELAY_REQ",
	MessagePDelayResp:         "PDELAY_RESP",
	MessageFollowUp:           "FOLLOW_UP",
	MessagePDelayRespFollowUp: "PDELAY_RESP_FOLLOW_UP",
	MessageAnnounce:           "ANNOUNCE",
	MessageSignaling:          "SIGNALING",
}

func (m MessageType) String() string {
	if n, ok := messageTypeNames[m]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%x)", uint8(m))
}

// SdoIDAndMsgType is the first header octet: the transportSpecific nibble
// (majorSdoId in 802.1AS terms) in the high bits and the message type
// nibble in the low bits.
type SdoIDAndMsgType uint8

// NewSdoIDAndMsgType packs a message type with the transport-specific
// nibble, which is always 1 for gPTP over Ethernet.
func NewSdoIDAndMsgType(msgType MessageType, transportSpecific uint8) SdoIDAndMsgType {
	return SdoIDAndMsgType(transportSpecific<<4 | uint8(msgType)&0x0f)
}

// MsgType extracts the message type nibble.
func (m SdoIDAndMsgType) MsgType() MessageType {
	return MessageType(m & 0x0f)
}

// TransportSpecific extracts the transportSpecific nibble.
func (m SdoIDAndMsgType) TransportSpecific() uint8 {
	return uint8(m) >> 4
}

// ClockIdentity is the EUI-64 clock identifier, held big-endian in a
// uint64 so integer comparison and lexical byte comparison agree.
type ClockIdentity uint64

// NewClockIdentity derives a ClockIdentity from a link-layer address: an
// EUI-48 grows to EUI-64 by splicing FF:FE between the OUI and the device
// bytes, an EUI-64 address is used as-is.
func NewClockIdentity(mac net.HardwareAddr) (ClockIdentity, error) {
	var b [8]byte
	switch len(mac) {
	case 6:
		b[0], b[1], b[2] = mac[0], mac[1], mac[2]
		b[3], b[4] = 0xFF, 0xFE
		b[5], b[6], b[7] = mac[3], mac[4], mac[5]
	case 8:
		copy(b[:], mac)
	default:
		return 0, fmt.Errorf("cannot derive clock identity from %d-byte address %s", len(mac), mac)
	}
	return ClockIdentity(binary.BigEndian.Uint64(b[:])), nil
}

func (c ClockIdentity) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(c))
	return fmt.Sprintf("%02x%02x%02x.%02x%02x.%02x%02x%02x",
		b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7])
}

// PortIdentity identifies one port of one clock.
type PortIdentity struct {
	ClockIdentity ClockIdentity
	PortNumber    uint16
}

// Compare orders port identities: clock identity first, then port number.
func (p PortIdentity) Compare(o PortIdentity) int {
	switch {
	case p.ClockIdentity < o.ClockIdentity:
		return -1
	case p.ClockIdentity > o.ClockIdentity:
		return 1
	case p.PortNumber < o.PortNumber:
		return -1
	case p.PortNumber > o.PortNumber:
		return 1
	}
	return 0
}

// Less reports whether p sorts strictly before o.
func (p PortIdentity) Less(o PortIdentity) bool {
	return p.Compare(o) < 0
}

func (p PortIdentity) String() string {
	return fmt.Sprintf("%s-%d", p.ClockIdentity, p.PortNumber)
}

// DefaultTargetPortIdentity addresses all ports of all clocks; a
// Signaling message sent to the multicast group targets it.
var DefaultTargetPortIdentity = PortIdentity{
	ClockIdentity: math.MaxUint64,
	PortNumber:    math.MaxUint16,
}

// ClockClass denotes the traceability of the time a grandmaster
// distributes. Lower is better.
type ClockClass uint8

// Clock classes gPTP nodes announce.
const (
	ClockClassPrimaryGM ClockClass = 6
	ClockClassHoldover  ClockClass = 7
	ClockClassDefault   ClockClass = 248
	ClockClassSlaveOnly ClockClass = 255
)

// ClockAccuracy indicates the expected accuracy of a clock. Lower is
// better; 0xFE means unknown.
type ClockAccuracy uint8

// Accuracy values the named profiles announce.
const (
	ClockAccuracyNanosecond25  ClockAccuracy = 0x20
	ClockAccuracyNanosecond250 ClockAccuracy = 0x22
	ClockAccuracyUnknown       ClockAccuracy = 0xFE
)

// ClockQuality is the announced quality triple. A lower clock class wins;
// accuracy and variance break ties in that order.
type ClockQuality struct {
	ClockClass              ClockClass
	ClockAccuracy           ClockAccuracy
	OffsetScaledLogVariance uint16
}

// TimeSource is the source of time a grandmaster ultimately derives from.
type TimeSource uint8

// Time sources.
const (
	TimeSourceAtomicClock        TimeSource = 0x10
	TimeSourceGNSS               TimeSource = 0x20
	TimeSourceTerrestrialRadio   TimeSource = 0x30
	TimeSourcePTP                TimeSource = 0x40
	TimeSourceNTP                TimeSource = 0x50
	TimeSourceHandSet            TimeSource = 0x60
	TimeSourceOther              TimeSource = 0x90
	TimeSourceInternalOscillator TimeSource = 0xA0
)

var timeSourceNames = map[TimeSource]string{
	TimeSourceAtomicClock:        "ATOMIC_CLOCK",
	TimeSourceGNSS:               "GNSS",
	TimeSourceTerrestrialRadio:   "TERRESTRIAL_RADIO",
	TimeSourcePTP:                "PTP",
	TimeSourceNTP:                "NTP",
	TimeSourceHandSet:            "HAND_SET",
	TimeSourceOther:              "OTHER",
	TimeSourceInternalOscillator: "INTERNAL_OSCILLATOR",
}

func (t TimeSource) String() string {
	if n, ok := timeSourceNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%x)", uint8(t))
}

// LogInterval expresses a message cadence as log2 of the period in
// seconds, the unit every interval field on the wire uses.
type LogInterval int8

// Duration converts a LogInterval to a time.Duration.
func (i LogInterval) Duration() time.Duration {
	return time.Duration(math.Pow(2, float64(i)) * float64(time.Second))
}

// NewLogInterval converts a duration to the matching LogInterval,
// erroring when the duration is not a power-of-two number of seconds.
func NewLogInterval(d time.Duration) (LogInterval, error) {
	log2 := math.Log2(d.Seconds())
	if math.Trunc(log2) != log2 {
		return 0, fmt.Errorf("%v is not a power-of-two number of seconds", d)
	}
	return LogInterval(log2), nil
}

// Timestamp is the on-wire 10-byte timestamp: a 48-bit seconds field and
// a 32-bit nanoseconds field, both big-endian.
type Timestamp struct {
	Seconds     [6]uint8
	Nanoseconds uint32
}

// NewTimestamp packs a time.Time into wire form.
func NewTimestamp(t time.Time) Timestamp {
	var ts Timestamp
	var sec [8]byte
	binary.BigEndian.PutUint64(sec[:], uint64(t.Unix()))
	copy(ts.Seconds[:], sec[2:])
	ts.Nanoseconds = uint32(t.Nanosecond())
	return ts
}

// Time unpacks the wire form back into a time.Time.
func (t Timestamp) Time() time.Time {
	var sec [8]byte
	copy(sec[2:], t.Seconds[:])
	return time.Unix(int64(binary.BigEndian.Uint64(sec[:])), int64(t.Nanoseconds))
}

func (t Timestamp) String() string {
	return t.Time().UTC().Format(time.RFC3339Nano)
}

// Correction is the 64-bit header correction field: nanoseconds scaled by
// 2^16, so the low 16 bits carry sub-nanosecond resolution. The sign is
// preserved on the wire; whether a negative correction is accepted is a
// profile decision made by the receiver, not by the codec.
type Correction int64

// NewCorrection builds a Correction from a nanosecond count.
func NewCorrection(ns float64) Correction {
	return Correction(ns * 65536)
}

// Nanoseconds returns the correction as fractional nanoseconds.
func (c Correction) Nanoseconds() float64 {
	return float64(c) / 65536
}

func (c Correction) String() string {
	return fmt.Sprintf("%.3fns", c.Nanoseconds())
}

// Flag field bits.
const (
	// FlagTwoStep marks a Sync whose precise origin timestamp follows in a
	// Follow_Up; always set in gPTP.
	FlagTwoStep uint16 = 1 << 9
	// FlagPTPTimescale marks Announce messages from a domain on the PTP
	// timescale.
	FlagPTPTimescale uint16 = 1 << 3
)

// PortState is the per-port protocol state machine state.
type PortState uint8

// Port states.
const (
	PortStateInitializing PortState = iota + 1
	PortStateFaulty
	PortStateDisabled
	PortStateListening
	PortStatePreMaster
	PortStateMaster
	PortStatePassive
	PortStateUncalibrated
	PortStateSlave
)

// PortStateToString is a map from PortState to string.
var PortStateToString = map[PortState]string{
	PortStateInitializing: "INITIALIZING",
	PortStateFaulty:       "FAULTY",
	PortStateDisabled:     "DISABLED",
	PortStateListening:    "LISTENING",
	PortStatePreMaster:    "PRE_MASTER",
	PortStateMaster:       "MASTER",
	PortStatePassive:      "PASSIVE",
	PortStateUncalibrated: "UNCALIBRATED",
	PortStateSlave:        "SLAVE",
}

func (ps PortState) String() string {
	return PortStateToString[ps]
}
