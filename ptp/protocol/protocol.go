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

// Package protocol is the wire codec for the gPTP message set: the common
// header and the seven 802.1AS message kinds, plus the TLVs they carry.
// Messages are fixed-layout and big-endian; every multi-byte field is
// written and read explicitly. MarshalBinary computes and stamps the
// header's messageLength, so callers never account for TLV sizes
// themselves.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol version: PTP v2.1 (802.1AS-2020 carries the minor version in
// the high nibble of the versionPTP octet).
const (
	MajorVersion uint8 = 2
	MinorVersion uint8 = 1
	Version      uint8 = MinorVersion<<4 | MajorVersion
)

// headerSize is the 34-byte common header.
const headerSize = 34

// maxPacketSize bounds a marshalled gPTP message; the largest realistic
// frame is an Announce whose path trace has crossed many bridges, still
// far below a minimal Ethernet payload budget.
const maxPacketSize = 508

// Header is the 34-byte common message header.
type Header struct {
	SdoIDAndMsgType     SdoIDAndMsgType
	Version             uint8
	MessageLength       uint16
	DomainNumber        uint8
	MinorSdoID          uint8
	FlagField           uint16
	CorrectionField     Correction
	MessageTypeSpecific uint32
	SourcePortIdentity  PortIdentity
	SequenceID          uint16
	ControlField        uint8
	LogMessageInterval  LogInterval
}

// MessageType returns the header's message-type nibble.
func (h *Header) MessageType() MessageType {
	return h.SdoIDAndMsgType.MsgType()
}

// marshalHeaderTo writes the common header into b, stamping msgLen as the
// messageLength both on the wire and back into the struct.
func marshalHeaderTo(h *Header, b []byte, msgLen uint16) {
	h.MessageLength = msgLen
	b[0] = byte(h.SdoIDAndMsgType)
	b[1] = h.Version
	binary.BigEndian.PutUint16(b[2:], h.MessageLength)
	b[4] = h.DomainNumber
	b[5] = h.MinorSdoID
	binary.BigEndian.PutUint16(b[6:], h.FlagField)
	binary.BigEndian.PutUint64(b[8:], uint64(h.CorrectionField))
	binary.BigEndian.PutUint32(b[16:], h.MessageTypeSpecific)
	binary.BigEndian.PutUint64(b[20:], uint64(h.SourcePortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(b[28:], h.SourcePortIdentity.PortNumber)
	binary.BigEndian.PutUint16(b[30:], h.SequenceID)
	b[32] = h.ControlField
	b[33] = byte(h.LogMessageInterval)
}

// unmarshalHeader parses the common header and validates the advertised
// messageLength against the buffer.
func unmarshalHeader(h *Header, b []byte) error {
	if len(b) < headerSize {
		return fmt.Errorf("not enough data for a message header: %d bytes", len(b))
	}
	h.SdoIDAndMsgType = SdoIDAndMsgType(b[0])
	h.Version = b[1]
	h.MessageLength = binary.BigEndian.Uint16(b[2:])
	h.DomainNumber = b[4]
	h.MinorSdoID = b[5]
	h.FlagField = binary.BigEndian.Uint16(b[6:])
	h.CorrectionField = Correction(binary.BigEndian.Uint64(b[8:]))
	h.MessageTypeSpecific = binary.BigEndian.Uint32(b[16:])
	h.SourcePortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[20:]))
	h.SourcePortIdentity.PortNumber = binary.BigEndian.Uint16(b[28:])
	h.SequenceID = binary.BigEndian.Uint16(b[30:])
	h.ControlField = b[32]
	h.LogMessageInterval = LogInterval(b[33])
	if int(h.MessageLength) > len(b) {
		return fmt.Errorf("cannot decode message of length %d from %d bytes", h.MessageLength, len(b))
	}
	return nil
}

func putTimestamp(b []byte, ts Timestamp) {
	copy(b, ts.Seconds[:])
	binary.BigEndian.PutUint32(b[6:], ts.Nanoseconds)
}

func getTimestamp(b []byte) Timestamp {
	var ts Timestamp
	copy(ts.Seconds[:], b)
	ts.Nanoseconds = binary.BigEndian.Uint32(b[6:])
	return ts
}

func putPortIdentity(b []byte, id PortIdentity) {
	binary.BigEndian.PutUint64(b, uint64(id.ClockIdentity))
	binary.BigEndian.PutUint16(b[8:], id.PortNumber)
}

func getPortIdentity(b []byte) PortIdentity {
	return PortIdentity{
		ClockIdentity: ClockIdentity(binary.BigEndian.Uint64(b)),
		PortNumber:    binary.BigEndian.Uint16(b[8:]),
	}
}

// Packet is the interface every gPTP message satisfies.
type Packet interface {
	MessageType() MessageType
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(b []byte) error
}

// Sync is the event half of two-step time distribution. Its origin
// timestamp field is reserved-on-send in two-step mode; the precise origin
// time travels in the Follow_Up.
type Sync struct {
	Header
	OriginTimestamp Timestamp
}

const syncLen = headerSize + 10

// MarshalBinary converts the packet to bytes.
func (p *Sync) MarshalBinary() ([]byte, error) {
	b := make([]byte, syncLen)
	marshalHeaderTo(&p.Header, b, syncLen)
	putTimestamp(b[headerSize:], p.OriginTimestamp)
	return b, nil
}

// UnmarshalBinary parses bytes into the packet.
func (p *Sync) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if len(b) < syncLen {
		return fmt.Errorf("not enough data to decode Sync")
	}
	p.OriginTimestamp = getTimestamp(b[headerSize:])
	return nil
}

// FollowUp carries the precise origin timestamp of the preceding Sync,
// plus the Follow_Up information TLV with the cumulative rate offset and
// GM time-base indicator.
type FollowUp struct {
	Header
	PreciseOriginTimestamp Timestamp
	TLVs                   []TLV
}

const followUpBaseLen = headerSize + 10

// MarshalBinary converts the packet to bytes, TLVs included.
func (p *FollowUp) MarshalBinary() ([]byte, error) {
	b := make([]byte, maxPacketSize)
	putTimestamp(b[headerSize:], p.PreciseOriginTimestamp)
	n, err := WriteTLVs(p.TLVs, b[followUpBaseLen:])
	if err != nil {
		return nil, err
	}
	total := followUpBaseLen + n
	marshalHeaderTo(&p.Header, b, uint16(total))
	return b[:total], nil
}

// UnmarshalBinary parses bytes into the packet, TLVs included.
func (p *FollowUp) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if len(b) < followUpBaseLen {
		return fmt.Errorf("not enough data to decode FollowUp")
	}
	p.PreciseOriginTimestamp = getTimestamp(b[headerSize:])
	var err error
	p.TLVs, err = ReadTLVs(int(p.MessageLength)-followUpBaseLen, b[followUpBaseLen:])
	return err
}

// PDelayReq opens a peer-delay exchange. Its body is all reserved fields;
// the information content is the Tx timestamp captured at the initiator.
type PDelayReq struct {
	Header
	Reserved [20]uint8
}

const pdelayLen = headerSize + 20

// MarshalBinary converts the packet to bytes.
func (p *PDelayReq) MarshalBinary() ([]byte, error) {
	b := make([]byte, pdelayLen)
	marshalHeaderTo(&p.Header, b, pdelayLen)
	copy(b[headerSize:], p.Reserved[:])
	return b, nil
}

// UnmarshalBinary parses bytes into the packet.
func (p *PDelayReq) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if len(b) < pdelayLen {
		return fmt.Errorf("not enough data to decode PDelayReq")
	}
	copy(p.Reserved[:], b[headerSize:])
	return nil
}

// PDelayResp answers a PDelay_Req with the request receipt timestamp (t2)
// and echoes the requester's port identity for correlation.
type PDelayResp struct {
	Header
	RequestReceiptTimestamp Timestamp
	RequestingPortIdentity  PortIdentity
}

// MarshalBinary converts the packet to bytes.
func (p *PDelayResp) MarshalBinary() ([]byte, error) {
	b := make([]byte, pdelayLen)
	marshalHeaderTo(&p.Header, b, pdelayLen)
	putTimestamp(b[headerSize:], p.RequestReceiptTimestamp)
	putPortIdentity(b[headerSize+10:], p.RequestingPortIdentity)
	return b, nil
}

// UnmarshalBinary parses bytes into the packet.
func (p *PDelayResp) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if len(b) < pdelayLen {
		return fmt.Errorf("not enough data to decode PDelayResp")
	}
	p.RequestReceiptTimestamp = getTimestamp(b[headerSize:])
	p.RequestingPortIdentity = getPortIdentity(b[headerSize+10:])
	return nil
}

// PDelayRespFollowUp completes the exchange with the response origin
// timestamp (t3).
type PDelayRespFollowUp struct {
	Header
	ResponseOriginTimestamp Timestamp
	RequestingPortIdentity  PortIdentity
}

// MarshalBinary converts the packet to bytes.
func (p *PDelayRespFollowUp) MarshalBinary() ([]byte, error) {
	b := make([]byte, pdelayLen)
	marshalHeaderTo(&p.Header, b, pdelayLen)
	putTimestamp(b[headerSize:], p.ResponseOriginTimestamp)
	putPortIdentity(b[headerSize+10:], p.RequestingPortIdentity)
	return b, nil
}

// UnmarshalBinary parses bytes into the packet.
func (p *PDelayRespFollowUp) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if len(b) < pdelayLen {
		return fmt.Errorf("not enough data to decode PDelayRespFollowUp")
	}
	p.ResponseOriginTimestamp = getTimestamp(b[headerSize:])
	p.RequestingPortIdentity = getPortIdentity(b[headerSize+10:])
	return nil
}

// Announce advertises the grandmaster a port would distribute, and feeds
// best-master election at every receiver. The path-trace TLV rides along
// for loop prevention.
type Announce struct {
	Header
	OriginTimestamp         Timestamp
	CurrentUTCOffset        int16
	Reserved                uint8
	GrandmasterPriority1    uint8
	GrandmasterClockQuality ClockQuality
	GrandmasterPriority2    uint8
	GrandmasterIdentity     ClockIdentity
	StepsRemoved            uint16
	TimeSource              TimeSource
	TLVs                    []TLV
}

const announceBaseLen = headerSize + 30

// MarshalBinary converts the packet to bytes, TLVs included.
func (p *Announce) MarshalBinary() ([]byte, error) {
	b := make([]byte, maxPacketSize)
	n := headerSize
	putTimestamp(b[n:], p.OriginTimestamp)
	binary.BigEndian.PutUint16(b[n+10:], uint16(p.CurrentUTCOffset))
	b[n+12] = p.Reserved
	b[n+13] = p.GrandmasterPriority1
	b[n+14] = byte(p.GrandmasterClockQuality.ClockClass)
	b[n+15] = byte(p.GrandmasterClockQuality.ClockAccuracy)
	binary.BigEndian.PutUint16(b[n+16:], p.GrandmasterClockQuality.OffsetScaledLogVariance)
	b[n+18] = p.GrandmasterPriority2
	binary.BigEndian.PutUint64(b[n+19:], uint64(p.GrandmasterIdentity))
	binary.BigEndian.PutUint16(b[n+27:], p.StepsRemoved)
	b[n+29] = byte(p.TimeSource)
	tlvLen, err := WriteTLVs(p.TLVs, b[announceBaseLen:])
	if err != nil {
		return nil, err
	}
	total := announceBaseLen + tlvLen
	marshalHeaderTo(&p.Header, b, uint16(total))
	return b[:total], nil
}

// UnmarshalBinary parses bytes into the packet, TLVs included.
func (p *Announce) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if len(b) < announceBaseLen {
		return fmt.Errorf("not enough data to decode Announce")
	}
	n := headerSize
	p.OriginTimestamp = getTimestamp(b[n:])
	p.CurrentUTCOffset = int16(binary.BigEndian.Uint16(b[n+10:]))
	p.Reserved = b[n+12]
	p.GrandmasterPriority1 = b[n+13]
	p.GrandmasterClockQuality.ClockClass = ClockClass(b[n+14])
	p.GrandmasterClockQuality.ClockAccuracy = ClockAccuracy(b[n+15])
	p.GrandmasterClockQuality.OffsetScaledLogVariance = binary.BigEndian.Uint16(b[n+16:])
	p.GrandmasterPriority2 = b[n+18]
	p.GrandmasterIdentity = ClockIdentity(binary.BigEndian.Uint64(b[n+19:]))
	p.StepsRemoved = binary.BigEndian.Uint16(b[n+27:])
	p.TimeSource = TimeSource(b[n+29])
	var err error
	p.TLVs, err = ReadTLVs(int(p.MessageLength)-announceBaseLen, b[announceBaseLen:])
	return err
}

// Signaling requests different Sync/Announce/PDelay cadences from a peer.
// It is pure TLV transport: a Signaling message with no TLVs says nothing
// and is rejected at marshal time.
type Signaling struct {
	Header
	TargetPortIdentity PortIdentity
	TLVs               []TLV
}

const signalingBaseLen = headerSize + 10

// MarshalBinary converts the packet to bytes, TLVs included.
func (p *Signaling) MarshalBinary() ([]byte, error) {
	if len(p.TLVs) == 0 {
		return nil, fmt.Errorf("a Signaling message requires at least one TLV")
	}
	b := make([]byte, maxPacketSize)
	putPortIdentity(b[headerSize:], p.TargetPortIdentity)
	n, err := WriteTLVs(p.TLVs, b[signalingBaseLen:])
	if err != nil {
		return nil, err
	}
	total := signalingBaseLen + n
	marshalHeaderTo(&p.Header, b, uint16(total))
	return b[:total], nil
}

// UnmarshalBinary parses bytes into the packet, TLVs included.
func (p *Signaling) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if len(b) < signalingBaseLen {
		return fmt.Errorf("not enough data to decode Signaling")
	}
	p.TargetPortIdentity = getPortIdentity(b[headerSize:])
	var err error
	p.TLVs, err = ReadTLVs(int(p.MessageLength)-signalingBaseLen, b[signalingBaseLen:])
	return err
}

// DecodePacket dispatches raw bytes to the right message decoder via the
// message-type nibble.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("not enough data for a message header: %d bytes", len(b))
	}
	var p Packet
	switch SdoIDAndMsgType(b[0]).MsgType() {
	case MessageSync:
		p = &Sync{}
	case MessagePDelayReq:
		p = &PDelayReq{}
	case MessagePDelayResp:
		p = &PDelayResp{}
	case MessageFollowUp:
		p = &FollowUp{}
	case MessagePDelayRespFollowUp:
		p = &PDelayRespFollowUp{}
	case MessageAnnounce:
		p = &Announce{}
	case MessageSignaling:
		p = &Signaling{}
	default:
		return nil, fmt.Errorf("unsupported message type %s", SdoIDAndMsgType(b[0]).MsgType())
	}
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return p, nil
}
