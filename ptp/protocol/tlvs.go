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
)

// TLVType identifies a TLV. gPTP messages carry only the path-trace TLV
// and 802.1AS organization-extension TLVs; anything else in a frame is
// skipped, not rejected, so a future TLV never breaks interop.
type TLVType uint16

// TLV types gPTP recognises.
const (
	TLVOrganizationExtension TLVType = 0x0003
	TLVPathTrace             TLVType = 0x0008
)

// TLVHead is the 4-byte type/length prefix every TLV starts with.
type TLVHead struct {
	TLVType     TLVType
	LengthField uint16 // length of the value, excluding this head
}

const tlvHeadSize = 4

// Type returns the TLV type.
func (h TLVHead) Type() TLVType { return h.TLVType }

// TLV is one type-length-value element of a message.
type TLV interface {
	Type() TLVType
	MarshalBinaryTo(b []byte) (int, error)
	UnmarshalBinary(b []byte) error
}

func tlvHeadMarshalBinaryTo(h *TLVHead, b []byte) {
	binary.BigEndian.PutUint16(b, uint16(h.TLVType))
	binary.BigEndian.PutUint16(b[2:], h.LengthField)
}

func unmarshalTLVHeader(h *TLVHead, b []byte) error {
	if len(b) < tlvHeadSize {
		return fmt.Errorf("not enough data for a TLV header: %d bytes", len(b))
	}
	h.TLVType = TLVType(binary.BigEndian.Uint16(b))
	h.LengthField = binary.BigEndian.Uint16(b[2:])
	return nil
}

// checkTLVLength validates the advertised value length against the buffer
// and, when exact is set, against the expected body length.
func checkTLVLength(h *TLVHead, bufLen, want int, exact bool) error {
	if int(h.LengthField) > bufLen-tlvHeadSize {
		return fmt.Errorf("TLV advertises %d value bytes, only %d available", h.LengthField, bufLen-tlvHeadSize)
	}
	if exact && int(h.LengthField) != want {
		return fmt.Errorf("TLV value length %d, want %d", h.LengthField, want)
	}
	return nil
}

// PathTraceTLV lists the clock identities an Announce has traversed.
// Receivers drop an Announce whose trace already carries their own
// identity, which is what keeps announce loops out of the domain.
type PathTraceTLV struct {
	TLVHead
	PathSequence []ClockIdentity
}

// MarshalBinaryTo writes the TLV into b, returning bytes written.
func (t *PathTraceTLV) MarshalBinaryTo(b []byte) (int, error) {
	valueLen := len(t.PathSequence) * 8
	if len(b) < tlvHeadSize+valueLen {
		return 0, fmt.Errorf("not enough buffer to write PathTraceTLV")
	}
	t.TLVType = TLVPathTrace
	t.LengthField = uint16(valueLen)
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	pos := tlvHeadSize
	for _, id := range t.PathSequence {
		binary.BigEndian.PutUint64(b[pos:], uint64(id))
		pos += 8
	}
	return pos, nil
}

// UnmarshalBinary parses b into the TLV.
func (t *PathTraceTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 0, false); err != nil {
		return err
	}
	if t.LengthField%8 != 0 {
		return fmt.Errorf("path trace length %d is not a whole number of clock identities", t.LengthField)
	}
	n := int(t.LengthField) / 8
	t.PathSequence = make([]ClockIdentity, n)
	pos := tlvHeadSize
	for i := 0; i < n; i++ {
		t.PathSequence[i] = ClockIdentity(binary.BigEndian.Uint64(b[pos:]))
		pos += 8
	}
	return nil
}

// MessageIntervalRequestSubType is the organizationSubType of the 802.1AS
// Message Interval Request TLV, the payload a gPTP Signaling message
// carries to ask a peer for different cadences.
const MessageIntervalRequestSubType = 2

// MessageIntervalRequestTLV asks the peer to transmit PDelay_Req, Sync and
// Announce at the requested log2-second intervals. The sentinel values
// 126 (initial) and 127 (keep current) pass through uninterpreted.
type MessageIntervalRequestTLV struct {
	TLVHead
	OrganizationID      [3]uint8
	OrganizationSubType [3]uint8
	LinkDelayInterval   LogInterval
	TimeSyncInterval    LogInterval
	AnnounceInterval    LogInterval
	Flags               uint8
	Reserved            [2]uint8
}

const messageIntervalRequestBodyLen = 6 + 3 + 1 + 2

// MarshalBinaryTo writes the TLV into b, returning bytes written.
func (t *MessageIntervalRequestTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+messageIntervalRequestBodyLen {
		return 0, fmt.Errorf("not enough buffer to write MessageIntervalRequestTLV")
	}
	t.TLVType = TLVOrganizationExtension
	t.LengthField = uint16(messageIntervalRequestBodyLen)
	t.OrganizationID = IEEE8021ASOrganizationID
	t.OrganizationSubType = [3]uint8{0, 0, MessageIntervalRequestSubType}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	pos := tlvHeadSize
	copy(b[pos:pos+3], t.OrganizationID[:])
	pos += 3
	copy(b[pos:pos+3], t.OrganizationSubType[:])
	pos += 3
	b[pos] = byte(t.LinkDelayInterval)
	b[pos+1] = byte(t.TimeSyncInterval)
	b[pos+2] = byte(t.AnnounceInterval)
	b[pos+3] = t.Flags
	copy(b[pos+4:pos+6], t.Reserved[:])
	return pos + 6, nil
}

// UnmarshalBinary parses b into the TLV.
func (t *MessageIntervalRequestTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), messageIntervalRequestBodyLen, true); err != nil {
		return err
	}
	pos := tlvHeadSize
	copy(t.OrganizationID[:], b[pos:pos+3])
	pos += 3
	copy(t.OrganizationSubType[:], b[pos:pos+3])
	pos += 3
	t.LinkDelayInterval = LogInterval(b[pos])
	t.TimeSyncInterval = LogInterval(b[pos+1])
	t.AnnounceInterval = LogInterval(b[pos+2])
	t.Flags = b[pos+3]
	copy(t.Reserved[:], b[pos+4:pos+6])
	return nil
}

// WriteTLVs marshals tlvs back-to-back into b and returns the total bytes
// written.
func WriteTLVs(tlvs []TLV, b []byte) (int, error) {
	pos := 0
	for _, tlv := range tlvs {
		n, err := tlv.MarshalBinaryTo(b[pos:])
		if err != nil {
			return 0, err
		}
		pos += n
	}
	return pos, nil
}

// ReadTLVs parses up to maxLength bytes of b as a TLV sequence.
// Organization-extension TLVs dispatch on their organization id/subtype;
// TLVs this implementation does not understand are skipped by length.
func ReadTLVs(maxLength int, b []byte) ([]TLV, error) {
	if maxLength > len(b) {
		maxLength = len(b)
	}
	var tlvs []TLV
	pos := 0
	for pos+tlvHeadSize <= maxLength {
		var head TLVHead
		if err := unmarshalTLVHeader(&head, b[pos:]); err != nil {
			return nil, err
		}
		end := pos + tlvHeadSize + int(head.LengthField)
		if end > maxLength {
			return nil, fmt.Errorf("TLV at offset %d overruns the message by %d bytes", pos, end-maxLength)
		}
		var tlv TLV
		switch head.TLVType {
		case TLVPathTrace:
			tlv = &PathTraceTLV{}
		case TLVOrganizationExtension:
			tlv = organizationTLVFor(b[pos:end])
		}
		if tlv == nil {
			pos = end
			continue
		}
		if err := tlv.UnmarshalBinary(b[pos:end]); err != nil {
			return nil, err
		}
		tlvs = append(tlvs, tlv)
		pos = end
	}
	return tlvs, nil
}

// organizationTLVFor picks the concrete type for an organization-extension
// TLV by its organization id and subtype, or nil for ones this
// implementation does not understand.
func organizationTLVFor(b []byte) TLV {
	if len(b) < tlvHeadSize+6 {
		return nil
	}
	var orgID, subType [3]uint8
	copy(orgID[:], b[tlvHeadSize:tlvHeadSize+3])
	copy(subType[:], b[tlvHeadSize+3:tlvHeadSize+6])
	if orgID != IEEE8021ASOrganizationID {
		return nil
	}
	switch subType {
	case [3]uint8{0, 0, FollowUpInformationSubType}:
		return &FollowUpInformationTLV{}
	case [3]uint8{0, 0, MessageIntervalRequestSubType}:
		return &MessageIntervalRequestTLV{}
	}
	return nil
}
