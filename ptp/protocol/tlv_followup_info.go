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

// IEEE8021ASOrganizationID is the organizationId of the 802.1AS
// organization-extension TLVs (00-80-C2), Table 10-9.
var IEEE8021ASOrganizationID = [3]uint8{0x00, 0x80, 0xC2}

// FollowUpInformationSubType is the organizationSubType identifying the
// FOLLOW_UP_INFORMATION TLV within an ORGANIZATION_EXTENSION TLV.
const FollowUpInformationSubType = 1

// FollowUpInformationTLV carries the 802.1AS Follow_Up Information TLV
// (10.3.1.28): the cumulative rate offset used to compute
// master_local_freq_ratio and the GM time-base indicator used to detect
// sync discontinuities across a grandmaster change.
type FollowUpInformationTLV struct {
	TLVHead
	OrganizationID      [3]uint8
	OrganizationSubType [3]uint8
	// CumulativeScaledRateOffset is (rateRatio - 1.0) * 2^41, Table 11-6.
	CumulativeScaledRateOffset int32
	GMTimeBaseIndicator        uint16
	// LastGMPhaseChange is a 96-bit scaled nanoseconds value; stored as two
	// halves since Go has no native int96.
	LastGMPhaseChangeHi     uint64
	LastGMPhaseChangeLo     uint32
	ScaledLastGMFreqChange  int32
}

const followUpInformationBodyLen = 6 + 4 + 2 + 12 + 4 // orgId+subtype, rate offset, time base, phase change, freq change

// MarshalBinaryTo marshals bytes to FollowUpInformationTLV.
func (t *FollowUpInformationTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+followUpInformationBodyLen {
		return 0, fmt.Errorf("not enough buffer to write FollowUpInformationTLV")
	}
	t.TLVType = TLVOrganizationExtension
	t.LengthField = uint16(followUpInformationBodyLen)
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	pos := tlvHeadSize
	copy(b[pos:pos+3], t.OrganizationID[:])
	pos += 3
	copy(b[pos:pos+3], t.OrganizationSubType[:])
	pos += 3
	binary.BigEndian.PutUint32(b[pos:], uint32(t.CumulativeScaledRateOffset))
	pos += 4
	binary.BigEndian.PutUint16(b[pos:], t.GMTimeBaseIndicator)
	pos += 2
	binary.BigEndian.PutUint64(b[pos:], t.LastGMPhaseChangeHi)
	pos += 8
	binary.BigEndian.PutUint32(b[pos:], t.LastGMPhaseChangeLo)
	pos += 4
	binary.BigEndian.PutUint32(b[pos:], uint32(t.ScaledLastGMFreqChange))
	pos += 4
	return pos, nil
}

// MarshalBinary converts the TLV to []bytes.
func (t *FollowUpInformationTLV) MarshalBinary() ([]byte, error) {
	buf := make([]byte, tlvHeadSize+followUpInformationBodyLen)
	n, err := t.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte and populates struct fields.
func (t *FollowUpInformationTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), followUpInformationBodyLen, true); err != nil {
		return err
	}
	pos := tlvHeadSize
	copy(t.OrganizationID[:], b[pos:pos+3])
	pos += 3
	copy(t.OrganizationSubType[:], b[pos:pos+3])
	pos += 3
	t.CumulativeScaledRateOffset = int32(binary.BigEndian.Uint32(b[pos:]))
	pos += 4
	t.GMTimeBaseIndicator = binary.BigEndian.Uint16(b[pos:])
	pos += 2
	t.LastGMPhaseChangeHi = binary.BigEndian.Uint64(b[pos:])
	pos += 8
	t.LastGMPhaseChangeLo = binary.BigEndian.Uint32(b[pos:])
	pos += 4
	t.ScaledLastGMFreqChange = int32(binary.BigEndian.Uint32(b[pos:]))
	return nil
}

// IsFollowUpInformation reports whether an ORGANIZATION_EXTENSION TLV's
// organization id/subtype identify it as a FOLLOW_UP_INFORMATION TLV.
func IsFollowUpInformation(orgID, subType [3]uint8) bool {
	return orgID == IEEE8021ASOrganizationID && subType == [3]uint8{0, 0, FollowUpInformationSubType}
}
