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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathTraceTLVRoundTrip(t *testing.T) {
	tlv := &PathTraceTLV{PathSequence: []ClockIdentity{0x1111, 0x2222, 0x3333}}
	buf := make([]byte, 64)
	n, err := tlv.MarshalBinaryTo(buf)
	require.NoError(t, err)
	require.Equal(t, tlvHeadSize+3*8, n)

	var got PathTraceTLV
	require.NoError(t, got.UnmarshalBinary(buf[:n]))
	require.Equal(t, tlv.PathSequence, got.PathSequence)
	require.Equal(t, TLVPathTrace, got.Type())
}

func TestPathTraceTLVRejectsRaggedLength(t *testing.T) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint16(buf, uint16(TLVPathTrace))
	binary.BigEndian.PutUint16(buf[2:], 12) // not a multiple of 8

	var got PathTraceTLV
	require.Error(t, got.UnmarshalBinary(buf))
}

func TestMessageIntervalRequestTLVRoundTrip(t *testing.T) {
	tlv := &MessageIntervalRequestTLV{
		LinkDelayInterval: 0,
		TimeSyncInterval:  -3,
		AnnounceInterval:  127, // keep current
	}
	buf := make([]byte, 32)
	n, err := tlv.MarshalBinaryTo(buf)
	require.NoError(t, err)

	var got MessageIntervalRequestTLV
	require.NoError(t, got.UnmarshalBinary(buf[:n]))
	require.Equal(t, IEEE8021ASOrganizationID, got.OrganizationID)
	require.Equal(t, [3]uint8{0, 0, MessageIntervalRequestSubType}, got.OrganizationSubType)
	require.Equal(t, LogInterval(-3), got.TimeSyncInterval)
	require.Equal(t, LogInterval(127), got.AnnounceInterval)
}

func TestReadTLVsDispatchesByOrganizationSubtype(t *testing.T) {
	buf := make([]byte, 128)
	fui := &FollowUpInformationTLV{
		OrganizationID:             IEEE8021ASOrganizationID,
		OrganizationSubType:        [3]uint8{0, 0, FollowUpInformationSubType},
		CumulativeScaledRateOffset: -77,
		GMTimeBaseIndicator:        3,
	}
	mir := &MessageIntervalRequestTLV{TimeSyncInterval: -3}
	n, err := WriteTLVs([]TLV{fui, mir}, buf)
	require.NoError(t, err)

	tlvs, err := ReadTLVs(n, buf[:n])
	require.NoError(t, err)
	require.Len(t, tlvs, 2)

	gotFui, ok := tlvs[0].(*FollowUpInformationTLV)
	require.True(t, ok)
	require.Equal(t, int32(-77), gotFui.CumulativeScaledRateOffset)

	gotMir, ok := tlvs[1].(*MessageIntervalRequestTLV)
	require.True(t, ok)
	require.Equal(t, LogInterval(-3), gotMir.TimeSyncInterval)
}

func TestReadTLVsSkipsUnknownTypes(t *testing.T) {
	buf := make([]byte, 64)
	// An alternate-time-offset-indicator TLV (0x0009), which gPTP relaying
	// does not consume: skipped by length, not an error.
	binary.BigEndian.PutUint16(buf, 0x0009)
	binary.BigEndian.PutUint16(buf[2:], 4)
	pos := tlvHeadSize + 4

	pt := &PathTraceTLV{PathSequence: []ClockIdentity{0xABCD}}
	n, err := pt.MarshalBinaryTo(buf[pos:])
	require.NoError(t, err)
	total := pos + n

	tlvs, err := ReadTLVs(total, buf[:total])
	require.NoError(t, err)
	require.Len(t, tlvs, 1)
	require.IsType(t, &PathTraceTLV{}, tlvs[0])
}

func TestReadTLVsRejectsOverrun(t *testing.T) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf, uint16(TLVPathTrace))
	binary.BigEndian.PutUint16(buf[2:], 64) // claims more than the buffer holds

	_, err := ReadTLVs(len(buf), buf)
	require.Error(t, err)
}
