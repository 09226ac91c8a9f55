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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFollowUpInformationTLVRoundTrip(t *testing.T) {
	tlv := &FollowUpInformationTLV{
		OrganizationID:             IEEE8021ASOrganizationID,
		OrganizationSubType:        [3]uint8{0, 0, FollowUpInformationSubType},
		CumulativeScaledRateOffset: 12345,
		GMTimeBaseIndicator:        7,
		LastGMPhaseChangeHi:        1,
		LastGMPhaseChangeLo:        2,
		ScaledLastGMFreqChange:     -42,
	}
	b, err := tlv.MarshalBinary()
	require.NoError(t, err)

	var got FollowUpInformationTLV
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, tlv.CumulativeScaledRateOffset, got.CumulativeScaledRateOffset)
	require.Equal(t, tlv.GMTimeBaseIndicator, got.GMTimeBaseIndicator)
	require.Equal(t, tlv.ScaledLastGMFreqChange, got.ScaledLastGMFreqChange)
	require.True(t, IsFollowUpInformation(got.OrganizationID, got.OrganizationSubType))
	require.Equal(t, TLVOrganizationExtension, got.Type())
}

func TestIsFollowUpInformationRejectsOtherSubtypes(t *testing.T) {
	require.False(t, IsFollowUpInformation(IEEE8021ASOrganizationID, [3]uint8{0, 0, 2}))
	require.False(t, IsFollowUpInformation([3]uint8{1, 2, 3}, [3]uint8{0, 0, FollowUpInformationSubType}))
}
