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

package bmca

import (
	"testing"

	"github.com/stretchr/testify/require"

	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

func identity(n uint64) ptp.ClockIdentity {
	return ptp.ClockIdentity(n)
}

// TestBMCASwitchesSlavePortOnBetterAnnounce is scenario S3.
func TestBMCASwitchesSlavePortOnBetterAnnounce(t *testing.T) {
	p1ID := SystemIdentity{128, 248, 0x22, 0x43, 0x6A, 248, 0, 0, 0, 0, 0, 0, 0, 1}
	p2ID := SystemIdentity{128, 248, 0x22, 0x43, 0x6A, 248, 0, 0, 0, 0, 0, 0, 0, 2}
	own := SystemIdentity{200, 248, 0x22, 0x43, 0x6A, 248, 9, 9, 9, 9, 9, 9, 9, 9}

	announces := map[int]AnnounceRecord{
		1: {SystemIdentity: p1ID, GrandmasterIdentity: identity(1)},
		2: {SystemIdentity: p2ID, GrandmasterIdentity: identity(2)},
	}

	d := Run(own, identity(99), announces, identity(0))
	require.False(t, d.NoChange)
	require.False(t, d.SelfIsGrandmaster)
	require.Equal(t, 1, d.SlavePort)
	require.Equal(t, identity(1), d.GrandmasterIdentity)
	require.True(t, d.GrandmasterChanged)
}

func TestBMCASelfBetterBecomesGrandmaster(t *testing.T) {
	own := SystemIdentity{10, 248, 0x22, 0x43, 0x6A, 128, 0, 0, 0, 0, 0, 0, 0, 9}
	other := SystemIdentity{200, 248, 0x22, 0x43, 0x6A, 128, 0, 0, 0, 0, 0, 0, 0, 1}
	announces := map[int]AnnounceRecord{
		1: {SystemIdentity: other, GrandmasterIdentity: identity(1)},
	}
	d := Run(own, identity(9), announces, identity(0))
	require.True(t, d.SelfIsGrandmaster)
	require.Equal(t, identity(9), d.GrandmasterIdentity)
	require.Equal(t, -1, d.SlavePort)
}

func TestBMCANoAnnouncesNoChange(t *testing.T) {
	own := SystemIdentity{}
	d := Run(own, identity(9), map[int]AnnounceRecord{}, identity(0))
	require.True(t, d.NoChange)
}

func TestSystemIdentityTotalOrder(t *testing.T) {
	a := SystemIdentity{1, 2, 3, 4, 5, 6, 0, 0, 0, 0, 0, 0, 0, 1}
	b := SystemIdentity{1, 2, 3, 4, 5, 6, 0, 0, 0, 0, 0, 0, 0, 2}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
}

func TestNewSystemIdentity(t *testing.T) {
	q := ptp.ClockQuality{ClockClass: 248, ClockAccuracy: 0x22, OffsetScaledLogVariance: 0x436A}
	si := NewSystemIdentity(128, q, 128, identity(1))
	require.Equal(t, byte(128), si[0])
	require.Equal(t, byte(248), si[1])
	require.Equal(t, byte(0x22), si[2])
	require.Equal(t, byte(128), si[5])
}
