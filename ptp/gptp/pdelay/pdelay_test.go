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

package pdelay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gptp2/gptpd/ptp/gptp/profile"
)

// TestMilanQualificationAfterTwoSuccesses directly implements the Milan
// PDelay qualification scenario: two successes are required before
// asCapable flips true, and the one-way link delay computed from
// (t1,t2,t3,t4)=(1000,1050,1100,1200) is stable across exchanges.
func TestMilanQualificationAfterTwoSuccesses(t *testing.T) {
	prof := profile.NewMilan()
	ex := New(prof)
	require.False(t, ex.AsCapable())

	r1 := ex.ProcessResponse(1, 1, 1000, 1050, 1100, 1200, 0)
	require.False(t, ex.AsCapable())
	require.Equal(t, 1, ex.PdelayCount())
	require.False(t, r1.NewlyQualified)
	require.Equal(t, int64(75), r1.LinkDelayNS)

	r2 := ex.ProcessResponse(2, 1, 2000001000, 2000001050, 2000001100, 2000001200, 0)
	require.True(t, ex.AsCapable())
	require.Equal(t, 2, ex.PdelayCount())
	require.True(t, r2.NewlyQualified)
	require.Equal(t, int64(75), r2.LinkDelayNS)
}

func TestStandardQualifiesAfterOneSuccess(t *testing.T) {
	prof := profile.NewStandard()
	ex := New(prof)
	r := ex.ProcessResponse(1, 1, 1000, 1050, 1100, 1200, 0)
	require.True(t, ex.AsCapable())
	require.True(t, r.NewlyQualified)
}

// TestPeerMisbehavingHalt implements scenario S5: three PDelay_Resps with
// the same sequence id arrive from alternating source ports in a row.
func TestPeerMisbehavingHalt(t *testing.T) {
	prof := profile.NewStandard()
	ex := New(prof)

	ex.ProcessResponse(5, 1, 1000, 1050, 1100, 1200, 0)
	require.False(t, ex.Halted())
	ex.ProcessResponse(5, 2, 1000, 1050, 1100, 1200, 0)
	require.False(t, ex.Halted())
	ex.ProcessResponse(5, 1, 1000, 1050, 1100, 1200, 0)
	require.True(t, ex.Halted())

	ex.Reenable()
	require.False(t, ex.Halted())
}

// TestMilanLateToleranceKeepsAsCapable implements scenario S6.
func TestMilanLateToleranceKeepsAsCapable(t *testing.T) {
	prof := profile.NewMilan()
	ex := New(prof)
	ex.pdelayCount = 5
	ex.asCapable = true

	for i := 0; i < 3; i++ {
		r := ex.ProcessResponse(uint16(10+i), 1, 1000, 1050, 1100, 1200, 12)
		require.True(t, ex.AsCapable())
		require.Equal(t, int64(75), r.LinkDelayNS)
	}
	require.Equal(t, 3, ex.consecutiveLate)
}

func TestAVnuBaseLosesAsCapableOnLateRun(t *testing.T) {
	prof := profile.NewAVnuBase()
	ex := New(prof)
	ex.pdelayCount = 2
	ex.asCapable = true

	for i := 0; i < prof.ConsecutiveLateLimit; i++ {
		ex.ProcessResponse(uint16(20+i), 1, 1000, 1050, 1100, 1200, 12)
	}
	require.False(t, ex.AsCapable())
}

func TestExceedsNeighborThresholdClearsAsCapable(t *testing.T) {
	prof := profile.NewStandard()
	ex := New(prof)
	ex.asCapable = true
	// t4-t1 far exceeds the 800us threshold.
	r := ex.ProcessResponse(1, 1, 0, 100, 200, 2_000_000_000, 0)
	require.True(t, r.ExceedsThreshold)
	require.False(t, ex.AsCapable())
}

func TestAutomotiveStartsAsCapableOnLinkUp(t *testing.T) {
	prof := profile.NewAutomotive()
	ex := New(prof)
	require.True(t, ex.AsCapable())
	ex.OnLinkUp()
	require.True(t, ex.AsCapable())
	ex.OnLinkDown()
	require.True(t, ex.AsCapable(), "automotive keeps asCapable across link-down")
}

func TestOnReceiptTimeoutClearsBelowMinSuccesses(t *testing.T) {
	prof := profile.NewMilan()
	ex := New(prof)
	ex.pdelayCount = 1
	ex.OnReceiptTimeout()
	require.False(t, ex.AsCapable())
}
