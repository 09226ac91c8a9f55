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

package clock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/gptp2/gptpd/ptp/gptp/profile"
	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

func TestAddPortSeedsPdelayFromPersistentStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockPersistentStore(ctrl)
	store.EXPECT().Load("eth0").Return(PersistedPortState{LinkDelayNS: 1234, PeerRateOffset: 1.0002}, true)

	c := New(0x1111, 128, 128, testQuality(), 0, nil, store)
	prof := profile.NewAutomotive()
	p := c.AddPort(0, ptp.PortIdentity{ClockIdentity: 0x1111, PortNumber: 1}, "eth0", &fakeTransport{}, nil, prof)

	require.Equal(t, int64(1234), p.LinkDelayNS())
}

func TestAddPortIgnoresStoreWhenProfileDoesNotPersist(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockPersistentStore(ctrl)
	// Standard profile persists neither neighbor delay nor rate ratio, so
	// Load must never be called.

	c := New(0x1111, 128, 128, testQuality(), 0, nil, store)
	p := c.AddPort(0, ptp.PortIdentity{ClockIdentity: 0x1111, PortNumber: 1}, "eth0", &fakeTransport{}, nil, profile.NewStandard())

	require.Equal(t, int64(0), p.LinkDelayNS())
}

func TestFileStoreRoundTripsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	first := NewFileStore(path)
	require.NoError(t, first.Save("eth0", PersistedPortState{LinkDelayNS: 500, PeerRateOffset: 1.0001}))

	second := NewFileStore(path)
	st, ok := second.Load("eth0")
	require.True(t, ok)
	require.Equal(t, int64(500), st.LinkDelayNS)
	require.InEpsilon(t, 1.0001, st.PeerRateOffset, 1e-9)

	_, ok = second.Load("eth1")
	require.False(t, ok)
}
