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

package daemon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gptp2/gptpd/ptp/gptp/clock"
)

func TestSnapshotSinkKeepsLatestPerPort(t *testing.T) {
	s := newSnapshotSink()
	s.Publish(clock.Sample{PortNumber: 1, SyncCount: 1})
	s.Publish(clock.Sample{PortNumber: 1, SyncCount: 2})
	s.Publish(clock.Sample{PortNumber: 2, SyncCount: 5})

	out := s.Snapshot()
	require.Len(t, out, 2)

	byPort := map[uint16]clock.Sample{}
	for _, sample := range out {
		byPort[sample.PortNumber] = sample
	}
	require.Equal(t, uint32(2), byPort[1].SyncCount)
	require.Equal(t, uint32(5), byPort[2].SyncCount)
}

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	a := newSnapshotSink()
	b := newSnapshotSink()
	m := multiSink{sinks: []clock.Sink{a, b}}

	m.Publish(clock.Sample{PortNumber: 1, SyncCount: 7})

	require.Len(t, a.Snapshot(), 1)
	require.Len(t, b.Snapshot(), 1)
}
