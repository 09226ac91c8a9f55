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

package tsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestampSubRejectsEpochMismatch(t *testing.T) {
	a := FromTime(time.Unix(100, 0), 1)
	b := FromTime(time.Unix(90, 0), 1)
	d, err := a.Sub(b)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, d)

	c := FromTime(time.Unix(90, 0), 2)
	_, err = a.Sub(c)
	require.Error(t, err, "timestamps from different capture epochs never mix")
}

func TestTimestampAsInt64(t *testing.T) {
	ts := FromTime(time.Unix(5, 250), 0)
	require.Equal(t, int64(5_000_000_250), ts.AsInt64())
}

func TestTimexFreqScaling(t *testing.T) {
	// clock_adjtime freq is ppm with a 16-bit binary fraction: 1ppm in
	// ppb terms is 1000ppb, encoded as 65536.
	require.Equal(t, int64(65536), timexFreqFromPPB(1000))
	require.Equal(t, int64(-65536), timexFreqFromPPB(-1000))
	require.Equal(t, int64(0), timexFreqFromPPB(0))
}

func TestStepTimexBorrowsOnNegative(t *testing.T) {
	sec, nsec := stepTimex(1500 * time.Millisecond)
	require.Equal(t, int64(1), sec)
	require.Equal(t, int64(500_000_000), nsec)

	sec, nsec = stepTimex(-250 * time.Millisecond)
	require.Equal(t, int64(-1), sec)
	require.Equal(t, int64(750_000_000), nsec)

	sec, nsec = stepTimex(0)
	require.Equal(t, int64(0), sec)
	require.Equal(t, int64(0), nsec)
}

func TestClockIDFromFD(t *testing.T) {
	// The dynamic posix clock encoding: ((~fd) << 3) | CLOCKFD.
	fd := uintptr(3)
	require.Equal(t, int32((^fd<<3)|3), clockIDFromFD(3))
}

func TestPollTimestampExhaustsBudget(t *testing.T) {
	budget := RetryBudget{Attempts: 3, InitialDelay: time.Microsecond}
	calls := 0
	status, _ := PollTimestamp(budget, func() (Status, Timestamp) {
		calls++
		return StatusPending, Timestamp{}
	})
	require.Equal(t, StatusFailed, status)
	require.Equal(t, 3, calls)
}

func TestPollTimestampReturnsFirstReady(t *testing.T) {
	budget := DefaultRetryBudget()
	want := FromTime(time.Unix(1, 2), 7)
	calls := 0
	status, ts := PollTimestamp(budget, func() (Status, Timestamp) {
		calls++
		if calls < 2 {
			return StatusPending, Timestamp{}
		}
		return StatusReady, want
	})
	require.Equal(t, StatusReady, status)
	require.Equal(t, want, ts)
	require.Equal(t, 2, calls)
}
