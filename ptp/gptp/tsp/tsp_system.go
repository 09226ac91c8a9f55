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
	"time"

	"golang.org/x/sys/unix"
)

// SystemTimestamper is the software-clock fallback used when no hardware
// timestamper is available: system and device time collapse to the same
// CLOCK_REALTIME reading, disciplined via clock_adjtime. The servo still
// converges; precision is simply degraded relative to a hardware clock.
type SystemTimestamper struct {
	epoch      uint64
	maxFreqPPB float64
}

// NewSystemTimestamper constructs the fallback timestamper.
func NewSystemTimestamper(epoch uint64) *SystemTimestamper {
	return &SystemTimestamper{epoch: epoch, maxFreqPPB: defaultMaxFreqPPB}
}

// TxTimestamp returns the current wall-clock time immediately: software
// timestamping has no pending state to poll for.
func (s *SystemTimestamper) TxTimestamp(MessageID) (Status, Timestamp) {
	return StatusReady, FromTime(time.Now(), s.epoch)
}

// RxTimestamp returns the current wall-clock time immediately.
func (s *SystemTimestamper) RxTimestamp(MessageID) (Status, Timestamp) {
	return StatusReady, FromTime(time.Now(), s.epoch)
}

// GetTime reports CLOCK_REALTIME for every field: without a hardware
// clock there is no separate device time.
func (s *SystemTimestamper) GetTime() (system, device, localClock Timestamp, nominalRatePPB float64, err error) {
	now := time.Now()
	ts := FromTime(now, s.epoch)
	return ts, ts, ts, s.maxFreqPPB, nil
}

// AdjustRate applies a ppm rate correction to CLOCK_REALTIME.
func (s *SystemTimestamper) AdjustRate(ppm float64) error {
	return adjFreqPPB(unix.CLOCK_REALTIME, ppm*1000)
}

// AdjustPhase steps CLOCK_REALTIME by ns nanoseconds.
func (s *SystemTimestamper) AdjustPhase(ns int64) error {
	return stepClock(unix.CLOCK_REALTIME, time.Duration(ns))
}
