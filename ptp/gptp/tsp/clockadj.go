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

// defaultMaxFreqPPB is the frequency adjustment range the kernel allows
// for the system clock when a device does not report its own.
const defaultMaxFreqPPB = 500000.0

// timexFreqFromPPB converts a parts-per-billion rate adjustment to the
// clock_adjtime freq unit: parts per million with a 16-bit binary
// fraction.
func timexFreqFromPPB(ppb float64) int64 {
	return int64(ppb * 65.536)
}

// adjFreqPPB slews clockID by ppb parts per billion.
func adjFreqPPB(clockID int32, ppb float64) error {
	tx := unix.Timex{
		Modes: unix.ADJ_FREQUENCY,
		Freq:  timexFreqFromPPB(ppb),
	}
	_, err := unix.ClockAdjtime(clockID, &tx)
	return err
}

// stepTimex fills the seconds/nanoseconds pair for an ADJ_SETOFFSET call.
// The kernel requires the nanosecond part to be non-negative, so a
// negative step borrows from the seconds field.
func stepTimex(step time.Duration) (sec, nsec int64) {
	sec = int64(step / time.Second)
	nsec = int64(step % time.Second)
	if nsec < 0 {
		sec--
		nsec += int64(time.Second)
	}
	return sec, nsec
}

// stepClock steps clockID by the signed offset.
func stepClock(clockID int32, step time.Duration) error {
	sec, nsec := stepTimex(step)
	tx := unix.Timex{
		Modes: unix.ADJ_SETOFFSET | unix.ADJ_NANO,
	}
	tx.Time.Sec = sec
	tx.Time.Usec = nsec // with ADJ_NANO this field carries nanoseconds
	_, err := unix.ClockAdjtime(clockID, &tx)
	return err
}

// readClock returns the current time of clockID.
func readClock(clockID int32) (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts.Sec, ts.Nsec), nil
}
