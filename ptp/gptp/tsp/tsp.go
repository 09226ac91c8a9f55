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

// Package tsp defines the EventTimestamper trait and two implementations:
// a PTP Hardware Clock backed one, built on phc/phc.go and phc/adjtime.go,
// and a software fallback built on clock/clock.go's direct CLOCK_ADJTIME
// syscalls. Every Timestamp carries an epoch tag, and arithmetic across
// two different epochs is a programmer error, enforced at Sub.
package tsp

import (
	"fmt"
	"time"

	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

// Status is the outcome of a timestamp poll.
type Status uint8

// Timestamp poll outcomes, "Pending|Ready(Timestamp)|Failed".
const (
	StatusPending Status = iota
	StatusReady
	StatusFailed
)

// Timestamp is a seconds-and-nanoseconds tuple tagged with the epoch of the
// capture path that produced it. Arithmetic between timestamps from
// different epochs is a programmer error, enforced by Sub.
type Timestamp struct {
	Seconds     int64
	Nanoseconds int32
	Epoch       uint64
}

// FromTime builds a Timestamp from a time.Time under the given epoch.
func FromTime(t time.Time, epoch uint64) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanoseconds: int32(t.Nanosecond()), Epoch: epoch}
}

// Nanoseconds returns the timestamp as an int64 nanosecond count since the
// Unix epoch, ignoring the version tag (only safe for same-epoch values,
// which is the caller's responsibility after a successful Sub check).
func (t Timestamp) AsInt64() int64 {
	return t.Seconds*1e9 + int64(t.Nanoseconds)
}

// Sub returns t-o as a duration, erroring if the two timestamps were
// captured under different epochs.
func (t Timestamp) Sub(o Timestamp) (time.Duration, error) {
	if t.Epoch != o.Epoch {
		return 0, fmt.Errorf("timestamp epoch mismatch: %d vs %d", t.Epoch, o.Epoch)
	}
	return time.Duration(t.AsInt64() - o.AsInt64()), nil
}

// MessageID identifies one outstanding Tx/Rx timestamp request; correlated
// by the port the same way PDelay/Sync sequence IDs are.
type MessageID struct {
	Port       ptp.PortIdentity
	SequenceID uint16
	Type       ptp.MessageType
}

// EventTimestamper is the external-collaborator trait the engine uses for
// Tx/Rx capture and clock discipline. When a concrete backend is absent,
// the engine falls back to OS system time for both system and device
// (servo still converges, precision is degraded); see SystemTimestamper.
type EventTimestamper interface {
	TxTimestamp(id MessageID) (Status, Timestamp)
	RxTimestamp(id MessageID) (Status, Timestamp)

	// GetTime reports system time, device (hardware clock) time, a
	// monotonic local-clock reading, and the device's nominal adjustment
	// rate (ppb it can move per adjustment).
	GetTime() (system, device, localClock Timestamp, nominalRatePPB float64, err error)

	AdjustRate(ppm float64) error
	AdjustPhase(ns int64) error
}

// RetryBudget is the bounded Tx timestamp poll budget from suspension
// points: "typical budget: 18 retries doubling from a few ms".
type RetryBudget struct {
	Attempts     int
	InitialDelay time.Duration
}

// DefaultRetryBudget matches suggested numbers.
func DefaultRetryBudget() RetryBudget {
	return RetryBudget{Attempts: 18, InitialDelay: 2 * time.Millisecond}
}

// PollTimestamp retries poll up to b.Attempts times, doubling the delay
// between attempts, until it returns something other than StatusPending.
func PollTimestamp(b RetryBudget, poll func() (Status, Timestamp)) (Status, Timestamp) {
	delay := b.InitialDelay
	for i := 0; i < b.Attempts; i++ {
		status, ts := poll()
		if status != StatusPending {
			return status, ts
		}
		time.Sleep(delay)
		delay *= 2
	}
	return StatusFailed, Timestamp{}
}
