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

// Package servo turns (phase offset, frequency ratio) evidence from Sync/
// Follow-Up processing into a rate/phase correction for the local
// oscillator. The PI constants and step/clamp rules are normative; the
// jitter-smoothing ring buffer follows a PI servo's filter shape,
// repurposed here purely to feed the profile's soft max_sync_jitter_ns
// compliance counter rather than to drive the PI terms themselves.
package servo

import (
	"container/ring"
	"math"

	log "github.com/sirupsen/logrus"

	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

// State names the servo's lifecycle so telemetry and tests can refer to
// it consistently.
type State uint8

// Servo states.
const (
	StateInit State = iota
	StateJump
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateJump:
		return "JUMP"
	case StateLocked:
		return "LOCKED"
	}
	return "UNKNOWN"
}

// Config carries the suggested, non-invariant PI tuneables plus the two
// hard invariants (the ±100ppm clamp and the ±200ppm rate-acceptance
// window).
type Config struct {
	Proportional float64
	Integral     float64

	// Clamp applied to the ppm rate setpoint (not the ppb device range);
	// named PPM to match "suggest ±100 ppm" directly.
	LowerFreqLimitPPM float64
	UpperFreqLimitPPM float64

	// RateAcceptPPM bounds peer/master-local frequency ratio acceptance:
	// a detected ratio is accepted only within [1-RateAcceptPPM*1e-6, 1+RateAcceptPPM*1e-6].
	RateAcceptPPM float64

	// ViolationLimit is the number of consecutive out-of-tolerance phase
	// samples that forces a step regardless of the new-setpoint flag.
	ViolationLimit int

	// ViolationThresholdNS is how far a phase offset must be from zero to
	// count as a violation sample.
	ViolationThresholdNS int64

	JitterWindowSize int
}

// DefaultConfig returns the suggested tuneables.
func DefaultConfig() Config {
	return Config{
		Proportional:         1.0,
		Integral:             0.3,
		LowerFreqLimitPPM:    -100,
		UpperFreqLimitPPM:    100,
		RateAcceptPPM:        200,
		ViolationLimit:       50,
		ViolationThresholdNS: 1_000_000,
		JitterWindowSize:     30,
	}
}

// Sample is one (phase offset, frequency ratio) observation derived from a
// Sync/Follow-Up pair.
type Sample struct {
	PhaseOffsetNS   int64
	FreqRatio       float64
	SyncIntervalLog ptp.LogInterval
	MasterTimeNS    int64
}

// Result is what the port does in response to a processed sample.
type Result struct {
	State         State
	PPM           float64
	StepNS        int64
	Discarded     bool
	RestartPdelay bool
}

// Servo accumulates the PI correction for one port's slave-side clock
// discipline, plus the independent local→system ratio estimator IPC
// consumers need.
type Servo struct {
	cfg Config

	initialized  bool
	ppm          float64
	violations   int
	forceStep    bool
	prevMasterTimeNS int64

	jitter *ring.Ring
	jitterN int

	// local->system ratio, sampled on every Sync tick independent of
	// master-local discipline.
	lsPrevDeviceNS int64
	lsPrevSystemNS int64
	lsInit         bool
	lsRatio        float64
}

// New constructs a Servo with cfg's tuneables.
func New(cfg Config) *Servo {
	return &Servo{
		cfg:    cfg,
		jitter: ring.New(maxInt(cfg.JitterWindowSize, 1)),
		lsRatio: 1.0,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ForceStep arms a step on the next Sample call; become_slave(true) and a
// grandmaster change call this.
func (s *Servo) ForceStep() {
	s.forceStep = true
}

// Reset clears the accumulated state, as become_slave's "optionally reset
// the servo's master-local estimator" asks for.
func (s *Servo) Reset() {
	s.initialized = false
	s.ppm = 0
	s.violations = 0
	s.forceStep = true
	s.prevMasterTimeNS = 0
}

// Sample feeds one observation through the PI step/clamp logic.
func (s *Servo) Sample(sample Sample) Result {
	if s.initialized && sample.MasterTimeNS < s.prevMasterTimeNS {
		// negative time jump: reset estimator, discard sample.
		log.Warnf("servo: negative time jump detected (master time went from %d to %d), resetting",
			s.prevMasterTimeNS, sample.MasterTimeNS)
		s.Reset()
		return Result{State: StateInit, Discarded: true}
	}
	s.prevMasterTimeNS = sample.MasterTimeNS
	s.initialized = true

	s.recordJitter(sample.PhaseOffsetNS)

	if s.isViolation(sample.PhaseOffsetNS) {
		s.violations++
	} else {
		s.violations = 0
	}

	if s.forceStep || s.violations > s.cfg.ViolationLimit {
		s.forceStep = false
		s.violations = 0
		s.ppm = 0
		return Result{
			State:         StateJump,
			PPM:           0,
			StepNS:        -sample.PhaseOffsetNS,
			RestartPdelay: true,
		}
	}

	ratio := sample.FreqRatio
	if !s.rateAccepted(ratio) {
		// Treat an out-of-tolerance ratio as "no syntonisation evidence
		// this round": hold the last ppm and report locked, so a single
		// noisy ratio reading doesn't perturb the loop.
		ratio = 1
	}

	syncsPerSec := math.Pow(2, -float64(sample.SyncIntervalLog))
	phaseError := float64(sample.PhaseOffsetNS)

	s.ppm += s.cfg.Integral*syncsPerSec*phaseError + s.cfg.Proportional*(ratio-1)*1e6

	if s.ppm < s.cfg.LowerFreqLimitPPM {
		s.ppm = s.cfg.LowerFreqLimitPPM
	} else if s.ppm > s.cfg.UpperFreqLimitPPM {
		s.ppm = s.cfg.UpperFreqLimitPPM
	}

	return Result{State: StateLocked, PPM: s.ppm}
}

func (s *Servo) isViolation(offsetNS int64) bool {
	if offsetNS < 0 {
		offsetNS = -offsetNS
	}
	return offsetNS > s.cfg.ViolationThresholdNS
}

// rateAccepted reports whether ratio lies in [1-RateAcceptPPM*1e-6, 1+RateAcceptPPM*1e-6].
func (s *Servo) rateAccepted(ratio float64) bool {
	bound := s.cfg.RateAcceptPPM * 1e-6
	return ratio >= 1-bound && ratio <= 1+bound
}

// recordJitter keeps a small rolling window of recent phase offsets purely
// so telemetry can compare against the profile's max_sync_jitter_ns soft
// compliance limit.
func (s *Servo) recordJitter(offsetNS int64) {
	s.jitter.Value = offsetNS
	s.jitter = s.jitter.Next()
	if s.jitterN < s.jitter.Len() {
		s.jitterN++
	}
}

// JitterStdDevNS returns the standard deviation of the recent phase-offset
// window, in nanoseconds.
func (s *Servo) JitterStdDevNS() float64 {
	if s.jitterN == 0 {
		return 0
	}
	var mean float64
	count := 0
	s.jitter.Do(func(v any) {
		if v == nil {
			return
		}
		mean += float64(v.(int64))
		count++
	})
	if count == 0 {
		return 0
	}
	mean /= float64(count)
	var sigmaSq float64
	s.jitter.Do(func(v any) {
		if v == nil {
			return
		}
		d := float64(v.(int64)) - mean
		sigmaSq += d * d
	})
	return math.Sqrt(sigmaSq / float64(count))
}

// SampleLocalSystem updates the local→system frequency ratio IPC consumers
// read, from a (device_time, system_time) pair captured at the same
// instant.
func (s *Servo) SampleLocalSystem(deviceNS, systemNS int64) {
	if !s.lsInit {
		s.lsPrevDeviceNS = deviceNS
		s.lsPrevSystemNS = systemNS
		s.lsInit = true
		return
	}
	dd := deviceNS - s.lsPrevDeviceNS
	ds := systemNS - s.lsPrevSystemNS
	if dd <= 0 || ds <= 0 {
		return
	}
	ratio := float64(dd) / float64(ds)
	if s.rateAccepted(ratio) {
		s.lsRatio = ratio
	}
	s.lsPrevDeviceNS = deviceNS
	s.lsPrevSystemNS = systemNS
}

// LocalSystemRatio returns the most recently accepted local→system
// frequency ratio.
func (s *Servo) LocalSystemRatio() float64 {
	return s.lsRatio
}

// PPM returns the current rate setpoint.
func (s *Servo) PPM() float64 {
	return s.ppm
}
