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

// Package pdelay implements the four-message peer-delay exchange and the
// per-port asCapable qualification state machine. A misbehaving peer is
// handled with a flat halt-then-retry shape rather than exponential
// backoff: link delay is a single scalar per exchange, not a population
// worth smoothing over a sliding window.
package pdelay

import (
	log "github.com/sirupsen/logrus"

	"github.com/gptp2/gptpd/ptp/gptp/profile"
)

// HaltDuration is how long PDelay stays halted after a peer is judged to be
// misbehaving (duplicate responses from alternating source ports).
const HaltDuration = 300 // seconds.

// MisbehaviorStreak is the number of consecutive duplicate-source-port
// responses that trips the halt.
const MisbehaviorStreak = 3

// Request is the single retained outstanding PDelay_Req for a port: only
// the most recent is kept; an older request is discarded on overwrite.
type Request struct {
	SequenceID uint16
	T1         int64 // request Tx timestamp, ns

	// Response-side state, filled in as the matching PDelay_Resp and
	// PDelay_Resp_FollowUp arrive; only the most recently begun request
	// ever holds this, matching single-slot retention.
	haveResp   bool
	t2         int64
	t4         int64
	sourcePort uint16
	lateMS     float64
}

// Exchange is the state machine owned by one port for the peer-delay
// protocol. It is not safe for concurrent use; the port's PDelay Rx lock
// serialises access.
type Exchange struct {
	prof *profile.Profile

	// Qualification state.
	asCapable    bool
	pdelayCount  int
	consecutiveMissing int
	consecutiveLate    int

	// Retained request awaiting a response.
	pending *Request

	// Peer rate offset estimator state, carried across exchanges.
	rateInitialized bool
	prevT1          int64
	prevT2          int64
	linkDelayNS     int64
	peerRateOffset  float64

	// Misbehavior detection.
	lastRespSeq        uint16
	lastRespSourcePort uint16
	haveLastResp       bool
	altStreak          int

	halted     bool
}

// New constructs an Exchange for the given profile, with asCapable seeded
// per the profile's InitialAsCapable (Automotive starts true).
func New(prof *profile.Profile) *Exchange {
	return &Exchange{
		prof:           prof,
		asCapable:      prof.InitialAsCapable,
		peerRateOffset: 1.0,
	}
}

// AsCapable reports the port's current asCapable predicate.
func (e *Exchange) AsCapable() bool { return e.asCapable }

// PdelayCount is the current qualification success counter.
func (e *Exchange) PdelayCount() int { return e.pdelayCount }

// LinkDelayNS is the most recently computed one-way link delay.
func (e *Exchange) LinkDelayNS() int64 { return e.linkDelayNS }

// PeerRateOffset is the most recently accepted peer/local rate ratio.
func (e *Exchange) PeerRateOffset() float64 { return e.peerRateOffset }

// Halted reports whether PDelay is currently suspended on this port due to
// a misbehaving peer.
func (e *Exchange) Halted() bool { return e.halted }

// Seed primes the link-delay/peer-rate-offset estimator from a previously
// persisted value, so an Automotive port that starts
// asCapable on link-up doesn't have to wait for its first full exchange
// before ProcessResponse's rate-acceptance window has a sane baseline.
func (e *Exchange) Seed(linkDelayNS int64, peerRateOffset float64) {
	e.linkDelayNS = linkDelayNS
	if peerRateOffset > 0 {
		e.peerRateOffset = peerRateOffset
	}
}

// OnLinkUp applies the profile's link-up asCapable default and clears any
// halt (Automotive keeps it true regardless; others reset to false unless
// AsCapableOnLinkUp).
func (e *Exchange) OnLinkUp() {
	e.halted = false
	e.altStreak = 0
	e.haveLastResp = false
	if e.prof.AsCapableOnLinkUp {
		e.asCapable = true
	} else if !e.prof.InitialAsCapable {
		e.asCapable = false
	}
	e.pending = nil
}

// OnLinkDown clears asCapable unless the profile keeps it (Automotive).
func (e *Exchange) OnLinkDown() {
	if !e.prof.AsCapableOnLinkDown {
		e.asCapable = false
	}
	e.pending = nil
}

// BeginRequest records a newly transmitted PDelay_Req as the port's single
// retained outstanding request, replacing any prior one.
func (e *Exchange) BeginRequest(seq uint16, t1 int64) {
	e.pending = &Request{SequenceID: seq, T1: t1}
}

// Pending returns the retained outstanding request, or nil.
func (e *Exchange) Pending() *Request { return e.pending }

// MatchesPending reports whether seq is the sequence ID of the currently
// retained outstanding request: PDelay_Resp and PDelay_Resp_Follow_Up are
// correlated by sequence_id alone, scoped to the port's retained request.
func (e *Exchange) MatchesPending(seq uint16) bool {
	return e.pending != nil && e.pending.SequenceID == seq
}

// RecordResponse stores the PDelay_Resp half of a matched exchange (t2, t4,
// the responder's source port, and how late the response arrived relative
// to t1) against the retained request, awaiting the FollowUp's t3.
//
// A second response for the same sequence id from a different source port
// is the duplicate-responder signature: a run of those halts PDelay for
// HaltDuration. newlyHalted tells the port to schedule the
// PDELAY_RESP_PEER_MISBEHAVING_TIMEOUT re-enable.
func (e *Exchange) RecordResponse(seq uint16, sourcePort uint16, t2, t4 int64, lateMS float64) (recorded, newlyHalted bool) {
	if !e.MatchesPending(seq) {
		return false, false
	}
	if e.pending.haveResp && e.pending.sourcePort != sourcePort {
		e.altStreak++
		if e.altStreak >= MisbehaviorStreak-1 && !e.halted {
			e.halt()
			newlyHalted = true
		}
	}
	e.pending.haveResp = true
	e.pending.t2 = t2
	e.pending.t4 = t4
	e.pending.sourcePort = sourcePort
	e.pending.lateMS = lateMS
	return true, newlyHalted
}

// RecordFollowUp completes a pending exchange with t3 (the response origin
// timestamp) and returns the four timestamps ready for ProcessResponse. ok
// is false when no matching PDelay_Resp was recorded first; the port gives
// such a FollowUp one more beat via PDELAY_DEFERRED_PROCESSING before
// treating the pair as a correlation miss.
func (e *Exchange) RecordFollowUp(seq uint16, t3 int64) (t1, t2, t4 int64, sourcePort uint16, lateMS float64, ok bool) {
	if !e.MatchesPending(seq) || !e.pending.haveResp {
		return 0, 0, 0, 0, 0, false
	}
	return e.pending.T1, e.pending.t2, e.pending.t4, e.pending.sourcePort, e.pending.lateMS, true
}

// ResponseResult is what processing a matched PDelay_Resp/FollowUp pair
// does to qualification and link-delay state.
type ResponseResult struct {
	LinkDelayNS      int64
	PeerRateAccepted bool
	NewlyQualified   bool
	ExceedsThreshold bool
	NewlyHalted      bool
}

// ProcessResponse computes link delay and peer rate offset from a completed
// four-timestamp exchange and advances qualification. sourcePort
// is the PDelay_Resp's source port number, used for misbehavior detection.
func (e *Exchange) ProcessResponse(seq uint16, sourcePort uint16, t1, t2, t3, t4 int64, lateMS float64) ResponseResult {
	result := ResponseResult{}
	if e.duplicateFromDifferentSource(seq, sourcePort) {
		e.altStreak++
		// The streak counts responses in the alternating pattern: the
		// first response plus MisbehaviorStreak-1 conflicting duplicates.
		if e.altStreak >= MisbehaviorStreak-1 && !e.halted {
			e.halt()
			result.NewlyHalted = true
		}
	} else if e.haveLastResp && e.lastRespSeq != seq {
		e.altStreak = 0
	}
	e.lastRespSeq = seq
	e.lastRespSourcePort = sourcePort
	e.haveLastResp = true

	oldLinkDelay := e.linkDelayNS
	linkDelay := ((t4 - t1) - int64(float64(t3-t2)*e.peerRateOffset)) / 2
	e.linkDelayNS = linkDelay

	result.LinkDelayNS = linkDelay

	if e.rateInitialized {
		dt1 := t1 - e.prevT1
		dt2 := (t2 - e.prevT2) - oldLinkDelay + linkDelay
		if dt2 != 0 {
			rate := float64(dt1) / float64(dt2)
			if rateAccepted(rate) {
				e.peerRateOffset = rate
				result.PeerRateAccepted = true
			}
		}
	}
	e.prevT1 = t1
	e.prevT2 = t2
	e.rateInitialized = true

	if e.prof.NeighborPropDelayThreshNS > 0 && absInt64(linkDelay) > e.prof.NeighborPropDelayThreshNS {
		result.ExceedsThreshold = true
		e.asCapable = false
		return result
	}

	e.consecutiveMissing = 0

	wasCapable := e.asCapable
	e.pdelayCount++
	if e.prof.MinPdelaySuccesses > 0 {
		if e.pdelayCount >= e.prof.MinPdelaySuccesses {
			e.asCapable = true
		}
	} else {
		// min=0 disables the count-based rule: a single success qualifies.
		e.asCapable = true
	}

	// The late-response hysteresis has the final say: a qualified port can
	// still lose asCapable on an excessive run of late (but not missing)
	// responses, per the profile table's "response received but late" row.
	late := lateMS > float64(e.prof.LateResponseThresholdMS)
	if late {
		e.consecutiveLate++
		if e.consecutiveLate >= e.prof.ConsecutiveLateLimit && !e.prof.MaintainAsCapableOnLateResponse {
			e.asCapable = false
		}
	} else {
		e.consecutiveLate = 0
	}

	if e.asCapable && !wasCapable {
		result.NewlyQualified = true
	}
	return result
}

// OnReceiptTimeout handles a PDELAY_RESP_RECEIPT_TIMEOUT where a response
// was actually missing (not merely late), per timeout row.
func (e *Exchange) OnReceiptTimeout() {
	e.consecutiveMissing++
	if e.prof.ResetPdelayCountOnTimeout {
		e.pdelayCount = 0
	}
	if e.prof.MaintainAsCapableOnTimeout {
		return
	}
	if e.pdelayCount < e.prof.MinPdelaySuccesses {
		e.asCapable = false
		return
	}
	if e.consecutiveMissing >= 3 {
		e.asCapable = false
	}
}

func (e *Exchange) duplicateFromDifferentSource(seq uint16, sourcePort uint16) bool {
	return e.haveLastResp && e.lastRespSeq == seq && e.lastRespSourcePort != sourcePort
}

func (e *Exchange) halt() {
	e.halted = true
	e.altStreak = 0
	log.Warnf("pdelay: peer misbehaving (duplicate responses from alternating source ports), halting for %ds", HaltDuration)
}

// Reenable clears the halt after the PDELAY_RESP_PEER_MISBEHAVING_TIMEOUT
// fires.
func (e *Exchange) Reenable() {
	e.halted = false
}

func rateAccepted(rate float64) bool {
	const bound = 200e-6
	return rate >= 1-bound && rate <= 1+bound
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
