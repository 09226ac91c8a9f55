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

// Package port implements the per-interface PTP state machine: sequence
// counters, timer-driven role transitions, and Announce/Sync/Follow-Up/
// PDelay message dispatch. It holds a non-owning back-reference to its
// Clock aggregate (ClockContext) rather than owning the clock, breaking the
// cyclic ownership the same way a long-lived client avoids it between
// itself and its per-cycle measurement state.
package port

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gptp2/gptpd/ptp/gptp/bmca"
	"github.com/gptp2/gptpd/ptp/gptp/pdelay"
	"github.com/gptp2/gptpd/ptp/gptp/profile"
	"github.com/gptp2/gptpd/ptp/gptp/servo"
	"github.com/gptp2/gptpd/ptp/gptp/timer"
	"github.com/gptp2/gptpd/ptp/gptp/tsp"
	"github.com/gptp2/gptpd/ptp/gptp/wire"
	ptp "github.com/gptp2/gptpd/ptp/protocol"

	"sync"
)

// bootstrapDelay is the 16ms cadence every freshly armed announce/sync
// interval timer and every STATE_CHANGE_EVENT debounce uses.
const bootstrapDelay = 16 * time.Millisecond

// pdelayDeferredProcessingDelay is the "processing is deferred by 1ms"
// window for a PDelay FollowUp whose matching response hasn't been
// recorded yet.
const pdelayDeferredProcessingDelay = 1 * time.Millisecond

// syncReceiptThresh bounds the run of Follow-Ups that fail sequence/source
// correlation before the port gives up on the master and promotes itself.
const syncReceiptThresh = 5

// Status is the snapshot of per-port state a PublishSample call hands to
// the clock aggregate. The port composes it while holding its own lock, so
// the aggregate never has to call back into the port to assemble the IPC
// record.
type Status struct {
	Index      int
	PortNumber uint16
	State      ptp.PortState
	AsCapable  bool

	SyncCount   uint32
	PdelayCount uint32

	LogSyncInterval     ptp.LogInterval
	LogAnnounceInterval ptp.LogInterval
	LogPdelayInterval   ptp.LogInterval

	MLPhaseOffsetNS int64
	LSPhaseOffsetNS int64
	MLFreqRatio     float64
	LSFreqRatio     float64
}

// ClockContext is the non-owning back-reference a port uses to reach its
// clock aggregate: publish IPC, schedule timers, read/update the node-wide
// grandmaster snapshot, and trigger a cross-port BMCA run.
type ClockContext interface {
	OwnIdentity() ptp.ClockIdentity
	Priority1() uint8
	Priority2() uint8
	ClockQuality() ptp.ClockQuality
	DomainNumber() uint8

	Timers() *timer.Queue

	GrandmasterIdentity() ptp.ClockIdentity
	SetGrandmaster(id ptp.ClockIdentity, quality ptp.ClockQuality, priority1, priority2 uint8, stepsRemoved uint16, timeSource ptp.TimeSource)

	// RunBMCA triggers the clock aggregate's cross-port election;
	// called by a port's STATE_CHANGE_EVENT handler. The aggregate reads
	// every port's QualifiedAnnounce() and calls ApplyDecision on each, so
	// the caller must not hold the port lock.
	RunBMCA()

	PublishSample(st Status)

	// PersistNeighborState asks the aggregate to write the port's link
	// delay and peer rate ratio through its PersistentStore, for profiles
	// that carry them across restarts.
	PersistNeighborState(portIndex int, linkDelayNS int64, peerRateOffset float64)
}

// Transport is the per-port network I/O surface a port drives. The
// concrete implementation (Ethernet multicast framing, EtherType, pcap
// capture) lives in the netif package; the port only ever sees encoded PTP
// messages plus a destination implied by message type (wire.DestinationFor).
type Transport interface {
	SendAnnounce(a *ptp.Announce) error
	SendSync(s *ptp.Sync) error
	SendFollowUp(f *ptp.FollowUp) error
	SendPDelayReq(r *ptp.PDelayReq) error
	SendPDelayResp(r *ptp.PDelayResp) error
	SendPDelayRespFollowUp(f *ptp.PDelayRespFollowUp) error
	SendSignaling(s *ptp.Signaling) error
}

// Port is one interface's PTP state machine.
type Port struct {
	mu sync.Mutex

	Index    int
	Identity ptp.PortIdentity

	clock     ClockContext
	transport Transport
	ts        tsp.EventTimestamper // optional; nil falls back to time.Now()
	prof      *profile.Profile

	state ptp.PortState

	announceSeq  uint16
	syncSeq      uint16
	signalSeq    uint16
	pdelaySeqCtr uint16

	qualified       bmca.AnnounceRecord
	haveQualified   bool
	lastAnnounceKey uint64

	pdelayEx *pdelay.Exchange

	servo *servo.Servo

	// Active Tx cadence. Equal to the profile's base intervals except for
	// profiles with an initial/operational pair, which start fast and relax
	// once the transition timer fires.
	activeSyncLog   ptp.LogInterval
	activePdelayLog ptp.LogInterval

	// Retained Sync awaiting its Follow-Up, per single-slot semantics.
	pendingSync *retainedSync

	// Retained PDelay_Resp_FollowUp whose response half hadn't landed yet;
	// given one more beat via PDELAY_DEFERRED_PROCESSING.
	deferredFup      *ptp.PDelayRespFollowUp
	deferredFupTried bool

	lastGMTimeBaseIndicator uint16
	haveGMTimeBase          bool

	syncCount     uint32
	wrongSeqCount int

	lastPersistedDelayNS int64
	havePersisted        bool

	lastLinkDelayNS   int64
	haveLastLinkDelay bool

	// Automotive signaling-on-sync-achieved: fires once, the first time a
	// slave port completes a Follow-Up after becoming SLAVE.
	sentSyncAchievedSignal bool

	running bool
}

type retainedSync struct {
	sequenceID uint16
	source     ptp.PortIdentity
	arrivalNS  int64
}

// New constructs a port in state INITIALIZING. ts may be nil, in which
// case Tx/Rx timestamp correlation falls back to time.Now(): the servo
// still converges, but precision is degraded without a hardware clock.
func New(index int, identity ptp.PortIdentity, clock ClockContext, transport Transport, ts tsp.EventTimestamper, prof *profile.Profile) *Port {
	p := &Port{
		Index:     index,
		Identity:  identity,
		clock:     clock,
		transport: transport,
		ts:        ts,
		prof:      prof,
		state:     ptp.PortStateInitializing,
		pdelayEx:  pdelay.New(prof),
		servo:     servo.New(servo.DefaultConfig()),
	}
	p.activeSyncLog = prof.SyncIntervalLog
	p.activePdelayLog = prof.PdelayIntervalLog
	if prof.IntervalTransitionTimeoutSec > 0 {
		p.activeSyncLog = prof.InitialSyncIntervalLog
		p.activePdelayLog = prof.InitialPdelayIntervalLog
	}
	return p
}

// State returns the port's current PTP state.
func (p *Port) State() ptp.PortState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AsCapable reports the port's current qualification predicate.
func (p *Port) AsCapable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pdelayEx.AsCapable()
}

// LinkDelayNS returns the most recently measured one-way link delay.
func (p *Port) LinkDelayNS() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pdelayEx.LinkDelayNS()
}

// SyncCount returns the number of Follow-Ups successfully processed.
func (p *Port) SyncCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncCount
}

// SeedPdelay primes the port's peer-delay estimator from a previously
// persisted neighbor delay/rate ratio. Must be called before the port
// starts exchanging PDelay messages.
func (p *Port) SeedPdelay(linkDelayNS int64, peerRateOffset float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pdelayEx.Seed(linkDelayNS, peerRateOffset)
	p.lastPersistedDelayNS = linkDelayNS
	p.havePersisted = true
}

// now returns a nanosecond timestamp for events with no capture-path
// timestamp of their own (e.g. bootstrapping a PDelay exchange when no
// EventTimestamper is wired).
func (p *Port) now() int64 {
	return time.Now().UnixNano()
}

// txTimestamp obtains the Tx timestamp for id, falling back to time.Now()
// when no EventTimestamper is configured.
func (p *Port) txTimestamp(id tsp.MessageID) int64 {
	if p.ts == nil {
		return p.now()
	}
	status, ts := tsp.PollTimestamp(tsp.DefaultRetryBudget(), func() (tsp.Status, tsp.Timestamp) {
		return p.ts.TxTimestamp(id)
	})
	if status != tsp.StatusReady {
		log.Warnf("port %d: tx timestamp unavailable for %+v, falling back to system time", p.Index, id)
		return p.now()
	}
	return ts.AsInt64()
}

// HandleEvent dispatches one fired timer event to the port's event
// processor, per the exhaustive event table. It is the Callback the
// clock aggregate's timer.Queue invokes.
func (p *Port) HandleEvent(kind timer.EventKind) {
	// STATE_CHANGE_EVENT fans out across every port of the aggregate: the
	// election must read each port's qualified Announce and apply role
	// decisions, so it runs with no port lock held at all.
	if kind == timer.StateChangeEvent {
		p.onStateChangeEvent()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case timer.PowerUp:
		p.onPowerUp()
	case timer.Initialize:
		p.state = ptp.PortStateInitializing
		p.onPowerUp()
	case timer.LinkUp:
		p.onLinkUp()
	case timer.LinkDown:
		p.onLinkDown()
	case timer.AnnounceReceiptTimeout:
		p.onAnnounceReceiptTimeout()
	case timer.SyncReceiptTimeout:
		p.onSyncReceiptTimeout()
	case timer.AnnounceIntervalTimeout:
		p.onAnnounceIntervalTimeout()
	case timer.SyncIntervalTimeout:
		p.onSyncIntervalTimeout()
	case timer.PdelayIntervalTimeout:
		p.onPdelayIntervalTimeout()
	case timer.PdelayRespReceiptTimeout:
		p.pdelayEx.OnReceiptTimeout()
	case timer.PdelayRespPeerMisbehavingTimeout:
		p.pdelayEx.Reenable()
		log.Infof("port %d: pdelay re-enabled after misbehaving-peer halt", p.Index)
		p.clock.Timers().Schedule(p.Index, timer.PdelayIntervalTimeout, 0)
	case timer.PdelayDeferredProcessing:
		p.onPdelayDeferredProcessing()
	case timer.SyncRateIntervalExpired:
		p.onSyncRateIntervalExpired()
	case timer.FaultDetected:
		p.onFaultDetected()
	}
}

func (p *Port) slaveOnly() bool {
	return p.clock.Priority1() == 255
}

// onPowerUp implements the initial transition out of INITIALIZING.
func (p *Port) onPowerUp() {
	switch {
	case p.slaveOnly():
		p.becomeSlaveLocked(true)
	case p.prof.ForceSlaveMode:
		p.becomeSlaveLocked(true)
	case p.state == ptp.PortStateMaster:
		p.becomeMasterLocked(true)
	default:
		p.state = ptp.PortStateListening
		p.armAnnounceReceiptTimeout()
	}
	p.armIntervalTransition()
}

func (p *Port) onLinkUp() {
	p.running = true
	p.pdelayEx.OnLinkUp()
	if p.prof.RevertToInitialOnLinkEvent {
		// Link events revert the active cadence back to the fast
		// "initial" one and restart the transition countdown.
		p.activeSyncLog = p.prof.InitialSyncIntervalLog
		p.activePdelayLog = p.prof.InitialPdelayIntervalLog
	}
	p.armIntervalTransition()
	if p.prof.StartPdelayOnLinkUp {
		p.clock.Timers().Schedule(p.Index, timer.PdelayIntervalTimeout, 0)
	}
	switch {
	case p.slaveOnly(), p.state == ptp.PortStateSlave:
		p.becomeSlaveLocked(true)
	case p.state == ptp.PortStateMaster:
		p.becomeMasterLocked(true)
	default:
		p.armAnnounceReceiptTimeout()
	}
}

func (p *Port) onLinkDown() {
	p.running = false
	p.clock.Timers().Cancel(p.Index, timer.PdelayIntervalTimeout)
	p.clock.Timers().Cancel(p.Index, timer.SyncRateIntervalExpired)
	p.pdelayEx.OnLinkDown()
}

// armIntervalTransition starts the one-shot countdown after which the port
// relaxes from its initial Tx cadence to the operational one. A no-op for
// profiles without an initial/operational pair.
func (p *Port) armIntervalTransition() {
	if p.prof.IntervalTransitionTimeoutSec <= 0 {
		return
	}
	p.clock.Timers().Schedule(p.Index, timer.SyncRateIntervalExpired,
		time.Duration(p.prof.IntervalTransitionTimeoutSec)*time.Second)
}

// onSyncRateIntervalExpired swaps the active cadence to the operational
// intervals. Pending interval timers pick the new cadence up on their next
// rearm.
func (p *Port) onSyncRateIntervalExpired() {
	if p.prof.IntervalTransitionTimeoutSec <= 0 {
		return
	}
	p.activeSyncLog = p.prof.OperationalSyncIntervalLog
	p.activePdelayLog = p.prof.OperationalPdelayIntervalLog
	log.Infof("port %d: switching to operational intervals (sync 2^%d s, pdelay 2^%d s)",
		p.Index, p.activeSyncLog, p.activePdelayLog)
}

// onAnnounceReceiptTimeout / onSyncReceiptTimeout implement the
// self-promotion-to-grandmaster rule.
func (p *Port) onAnnounceReceiptTimeout() {
	if p.slaveOnly() {
		return
	}
	p.promoteSelfToGrandmaster()
	p.armAnnounceReceiptTimeout()
}

func (p *Port) onSyncReceiptTimeout() {
	if p.slaveOnly() {
		return
	}
	if p.prof.Name == profile.Automotive {
		// Automotive only rearms; it does not promote on its own.
		p.armSyncReceiptTimeout()
		return
	}
	p.promoteSelfToGrandmaster()
	p.armSyncReceiptTimeout()
}

func (p *Port) promoteSelfToGrandmaster() {
	own := p.clock.OwnIdentity()
	quality := p.clock.ClockQuality()
	p.clock.SetGrandmaster(own, quality, p.clock.Priority1(), p.clock.Priority2(), 0, ptp.TimeSourceInternalOscillator)
	p.becomeMasterLocked(true)
}

func (p *Port) onAnnounceIntervalTimeout() {
	if p.state == ptp.PortStateSlave {
		return
	}
	if p.shouldSendAnnounce() {
		if err := p.sendAnnounceLocked(); err != nil {
			p.raiseFaultLocked("send announce", err)
			return
		}
	}
	p.armAnnounceIntervalTimeout()
}

func (p *Port) shouldSendAnnounce() bool {
	if !p.prof.BMCAEnabled && !p.prof.SupportsBMCA {
		// Automotive: announces are governed purely by
		// send_announce_when_as_capable_only, never gated on BMCA support.
		if !p.prof.SendAnnounceWhenAsCapableOnly {
			return true
		}
		return p.pdelayEx.AsCapable()
	}
	if p.prof.SendAnnounceWhenAsCapableOnly {
		return p.pdelayEx.AsCapable()
	}
	return true
}

func (p *Port) onSyncIntervalTimeout() {
	if p.state == ptp.PortStateSlave {
		return
	}
	if p.pdelayEx.AsCapable() {
		if err := p.sendSyncLocked(); err != nil {
			p.raiseFaultLocked("send sync", err)
			return
		}
	}
	p.armSyncIntervalTimeout()
}

func (p *Port) onPdelayIntervalTimeout() {
	if p.pdelayEx.Halted() {
		return
	}
	p.pdelaySeqCtr++
	seq := p.pdelaySeqCtr
	req := &ptp.PDelayReq{}
	req.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessagePDelayReq, wire.TransportSpecific)
	req.Version = ptp.Version
	req.DomainNumber = p.clock.DomainNumber()
	req.SequenceID = seq
	req.SourcePortIdentity = p.Identity
	if err := p.transport.SendPDelayReq(req); err != nil {
		p.raiseFaultLocked("send pdelay req", err)
		return
	}
	t1 := p.txTimestamp(tsp.MessageID{Port: p.Identity, SequenceID: seq, Type: ptp.MessagePDelayReq})
	p.pdelayEx.BeginRequest(seq, t1)
	p.deferredFup = nil
	p.deferredFupTried = false
	p.clock.Timers().Schedule(p.Index, timer.PdelayRespReceiptTimeout, p.pdelayReceiptTimeout())
	p.armPdelayIntervalTimeout()
}

// onStateChangeEvent: BMCA is skipped entirely (not merely a no-op) when
// the profile disables it. Runs without the port lock; see HandleEvent.
func (p *Port) onStateChangeEvent() {
	if !p.prof.SupportsBMCA {
		log.Debugf("port %d: state change event: bmca disabled", p.Index)
		return
	}
	if p.slaveOnly() {
		return
	}
	p.clock.RunBMCA()
}

func (p *Port) onFaultDetected() {
	p.state = ptp.PortStateFaulty
	if !p.faultKeepsAsCapable() {
		p.pdelayEx.OnLinkDown()
	}
}

func (p *Port) faultKeepsAsCapable() bool {
	return p.prof.Name == profile.Automotive
}

// raiseFaultLocked surfaces an outbound I/O failure as FAULT_DETECTED on
// the owning port. The event is queued rather than handled inline so the
// transition runs through the same dispatch path as every other event.
func (p *Port) raiseFaultLocked(op string, err error) {
	log.Errorf("port %d: %s failed: %v", p.Index, op, err)
	p.clock.Timers().Schedule(p.Index, timer.FaultDetected, 0)
}

func (p *Port) armAnnounceReceiptTimeout() {
	p.clock.Timers().Schedule(p.Index, timer.AnnounceReceiptTimeout, time.Duration(p.prof.AnnounceReceiptTimeoutNS()))
}

func (p *Port) armSyncReceiptTimeout() {
	d := time.Duration(p.prof.SyncReceiptTimeoutMult) * p.activeSyncLog.Duration()
	p.clock.Timers().Schedule(p.Index, timer.SyncReceiptTimeout, d)
}

func (p *Port) armAnnounceIntervalTimeout() {
	p.clock.Timers().Schedule(p.Index, timer.AnnounceIntervalTimeout, p.prof.AnnounceIntervalLog.Duration())
}

func (p *Port) armSyncIntervalTimeout() {
	p.clock.Timers().Schedule(p.Index, timer.SyncIntervalTimeout, p.activeSyncLog.Duration())
}

func (p *Port) armPdelayIntervalTimeout() {
	p.clock.Timers().Schedule(p.Index, timer.PdelayIntervalTimeout, p.activePdelayLog.Duration())
}

func (p *Port) pdelayReceiptTimeout() time.Duration {
	return time.Duration(p.prof.PdelayReceiptTimeoutMult) * p.activePdelayLog.Duration()
}

// becomeMasterLocked implements become_master(restart_announce).
func (p *Port) becomeMasterLocked(restartAnnounce bool) {
	p.state = ptp.PortStateMaster
	p.clock.Timers().Cancel(p.Index, timer.AnnounceReceiptTimeout)
	p.clock.Timers().Cancel(p.Index, timer.SyncReceiptTimeout)
	if restartAnnounce || !p.clock.Timers().Pending(p.Index, timer.AnnounceIntervalTimeout) {
		p.clock.Timers().Schedule(p.Index, timer.AnnounceIntervalTimeout, bootstrapDelay)
	}
	p.clock.Timers().Schedule(p.Index, timer.SyncIntervalTimeout, bootstrapDelay)
}

// becomeSlaveLocked implements become_slave(restart_syntonisation).
func (p *Port) becomeSlaveLocked(restartSyntonisation bool) {
	p.state = ptp.PortStateSlave
	p.clock.Timers().Cancel(p.Index, timer.AnnounceIntervalTimeout)
	p.clock.Timers().Cancel(p.Index, timer.SyncIntervalTimeout)
	p.armAnnounceReceiptTimeout()
	p.sentSyncAchievedSignal = false
	if restartSyntonisation {
		p.servo.ForceStep()
	}
}

// ApplyDecision executes one bmca.Decision issued for this port by the
// clock aggregate's STATE_CHANGE_EVENT run.
func (p *Port) ApplyDecision(becomeSlave bool, gmChanged bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if becomeSlave {
		p.becomeSlaveLocked(gmChanged)
	} else {
		p.becomeMasterLocked(gmChanged)
	}
}

// QualifiedAnnounce returns the port's currently retained best Announce, or
// nil if none.
func (p *Port) QualifiedAnnounce() *bmca.AnnounceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveQualified {
		return nil
	}
	rec := p.qualified
	return &rec
}

// statusLocked composes the per-port half of the IPC record. Caller holds
// p.mu.
func (p *Port) statusLocked(mlPhase, lsPhase int64, mlRatio, lsRatio float64) Status {
	return Status{
		Index:               p.Index,
		PortNumber:          p.Identity.PortNumber,
		State:               p.state,
		AsCapable:           p.pdelayEx.AsCapable(),
		SyncCount:           p.syncCount,
		PdelayCount:         uint32(p.pdelayEx.PdelayCount()),
		LogSyncInterval:     p.activeSyncLog,
		LogAnnounceInterval: p.prof.AnnounceIntervalLog,
		LogPdelayInterval:   p.activePdelayLog,
		MLPhaseOffsetNS:     mlPhase,
		LSPhaseOffsetNS:     lsPhase,
		MLFreqRatio:         mlRatio,
		LSFreqRatio:         lsRatio,
	}
}

// ---------------------------------------------------------------------
// Transmission helpers
// ---------------------------------------------------------------------

func (p *Port) sendAnnounceLocked() error {
	p.announceSeq++
	a := &ptp.Announce{}
	a.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessageAnnounce, wire.TransportSpecific)
	a.Version = ptp.Version
	a.DomainNumber = p.clock.DomainNumber()
	a.SourcePortIdentity = p.Identity
	a.SequenceID = p.announceSeq
	a.LogMessageInterval = p.prof.AnnounceIntervalLog
	a.FlagField = ptp.FlagPTPTimescale
	a.CurrentUTCOffset = 37 // current TAI-UTC leap offset; profile-independent constant.
	a.GrandmasterPriority1 = p.clock.Priority1()
	a.GrandmasterClockQuality = p.clock.ClockQuality()
	a.GrandmasterPriority2 = p.clock.Priority2()
	a.GrandmasterIdentity = p.clock.GrandmasterIdentity()
	a.TimeSource = ptp.TimeSourceInternalOscillator

	trace := []ptp.ClockIdentity{p.clock.OwnIdentity()}
	if p.haveQualified {
		a.StepsRemoved = p.qualified.StepsRemoved + 1
		trace = wire.AppendPathTrace(p.qualified.PathTrace, p.clock.OwnIdentity())
	} else {
		a.StepsRemoved = 0
	}
	a.TLVs = []ptp.TLV{&ptp.PathTraceTLV{PathSequence: trace}}

	return p.transport.SendAnnounce(a)
}

func (p *Port) sendSyncLocked() error {
	p.syncSeq++
	seq := p.syncSeq

	s := &ptp.Sync{}
	s.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessageSync, wire.TransportSpecific)
	s.Version = ptp.Version
	s.DomainNumber = p.clock.DomainNumber()
	s.SourcePortIdentity = p.Identity
	s.SequenceID = seq
	s.LogMessageInterval = p.activeSyncLog
	s.FlagField = ptp.FlagTwoStep
	// Two-step mode: the Sync's own origin timestamp is unused.

	if err := p.transport.SendSync(s); err != nil {
		return err
	}

	originNS := p.txTimestamp(tsp.MessageID{Port: p.Identity, SequenceID: seq, Type: ptp.MessageSync})

	f := &ptp.FollowUp{}
	f.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessageFollowUp, wire.TransportSpecific)
	f.Version = ptp.Version
	f.DomainNumber = p.clock.DomainNumber()
	f.SourcePortIdentity = p.Identity
	f.SequenceID = seq
	f.LogMessageInterval = p.activeSyncLog
	f.PreciseOriginTimestamp = wire.TimestampFromNS(originNS)
	f.TLVs = []ptp.TLV{&ptp.FollowUpInformationTLV{
		OrganizationID:      ptp.IEEE8021ASOrganizationID,
		OrganizationSubType: [3]uint8{0, 0, ptp.FollowUpInformationSubType},
		GMTimeBaseIndicator: p.lastGMTimeBaseIndicator,
	}}
	if err := p.transport.SendFollowUp(f); err != nil {
		return err
	}

	if p.ts != nil {
		system, device, _, _, err := p.ts.GetTime()
		if err == nil {
			p.servo.SampleLocalSystem(device.AsInt64(), system.AsInt64())
			st := p.statusLocked(0, system.AsInt64()-device.AsInt64(), 1.0, p.servo.LocalSystemRatio())
			p.clock.PublishSample(st)
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Reception — Announce / Sync / Follow-Up, and the PDelay four-message
// exchange.
// ---------------------------------------------------------------------

// OnAnnounceReceived processes an inbound Announce: qualification, loop
// prevention, then a debounced STATE_CHANGE_EVENT.
func (p *Port) OnAnnounceReceived(a *ptp.Announce) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a.StepsRemoved >= 255 {
		return
	}
	if a.SourcePortIdentity.ClockIdentity == p.Identity.ClockIdentity {
		return
	}
	var trace []ptp.ClockIdentity
	for _, tlv := range a.TLVs {
		if pt, ok := tlv.(*ptp.PathTraceTLV); ok {
			trace = pt.PathSequence
		}
	}
	if wire.PathTraceContains(trace, p.clock.OwnIdentity()) {
		return
	}

	if key := wire.DedupeKey(a.GrandmasterIdentity, trace); key != p.lastAnnounceKey {
		p.lastAnnounceKey = key
		log.Debugf("port %d: qualified announce from gm %016x (%d hops)", p.Index, uint64(a.GrandmasterIdentity), len(trace))
	}

	p.qualified = bmca.AnnounceRecord{
		SystemIdentity:      bmca.NewSystemIdentity(a.GrandmasterPriority1, a.GrandmasterClockQuality, a.GrandmasterPriority2, a.GrandmasterIdentity),
		StepsRemoved:        a.StepsRemoved,
		TimeSource:          a.TimeSource,
		PathTrace:           trace,
		GrandmasterIdentity: a.GrandmasterIdentity,
		UTCOffset:           a.CurrentUTCOffset,
		ReceivedOnPort:      p.Index,
	}
	p.haveQualified = true

	p.clock.Timers().Schedule(p.Index, timer.StateChangeEvent, bootstrapDelay)
	p.armAnnounceReceiptTimeout()
}

// OnSyncReceived retains an inbound Sync awaiting its Follow-Up, replacing
// any previously-retained one, per single-slot semantics.
func (p *Port) OnSyncReceived(s *ptp.Sync, arrivalNS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != ptp.PortStateSlave && !p.prof.ProcessSyncRegardlessAsCapable {
		return
	}
	p.pendingSync = &retainedSync{
		sequenceID: s.SequenceID,
		source:     s.SourcePortIdentity,
		arrivalNS:  arrivalNS,
	}
}

// OnFollowUpReceived correlates an inbound Follow-Up with the retained
// Sync and feeds the servo.
func (p *Port) OnFollowUpReceived(f *ptp.FollowUp) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var info *ptp.FollowUpInformationTLV
	for _, tlv := range f.TLVs {
		if iv, ok := tlv.(*ptp.FollowUpInformationTLV); ok {
			info = iv
		}
	}

	if !p.pdelayEx.AsCapable() && !p.prof.ProcessSyncRegardlessAsCapable {
		return
	}
	if p.pendingSync == nil ||
		p.pendingSync.sequenceID != f.SequenceID ||
		p.pendingSync.source != f.SourcePortIdentity {
		p.wrongSeqCount++
		if p.wrongSeqCount >= syncReceiptThresh && !p.slaveOnly() && !p.prof.ForceSlaveMode {
			log.Warnf("port %d: %d follow-ups failed correlation in a row, promoting to master", p.Index, p.wrongSeqCount)
			p.wrongSeqCount = 0
			p.promoteSelfToGrandmaster()
		}
		return
	}
	retained := p.pendingSync
	p.pendingSync = nil
	p.wrongSeqCount = 0

	linkDelay := p.pdelayEx.LinkDelayNS()
	if linkDelay == 0 && !p.pdelayEx.AsCapable() {
		// Link delay never established: drop.
		return
	}

	peerRateOffset := p.pdelayEx.PeerRateOffset()
	if peerRateOffset == 0 {
		peerRateOffset = 1.0
	}

	var rateOffset int32
	var gmTimeBase uint16
	if info != nil {
		rateOffset = info.CumulativeScaledRateOffset
		gmTimeBase = info.GMTimeBaseIndicator
	}
	masterLocalFreqRatio := (1 + float64(rateOffset)/float64(int64(1)<<41)) / peerRateOffset

	correctionNS := f.CorrectionField.Nanoseconds()
	if correctionNS < 0 && !p.prof.AllowsNegativeCorrectionField {
		return
	}

	preciseOriginNS := wire.NSFromTimestamp(f.PreciseOriginTimestamp)
	preciseOriginNS += int64(float64(linkDelay)*masterLocalFreqRatio) + int64(correctionNS)

	phaseOffset := retained.arrivalNS - preciseOriginNS

	if p.haveGMTimeBase && gmTimeBase != p.lastGMTimeBaseIndicator {
		log.Infof("port %d: sync discontinuity (GM time-base indicator changed %d -> %d)", p.Index, p.lastGMTimeBaseIndicator, gmTimeBase)
	}
	p.lastGMTimeBaseIndicator = gmTimeBase
	p.haveGMTimeBase = true

	result := p.servo.Sample(servo.Sample{
		PhaseOffsetNS:   phaseOffset,
		FreqRatio:       masterLocalFreqRatio,
		SyncIntervalLog: f.LogMessageInterval,
		MasterTimeNS:    preciseOriginNS,
	})
	if result.RestartPdelay {
		p.clock.Timers().Schedule(p.Index, timer.PdelayIntervalTimeout, 0)
	}
	if result.StepNS != 0 && p.ts != nil {
		if err := p.ts.AdjustPhase(result.StepNS); err != nil {
			log.Warnf("port %d: adjust phase failed: %v", p.Index, err)
		}
	} else if result.State == servo.StateLocked && p.ts != nil {
		if err := p.ts.AdjustRate(result.PPM); err != nil {
			log.Warnf("port %d: adjust rate failed (clock may recover next sample): %v", p.Index, err)
		}
	}

	if p.prof.MaxSyncJitterNS > 0 {
		if j := p.servo.JitterStdDevNS(); j > float64(p.prof.MaxSyncJitterNS) {
			log.Warnf("port %d: sync jitter %.0fns exceeds the profile's %dns limit", p.Index, j, p.prof.MaxSyncJitterNS)
		}
	}

	p.syncCount++
	st := p.statusLocked(phaseOffset, 0, masterLocalFreqRatio, p.servo.LocalSystemRatio())
	p.clock.PublishSample(st)

	if p.prof.SendSignalingOnSyncAchieved && !p.sentSyncAchievedSignal {
		p.sentSyncAchievedSignal = true
		p.sendSyncAchievedSignalLocked()
	}

	p.clock.Timers().Cancel(p.Index, timer.SyncReceiptTimeout)
	p.armSyncReceiptTimeout()
}

func (p *Port) sendSyncAchievedSignalLocked() {
	p.signalSeq++
	s := &ptp.Signaling{}
	s.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessageSignaling, wire.TransportSpecific)
	s.Version = ptp.Version
	s.DomainNumber = p.clock.DomainNumber()
	s.SourcePortIdentity = p.Identity
	s.SequenceID = p.signalSeq
	s.TargetPortIdentity = ptp.DefaultTargetPortIdentity
	// Advertise the intervals this port is operating at; a peer still on
	// its bring-up cadence can settle onto ours.
	s.TLVs = []ptp.TLV{&ptp.MessageIntervalRequestTLV{
		LinkDelayInterval: p.activePdelayLog,
		TimeSyncInterval:  p.activeSyncLog,
		AnnounceInterval:  p.prof.AnnounceIntervalLog,
	}}
	if err := p.transport.SendSignaling(s); err != nil {
		log.Warnf("port %d: send sync-achieved signaling failed: %v", p.Index, err)
	}
}

// OnPDelayReqReceived implements the responder half of the four-message
// exchange: capture the request receipt time (t2), reply with PDelay_Resp
// carrying it, then PDelay_Resp_FollowUp carrying this port's own response
// Tx timestamp (t3).
func (p *Port) OnPDelayReqReceived(req *ptp.PDelayReq, rxTS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp := &ptp.PDelayResp{}
	resp.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessagePDelayResp, wire.TransportSpecific)
	resp.Version = ptp.Version
	resp.DomainNumber = p.clock.DomainNumber()
	resp.SourcePortIdentity = p.Identity
	resp.SequenceID = req.SequenceID
	resp.RequestReceiptTimestamp = wire.TimestampFromNS(rxTS)
	resp.RequestingPortIdentity = req.SourcePortIdentity

	if err := p.transport.SendPDelayResp(resp); err != nil {
		p.raiseFaultLocked("send pdelay resp", err)
		return
	}

	t3 := p.txTimestamp(tsp.MessageID{Port: p.Identity, SequenceID: req.SequenceID, Type: ptp.MessagePDelayResp})

	fup := &ptp.PDelayRespFollowUp{}
	fup.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessagePDelayRespFollowUp, wire.TransportSpecific)
	fup.Version = ptp.Version
	fup.DomainNumber = p.clock.DomainNumber()
	fup.SourcePortIdentity = p.Identity
	fup.SequenceID = req.SequenceID
	fup.ResponseOriginTimestamp = wire.TimestampFromNS(t3)
	fup.RequestingPortIdentity = req.SourcePortIdentity

	if err := p.transport.SendPDelayRespFollowUp(fup); err != nil {
		p.raiseFaultLocked("send pdelay resp follow-up", err)
	}
}

// OnPDelayRespReceived implements the initiator's capture of t2/t4 from an
// inbound PDelay_Resp. Processing completes only once the matching
// PDelay_Resp_FollowUp supplies t3.
func (p *Port) OnPDelayRespReceived(resp *ptp.PDelayResp, rxTS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.pdelayEx.MatchesPending(resp.SequenceID) {
		return // correlation missing: no outstanding request for this seq.
	}
	req := p.pdelayEx.Pending()
	lateMS := float64(rxTS-req.T1) / 1e6
	t2 := wire.NSFromTimestamp(resp.RequestReceiptTimestamp)
	recorded, newlyHalted := p.pdelayEx.RecordResponse(resp.SequenceID, resp.SourcePortIdentity.PortNumber, t2, rxTS, lateMS)
	if !recorded {
		return
	}
	// A response arrived: the receipt timeout only covers actually-missing
	// responses, so it must not fire for this exchange.
	p.clock.Timers().Cancel(p.Index, timer.PdelayRespReceiptTimeout)
	if newlyHalted {
		p.haltPdelayLocked()
	}
}

// haltPdelayLocked suspends the request cadence and schedules the
// misbehaving-peer re-enable.
func (p *Port) haltPdelayLocked() {
	p.clock.Timers().Cancel(p.Index, timer.PdelayIntervalTimeout)
	p.clock.Timers().Cancel(p.Index, timer.PdelayRespReceiptTimeout)
	p.clock.Timers().Schedule(p.Index, timer.PdelayRespPeerMisbehavingTimeout,
		time.Duration(pdelay.HaltDuration)*time.Second)
}

// OnPDelayRespFollowUpReceived completes the initiator's four-timestamp
// exchange and advances asCapable qualification via the PDelay engine.
func (p *Port) OnPDelayRespFollowUpReceived(fup *ptp.PDelayRespFollowUp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processPDelayFollowUpLocked(fup, true)
}

// onPdelayDeferredProcessing retries the retained FollowUp one beat after
// its response half failed to correlate.
func (p *Port) onPdelayDeferredProcessing() {
	fup := p.deferredFup
	p.deferredFup = nil
	if fup == nil {
		return
	}
	p.processPDelayFollowUpLocked(fup, false)
}

func (p *Port) processPDelayFollowUpLocked(fup *ptp.PDelayRespFollowUp, mayDefer bool) {
	t3 := wire.NSFromTimestamp(fup.ResponseOriginTimestamp)
	t1, t2, t4, sourcePort, lateMS, ok := p.pdelayEx.RecordFollowUp(fup.SequenceID, t3)
	if !ok {
		// The responder's timestamps for a PDelay_Resp may not be recorded
		// yet when its FollowUp lands; give the pair one more beat before
		// treating it as a correlation miss.
		if mayDefer && !p.deferredFupTried {
			p.deferredFupTried = true
			p.deferredFup = fup
			p.clock.Timers().Schedule(p.Index, timer.PdelayDeferredProcessing, pdelayDeferredProcessingDelay)
		}
		return
	}

	result := p.pdelayEx.ProcessResponse(fup.SequenceID, sourcePort, t1, t2, t3, t4, lateMS)
	if result.NewlyHalted {
		p.haltPdelayLocked()
	}
	if result.ExceedsThreshold {
		log.Warnf("port %d: pdelay link delay %dns exceeds neighbor propagation threshold", p.Index, result.LinkDelayNS)
	}
	if result.NewlyQualified {
		log.Infof("port %d: as_capable qualified (pdelay count %d)", p.Index, p.pdelayEx.PdelayCount())
	}
	if p.prof.MaxPathDelayVariationNS > 0 && p.haveLastLinkDelay {
		variation := result.LinkDelayNS - p.lastLinkDelayNS
		if variation < 0 {
			variation = -variation
		}
		if variation > p.prof.MaxPathDelayVariationNS {
			log.Warnf("port %d: path delay moved %dns between exchanges, exceeding the profile's %dns limit", p.Index, variation, p.prof.MaxPathDelayVariationNS)
		}
	}
	p.lastLinkDelayNS = result.LinkDelayNS
	p.haveLastLinkDelay = true
	p.maybePersistLocked(result.LinkDelayNS)
}

// maybePersistLocked writes the measured neighbor state through the clock
// aggregate when the profile persists it and the delay moved more than the
// update threshold since the last write.
func (p *Port) maybePersistLocked(linkDelayNS int64) {
	if !p.prof.PersistentNeighborDelay && !p.prof.PersistentRateRatio {
		return
	}
	delta := linkDelayNS - p.lastPersistedDelayNS
	if delta < 0 {
		delta = -delta
	}
	if p.havePersisted && delta <= p.prof.NeighborDelayUpdateThresholdNS {
		return
	}
	p.lastPersistedDelayNS = linkDelayNS
	p.havePersisted = true
	p.clock.PersistNeighborState(p.Index, linkDelayNS, p.pdelayEx.PeerRateOffset())
}
