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

// Package clock implements the node-wide aggregate that owns the single
// timer queue shared by every port, the node's own SystemIdentity, the
// current grandmaster snapshot, and the cross-port BMCA election a
// STATE_CHANGE_EVENT triggers. It is the port.ClockContext every port holds
// a non-owning back-reference to, the same split a long-lived client
// keeps between itself and its per-cycle measurement state.
package clock

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gptp2/gptpd/ptp/gptp/bmca"
	"github.com/gptp2/gptpd/ptp/gptp/port"
	"github.com/gptp2/gptpd/ptp/gptp/profile"
	"github.com/gptp2/gptpd/ptp/gptp/timer"
	"github.com/gptp2/gptpd/ptp/gptp/tsp"
	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

// Sample is the IPC published record: one snapshot per port per Follow-Up
// reception on a slave (or Sync emission on a master), handed to the
// configured Sink.
type Sample struct {
	MLPhaseOffsetNS int64   `json:"ml_phase_offset_ns"`
	LSPhaseOffsetNS int64   `json:"ls_phase_offset_ns"`
	MLFreqRatio     float64 `json:"ml_freq_ratio"`
	LSFreqRatio     float64 `json:"ls_freq_ratio"`
	LocalTimeNS     uint64  `json:"local_time_ns"`
	SyncCount       uint32  `json:"sync_count"`
	PdelayCount     uint32  `json:"pdelay_count"`
	PortState       uint8   `json:"port_state"`
	AsCapable       bool    `json:"as_capable"`

	GrandmasterID           [8]byte `json:"grandmaster_id"`
	DomainNumber            uint8   `json:"domain_number"`
	ClockIdentity           [8]byte `json:"clock_identity"`
	Priority1               uint8   `json:"priority1"`
	ClockClass              uint8   `json:"clock_class"`
	OffsetScaledLogVariance uint16  `json:"offset_scaled_log_variance"`
	ClockAccuracy           uint8   `json:"clock_accuracy"`
	Priority2               uint8   `json:"priority2"`

	LogSyncInterval     int8   `json:"log_sync_interval"`
	LogAnnounceInterval int8   `json:"log_announce_interval"`
	LogPdelayInterval   int8   `json:"log_pdelay_interval"`
	PortNumber          uint16 `json:"port_number"`
}

// Sink receives published Samples. Publication is fire-and-forget: an
// unavailable sink drops the record. The production implementation lives
// in the telemetry package; tests use a slice-collecting fake.
type Sink interface {
	Publish(s Sample)
}

// nopSink silently drops samples; used when a Clock is built without an
// explicit sink (e.g. unit tests exercising ports directly).
type nopSink struct{}

func (nopSink) Publish(Sample) {}

func identityBytes(id ptp.ClockIdentity) [8]byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[7-i] = byte(id >> (8 * i))
	}
	return b
}

// Clock is the node-wide aggregate: one per running daemon instance (a
// daemon with multiple domains runs one Clock per domain).
type Clock struct {
	mu sync.Mutex

	ownIdentity ptp.ClockIdentity
	priority1   uint8
	priority2   uint8
	quality     ptp.ClockQuality
	domain      uint8

	timers *timer.Queue
	ports  map[int]*port.Port
	meta   map[int]portMeta

	gmIdentity     ptp.ClockIdentity
	gmQuality      ptp.ClockQuality
	gmPriority1    uint8
	gmPriority2    uint8
	gmStepsRemoved uint16
	gmTimeSource   ptp.TimeSource
	haveGM         bool

	sink  Sink
	store PersistentStore

	convergenceStart time.Time
	convergencePort  int
	convergencePending bool
}

// New constructs a Clock for the given identity/priorities/quality/domain.
// sink may be nil, in which case published samples are dropped; store may
// be nil, in which case persisted neighbor-delay/rate-ratio state is
// never loaded or saved.
func New(identity ptp.ClockIdentity, priority1, priority2 uint8, quality ptp.ClockQuality, domain uint8, sink Sink, store PersistentStore) *Clock {
	if sink == nil {
		sink = nopSink{}
	}
	c := &Clock{
		ownIdentity: identity,
		priority1:   priority1,
		priority2:   priority2,
		quality:     quality,
		domain:      domain,
		ports:       make(map[int]*port.Port),
		meta:        make(map[int]portMeta),
		gmIdentity:  identity,
		gmQuality:   quality,
		gmPriority1: priority1,
		gmPriority2: priority2,
		sink:        sink,
		store:       store,
		convergencePort: -1,
	}
	c.timers = timer.NewQueue(c.dispatch)
	return c
}

// portMeta is the aggregate-side bookkeeping a port cannot carry itself:
// the stable store key and the profile's soft convergence limit.
type portMeta struct {
	ifName            string
	maxConvergenceMS  int
	persistsNeighbor  bool
	persistsRateRatio bool
}

func (c *Clock) dispatch(idx int, kind timer.EventKind) {
	c.mu.Lock()
	p := c.ports[idx]
	c.mu.Unlock()
	if p == nil {
		log.Warnf("clock: timer event %s fired for unknown port %d", kind, idx)
		return
	}
	p.HandleEvent(kind)
}

// AddPort constructs a new port under the clock aggregate, registers it in
// the sparse ifindex-keyed port table, and arms its POWERUP event. ts may
// be nil (falls back to time.Now() for Tx/Rx correlation). prof is the
// port's profile — every port may run a different profile, though a
// single daemon instance typically runs one profile for every port.
// ifName keys the persistent store; it may be empty when persistence is
// not configured for this port.
func (c *Clock) AddPort(idx int, identity ptp.PortIdentity, ifName string, transport port.Transport, ts tsp.EventTimestamper, prof *profile.Profile) *port.Port {
	p := port.New(idx, identity, c, transport, ts, prof)

	if c.store != nil && ifName != "" && (prof.PersistentNeighborDelay || prof.PersistentRateRatio) {
		if st, ok := c.store.Load(ifName); ok {
			delay := int64(0)
			ratio := 0.0
			if prof.PersistentNeighborDelay {
				delay = st.LinkDelayNS
			}
			if prof.PersistentRateRatio {
				ratio = st.PeerRateOffset
			}
			p.SeedPdelay(delay, ratio)
		}
	}

	c.mu.Lock()
	c.ports[idx] = p
	c.meta[idx] = portMeta{
		ifName:            ifName,
		maxConvergenceMS:  prof.MaxConvergenceTimeMS,
		persistsNeighbor:  prof.PersistentNeighborDelay,
		persistsRateRatio: prof.PersistentRateRatio,
	}
	c.mu.Unlock()

	p.HandleEvent(timer.PowerUp)
	return p
}

// RemovePort cancels every pending timer for idx and drops it from the
// port table, e.g. on an interface being administratively removed.
func (c *Clock) RemovePort(idx int) {
	c.mu.Lock()
	delete(c.ports, idx)
	delete(c.meta, idx)
	c.mu.Unlock()
}

// systemIdentity packs the node's own SystemIdentity tuple for BMCA
// comparisons.
func (c *Clock) systemIdentity() bmca.SystemIdentity {
	return bmca.NewSystemIdentity(c.priority1, c.quality, c.priority2, c.ownIdentity)
}

// ---- port.ClockContext ----

// OwnIdentity implements port.ClockContext.
func (c *Clock) OwnIdentity() ptp.ClockIdentity { return c.ownIdentity }

// Priority1 implements port.ClockContext.
func (c *Clock) Priority1() uint8 { return c.priority1 }

// Priority2 implements port.ClockContext.
func (c *Clock) Priority2() uint8 { return c.priority2 }

// ClockQuality implements port.ClockContext.
func (c *Clock) ClockQuality() ptp.ClockQuality { return c.quality }

// DomainNumber implements port.ClockContext.
func (c *Clock) DomainNumber() uint8 { return c.domain }

// Timers implements port.ClockContext.
func (c *Clock) Timers() *timer.Queue { return c.timers }

// GrandmasterIdentity implements port.ClockContext.
func (c *Clock) GrandmasterIdentity() ptp.ClockIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gmIdentity
}

// SetGrandmaster implements port.ClockContext: records the node-wide
// grandmaster snapshot every port's Announce transmission reads from.
func (c *Clock) SetGrandmaster(id ptp.ClockIdentity, quality ptp.ClockQuality, priority1, priority2 uint8, stepsRemoved uint16, timeSource ptp.TimeSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gmIdentity = id
	c.gmQuality = quality
	c.gmPriority1 = priority1
	c.gmPriority2 = priority2
	c.gmStepsRemoved = stepsRemoved
	c.gmTimeSource = timeSource
	c.haveGM = true
}

// RunBMCA implements port.ClockContext: the cross-port election a
// STATE_CHANGE_EVENT drives. It collects every port's qualified
// Announce, runs bmca.Run once, and applies the resulting decision to every
// port — the winning port becomes SLAVE (or every port becomes MASTER when
// this node is itself the best clock), the rest become MASTER.
func (c *Clock) RunBMCA() {
	// Snapshot the port table under the aggregate lock, then read each
	// port's qualified Announce with no aggregate lock held: ports take
	// their own lock for that, and may themselves be waiting on c.mu in
	// SetGrandmaster/PublishSample.
	c.mu.Lock()
	ports := make(map[int]*port.Port, len(c.ports))
	for idx, p := range c.ports {
		ports[idx] = p
	}
	own := c.systemIdentity()
	prevGM := c.gmIdentity
	c.mu.Unlock()

	announces := make(map[int]bmca.AnnounceRecord, len(ports))
	for idx, p := range ports {
		if rec := p.QualifiedAnnounce(); rec != nil {
			announces[idx] = *rec
		}
	}

	decision := bmca.Run(own, c.ownIdentity, announces, prevGM)
	if decision.NoChange {
		log.Debug("bmca: no qualified announces, no change")
		return
	}

	if decision.SelfIsGrandmaster {
		c.SetGrandmaster(c.ownIdentity, c.quality, c.priority1, c.priority2, 0, ptp.TimeSourceInternalOscillator)
		for _, p := range ports {
			p.ApplyDecision(false, decision.GrandmasterChanged)
		}
		if decision.GrandmasterChanged {
			log.Infof("bmca: this node is now grandmaster (identity=%016x)", uint64(c.ownIdentity))
		}
		return
	}

	rec := decision.EBest
	c.SetGrandmaster(rec.GrandmasterIdentity, quality(rec), rec.SystemIdentity[0], rec.SystemIdentity[5], rec.StepsRemoved, rec.TimeSource)
	for idx, p := range ports {
		p.ApplyDecision(idx == decision.SlavePort, decision.GrandmasterChanged)
	}
	if decision.GrandmasterChanged {
		log.Infof("bmca: grandmaster changed to %016x via port %d", uint64(decision.GrandmasterIdentity), decision.SlavePort)
		c.startConvergenceTracking(decision.SlavePort)
	}
}

func quality(rec *bmca.AnnounceRecord) ptp.ClockQuality {
	return ptp.ClockQuality{
		ClockClass:              ptp.ClockClass(rec.SystemIdentity[1]),
		ClockAccuracy:           ptp.ClockAccuracy(rec.SystemIdentity[2]),
		OffsetScaledLogVariance: uint16(rec.SystemIdentity[3])<<8 | uint16(rec.SystemIdentity[4]),
	}
}

// PublishSample implements port.ClockContext: combines the port's snapshot
// with the node-wide identity fields into the IPC record and hands it to
// the configured Sink. The port composed its half under its own lock, so
// nothing here calls back into the port.
func (c *Clock) PublishSample(st port.Status) {
	c.mu.Lock()
	s := Sample{
		MLPhaseOffsetNS:         st.MLPhaseOffsetNS,
		LSPhaseOffsetNS:         st.LSPhaseOffsetNS,
		MLFreqRatio:             st.MLFreqRatio,
		LSFreqRatio:             st.LSFreqRatio,
		LocalTimeNS:             uint64(time.Now().UnixNano()),
		SyncCount:               st.SyncCount,
		PdelayCount:             st.PdelayCount,
		PortState:               uint8(st.State),
		AsCapable:               st.AsCapable,
		GrandmasterID:           identityBytes(c.gmIdentity),
		DomainNumber:            c.domain,
		ClockIdentity:           identityBytes(c.ownIdentity),
		Priority1:               c.priority1,
		ClockClass:              uint8(c.quality.ClockClass),
		OffsetScaledLogVariance: c.quality.OffsetScaledLogVariance,
		ClockAccuracy:           uint8(c.quality.ClockAccuracy),
		Priority2:               c.priority2,
		LogSyncInterval:         int8(st.LogSyncInterval),
		LogAnnounceInterval:     int8(st.LogAnnounceInterval),
		LogPdelayInterval:       int8(st.LogPdelayInterval),
		PortNumber:              st.PortNumber,
	}
	sink := c.sink
	c.checkConvergenceLocked(st)
	c.mu.Unlock()

	sink.Publish(s)
}

// PersistNeighborState implements port.ClockContext: writes the port's
// neighbor delay/rate ratio through the PersistentStore, for profiles that
// carry them across restarts. Failures are logged and otherwise ignored;
// persistence is best-effort by design.
func (c *Clock) PersistNeighborState(portIndex int, linkDelayNS int64, peerRateOffset float64) {
	c.mu.Lock()
	store := c.store
	m, ok := c.meta[portIndex]
	c.mu.Unlock()
	if store == nil || !ok || m.ifName == "" {
		return
	}
	st := PersistedPortState{}
	if m.persistsNeighbor {
		st.LinkDelayNS = linkDelayNS
	}
	if m.persistsRateRatio {
		st.PeerRateOffset = peerRateOffset
	}
	if err := store.Save(m.ifName, st); err != nil {
		log.Debugf("clock: persisting neighbor state for %s failed: %v", m.ifName, err)
	}
}

// startConvergenceTracking begins the soft compliance clock for
// MaxConvergenceTimeMS: how long after a grandmaster change until the
// newly-slave port's servo locks. Purely observational; never changes
// protocol behaviour.
func (c *Clock) startConvergenceTracking(slavePort int) {
	c.convergenceStart = timeNow()
	c.convergencePort = slavePort
	c.convergencePending = true
}

func (c *Clock) checkConvergenceLocked(st port.Status) {
	if !c.convergencePending || st.Index != c.convergencePort {
		return
	}
	if st.State != ptp.PortStateSlave {
		return
	}
	c.convergencePending = false
	elapsed := timeNow().Sub(c.convergenceStart)
	limit := c.meta[st.Index].maxConvergenceMS
	if limit > 0 && elapsed > time.Duration(limit)*time.Millisecond {
		log.Warnf("clock: port %d converged in %v, exceeding the profile's %dms limit", st.Index, elapsed, limit)
	}
}

// timeNow exists so tests can be written without depending on wall-clock
// flakiness; production code always calls time.Now via this indirection
// point for clarity at the call site above.
func timeNow() time.Time { return time.Now() }

// Ports returns the number of ports currently registered, for diagnostics.
func (c *Clock) Ports() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ports)
}

// Stop tears down the timer queue on daemon shutdown.
func (c *Clock) Stop() {
	c.timers.Stop()
}
