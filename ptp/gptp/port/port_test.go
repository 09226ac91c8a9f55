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

package port

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gptp2/gptpd/ptp/gptp/profile"
	"github.com/gptp2/gptpd/ptp/gptp/timer"
	"github.com/gptp2/gptpd/ptp/gptp/wire"
	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

type fakeClock struct {
	ownID    ptp.ClockIdentity
	p1, p2   uint8
	quality  ptp.ClockQuality
	domain   uint8
	timers   *timer.Queue
	gm       ptp.ClockIdentity
	bmcaRuns int

	lastMLPhase, lastLSPhase int64
	lastMLRatio, lastLSRatio float64
	lastStatus               Status
	samples                  int
	persisted                []int64
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		ownID:   0x1111,
		p1:      128,
		p2:      128,
		quality: ptp.ClockQuality{ClockClass: 248, ClockAccuracy: 0x22, OffsetScaledLogVariance: 0x436A},
		timers:  timer.NewQueue(func(int, timer.EventKind) {}),
	}
}

func (f *fakeClock) OwnIdentity() ptp.ClockIdentity   { return f.ownID }
func (f *fakeClock) Priority1() uint8                 { return f.p1 }
func (f *fakeClock) Priority2() uint8                 { return f.p2 }
func (f *fakeClock) ClockQuality() ptp.ClockQuality    { return f.quality }
func (f *fakeClock) DomainNumber() uint8              { return f.domain }
func (f *fakeClock) Timers() *timer.Queue             { return f.timers }
func (f *fakeClock) GrandmasterIdentity() ptp.ClockIdentity { return f.gm }
func (f *fakeClock) SetGrandmaster(id ptp.ClockIdentity, quality ptp.ClockQuality, p1, p2 uint8, stepsRemoved uint16, timeSource ptp.TimeSource) {
	f.gm = id
}
func (f *fakeClock) RunBMCA() { f.bmcaRuns++ }
func (f *fakeClock) PublishSample(st Status) {
	f.lastStatus = st
	f.lastMLPhase, f.lastLSPhase = st.MLPhaseOffsetNS, st.LSPhaseOffsetNS
	f.lastMLRatio, f.lastLSRatio = st.MLFreqRatio, st.LSFreqRatio
	f.samples++
}
func (f *fakeClock) PersistNeighborState(portIndex int, linkDelayNS int64, peerRateOffset float64) {
	f.persisted = append(f.persisted, linkDelayNS)
}

type fakeTransport struct {
	announces     []*ptp.Announce
	syncs         []*ptp.Sync
	followUps     []*ptp.FollowUp
	pdelayReqs    []*ptp.PDelayReq
	pdelayResps   []*ptp.PDelayResp
	pdelayFollows []*ptp.PDelayRespFollowUp
	signals       []*ptp.Signaling
}

func (f *fakeTransport) SendAnnounce(a *ptp.Announce) error { f.announces = append(f.announces, a); return nil }
func (f *fakeTransport) SendSync(s *ptp.Sync) error { f.syncs = append(f.syncs, s); return nil }
func (f *fakeTransport) SendFollowUp(fup *ptp.FollowUp) error {
	f.followUps = append(f.followUps, fup)
	return nil
}
func (f *fakeTransport) SendPDelayReq(r *ptp.PDelayReq) error {
	f.pdelayReqs = append(f.pdelayReqs, r)
	return nil
}
func (f *fakeTransport) SendPDelayResp(r *ptp.PDelayResp) error {
	f.pdelayResps = append(f.pdelayResps, r)
	return nil
}
func (f *fakeTransport) SendPDelayRespFollowUp(fup *ptp.PDelayRespFollowUp) error {
	f.pdelayFollows = append(f.pdelayFollows, fup)
	return nil
}
func (f *fakeTransport) SendSignaling(s *ptp.Signaling) error { f.signals = append(f.signals, s); return nil }

func testIdentity(clockID uint64, port uint16) ptp.PortIdentity {
	return ptp.PortIdentity{ClockIdentity: ptp.ClockIdentity(clockID), PortNumber: port}
}

func TestPdelayIntervalTimeoutBeginsTrackingRequest(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	p.HandleEvent(timer.PdelayIntervalTimeout)

	require.Len(t, tr.pdelayReqs, 1)
	require.NotNil(t, p.pdelayEx.Pending())
	require.Equal(t, tr.pdelayReqs[0].SequenceID, p.pdelayEx.Pending().SequenceID)
}

func TestPDelayFourMessageExchangeQualifies(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	p.HandleEvent(timer.PdelayIntervalTimeout)
	req := p.pdelayEx.Pending()
	require.NotNil(t, req)
	seq := req.SequenceID
	t1 := req.T1

	peer := testIdentity(0x2222, 7)

	resp := &ptp.PDelayResp{}
	resp.SequenceID = seq
	resp.SourcePortIdentity = peer
	resp.RequestReceiptTimestamp = wire.TimestampFromNS(t1 + 50)
	p.OnPDelayRespReceived(resp, t1+200)

	fup := &ptp.PDelayRespFollowUp{}
	fup.SequenceID = seq
	fup.ResponseOriginTimestamp = wire.TimestampFromNS(t1 + 100)
	p.OnPDelayRespFollowUpReceived(fup)

	require.True(t, p.AsCapable())
	require.Equal(t, int64(75), p.LinkDelayNS())
}

func TestAnnounceReceptionQualifiesAndSchedulesStateChange(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	a := &ptp.Announce{}
	a.SourcePortIdentity = testIdentity(0x2222, 1)
	a.GrandmasterPriority1 = 10
	a.GrandmasterPriority2 = 10
	a.GrandmasterIdentity = 0x2222
	a.GrandmasterClockQuality = ptp.ClockQuality{ClockClass: 6, ClockAccuracy: 0x20, OffsetScaledLogVariance: 0x4000}
	a.TLVs = []ptp.TLV{&ptp.PathTraceTLV{PathSequence: []ptp.ClockIdentity{0x2222}}}

	p.OnAnnounceReceived(a)

	rec := p.QualifiedAnnounce()
	require.NotNil(t, rec)
	require.Equal(t, ptp.ClockIdentity(0x2222), rec.GrandmasterIdentity)
	require.True(t, clk.timers.Pending(0, timer.StateChangeEvent))
}

func TestAnnounceReceptionRejectsOwnPathTrace(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	a := &ptp.Announce{}
	a.SourcePortIdentity = testIdentity(0x2222, 1)
	a.GrandmasterIdentity = 0x2222
	a.TLVs = []ptp.TLV{&ptp.PathTraceTLV{PathSequence: []ptp.ClockIdentity{0x1111}}}

	p.OnAnnounceReceived(a)

	require.Nil(t, p.QualifiedAnnounce())
}

func TestFollowUpReceptionFeedsServoAndAdvancesSyncCount(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	prof := profile.NewAutomotive()
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, prof)

	peer := testIdentity(0x2222, 3)
	const originNS = int64(10_000_000_000)
	const arrivalNS = originNS + 80_000

	p.OnSyncReceived(&ptp.Sync{
		Header: ptp.Header{SourcePortIdentity: peer, SequenceID: 9},
	}, arrivalNS)

	f := &ptp.FollowUp{
		Header: ptp.Header{SourcePortIdentity: peer, SequenceID: 9},
	}
	f.PreciseOriginTimestamp = wire.TimestampFromNS(originNS)
	f.TLVs = []ptp.TLV{&ptp.FollowUpInformationTLV{}}

	p.OnFollowUpReceived(f)

	require.Equal(t, uint32(1), p.SyncCount())
	require.Equal(t, 1, clk.samples)
}

func TestFollowUpReceptionIgnoresMismatchedSequence(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	prof := profile.NewAutomotive()
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, prof)

	peer := testIdentity(0x2222, 3)
	p.OnSyncReceived(&ptp.Sync{Header: ptp.Header{SourcePortIdentity: peer, SequenceID: 9}}, 1000)

	f := &ptp.FollowUp{Header: ptp.Header{SourcePortIdentity: peer, SequenceID: 10}}
	p.OnFollowUpReceived(f)

	require.Equal(t, uint32(0), p.SyncCount())
}

// TestAnnounceReceiptTimeoutPromotesToGrandmaster covers self-election: no
// Announces arrive, the receipt timer fires, and the port promotes itself
// with both interval timers armed.
func TestAnnounceReceiptTimeoutPromotesToGrandmaster(t *testing.T) {
	clk := newFakeClock()
	clk.p1 = 100
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	p.HandleEvent(timer.PowerUp)
	require.Equal(t, ptp.PortStateListening, p.State())

	p.HandleEvent(timer.AnnounceReceiptTimeout)

	require.Equal(t, ptp.PortStateMaster, p.State())
	require.Equal(t, ptp.ClockIdentity(0x1111), clk.gm)
	require.True(t, clk.timers.Pending(0, timer.AnnounceIntervalTimeout))
	require.True(t, clk.timers.Pending(0, timer.SyncIntervalTimeout))
}

func TestAnnounceReceiptTimeoutIgnoredWhenSlaveOnly(t *testing.T) {
	clk := newFakeClock()
	clk.p1 = 255
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	p.HandleEvent(timer.PowerUp)
	require.Equal(t, ptp.PortStateSlave, p.State())

	p.HandleEvent(timer.AnnounceReceiptTimeout)
	require.Equal(t, ptp.PortStateSlave, p.State())
}

// TestNegativeCorrectionFieldRejected: a Follow-Up with a negative
// correction field is discarded under a profile that forbids it, leaving
// sync_count untouched and the servo unfed.
func TestNegativeCorrectionFieldRejected(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())
	p.ApplyDecision(true, false)

	peer := testIdentity(0x2222, 3)
	p.OnSyncReceived(&ptp.Sync{Header: ptp.Header{SourcePortIdentity: peer, SequenceID: 5}}, 2000)

	f := &ptp.FollowUp{Header: ptp.Header{SourcePortIdentity: peer, SequenceID: 5}}
	f.CorrectionField = ptp.NewCorrection(-1000)
	f.PreciseOriginTimestamp = wire.TimestampFromNS(1000)

	// Standard requires asCapable before Follow-Up processing; qualify via
	// one successful exchange first.
	p.pdelayEx.ProcessResponse(1, 1, 1000, 1050, 1100, 1200, 0)

	p.OnFollowUpReceived(f)

	require.Equal(t, uint32(0), p.SyncCount())
	require.Equal(t, 0, clk.samples)
}

func TestApplyDecisionTransitionsState(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	p.ApplyDecision(true, true)
	require.Equal(t, ptp.PortStateSlave, p.State())

	p.ApplyDecision(false, true)
	require.Equal(t, ptp.PortStateMaster, p.State())
}

func TestPDelayRespArrivalCancelsReceiptTimeout(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	p.HandleEvent(timer.PdelayIntervalTimeout)
	require.True(t, clk.timers.Pending(0, timer.PdelayRespReceiptTimeout))

	req := p.pdelayEx.Pending()
	resp := &ptp.PDelayResp{}
	resp.SequenceID = req.SequenceID
	resp.SourcePortIdentity = testIdentity(0x2222, 7)
	resp.RequestReceiptTimestamp = wire.TimestampFromNS(req.T1 + 50)
	p.OnPDelayRespReceived(resp, req.T1+200)

	require.False(t, clk.timers.Pending(0, timer.PdelayRespReceiptTimeout),
		"a received response is not a missing response")
}

// TestPeerMisbehavingHaltSchedulesReenable drives the duplicate-responder
// scenario through the port: three responses for one request, alternating
// between two source port numbers.
func TestPeerMisbehavingHaltSchedulesReenable(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	p.HandleEvent(timer.PdelayIntervalTimeout)
	req := p.pdelayEx.Pending()
	seq := req.SequenceID

	for i, peerPort := range []uint16{1, 2, 1} {
		resp := &ptp.PDelayResp{}
		resp.SequenceID = seq
		resp.SourcePortIdentity = testIdentity(0x2222, peerPort)
		resp.RequestReceiptTimestamp = wire.TimestampFromNS(req.T1 + 50)
		p.OnPDelayRespReceived(resp, req.T1+200)
		if i < 2 {
			require.False(t, p.pdelayEx.Halted())
		}
	}

	require.True(t, p.pdelayEx.Halted())
	require.True(t, clk.timers.Pending(0, timer.PdelayRespPeerMisbehavingTimeout))
	require.False(t, clk.timers.Pending(0, timer.PdelayIntervalTimeout),
		"no PDelay_Req may be emitted while halted")

	p.HandleEvent(timer.PdelayRespPeerMisbehavingTimeout)
	require.False(t, p.pdelayEx.Halted())
}

// TestPDelayFollowUpBeforeRespIsDeferredOnce covers the
// PDELAY_DEFERRED_PROCESSING path: a FollowUp whose response half hasn't
// been recorded yet gets one more beat before being dropped.
func TestPDelayFollowUpBeforeRespIsDeferredOnce(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	p.HandleEvent(timer.PdelayIntervalTimeout)
	req := p.pdelayEx.Pending()
	seq := req.SequenceID
	t1 := req.T1

	fup := &ptp.PDelayRespFollowUp{}
	fup.SequenceID = seq
	fup.ResponseOriginTimestamp = wire.TimestampFromNS(t1 + 100)
	p.OnPDelayRespFollowUpReceived(fup)

	require.False(t, p.AsCapable())
	require.True(t, clk.timers.Pending(0, timer.PdelayDeferredProcessing))

	resp := &ptp.PDelayResp{}
	resp.SequenceID = seq
	resp.SourcePortIdentity = testIdentity(0x2222, 7)
	resp.RequestReceiptTimestamp = wire.TimestampFromNS(t1 + 50)
	p.OnPDelayRespReceived(resp, t1+200)

	p.HandleEvent(timer.PdelayDeferredProcessing)

	require.True(t, p.AsCapable())
	require.Equal(t, int64(75), p.LinkDelayNS())
}

func TestAutomotiveIntervalTransition(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	prof := profile.NewAutomotive()
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, prof)

	require.Equal(t, prof.InitialSyncIntervalLog, p.activeSyncLog)
	require.Equal(t, prof.InitialPdelayIntervalLog, p.activePdelayLog)

	p.HandleEvent(timer.PowerUp)
	require.True(t, clk.timers.Pending(0, timer.SyncRateIntervalExpired))

	p.HandleEvent(timer.SyncRateIntervalExpired)
	require.Equal(t, prof.OperationalSyncIntervalLog, p.activeSyncLog)
	require.Equal(t, prof.OperationalPdelayIntervalLog, p.activePdelayLog)

	// A link event reverts to the fast initial cadence.
	p.HandleEvent(timer.LinkUp)
	require.Equal(t, prof.InitialSyncIntervalLog, p.activeSyncLog)
	require.True(t, clk.timers.Pending(0, timer.SyncRateIntervalExpired))
}

func TestAutomotivePersistsNeighborState(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewAutomotive())

	p.HandleEvent(timer.PdelayIntervalTimeout)
	req := p.pdelayEx.Pending()

	resp := &ptp.PDelayResp{}
	resp.SequenceID = req.SequenceID
	resp.SourcePortIdentity = testIdentity(0x2222, 7)
	resp.RequestReceiptTimestamp = wire.TimestampFromNS(req.T1 + 50)
	p.OnPDelayRespReceived(resp, req.T1+200)

	fup := &ptp.PDelayRespFollowUp{}
	fup.SequenceID = req.SequenceID
	fup.ResponseOriginTimestamp = wire.TimestampFromNS(req.T1 + 100)
	p.OnPDelayRespFollowUpReceived(fup)

	require.Equal(t, []int64{75}, clk.persisted)
}

func TestPublishedStatusCarriesCountsAndIntervals(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	prof := profile.NewAutomotive()
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, prof)

	peer := testIdentity(0x2222, 3)
	p.OnSyncReceived(&ptp.Sync{Header: ptp.Header{SourcePortIdentity: peer, SequenceID: 1}}, 2000)
	f := &ptp.FollowUp{Header: ptp.Header{SourcePortIdentity: peer, SequenceID: 1}}
	f.PreciseOriginTimestamp = wire.TimestampFromNS(1000)
	p.OnFollowUpReceived(f)

	require.Equal(t, 1, clk.samples)
	require.Equal(t, uint32(1), clk.lastStatus.SyncCount)
	require.Equal(t, uint16(1), clk.lastStatus.PortNumber)
	require.Equal(t, prof.InitialSyncIntervalLog, clk.lastStatus.LogSyncInterval)
	require.Equal(t, prof.AnnounceIntervalLog, clk.lastStatus.LogAnnounceInterval)
}

func TestOnPDelayReqReceivedRespondsWithRespAndFollowUp(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	p := New(0, testIdentity(0x1111, 1), clk, tr, nil, profile.NewStandard())

	req := &ptp.PDelayReq{Header: ptp.Header{SourcePortIdentity: testIdentity(0x2222, 4), SequenceID: 3}}
	p.OnPDelayReqReceived(req, 42)

	require.Len(t, tr.pdelayResps, 1)
	require.Len(t, tr.pdelayFollows, 1)
	require.Equal(t, uint16(3), tr.pdelayResps[0].SequenceID)
	require.Equal(t, req.SourcePortIdentity, tr.pdelayResps[0].RequestingPortIdentity)
}
