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

// Package profile carries the immutable, data-driven bundle of intervals,
// thresholds and qualification rules that parametrise every other gptp
// package. There is deliberately no virtual-method hierarchy here: a plain
// struct plus named constructors and small helper methods is enough, and it
// keeps the branching at well-defined decision points instead of smeared
// across a class tree.
package profile

import (
	"fmt"

	"github.com/hashicorp/go-version"

	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

// Name identifies one of the four normative profiles.
type Name string

// Recognised profile names.
const (
	Standard   Name = "standard"
	Milan      Name = "milan"
	AVnuBase   Name = "avnu_base"
	Automotive Name = "automotive"
)

// Profile is immutable once constructed; every field here is read-only from
// the perspective of port, pdelay and bmca. Fields cover every recognised
// option plus the supplemented automotive interval/signaling/persistence
// fields.
type Profile struct {
	Name    Name
	Version string

	// Tx cadence, log2 seconds.
	SyncIntervalLog     ptp.LogInterval
	AnnounceIntervalLog ptp.LogInterval
	PdelayIntervalLog   ptp.LogInterval

	// Automotive-only initial/operational interval pair .
	InitialSyncIntervalLog        ptp.LogInterval
	OperationalSyncIntervalLog    ptp.LogInterval
	InitialPdelayIntervalLog      ptp.LogInterval
	OperationalPdelayIntervalLog  ptp.LogInterval
	IntervalTransitionTimeoutSec  int
	RevertToInitialOnLinkEvent    bool

	// Receipt timeout multipliers.
	SyncReceiptTimeoutMult     int
	AnnounceReceiptTimeoutMult int
	PdelayReceiptTimeoutMult   int

	NeighborPropDelayThreshNS int64

	InitialAsCapable   bool
	AsCapableOnLinkUp  bool
	AsCapableOnLinkDown bool

	MinPdelaySuccesses int
	MaxPdelaySuccesses int

	MaintainAsCapableOnTimeout      bool
	MaintainAsCapableOnLateResponse bool

	LateResponseThresholdMS int
	ConsecutiveLateLimit    int

	ResetPdelayCountOnTimeout bool

	SendAnnounceWhenAsCapableOnly bool
	ProcessSyncRegardlessAsCapable bool
	StartPdelayOnLinkUp            bool

	AllowsNegativeCorrectionField bool
	SupportsBMCA                  bool
	BMCAEnabled                   bool

	ForceSlaveMode       bool
	AutomotiveTestStatus bool

	ClockClass              ptp.ClockClass
	ClockAccuracy            ptp.ClockAccuracy
	OffsetScaledLogVariance uint16
	Priority1               uint8
	Priority2               uint8

	// Soft compliance monitoring: logged, never behaviour changing.
	MaxConvergenceTimeMS    int
	MaxSyncJitterNS         int64
	MaxPathDelayVariationNS int64

	// Automotive signaling-on-sync-achieved.
	SendSignalingOnSyncAchieved bool
	SignalingSendTimeoutSec     int

	// Persistence.
	PersistentNeighborDelay         bool
	PersistentRateRatio             bool
	NeighborDelayUpdateThresholdNS int64
}

// SyncReceiptTimeout is SyncReceiptTimeoutMult * 2^SyncIntervalLog seconds,
// expressed as a duration-free log-interval-equivalent count of nanoseconds.
func (p *Profile) SyncReceiptTimeoutNS() int64 {
	return int64(p.SyncReceiptTimeoutMult) * p.SyncIntervalLog.Duration().Nanoseconds()
}

// AnnounceReceiptTimeoutNS is AnnounceReceiptTimeoutMult * 2^AnnounceIntervalLog seconds.
func (p *Profile) AnnounceReceiptTimeoutNS() int64 {
	return int64(p.AnnounceReceiptTimeoutMult) * p.AnnounceIntervalLog.Duration().Nanoseconds()
}

// PdelayReceiptTimeoutNS is PdelayReceiptTimeoutMult * 2^PdelayIntervalLog seconds.
func (p *Profile) PdelayReceiptTimeoutNS() int64 {
	return int64(p.PdelayReceiptTimeoutMult) * p.PdelayIntervalLog.Duration().Nanoseconds()
}

// String identifies the profile the way an operator would expect to see it
// in a startup log line, e.g. "milan 2.0a".
func (p *Profile) String() string {
	return fmt.Sprintf("%s %s", p.Name, p.Version)
}

// ParsedVersion returns the profile's version string parsed as a
// hashicorp/go-version Version, so callers can compare profile builds
// ("milan 2.0a" vs "milan 2.1") without string hacks.
func (p *Profile) ParsedVersion() (*version.Version, error) {
	return version.NewVersion(normalizeVersion(p.Version))
}

func normalizeVersion(v string) string {
	// go-version wants dotted numeric segments; "2.0a" parses fine as-is,
	// but a bare major like "1" or "2" also works, so no rewriting needed
	// beyond trimming profile-name noise the caller might have attached.
	return v
}

// ByName returns the named profile's default constructor, or an error if the
// name is not recognised.
func ByName(name Name) (*Profile, error) {
	switch name {
	case Standard:
		return NewStandard(), nil
	case Milan:
		return NewMilan(), nil
	case AVnuBase:
		return NewAVnuBase(), nil
	case Automotive:
		return NewAutomotive(), nil
	}
	return nil, fmt.Errorf("unrecognised profile name %q", name)
}

// NewStandard returns the IEEE 802.1AS default profile.
func NewStandard() *Profile {
	return &Profile{
		Name:    Standard,
		Version: "1.1",

		SyncIntervalLog:     0,
		AnnounceIntervalLog: 0,
		PdelayIntervalLog:   0,

		SyncReceiptTimeoutMult:     3,
		AnnounceReceiptTimeoutMult: 3,
		PdelayReceiptTimeoutMult:   3,

		NeighborPropDelayThreshNS: 800000,

		InitialAsCapable:    false,
		AsCapableOnLinkUp:   false,
		AsCapableOnLinkDown: false,

		MinPdelaySuccesses: 1,
		MaxPdelaySuccesses: 0,

		MaintainAsCapableOnTimeout:      false,
		MaintainAsCapableOnLateResponse: false,

		LateResponseThresholdMS: 10,
		ConsecutiveLateLimit:    3,

		ResetPdelayCountOnTimeout: true,

		SendAnnounceWhenAsCapableOnly:  true,
		ProcessSyncRegardlessAsCapable: false,
		StartPdelayOnLinkUp:            true,

		AllowsNegativeCorrectionField: false,
		SupportsBMCA:                  true,
		BMCAEnabled:                   true,

		ForceSlaveMode:       false,
		AutomotiveTestStatus: false,

		ClockClass:              248,
		ClockAccuracy:           0x22,
		OffsetScaledLogVariance: 0x436A,
		Priority1:               128,
		Priority2:               128,

		MaxConvergenceTimeMS:    0,
		MaxSyncJitterNS:         0,
		MaxPathDelayVariationNS: 0,
	}
}

// NewMilan returns the Milan 2.0a profile.
func NewMilan() *Profile {
	p := NewStandard()
	p.Name = Milan
	p.Version = "2.0a"

	p.SyncIntervalLog = -3 // 125ms

	p.MinPdelaySuccesses = 2
	p.MaxPdelaySuccesses = 5

	p.MaintainAsCapableOnLateResponse = true
	p.LateResponseThresholdMS = 10
	p.ConsecutiveLateLimit = 3

	// Milan does not reset the qualification counter after the port has
	// already qualified; only on an unqualified timeout.
	p.ResetPdelayCountOnTimeout = false

	p.ClockAccuracy = 0x20
	p.OffsetScaledLogVariance = 0x4000

	p.MaxConvergenceTimeMS = 100
	return p
}

// NewAVnuBase returns the AVnu Base/ProAV profile.
func NewAVnuBase() *Profile {
	p := NewStandard()
	p.Name = AVnuBase
	p.Version = "1.1"

	p.MinPdelaySuccesses = 2
	p.MaxPdelaySuccesses = 10

	p.MaintainAsCapableOnLateResponse = false
	p.LateResponseThresholdMS = 10
	p.ConsecutiveLateLimit = 3

	p.ClockAccuracy = 0xFE
	p.OffsetScaledLogVariance = 0x4E5D

	return p
}

// NewAutomotive returns the AVnu Automotive profile.
func NewAutomotive() *Profile {
	p := NewStandard()
	p.Name = Automotive
	p.Version = "1.0"

	p.AsCapableOnLinkUp = true
	p.InitialAsCapable = true
	p.AsCapableOnLinkDown = true // Automotive keeps asCapable across link-down

	p.MinPdelaySuccesses = 0
	p.MaxPdelaySuccesses = 0

	p.MaintainAsCapableOnTimeout = true
	p.MaintainAsCapableOnLateResponse = true
	p.LateResponseThresholdMS = 50
	p.ConsecutiveLateLimit = 10

	p.AllowsNegativeCorrectionField = true
	p.SupportsBMCA = false
	p.BMCAEnabled = false
	p.ForceSlaveMode = true

	p.SendAnnounceWhenAsCapableOnly = false
	p.ProcessSyncRegardlessAsCapable = true

	p.ClockAccuracy = 0xFE
	p.OffsetScaledLogVariance = 0x4E5D

	// Supplemented automotive behaviour.
	p.InitialSyncIntervalLog = -5 // 31.25ms, a faster bring-up cadence
	p.OperationalSyncIntervalLog = 0
	p.InitialPdelayIntervalLog = -2
	p.OperationalPdelayIntervalLog = 0
	p.IntervalTransitionTimeoutSec = 60
	p.RevertToInitialOnLinkEvent = true

	p.SendSignalingOnSyncAchieved = true
	p.SignalingSendTimeoutSec = 5

	p.PersistentNeighborDelay = true
	p.PersistentRateRatio = true
	p.NeighborDelayUpdateThresholdNS = 1000

	return p
}
