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

// Package bmca implements the best-master clock election that runs across
// every port of a clock aggregate on a STATE_CHANGE_EVENT. Unlike a
// telco-profile BMC cascade with a local-priority tiebreak, 802.1AS
// election here is the plain byte-lexical order of a 14-byte
// SystemIdentity tuple — no cascade of special cases is needed, but the
// shape (small pure comparison helpers, a clear Better/Worse outcome) is
// carried over from that style.
package bmca

import (
	"bytes"
	"encoding/binary"

	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

// SystemIdentity is the 14-byte tuple
// [priority1, class, accuracy, variance_hi, variance_lo, priority2, clock_identity(8)].
// Lexical byte comparison implements the 802.1AS best-master ordering:
// a strictly lower tuple is a strictly better clock.
type SystemIdentity [14]byte

// NewSystemIdentity packs the tuple from its constituent fields.
func NewSystemIdentity(priority1 uint8, quality ptp.ClockQuality, priority2 uint8, id ptp.ClockIdentity) SystemIdentity {
	var s SystemIdentity
	s[0] = priority1
	s[1] = byte(quality.ClockClass)
	s[2] = byte(quality.ClockAccuracy)
	binary.BigEndian.PutUint16(s[3:5], quality.OffsetScaledLogVariance)
	s[5] = priority2
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], uint64(id))
	copy(s[6:14], idBytes[:])
	return s
}

// Less reports whether s is strictly better than o (a smaller tuple wins).
func (s SystemIdentity) Less(o SystemIdentity) bool {
	return bytes.Compare(s[:], o[:]) < 0
}

// Compare returns -1/0/1 the way sort.Interface-adjacent code expects;
// matches Less's ordering exactly.
func (s SystemIdentity) Compare(o SystemIdentity) int {
	return bytes.Compare(s[:], o[:])
}

// Equal reports byte-for-byte equality.
func (s SystemIdentity) Equal(o SystemIdentity) bool {
	return s == o
}

// AnnounceRecord is a port's best qualified Announce, Announce record.
type AnnounceRecord struct {
	SystemIdentity      SystemIdentity
	StepsRemoved        uint16
	TimeSource          ptp.TimeSource
	PathTrace           []ptp.ClockIdentity
	GrandmasterIdentity ptp.ClockIdentity
	UTCOffset           int16
	ReceivedOnPort      int
}

// Decision is what a STATE_CHANGE_EVENT run of BMCA recommends for every
// port of the clock aggregate.
type Decision struct {
	// NoChange is true when there were no qualified announces to compare
	// against.
	NoChange bool

	SelfIsGrandmaster   bool
	GrandmasterIdentity ptp.ClockIdentity
	GrandmasterChanged  bool

	// SlavePort is the port that should become SLAVE, or -1 if SelfIsGrandmaster.
	SlavePort int
	// EBest is the winning announce when SlavePort >= 0.
	EBest *AnnounceRecord
}

// Run selects EBest across the given qualified announces and compares it to
// own identity. Callers must not call Run at all when the
// profile's priority1==255 (slave-only) or SupportsBMCA is false; that gate
// lives in the port package, which is where the "state change event: bmca
// disabled" log line belongs.
func Run(own SystemIdentity, ownIdentity ptp.ClockIdentity, announces map[int]AnnounceRecord, previousGrandmaster ptp.ClockIdentity) Decision {
	if len(announces) == 0 {
		return Decision{NoChange: true}
	}

	var bestPort int
	var best AnnounceRecord
	first := true
	for port, rec := range announces {
		if first || rec.SystemIdentity.Less(best.SystemIdentity) {
			bestPort = port
			best = rec
			first = false
		}
	}

	changed := best.GrandmasterIdentity != previousGrandmaster

	if own.Less(best.SystemIdentity) {
		return Decision{
			SelfIsGrandmaster:   true,
			GrandmasterIdentity: ownIdentity,
			GrandmasterChanged:  ownIdentity != previousGrandmaster,
			SlavePort:           -1,
		}
	}

	rec := best
	return Decision{
		SelfIsGrandmaster:   false,
		GrandmasterIdentity: best.GrandmasterIdentity,
		GrandmasterChanged:  changed,
		SlavePort:           bestPort,
		EBest:               &rec,
	}
}
