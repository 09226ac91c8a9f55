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
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"github.com/vtolstov/go-ioctl"
	"golang.org/x/sys/unix"
)

// ethtoolGetTsInfo is the ETHTOOL_GET_TS_INFO command, the query that
// reports which PTP hardware clock backs a network interface.
const ethtoolGetTsInfo = 0x41

// ethtoolTsInfo mirrors struct ethtool_ts_info.
type ethtoolTsInfo struct {
	Cmd            uint32
	SoTimestamping uint32
	PhcIndex       int32
	TxTypes        uint32
	txReserved     [3]uint32
	RxFilters      uint32
	rxReserved     [3]uint32
}

// ifreqTsInfo is the struct ifreq shape SIOCETHTOOL takes: the interface
// name plus a pointer to the command block.
type ifreqTsInfo struct {
	Name [unix.IFNAMSIZ]byte
	Data *ethtoolTsInfo
}

// ptpClockCaps mirrors struct ptp_clock_caps; only MaxAdj is consumed,
// the rest keeps the ioctl size honest.
type ptpClockCaps struct {
	MaxAdj     int32
	NAlarm     int32
	NExtTS     int32
	NPerOut    int32
	PPS        int32
	NPins      int32
	CrossTS    int32
	AdjPhase   int32
	MaxPhysAdj int32
	rsv        [11]int32
}

var ioctlPTPClockGetcaps = ioctl.IOR('=', 1, unsafe.Sizeof(ptpClockCaps{}))

// phcIndex asks the interface which /dev/ptpN device backs it.
func phcIndex(iface string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, err
	}
	defer unix.Close(fd)

	if len(iface) >= unix.IFNAMSIZ {
		return -1, fmt.Errorf("interface name %q too long", iface)
	}
	info := ethtoolTsInfo{Cmd: ethtoolGetTsInfo}
	req := ifreqTsInfo{Data: &info}
	copy(req.Name[:], iface)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCETHTOOL, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return -1, fmt.Errorf("SIOCETHTOOL(%s): %w", iface, errno)
	}
	if info.PhcIndex < 0 {
		return -1, fmt.Errorf("interface %s has no PTP hardware clock", iface)
	}
	return int(info.PhcIndex), nil
}

// clockIDFromFD maps an open character-device fd to the dynamic posix
// clock id the clock syscalls accept.
func clockIDFromFD(fd uintptr) int32 {
	return int32((^fd << 3) | 3)
}

// PHCTimestamper is the hardware-timestamping backend: it reads and
// disciplines the PTP hardware clock device behind a network interface.
//
// Tx/Rx timestamps are not polled from the PHC device directly: they
// arrive out-of-band from the capture path, which calls RecordTx/RecordRx
// as soon as the kernel hands one back; TxTimestamp/RxTimestamp wait for
// that record to show up, bounded by the retry budget.
type PHCTimestamper struct {
	mu    sync.Mutex
	dev   *os.File
	clock int32
	epoch uint64
	retry RetryBudget

	maxFreqPPB float64

	pendingTx map[MessageID]Timestamp
	pendingRx map[MessageID]Timestamp
}

// NewPHCTimestamper opens the PHC device backing iface.
func NewPHCTimestamper(iface string, epoch uint64) (*PHCTimestamper, error) {
	idx, err := phcIndex(iface)
	if err != nil {
		return nil, err
	}
	dev, err := os.OpenFile(fmt.Sprintf("/dev/ptp%d", idx), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	p := &PHCTimestamper{
		dev:       dev,
		clock:     clockIDFromFD(dev.Fd()),
		epoch:     epoch,
		retry:     DefaultRetryBudget(),
		pendingTx: make(map[MessageID]Timestamp),
		pendingRx: make(map[MessageID]Timestamp),
	}

	var caps ptpClockCaps
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, dev.Fd(), ioctlPTPClockGetcaps, uintptr(unsafe.Pointer(&caps))); errno != 0 {
		log.Warnf("tsp: could not read clock caps for %s, assuming %gppb adjustment range: %v", dev.Name(), defaultMaxFreqPPB, errno)
		p.maxFreqPPB = defaultMaxFreqPPB
	} else {
		p.maxFreqPPB = float64(caps.MaxAdj)
	}
	return p, nil
}

// Close releases the PHC device.
func (p *PHCTimestamper) Close() error {
	return p.dev.Close()
}

// RecordTx stores a captured Tx timestamp for later correlation by
// TxTimestamp. Called by the network capture path.
func (p *PHCTimestamper) RecordTx(id MessageID, ts Timestamp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingTx[id] = ts
}

// RecordRx stores a captured Rx timestamp.
func (p *PHCTimestamper) RecordRx(id MessageID, ts Timestamp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingRx[id] = ts
}

// TxTimestamp polls for a recorded Tx timestamp, bounded by the retry
// budget.
func (p *PHCTimestamper) TxTimestamp(id MessageID) (Status, Timestamp) {
	return PollTimestamp(p.retry, func() (Status, Timestamp) {
		p.mu.Lock()
		defer p.mu.Unlock()
		ts, ok := p.pendingTx[id]
		if !ok {
			return StatusPending, Timestamp{}
		}
		delete(p.pendingTx, id)
		return StatusReady, ts
	})
}

// RxTimestamp polls for a recorded Rx timestamp.
func (p *PHCTimestamper) RxTimestamp(id MessageID) (Status, Timestamp) {
	return PollTimestamp(p.retry, func() (Status, Timestamp) {
		p.mu.Lock()
		defer p.mu.Unlock()
		ts, ok := p.pendingRx[id]
		if !ok {
			return StatusPending, Timestamp{}
		}
		delete(p.pendingRx, id)
		return StatusReady, ts
	})
}

// GetTime reports system time (CLOCK_REALTIME), device time (the PHC), a
// monotonic local-clock reading, and the device's adjustment range.
func (p *PHCTimestamper) GetTime() (system, device, localClock Timestamp, nominalRatePPB float64, err error) {
	now := time.Now()
	devTime, err := readClock(p.clock)
	if err != nil {
		return Timestamp{}, Timestamp{}, Timestamp{}, 0, err
	}
	system = FromTime(now, p.epoch)
	device = FromTime(devTime, p.epoch)
	localClock = FromTime(now, p.epoch)
	return system, device, localClock, p.maxFreqPPB, nil
}

// AdjustRate applies a ppm rate correction to the PHC.
func (p *PHCTimestamper) AdjustRate(ppm float64) error {
	return adjFreqPPB(p.clock, ppm*1000)
}

// AdjustPhase steps the PHC by ns nanoseconds.
func (p *PHCTimestamper) AdjustPhase(ns int64) error {
	return stepClock(p.clock, time.Duration(ns))
}
