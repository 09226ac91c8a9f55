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

// Package daemon wires a config.Config into a running clock.Clock: one
// netif.Interface and tsp.EventTimestamper per configured port, a shared
// netif.LinkWatcher, and the telemetry.Exporter as the clock's IPC Sink.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gptp2/gptpd/ptp/gptp/clock"
	"github.com/gptp2/gptpd/ptp/gptp/config"
	"github.com/gptp2/gptpd/ptp/gptp/netif"
	"github.com/gptp2/gptpd/ptp/gptp/profile"
	"github.com/gptp2/gptpd/ptp/gptp/telemetry"
	"github.com/gptp2/gptpd/ptp/gptp/tsp"
	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

// snapshotSink keeps the most recent clock.Sample per port number so
// gptp2ctl can fetch a live snapshot over HTTP without the daemon needing a
// full pub/sub IPC transport; the IPC publication endpoint proper is an
// external collaborator interface, not something this package implements.
type snapshotSink struct {
	mu    sync.Mutex
	byPort map[uint16]clock.Sample
}

func newSnapshotSink() *snapshotSink {
	return &snapshotSink{byPort: make(map[uint16]clock.Sample)}
}

func (s *snapshotSink) Publish(sample clock.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPort[sample.PortNumber] = sample
}

// Snapshot returns a copy of every port's latest published sample.
func (s *snapshotSink) Snapshot() []clock.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]clock.Sample, 0, len(s.byPort))
	for _, v := range s.byPort {
		out = append(out, v)
	}
	return out
}

// multiSink fans a published Sample out to every configured clock.Sink,
// the way the port Tx lock fans one outbound frame out to a single
// substrate — here the fan-out is on the publish side instead.
type multiSink struct {
	sinks []clock.Sink
}

func (m multiSink) Publish(s clock.Sample) {
	for _, sink := range m.sinks {
		sink.Publish(s)
	}
}

// Daemon owns every goroutine and OS handle a running gptpd instance needs:
// the clock aggregate, one netif.Interface per configured port, the shared
// link watcher, and the telemetry exporter.
type Daemon struct {
	cfg   *config.Config
	clock *clock.Clock

	ifaces    []*netif.Interface
	linkWatch *netif.LinkWatcher
	exporter  *telemetry.Exporter
	snapshot  *snapshotSink
}

// New builds a Daemon from cfg. ownMAC selects the clock identity's
// "derived deterministically from a link-layer address" rule; it is
// normally the first configured interface's hardware address.
func New(cfg *config.Config, ownMAC ptp.ClockIdentity) (*Daemon, error) {
	exporter := telemetry.NewExporter(cfg.MetricsListenAddress)
	snapshot := newSnapshotSink()
	sink := multiSink{sinks: []clock.Sink{exporter, snapshot}}

	var store clock.PersistentStore
	if cfg.PersistentStorePath != "" {
		store = clock.NewFileStore(cfg.PersistentStorePath)
	}

	quality := ptp.ClockQuality{
		ClockClass:              cfg.ClockClass,
		ClockAccuracy:           cfg.ClockAccuracy,
		OffsetScaledLogVariance: cfg.OffsetScaledLogVariance,
	}
	c := clock.New(ownMAC, cfg.Priority1, cfg.Priority2, quality, cfg.DomainNumber, sink, store)

	linkWatch, err := netif.NewLinkWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting link watcher: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		clock:     c,
		linkWatch: linkWatch,
		exporter:  exporter,
		snapshot:  snapshot,
	}

	for portNum, pc := range cfg.Ports {
		prof, err := config.ProfileFor(pc)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("port %s: %w", pc.Interface, err)
		}
		if err := d.addPort(uint16(portNum+1), ownMAC, pc.Interface, prof); err != nil {
			d.Close()
			return nil, fmt.Errorf("port %s: %w", pc.Interface, err)
		}
	}

	return d, nil
}

func (d *Daemon) addPort(portNumber uint16, clockIdentity ptp.ClockIdentity, ifName string, prof *profile.Profile) error {
	epoch := uint64(time.Now().UnixNano())
	var ts tsp.EventTimestamper
	if phcTS, err := tsp.NewPHCTimestamper(ifName, epoch); err == nil {
		ts = phcTS
	} else {
		log.Warnf("gptpd: no PTP hardware clock on %s, falling back to system clock timestamping: %v", ifName, err)
		ts = tsp.NewSystemTimestamper(epoch)
	}

	if v, err := prof.ParsedVersion(); err == nil {
		log.Infof("gptpd: %s runs profile %s (revision %s)", ifName, prof.Name, v)
	} else {
		log.Infof("gptpd: %s runs profile %s", ifName, prof)
	}

	iface, err := netif.Open(ifName, ts)
	if err != nil {
		return err
	}

	identity := ptp.PortIdentity{ClockIdentity: clockIdentity, PortNumber: portNumber}
	p := d.clock.AddPort(iface.IfIndex(), identity, ifName, iface, ts, prof)
	iface.Attach(p)

	d.linkWatch.Watch(iface)
	d.ifaces = append(d.ifaces, iface)
	return nil
}

// Run drives every long-lived loop — one capture goroutine per port, the
// link watcher, and the process-stats sampler — under a single errgroup,
// blocking until ctx is cancelled or one of them fails. The telemetry
// HTTP server runs outside the group; it has no clean shutdown surface
// and dies with the process.
func (d *Daemon) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, iface := range d.ifaces {
		iface := iface
		log.Infof("gptpd: port up on %s (ifindex %d)", iface.Name(), iface.IfIndex())
		eg.Go(func() error {
			return iface.Run(ctx)
		})
	}
	eg.Go(func() error {
		return d.linkWatch.Run(ctx)
	})
	eg.Go(func() error {
		return d.exporter.RunProcessStats(ctx, d.cfg.ProcessStatsInterval)
	})
	d.exporter.Start()

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Snapshot returns every port's latest published sample, for gptp2ctl.
func (d *Daemon) Snapshot() []clock.Sample {
	return d.snapshot.Snapshot()
}

// Close releases every OS handle. Call after Run has returned.
func (d *Daemon) Close() {
	for _, iface := range d.ifaces {
		iface.Close()
	}
	if d.linkWatch != nil {
		d.linkWatch.Close()
	}
	d.clock.Stop()
}
