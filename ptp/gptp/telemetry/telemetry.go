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

// Package telemetry publishes the clock's IPC record as Prometheus gauges
// and feeds the daemon's own process stats alongside them: a registry and
// promhttp handler for the PTP metrics, plus gopsutil-derived process
// metrics (CPU, RSS, FDs) for the daemon itself.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
	log "github.com/sirupsen/logrus"

	"github.com/gptp2/gptpd/ptp/gptp/clock"
)

// Exporter is a clock.Sink that republishes every published sample as a set
// of per-port Prometheus gauges, and separately exposes this process's own
// resource usage under the same registry.
type Exporter struct {
	registry *prometheus.Registry

	mlPhaseOffset *prometheus.GaugeVec
	lsPhaseOffset *prometheus.GaugeVec
	mlFreqRatio   *prometheus.GaugeVec
	lsFreqRatio   *prometheus.GaugeVec
	syncCount     *prometheus.GaugeVec
	portState     *prometheus.GaugeVec
	asCapable     *prometheus.GaugeVec

	procRSS        prometheus.Gauge
	procCPUPercent prometheus.Gauge
	procGoroutines prometheus.Gauge

	listenAddr string
	proc       *process.Process
}

// NewExporter constructs an Exporter listening on listenAddr (e.g.
// ":9273") once Start is called.
func NewExporter(listenAddr string) *Exporter {
	reg := prometheus.NewRegistry()

	labels := []string{"port"}
	e := &Exporter{
		registry: reg,
		listenAddr: listenAddr,

		mlPhaseOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gptp_master_local_phase_offset_ns",
			Help: "Master-to-local phase offset in nanoseconds",
		}, labels),
		lsPhaseOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gptp_local_system_phase_offset_ns",
			Help: "Local-to-system phase offset in nanoseconds",
		}, labels),
		mlFreqRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gptp_master_local_freq_ratio",
			Help: "Master-to-local frequency ratio",
		}, labels),
		lsFreqRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gptp_local_system_freq_ratio",
			Help: "Local-to-system frequency ratio",
		}, labels),
		syncCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gptp_sync_count",
			Help: "Number of Sync/Follow-Up pairs successfully processed",
		}, labels),
		portState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gptp_port_state",
			Help: "Current PortState enum value",
		}, labels),
		asCapable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gptp_as_capable",
			Help: "1 if the port is currently asCapable",
		}, labels),

		procRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gptp_process_rss_bytes",
			Help: "Resident set size of the gptpd process",
		}),
		procCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gptp_process_cpu_percent",
			Help: "CPU percent used by the gptpd process",
		}),
		procGoroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gptp_process_goroutines",
			Help: "Number of live goroutines",
		}),
	}

	reg.MustRegister(
		e.mlPhaseOffset, e.lsPhaseOffset, e.mlFreqRatio, e.lsFreqRatio,
		e.syncCount, e.portState, e.asCapable,
		e.procRSS, e.procCPUPercent, e.procGoroutines,
	)

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		e.proc = proc
	} else {
		log.Warnf("telemetry: could not attach to own process for resource stats: %v", err)
	}

	return e
}

// Publish implements clock.Sink.
func (e *Exporter) Publish(s clock.Sample) {
	label := prometheus.Labels{"port": fmt.Sprintf("%d", s.PortNumber)}
	e.mlPhaseOffset.With(label).Set(float64(s.MLPhaseOffsetNS))
	e.lsPhaseOffset.With(label).Set(float64(s.LSPhaseOffsetNS))
	e.mlFreqRatio.With(label).Set(s.MLFreqRatio)
	e.lsFreqRatio.With(label).Set(s.LSFreqRatio)
	e.syncCount.With(label).Set(float64(s.SyncCount))
	e.portState.With(label).Set(float64(s.PortState))
	asCapable := 0.0
	if s.AsCapable {
		asCapable = 1.0
	}
	e.asCapable.With(label).Set(asCapable)
}

// CollectProcessStats samples this process's own resource usage and
// updates the process-level gauges. Intended to be called on a fixed
// interval by the daemon, not inline with PTP message processing.
func (e *Exporter) CollectProcessStats() {
	if e.proc == nil {
		return
	}
	if mem, err := e.proc.MemoryInfo(); err == nil {
		e.procRSS.Set(float64(mem.RSS))
	}
	if pct, err := e.proc.Percent(0); err == nil {
		e.procCPUPercent.Set(pct)
	}
	e.procGoroutines.Set(float64(runtime.NumGoroutine()))
}

// RunProcessStats calls CollectProcessStats on interval until ctx is
// cancelled.
func (e *Exporter) RunProcessStats(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.CollectProcessStats()
		}
	}
}

// Start serves /metrics in the background; matches
// PrometheusExporter.Start's registry/promhttp wiring.
func (e *Exporter) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	go func() {
		if err := http.ListenAndServe(e.listenAddr, mux); err != nil {
			log.Errorf("telemetry: metrics server stopped: %v", err)
		}
	}()
}

var _ clock.Sink = (*Exporter)(nil)
