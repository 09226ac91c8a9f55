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

// Command gptp2ctl is a small introspection CLI for a running gptpd: it
// fetches the live per-port state JSON gptp2d serves and renders it as a
// table, in the style of cmd/ptpcheck's "sources"/"portstats" subcommands
// (tablewriter.NewWriter plus fatih/color status strings).
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// sample mirrors clock.Sample's JSON shape; gptp2ctl is intentionally
// decoupled from the ptp/gptp/clock package so the CLI binary never needs
// to link pcap/rtnetlink.
type sample struct {
	MLPhaseOffsetNS int64   `json:"ml_phase_offset_ns"`
	LSPhaseOffsetNS int64   `json:"ls_phase_offset_ns"`
	MLFreqRatio     float64 `json:"ml_freq_ratio"`
	SyncCount       uint32  `json:"sync_count"`
	PortState       uint8   `json:"port_state"`
	AsCapable       bool    `json:"as_capable"`
	PortNumber      uint16  `json:"port_number"`
}

// Matches the PortState enum on the daemon side, which starts at 1.
var portStateNames = map[uint8]string{
	1: "INITIALIZING", 2: "FAULTY", 3: "DISABLED", 4: "LISTENING",
	5: "PRE_MASTER", 6: "MASTER", 7: "PASSIVE", 8: "UNCALIBRATED", 9: "SLAVE",
}

var rootVerboseFlag bool
var stateURLFlag string

var rootCmd = &cobra.Command{
	Use:   "gptp2ctl",
	Short: "Swiss Army Knife for inspecting a running gptpd",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&stateURLFlag, "addr", "a", "http://localhost:9274", "gptp2d state-server address")
	rootCmd.AddCommand(statusCmd)
}

func configureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if rootVerboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

func fetchState(addr string) ([]sample, error) {
	resp, err := http.Get(addr + "/state")
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var samples []sample
	if err := json.NewDecoder(resp.Body).Decode(&samples); err != nil {
		return nil, fmt.Errorf("decoding state response: %w", err)
	}
	return samples, nil
}

func asCapableString(v bool) string {
	if v {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print every port's live PTP state as a table",
	Run: func(_ *cobra.Command, _ []string) {
		configureVerbosity()
		samples, err := fetchState(stateURLFlag)
		if err != nil {
			log.Fatal(err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header([]string{
			"port", "state", "asCapable", "sync count", "ml offset(ns)", "ml freq ratio",
		})
		for _, s := range samples {
			stateName, ok := portStateNames[s.PortState]
			if !ok {
				stateName = fmt.Sprintf("UNKNOWN(%d)", s.PortState)
			}
			table.Append([]string{
				fmt.Sprintf("%d", s.PortNumber),
				stateName,
				asCapableString(s.AsCapable),
				fmt.Sprintf("%d", s.SyncCount),
				fmt.Sprintf("%d", s.MLPhaseOffsetNS),
				fmt.Sprintf("%.9f", s.MLFreqRatio),
			})
		}
		table.Render()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
