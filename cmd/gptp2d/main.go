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

// Command gptp2d is the gPTP (IEEE 802.1AS) core engine daemon: it binds
// one or more network interfaces, runs the per-port state machine, BMCA
// and clock servo from ptp/gptp, and publishes clock-quality samples over
// Prometheus. Flag/command shape uses cobra.Command throughout.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	daemonsd "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gptp2/gptpd/ptp/gptp/config"
	"github.com/gptp2/gptpd/ptp/gptp/daemon"
	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

var (
	verboseFlag    bool
	configFlag     string
	priority1Flag  int
	wirelessFlag   string
	testModeFlag   bool
	stateAddrFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "gptp2d [mac-address]",
	Short: "gPTP (IEEE 802.1AS) time-synchronization daemon",
	Args:  cobra.MaximumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose output")
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "path to the gptpd config file")
	rootCmd.Flags().IntVar(&priority1Flag, "priority1", -1, "override clock priority1 (0-255)")
	rootCmd.Flags().StringVar(&wirelessFlag, "wireless-peer", "", "peer MAC address for wireless mode")
	rootCmd.Flags().BoolVar(&testModeFlag, "test-mode", false, "enable automotive test-status signaling")
	rootCmd.Flags().StringVar(&stateAddrFlag, "state-addr", ":9274", "address to serve live port-state JSON for gptp2ctl")
}

func configureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configureVerbosity()

	var cfg *config.Config
	var err error
	if configFlag != "" {
		cfg, err = config.ReadConfig(configFlag)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
		ifaceName := "eth0"
		if len(args) == 1 {
			name, err := interfaceFromArg(args[0])
			if err != nil {
				return err
			}
			ifaceName = name
		}
		profileName := "standard"
		cfg.Ports = []config.PortConfig{{Interface: ifaceName, Profile: profileName}}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("building default config: %w", err)
		}
	}

	if priority1Flag >= 0 {
		log.Warningf("overriding priority1 from CLI flag")
		cfg.Priority1 = uint8(priority1Flag)
	}
	if wirelessFlag != "" {
		log.Infof("wireless mode requested with peer %s; gptp2d only supports wired Ethernet substrates in this build", wirelessFlag)
	}
	if testModeFlag {
		log.Info("test-mode requested; automotive profile ports will report AutomotiveTestStatus")
	}

	mac, err := resolveOwnMAC(cfg.Ports[0].Interface)
	if err != nil {
		return fmt.Errorf("resolving clock identity: %w", err)
	}
	identity, err := ptp.NewClockIdentity(mac)
	if err != nil {
		return fmt.Errorf("deriving clock identity from %s: %w", mac, err)
	}

	d, err := daemon.New(cfg, identity)
	if err != nil {
		return fmt.Errorf("building daemon: %w", err)
	}
	defer d.Close()

	d.ServeState(stateAddrFlag)
	log.Infof("gptpd: running with clock identity %s, domain %d", identity, cfg.DomainNumber)

	if ok, _ := daemonsd.SdNotify(false, daemonsd.SdNotifyReady); ok {
		log.Debug("gptpd: notified systemd readiness")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = d.Run(ctx)
	log.Info("gptpd: shutting down")
	return err
}

// interfaceFromArg resolves the positional argument to an interface name:
// a MAC address selects the interface owning it, anything else is taken as
// an interface name directly.
func interfaceFromArg(arg string) (string, error) {
	mac, err := net.ParseMAC(arg)
	if err != nil {
		return arg, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if bytes.Equal(iface.HardwareAddr, mac) {
			return iface.Name, nil
		}
	}
	return "", fmt.Errorf("no interface with MAC address %s", mac)
}

func resolveOwnMAC(ifaceName string) (net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, err
	}
	if len(iface.HardwareAddr) == 0 {
		return nil, fmt.Errorf("interface %s has no hardware address", ifaceName)
	}
	return iface.HardwareAddr, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
