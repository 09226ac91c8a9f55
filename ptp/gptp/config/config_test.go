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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigFailsValidateWithoutPorts(t *testing.T) {
	c := DefaultConfig()
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownProfile(t *testing.T) {
	c := DefaultConfig()
	c.Ports = []PortConfig{{Interface: "eth0", Profile: "not-a-profile"}}
	require.Error(t, c.Validate())
}

func TestValidateRejectsDuplicateInterface(t *testing.T) {
	c := DefaultConfig()
	c.Ports = []PortConfig{
		{Interface: "eth0", Profile: "standard"},
		{Interface: "eth0", Profile: "milan"},
	}
	require.Error(t, c.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := DefaultConfig()
	c.Ports = []PortConfig{{Interface: "eth0", Profile: "standard"}}
	require.NoError(t, c.Validate())
}

func TestReadConfigParsesYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gptpd.yaml")
	yamlData := []byte("domain_number: 2\nports:\n  - interface: eth1\n    profile: automotive\n")
	require.NoError(t, os.WriteFile(path, yamlData, 0o644))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint8(2), c.DomainNumber)
	require.Len(t, c.Ports, 1)
	require.Equal(t, "eth1", c.Ports[0].Interface)
}
