//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

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

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		env         map[string]string
		mutate      func(*Config)
		expectError error
	}{
		{
			name:   "defaults only",
			mutate: func(*Config) {},
		},
		{
			name: "full config",
			configYAML: `
log:
  level: debug
  development: true
paths:
  configDir: /srv/stratus/config
  unitDir: /srv/units
vm:
  memoryMB: 2048
  vdeSocket: /run/vde.ctl
  queryTimeout: 2s
publicNetwork:
  bridge: br0
  direct:
    physical: eth0
    ip: 192.0.2.10/24
    gateway: 192.0.2.1
vpn:
  enabled: true
  nodeName: node1
  ipv6:
    prefix: "2001:db8:42"
    user: radvd
    pidFile: /run/radvd.pid
apiServer:
  address: ":7000"
metricsServer:
  port: 9090
`,
			mutate: func(c *Config) {
				c.Log = LogConfig{Level: "debug", Development: true}
				c.Paths.ConfigDir = "/srv/stratus/config"
				c.Paths.UnitDir = "/srv/units"
				c.VM.MemoryMB = 2048
				c.VM.VDESocket = "/run/vde.ctl"
				c.VM.QueryTimeout.Duration = 2 * time.Second
				c.PublicNetwork = PublicNetworkConfig{
					Bridge: "br0",
					Direct: &DirectConfig{Physical: "eth0", IP: "192.0.2.10/24", Gateway: "192.0.2.1"},
				}
				c.VPN.Enabled = true
				c.VPN.NodeName = "node1"
				c.VPN.IPv6 = &IPv6Config{Prefix: "2001:db8:42", User: "radvd", PIDFile: "/run/radvd.pid"}
				c.APIServer.Address = ":7000"
				c.MetricsServer.Port = 9090
			},
		},
		{
			name:       "environment wins over file",
			configYAML: "publicNetwork:\n  bridge: br0\n",
			env: map[string]string{
				"STRATUS_PUBLIC_BRIDGE": "br1",
				"STRATUS_VPN_ENABLED":   "true",
				"STRATUS_VPN_NODE_NAME": "node2",
				"STRATUS_MEMORY_MB":     "1024",
			},
			mutate: func(c *Config) {
				c.PublicNetwork.Bridge = "br1"
				c.VPN.Enabled = true
				c.VPN.NodeName = "node2"
				c.VM.MemoryMB = 1024
			},
		},
		{
			name:        "unknown field",
			configYAML:  "vm:\n  memory: 1024\n",
			expectError: ErrParseConfig,
		},
		{
			name:        "malformed yaml",
			configYAML:  "vm: [",
			expectError: ErrParseConfig,
		},
		{
			name:        "malformed environment",
			env:         map[string]string{"STRATUS_MEMORY_MB": "lots"},
			expectError: ErrParseConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			if tt.configYAML != "" {
				path = filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.configYAML), 0o600))
			}

			config, err := loadConfig(path, envMap(tt.env))
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)

			expected := NewDefaultConfig()
			tt.mutate(expected)
			assert.Equal(t, expected, config)
			assert.NoError(t, config.Validate())
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil))
		assert.ErrorIs(t, err, ErrReadConfig)
	})
}

func TestConfigPath(t *testing.T) {
	env := envMap(map[string]string{ConfigPathEnvKey: "/etc/stratus/env.yaml"})

	assert.Equal(t, "/etc/stratus/flag.yaml", configPath("/etc/stratus/flag.yaml", env))
	assert.Equal(t, "/etc/stratus/env.yaml", configPath("", env))
	assert.Empty(t, configPath("", envMap(nil)))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		expected []string
	}{
		{
			name:     "log level",
			mutate:   func(c *Config) { c.Log.Level = "loud" },
			expected: []string{"log.level"},
		},
		{
			name:     "relative path",
			mutate:   func(c *Config) { c.Paths.SocketDir = "run" },
			expected: []string{"paths.socketDir"},
		},
		{
			name:     "memory",
			mutate:   func(c *Config) { c.VM.MemoryMB = 0 },
			expected: []string{"vm.memoryMB"},
		},
		{
			name: "direct without bridge",
			mutate: func(c *Config) {
				c.PublicNetwork.Direct = &DirectConfig{Physical: "eth0"}
			},
			expected: []string{"publicNetwork.direct requires publicNetwork.bridge"},
		},
		{
			name: "vpn",
			mutate: func(c *Config) {
				c.VPN.Enabled = true
				c.VPN.PortRangeStart = 65000
				c.VPN.PortRangeSize = 1000
				c.VPN.IPv6 = &IPv6Config{Prefix: "2001:db8::"}
			},
			expected: []string{"vpn.nodeName", "vpn port range", "vpn.ipv6.prefix", "vpn.ipv6.user"},
		},
		{
			name:     "ipv6 without vpn",
			mutate:   func(c *Config) { c.VPN.IPv6 = &IPv6Config{Prefix: "2001:db8:0", User: "radvd"} },
			expected: []string{"vpn.ipv6 requires vpn.enabled"},
		},
		{
			name: "servers",
			mutate: func(c *Config) {
				c.APIServer.Address = ""
				c.MetricsServer.Port = 70000
			},
			expected: []string{"apiServer.address", "metricsServer.port"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			for _, s := range tt.expected {
				assert.ErrorContains(t, err, s)
			}
		})
	}

	assert.NoError(t, NewDefaultConfig().Validate())
}
