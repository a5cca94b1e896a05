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
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/stratus/internal/util/logging"
	"github.com/alexandremahdhaoui/stratus/pkg/constants"
	"github.com/alexandremahdhaoui/stratus/pkg/network"
	"github.com/alexandremahdhaoui/stratus/pkg/vpn"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path.
	ConfigPathEnvKey = constants.EnvPrefix + "CONFIG_PATH"
)

var (
	ErrReadConfig    = errors.New("reading config file")
	ErrParseConfig   = errors.New("parsing config")
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is used to configure stratusd.
//
// Some part of the configuration may be passed through environment variables.
type Config struct {
	Log           LogConfig           `json:"log"`
	Paths         PathsConfig         `json:"paths"`
	VM            VMConfig            `json:"vm"`
	PublicNetwork PublicNetworkConfig `json:"publicNetwork"`
	VPN           VPNConfig           `json:"vpn"`

	// APIServer is the configuration for the API server.
	APIServer struct {
		// Address is a TCP address or "unix:<path>".
		Address string `json:"address"`
	} `json:"apiServer"`

	// ProbesServer is the configuration for the probes server.
	ProbesServer struct {
		// LivenessPath is the path for the liveness probe.
		LivenessPath string `json:"livenessPath"`
		// ReadinessPath is the path for the readiness probe.
		ReadinessPath string `json:"readinessPath"`
		// Port is the port for the probes server.
		Port int `json:"port"`
	} `json:"probesServer"`

	// MetricsServer is the configuration for the metrics server.
	MetricsServer struct {
		// Path is the path for the metrics server.
		Path string `json:"path"`
		// Port is the port for the metrics server.
		Port int `json:"port"`
	} `json:"metricsServer"`
}

type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

type PathsConfig struct {
	ConfigDir    string `json:"configDir"`
	BaseImageDir string `json:"baseImageDir"`
	UserImageDir string `json:"userImageDir"`
	SocketDir    string `json:"socketDir"`
	// UnitDir defaults to the systemd user unit directory.
	UnitDir string `json:"unitDir"`
	// MountDir holds temporary guest mounts. Defaults to the OS temp dir.
	MountDir string `json:"mountDir"`
}

type VMConfig struct {
	MemoryMB int `json:"memoryMB"`
	// TapUser owns the TAP devices, i.e. the user running the hypervisor.
	TapUser string `json:"tapUser"`
	// VDESocket is the switch used when a VM has no other interface.
	VDESocket string `json:"vdeSocket"`
	// QueryTimeout bounds every control channel read.
	QueryTimeout metav1.Duration `json:"queryTimeout"`
	// IPQueryConcurrency bounds parallel guest agent queries.
	IPQueryConcurrency int `json:"ipQueryConcurrency"`
}

type PublicNetworkConfig struct {
	// Bridge enables public IPs. It must exist unless Direct is set.
	Bridge string `json:"bridge"`
	// Direct brings Bridge up over a physical uplink at start and tears it
	// down on shutdown.
	Direct *DirectConfig `json:"direct,omitempty"`
}

type DirectConfig struct {
	Physical      string `json:"physical"`
	IP            string `json:"ip"`
	Gateway       string `json:"gateway"`
	FlushBridgeIP bool   `json:"flushBridgeIP"`
}

type VPNConfig struct {
	Enabled bool `json:"enabled"`
	// NodeName is this host's name inside every mesh.
	NodeName       string `json:"nodeName"`
	PortRangeStart int    `json:"portRangeStart"`
	PortRangeSize  int    `json:"portRangeSize"`
	// IPv6 is optional; overlays get no prefix without it.
	IPv6 *IPv6Config `json:"ipv6,omitempty"`
}

type IPv6Config struct {
	// Prefix is a /48 written as three hextets, e.g. "2001:db8:0".
	Prefix  string `json:"prefix"`
	User    string `json:"user"`
	PIDFile string `json:"pidFile"`
}

// NewDefaultConfig returns the configuration used for every unset field.
func NewDefaultConfig() *Config {
	c := &Config{
		Log: LogConfig{Level: "info"},
		Paths: PathsConfig{
			ConfigDir:    "/var/lib/stratus/config",
			BaseImageDir: "/var/lib/stratus/images/base",
			UserImageDir: "/var/lib/stratus/images/user",
			SocketDir:    "/run/stratus",
		},
		VM: VMConfig{
			MemoryMB:           4096,
			TapUser:            "stratus",
			QueryTimeout:       metav1.Duration{Duration: 5 * time.Second},
			IPQueryConcurrency: 4,
		},
		VPN: VPNConfig{
			PortRangeStart: vpn.DefaultPortRangeStart,
			PortRangeSize:  vpn.DefaultPortRangeSize,
		},
	}

	c.APIServer.Address = "unix:/run/stratus/api.sock"
	c.ProbesServer.LivenessPath = "/healthz"
	c.ProbesServer.ReadinessPath = "/readyz"
	c.ProbesServer.Port = 8081
	c.MetricsServer.Path = "/metrics"
	c.MetricsServer.Port = 8080

	return c
}

// configPath returns the path given by flag, falling back to the
// environment. An empty path means defaults only.
func configPath(flag string, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	return getenv(ConfigPathEnvKey)
}

// loadConfig reads the YAML or JSON file at path over the defaults, then
// applies the environment overrides.
func loadConfig(path string, getenv func(string) string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReadConfig, err)
		}

		// Parse YAML (uses json tags)
		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParseConfig, err)
		}
	}

	if err := config.applyEnv(getenv); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides fields from STRATUS_* environment variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"LOG_LEVEL":      &c.Log.Level,
		"API_ADDRESS":    &c.APIServer.Address,
		"CONFIG_DIR":     &c.Paths.ConfigDir,
		"BASE_IMAGE_DIR": &c.Paths.BaseImageDir,
		"USER_IMAGE_DIR": &c.Paths.UserImageDir,
		"SOCKET_DIR":     &c.Paths.SocketDir,
		"TAP_USER":       &c.VM.TapUser,
		"VDE_SOCKET":     &c.VM.VDESocket,
		"PUBLIC_BRIDGE":  &c.PublicNetwork.Bridge,
		"VPN_NODE_NAME":  &c.VPN.NodeName,
	}
	for key, field := range strs {
		if v := getenv(constants.EnvPrefix + key); v != "" {
			*field = v
		}
	}

	if v := getenv(constants.EnvPrefix + "VPN_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sVPN_ENABLED: %w", ErrParseConfig, constants.EnvPrefix, err)
		}
		c.VPN.Enabled = enabled
	}

	if v := getenv(constants.EnvPrefix + "MEMORY_MB"); v != "" {
		mem, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sMEMORY_MB: %w", ErrParseConfig, constants.EnvPrefix, err)
		}
		c.VM.MemoryMB = mem
	}

	return nil
}

// Validate returns every problem of c at once.
func (c *Config) Validate() error {
	var errs []error

	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level: %w", err)
	}

	for name, dir := range map[string]string{
		"paths.configDir":    c.Paths.ConfigDir,
		"paths.baseImageDir": c.Paths.BaseImageDir,
		"paths.userImageDir": c.Paths.UserImageDir,
		"paths.socketDir":    c.Paths.SocketDir,
	} {
		if !strings.HasPrefix(dir, "/") {
			invalid("%s must be an absolute path, got %q", name, dir)
		}
	}

	if c.VM.MemoryMB <= 0 {
		invalid("vm.memoryMB must be positive, got %d", c.VM.MemoryMB)
	}
	if c.VM.TapUser == "" && (c.VPN.Enabled || c.PublicNetwork.Bridge != "") {
		invalid("vm.tapUser must be set when VPN or public network is enabled")
	}
	if c.VM.QueryTimeout.Duration <= 0 {
		invalid("vm.queryTimeout must be positive, got %s", c.VM.QueryTimeout.Duration)
	}

	if c.PublicNetwork.Bridge != "" {
		if err := network.ValidateDeviceName(c.PublicNetwork.Bridge); err != nil {
			invalid("publicNetwork.bridge: %w", err)
		}
	}
	if d := c.PublicNetwork.Direct; d != nil {
		if c.PublicNetwork.Bridge == "" {
			invalid("publicNetwork.direct requires publicNetwork.bridge")
		}
		if err := network.ValidateDeviceName(d.Physical); err != nil {
			invalid("publicNetwork.direct.physical: %w", err)
		}
	}

	if c.VPN.Enabled {
		if err := vpn.ValidateHostName(c.VPN.NodeName); err != nil {
			invalid("vpn.nodeName: %w", err)
		}
		if c.VPN.PortRangeStart <= 0 || c.VPN.PortRangeSize <= 0 || c.VPN.PortRangeStart+c.VPN.PortRangeSize > 65536 {
			invalid("vpn port range %d+%d is out of bounds", c.VPN.PortRangeStart, c.VPN.PortRangeSize)
		}
		if v6 := c.VPN.IPv6; v6 != nil {
			if strings.Count(v6.Prefix, ":") != 2 {
				invalid("vpn.ipv6.prefix must have three hextets, got %q", v6.Prefix)
			}
			if v6.User == "" {
				invalid("vpn.ipv6.user must be set")
			}
		}
	} else if c.VPN.IPv6 != nil {
		invalid("vpn.ipv6 requires vpn.enabled")
	}

	if c.APIServer.Address == "" {
		invalid("apiServer.address must be set")
	}
	for name, port := range map[string]int{
		"probesServer.port":  c.ProbesServer.Port,
		"metricsServer.port": c.MetricsServer.Port,
	} {
		if port <= 0 || port > 65535 {
			invalid("%s must be a valid port, got %d", name, port)
		}
	}

	return errors.Join(errs...)
}
