// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vpn provisions tinc layer-2 overlay networks VMs are attached to,
// together with the UDP ports and IPv6 prefixes they consume.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/alexandremahdhaoui/stratus/pkg/execcontext"
	"github.com/alexandremahdhaoui/stratus/pkg/network"
	"github.com/alexandremahdhaoui/stratus/pkg/paths"
	"github.com/alexandremahdhaoui/stratus/pkg/service"
)

var (
	ErrInvalidNetworkName = errors.New("invalid VPN name")
	ErrNetworkNotFound    = errors.New("VPN not found")
	ErrCreateNetwork      = errors.New("failed to create VPN")
	ErrAttachVM           = errors.New("failed to attach VM to VPN")
	ErrLoadNetworks       = errors.New("failed to load VPNs")
)

// MaxNetworkNameLength keeps "vpnbr-<name>" within the device name limit.
const MaxNetworkNameLength = 8

var networkNameRegexp = regexp.MustCompile(`^[a-z0-9]+$`)

const (
	setupScriptName    = "setup.sh"
	teardownScriptName = "teardown.sh"
)

// ValidateNetworkName returns an error wrapping ErrInvalidNetworkName if name
// cannot be used as an overlay name.
func ValidateNetworkName(name string) error {
	if len(name) == 0 || len(name) > MaxNetworkNameLength || !networkNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q must match %s and be at most %d characters",
			ErrInvalidNetworkName, name, networkNameRegexp, MaxNetworkNameLength)
	}
	return nil
}

// Network is a registered overlay.
type Network struct {
	Name      string `json:"name"`
	Port      int    `json:"port"`
	Bridge    string `json:"bridge"`
	Interface string `json:"interface"`
	// Prefix is empty for overlays reloaded from disk or when IPv6 is off.
	Prefix string `json:"prefix,omitempty"`
	Dir    string `json:"-"`
}

// Attachment connects one VM to an overlay.
type Attachment struct {
	Network   string
	TapDevice string
	Scripts   network.ScriptPair
}

// Config holds the collaborators of a Provisioner.
type Config struct {
	Layout paths.Layout
	// NodeName is this host's name inside every mesh.
	NodeName string
	// TapUser owns the TAP devices, i.e. the user running the hypervisor.
	TapUser    string
	Ports      *PortPool
	Supervisor service.Supervisor
	// Runner executes privileged commands and renders them into scripts.
	Runner *execcontext.Runner
	// Radvd is optional. When nil, overlays get no IPv6 prefix.
	Radvd *Radvd
}

// Provisioner creates overlays on first use and attaches VMs to them. It owns
// the overlay registry and is not safe for concurrent use.
type Provisioner struct {
	cfg      Config
	networks map[string]*Network
}

// NewProvisioner returns a Provisioner with an empty registry.
func NewProvisioner(cfg Config) *Provisioner {
	if cfg.Ports == nil {
		cfg.Ports = NewPortPool(DefaultPortRangeStart, DefaultPortRangeSize)
	}

	return &Provisioner{
		cfg:      cfg,
		networks: make(map[string]*Network),
	}
}

// Establish attaches vmID to the overlay name, creating the overlay first if
// it is not registered yet. A fresh TAP device is built for the VM in every
// case; its scripts are written into the VM's resource directory.
func (p *Provisioner) Establish(ctx context.Context, name, vmID string) (*Attachment, error) {
	if err := ValidateNetworkName(name); err != nil {
		return nil, err
	}

	n, ok := p.networks[name]
	if !ok {
		var err error
		if n, err = p.create(ctx, name); err != nil {
			return nil, errors.Join(err, ErrCreateNetwork)
		}
	}

	vmDir := p.cfg.Layout.VMDir(vmID)
	if err := os.MkdirAll(vmDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachVM, err)
	}

	tap := paths.VPNTapName(vmID)
	topo := network.NewTopology(p.cfg.Runner)
	if err := topo.TapDevice(ctx, network.TapConfig{
		Name:   tap,
		User:   p.cfg.TapUser,
		Bridge: n.Bridge,
	}); err != nil {
		return nil, errors.Join(err, ErrAttachVM)
	}

	scripts, err := topo.WriteScripts(
		filepath.Join(vmDir, fmt.Sprintf("vpn-%s-%s", name, setupScriptName)),
		filepath.Join(vmDir, fmt.Sprintf("vpn-%s-%s", name, teardownScriptName)),
	)
	if err != nil {
		return nil, errors.Join(err, ErrAttachVM)
	}

	slog.InfoContext(ctx, "attached VM to VPN", "vpn", name, "vmID", vmID, "tap", tap)

	return &Attachment{
		Network:   name,
		TapDevice: tap,
		Scripts:   scripts,
	}, nil
}

func (p *Provisioner) create(ctx context.Context, name string) (*Network, error) {
	port, err := p.cfg.Ports.Allocate()
	if err != nil {
		return nil, err
	}

	n := &Network{
		Name:      name,
		Port:      port,
		Bridge:    paths.VPNBridgeName(name),
		Interface: paths.VPNInterfaceName(name),
		Dir:       p.cfg.Layout.VPNDir(name),
	}

	slog.InfoContext(ctx, "creating VPN", "vpn", name, "port", port, "dir", n.Dir)

	if err := os.MkdirAll(n.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriteTincConfig, err)
	}

	if err := WriteTincConfig(n.Dir, TincConfig{
		Name:      p.cfg.NodeName,
		Interface: n.Interface,
		Port:      port,
	}); err != nil {
		return nil, err
	}

	// keys belong to the daemon's config directory, no privileges needed.
	keygen := p.cfg.Runner.WithContext(execcontext.New(nil, nil))
	if _, err := keygen.Run(ctx, tincKeygenCommand(n.Dir)...); err != nil {
		return nil, err
	}

	topo := network.NewTopology(p.cfg.Runner)
	if err := topo.Bridge(ctx, n.Bridge); err != nil {
		return nil, err
	}
	if err := topo.TapDevice(ctx, network.TapConfig{
		Name:   n.Interface,
		User:   p.cfg.TapUser,
		Bridge: n.Bridge,
	}); err != nil {
		return nil, err
	}

	scripts, err := topo.WriteScripts(
		filepath.Join(n.Dir, setupScriptName),
		filepath.Join(n.Dir, teardownScriptName),
	)
	if err != nil {
		return nil, err
	}

	if p.cfg.Radvd != nil {
		prefix, err := p.cfg.Radvd.GeneratePrefix()
		if err != nil {
			return nil, err
		}
		if err := p.cfg.Radvd.AddInterface(n.Bridge, prefix); err != nil {
			return nil, err
		}
		n.Prefix = prefix
	}

	unit := paths.VPNUnitName(name)
	d := service.Descriptor{
		Description: fmt.Sprintf("stratus %s VPN with tincd", name),
		Command:     execcontext.Argv(p.cfg.Runner.Context(), tincDaemonCommand(n.Dir)...),
		PreStart:    []string{scripts.Setup},
		PostStop:    []string{scripts.Teardown},
	}

	if err := p.cfg.Supervisor.Install(ctx, d, unit); err != nil {
		return nil, err
	}
	if err := p.cfg.Supervisor.Start(ctx, unit); err != nil {
		return nil, err
	}
	if err := p.cfg.Supervisor.Enable(ctx, unit); err != nil {
		return nil, err
	}

	p.networks[name] = n

	return n, nil
}

// Load rebuilds the registry from the overlay directories on disk and marks
// their ports as taken. IPv6 prefixes are not recovered.
func (p *Provisioner) Load(ctx context.Context) error {
	root := p.cfg.Layout.VPNRoot()

	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadNetworks, err)
	}

	for _, e := range entries {
		if !e.IsDir() || ValidateNetworkName(e.Name()) != nil {
			continue
		}

		name := e.Name()
		dir := filepath.Join(root, name)

		port, err := ReadTincPort(dir)
		if err != nil {
			slog.WarnContext(ctx, "skipping VPN without a valid configuration", "vpn", name, "err", err)
			continue
		}

		if err := p.cfg.Ports.Reserve(port); err != nil {
			slog.WarnContext(ctx, "VPN port outside of the configured range", "vpn", name, "port", port)
		}

		p.networks[name] = &Network{
			Name:      name,
			Port:      port,
			Bridge:    paths.VPNBridgeName(name),
			Interface: paths.VPNInterfaceName(name),
			Dir:       dir,
		}

		slog.InfoContext(ctx, "loaded VPN", "vpn", name, "port", port)
	}

	return nil
}

// List returns every registered overlay sorted by name.
func (p *Provisioner) List() []Network {
	out := make([]Network, 0, len(p.networks))
	for _, name := range slices.Sorted(maps.Keys(p.networks)) {
		out = append(out, *p.networks[name])
	}
	return out
}

// Get returns the overlay name.
func (p *Provisioner) Get(name string) (Network, error) {
	n, ok := p.networks[name]
	if !ok {
		return Network{}, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
	}
	return *n, nil
}

// AddPeer connects the overlay name to a remote tinc node.
func (p *Provisioner) AddPeer(name, host, address, pubKey string) error {
	n, ok := p.networks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
	}
	return AddTincPeer(n.Dir, host, address, pubKey)
}
