//go:build unit

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

package vpn

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/stratus/internal/util/fakes/supervisorfake"
	"github.com/alexandremahdhaoui/stratus/internal/util/testutil"
	"github.com/alexandremahdhaoui/stratus/pkg/execcontext"
	"github.com/alexandremahdhaoui/stratus/pkg/paths"
)

// noDevices answers every `ip link show` probe with "device not found".
func noDevices(argv []string) ([]byte, error) {
	if slices.Equal(argv[:3], []string{"ip", "link", "show"}) {
		return nil, testutil.ExitError(1)
	}
	return nil, nil
}

type provisionerFixture struct {
	layout     paths.Layout
	exec       *testutil.FakeExec
	supervisor *supervisorfake.Fake
	cfg        Config
}

func newProvisionerFixture(t *testing.T, ports *PortPool) *provisionerFixture {
	t.Helper()

	f := &provisionerFixture{
		layout:     testutil.NewLayout(t),
		exec:       testutil.NewFakeExec(noDevices),
		supervisor: supervisorfake.New(),
	}
	f.cfg = Config{
		Layout:     f.layout,
		NodeName:   "node1",
		TapUser:    "stratus",
		Ports:      ports,
		Supervisor: f.supervisor,
		Runner:     execcontext.NewRunner(execcontext.New(nil, []string{"sudo"}), f.exec),
	}

	return f
}

func TestValidateNetworkName(t *testing.T) {
	for _, name := range []string{"corp", "a", "net01234"} {
		assert.NoError(t, ValidateNetworkName(name), name)
	}
	for _, name := range []string{"", "Corp", "my-net", "toolongname", "a b"} {
		assert.ErrorIs(t, ValidateNetworkName(name), ErrInvalidNetworkName, name)
	}
}

func TestProvisioner_EstablishCreatesNetwork(t *testing.T) {
	ctx := context.Background()
	f := newProvisionerFixture(t, NewPortPool(50000, 10))
	p := NewProvisioner(f.cfg)

	att, err := p.Establish(ctx, "corp", "abcdefgh")
	require.NoError(t, err)

	assert.Equal(t, "corp", att.Network)
	assert.Equal(t, "vtap-abcdefgh", att.TapDevice)

	dir := f.layout.VPNDir("corp")

	conf, err := os.ReadFile(filepath.Join(dir, "tinc.conf"))
	require.NoError(t, err)
	assert.Equal(t, "Name = node1\nMode = switch\nInterface = vpn-corp\nDeviceType = tap\nPort = 50000\n", string(conf))
	assert.FileExists(t, filepath.Join(dir, "hosts", "node1"))

	// key generation runs unprivileged
	assert.Contains(t, f.exec.Calls(), []string{"tincd", "-K", "-c", dir})

	setup, err := os.ReadFile(filepath.Join(dir, "setup.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(setup), "sudo ip link add vpnbr-corp type bridge")
	assert.Contains(t, string(setup), "sudo ip tuntap add dev vpn-corp mode tap user stratus")
	assert.Contains(t, string(setup), "sudo ip link set vpn-corp master vpnbr-corp")

	teardown, err := os.ReadFile(filepath.Join(dir, "teardown.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(teardown), "sudo ip link del vpnbr-corp")

	d, ok := f.supervisor.Descriptor("stratus-vpn-corp.service")
	require.True(t, ok)
	assert.Equal(t, []string{"sudo", "tincd", "-D", "-c", dir}, d.Command)
	assert.Equal(t, []string{filepath.Join(dir, "setup.sh")}, d.PreStart)
	assert.Equal(t, []string{filepath.Join(dir, "teardown.sh")}, d.PostStop)
	assert.Equal(t, []string{"stratus-vpn-corp.service"}, f.supervisor.Running())
	assert.True(t, f.supervisor.Enabled("stratus-vpn-corp.service"))

	vmSetup, err := os.ReadFile(att.Scripts.Setup)
	require.NoError(t, err)
	assert.Contains(t, string(vmSetup), "sudo ip tuntap add dev vtap-abcdefgh mode tap user stratus")
	assert.Contains(t, string(vmSetup), "sudo ip link set vtap-abcdefgh master vpnbr-corp")
	assert.Equal(t, f.layout.VMDir("abcdefgh"), filepath.Dir(att.Scripts.Setup))

	n, err := p.Get("corp")
	require.NoError(t, err)
	assert.Equal(t, Network{
		Name:      "corp",
		Port:      50000,
		Bridge:    "vpnbr-corp",
		Interface: "vpn-corp",
		Dir:       dir,
	}, n)
}

func TestProvisioner_EstablishReusesNetwork(t *testing.T) {
	ctx := context.Background()
	f := newProvisionerFixture(t, NewPortPool(50000, 10))
	p := NewProvisioner(f.cfg)

	first, err := p.Establish(ctx, "corp", "aaaaaaaa")
	require.NoError(t, err)
	second, err := p.Establish(ctx, "corp", "bbbbbbbb")
	require.NoError(t, err)

	assert.Equal(t, []string{"stratus-vpn-corp.service"}, f.supervisor.CallsTo("Install"))
	assert.Equal(t, "vtap-aaaaaaaa", first.TapDevice)
	assert.Equal(t, "vtap-bbbbbbbb", second.TapDevice)
	assert.NotEqual(t, first.Scripts.Setup, second.Scripts.Setup)
	assert.Len(t, p.List(), 1)
}

func TestProvisioner_PortExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newProvisionerFixture(t, NewPortPool(50000, 1))
	p := NewProvisioner(f.cfg)

	_, err := p.Establish(ctx, "corp", "aaaaaaaa")
	require.NoError(t, err)

	_, err = p.Establish(ctx, "lab", "bbbbbbbb")
	assert.ErrorIs(t, err, ErrPortsExhausted)
	assert.ErrorIs(t, err, ErrCreateNetwork)

	// the existing overlay keeps working
	_, err = p.Establish(ctx, "corp", "cccccccc")
	require.NoError(t, err)

	_, err = p.Get("lab")
	assert.ErrorIs(t, err, ErrNetworkNotFound)
	assert.Equal(t, []string{"corp"}, networkNames(p.List()))
}

func TestProvisioner_AssignsPrefix(t *testing.T) {
	ctx := context.Background()
	f := newProvisionerFixture(t, nil)

	radvd, err := NewRadvd(RadvdConfig{
		ConfigPath: f.layout.RadvdConfig(),
		Prefix:     "2001:db8:42",
		User:       "stratus",
		PIDFile:    "/run/radvd.pid",
	}, nil)
	require.NoError(t, err)
	f.cfg.Radvd = radvd

	p := NewProvisioner(f.cfg)

	_, err = p.Establish(ctx, "corp", "aaaaaaaa")
	require.NoError(t, err)
	_, err = p.Establish(ctx, "lab", "bbbbbbbb")
	require.NoError(t, err)

	corp, err := p.Get("corp")
	require.NoError(t, err)
	lab, err := p.Get("lab")
	require.NoError(t, err)

	assert.Equal(t, "2001:db8:42:0::/64", corp.Prefix)
	assert.Equal(t, "2001:db8:42:1::/64", lab.Prefix)
	assert.Equal(t, DefaultPortRangeStart, corp.Port)
	assert.Equal(t, DefaultPortRangeStart+1, lab.Port)

	conf, err := os.ReadFile(f.layout.RadvdConfig())
	require.NoError(t, err)
	assert.Contains(t, string(conf), "interface vpnbr-corp {")
	assert.Contains(t, string(conf), "interface vpnbr-lab {")
}

func TestProvisioner_Load(t *testing.T) {
	ctx := context.Background()
	f := newProvisionerFixture(t, NewPortPool(50000, 10))

	p := NewProvisioner(f.cfg)
	_, err := p.Establish(ctx, "corp", "aaaaaaaa")
	require.NoError(t, err)
	_, err = p.Establish(ctx, "lab", "bbbbbbbb")
	require.NoError(t, err)

	// garbage next to the overlays is ignored
	require.NoError(t, os.MkdirAll(filepath.Join(f.layout.VPNRoot(), "broken"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(f.layout.VPNRoot(), "Not-Valid"), 0o700))

	ports := NewPortPool(50000, 10)
	f.cfg.Ports = ports
	reloaded := NewProvisioner(f.cfg)
	require.NoError(t, reloaded.Load(ctx))

	assert.Equal(t, []string{"corp", "lab"}, networkNames(reloaded.List()))

	corp, err := reloaded.Get("corp")
	require.NoError(t, err)
	assert.Equal(t, 50000, corp.Port)
	assert.Empty(t, corp.Prefix)

	port, err := ports.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 50002, port, "reloaded ports stay taken")
}

func TestProvisioner_LoadWithoutDirectory(t *testing.T) {
	f := newProvisionerFixture(t, nil)
	p := NewProvisioner(f.cfg)

	require.NoError(t, p.Load(context.Background()))
	assert.Empty(t, p.List())
}

func TestProvisioner_AddPeer(t *testing.T) {
	ctx := context.Background()
	f := newProvisionerFixture(t, nil)
	p := NewProvisioner(f.cfg)

	_, err := p.Establish(ctx, "corp", "aaaaaaaa")
	require.NoError(t, err)

	pubKey := "-----BEGIN RSA PUBLIC KEY-----\nMIIB\n-----END RSA PUBLIC KEY-----"
	require.NoError(t, p.AddPeer("corp", "node2", "203.0.113.7", pubKey))

	dir := f.layout.VPNDir("corp")
	host, err := os.ReadFile(filepath.Join(dir, "hosts", "node2"))
	require.NoError(t, err)
	assert.Equal(t, "Address = 203.0.113.7\n\n"+pubKey+"\n", string(host))

	conf, err := os.ReadFile(filepath.Join(dir, "tinc.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "ConnectTo = node2\n")

	assert.ErrorIs(t, p.AddPeer("missing", "node2", "", ""), ErrNetworkNotFound)
	assert.ErrorIs(t, p.AddPeer("corp", "Node-2", "", ""), ErrInvalidHostName)
}

func networkNames(networks []Network) []string {
	out := make([]string, 0, len(networks))
	for _, n := range networks {
		out = append(out, n.Name)
	}
	return out
}
