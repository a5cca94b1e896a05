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

package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/stratus/pkg/execcontext"
)

var (
	ErrCheckDeviceExists = errors.New("failed to check if device exists")
	ErrSetup             = errors.New("failed to set up network topology")
	ErrTeardown          = errors.New("failed to tear down network topology")
	ErrWriteScript       = errors.New("failed to write network script")
)

const scriptShebang = "#!/usr/bin/env bash"

// Step is one logical device operation. Teardown holds the commands undoing
// Setup, in the order they were recorded.
type Step struct {
	Setup    [][]string
	Teardown [][]string
}

// ScriptPair locates the setup and teardown scripts of a topology.
type ScriptPair struct {
	Setup    string
	Teardown string
}

// BridgedNetworkConfig describes a bridge taking over a physical uplink.
type BridgedNetworkConfig struct {
	Bridge   string // e.g. "br0"
	Physical string // e.g. "eth0"
	// IP is moved from the physical device to the bridge. Optional.
	IP string
	// Gateway becomes the default route through the bridge. Optional.
	Gateway string
	// FlushBridgeIP removes addresses already held by the bridge before IP is
	// added.
	FlushBridgeIP bool
}

// TapConfig describes a TAP device owned by User, optionally attached to
// Bridge.
type TapConfig struct {
	Name   string
	User   string
	Bridge string
}

// Topology records privileged iproute2 operations together with the commands
// reverting them. Nothing is executed until Setup or Teardown is called; the
// commands can also be rendered to scripts run later by a process supervisor.
type Topology struct {
	runner *execcontext.Runner
	probe  *execcontext.Runner
	steps  []Step
}

// NewTopology returns an empty Topology. Recorded commands are executed and
// rendered with the runner's execution context; device existence probes run
// without it.
func NewTopology(runner *execcontext.Runner) *Topology {
	return &Topology{
		runner: runner,
		probe:  runner.WithContext(execcontext.New(nil, nil)),
	}
}

// Bridge records the creation of a bridge device. Nothing is recorded if the
// device already exists.
func (t *Topology) Bridge(ctx context.Context, name string) error {
	if err := ValidateDeviceName(name); err != nil {
		return err
	}

	exists, err := t.DeviceExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		slog.DebugContext(ctx, "device already exists, will not re-create", "device", name)
		return nil
	}

	slog.DebugContext(ctx, "creating bridge device", "device", name)
	t.record(Step{
		Setup: [][]string{
			{"ip", "link", "add", name, "type", "bridge"},
			{"ip", "link", "set", name, "up"},
		},
		Teardown: [][]string{
			{"ip", "link", "del", name},
		},
	})

	return nil
}

// BridgedNetwork records a bridge taking over a physical uplink. The teardown
// restores the address and default route the physical device held.
func (t *Topology) BridgedNetwork(ctx context.Context, cfg BridgedNetworkConfig) error {
	if err := ValidateDeviceName(cfg.Bridge); err != nil {
		return err
	}
	if err := ValidateDeviceName(cfg.Physical); err != nil {
		return err
	}
	if cfg.IP != "" {
		if err := ValidateIPAddress(cfg.IP); err != nil {
			return err
		}
	}
	if cfg.Gateway != "" {
		if err := ValidateIPAddress(cfg.Gateway); err != nil {
			return err
		}
	}

	if err := t.Bridge(ctx, cfg.Bridge); err != nil {
		return err
	}

	step := Step{
		Setup: [][]string{
			{"ip", "link", "set", cfg.Physical, "up"},
			{"ip", "link", "set", cfg.Physical, "master", cfg.Bridge},
			{"ip", "addr", "flush", "dev", cfg.Physical},
		},
	}

	if cfg.IP != "" {
		if cfg.FlushBridgeIP {
			step.Setup = append(step.Setup, []string{"ip", "addr", "flush", "dev", cfg.Bridge})
		}
		step.Setup = append(step.Setup, []string{"ip", "addr", "add", cfg.IP, "dev", cfg.Bridge})
	}

	if cfg.Gateway != "" {
		step.Setup = append(step.Setup,
			[]string{"ip", "route", "add", "default", "via", cfg.Gateway, "dev", cfg.Bridge})
		step.Teardown = append(step.Teardown,
			[]string{"ip", "route", "add", "default", "via", cfg.Gateway, "dev", cfg.Physical},
			[]string{"ip", "route", "del", "default"},
		)
	}

	if cfg.IP != "" {
		step.Teardown = append(step.Teardown, []string{"ip", "addr", "add", cfg.IP, "dev", cfg.Physical})
	}

	step.Teardown = append(step.Teardown, []string{"ip", "link", "set", cfg.Physical, "nomaster"})

	t.record(step)

	return nil
}

// TapDevice records the creation of a TAP device. Nothing is recorded if the
// device already exists.
func (t *Topology) TapDevice(ctx context.Context, cfg TapConfig) error {
	if err := ValidateDeviceName(cfg.Name); err != nil {
		return err
	}
	if cfg.Bridge != "" {
		if err := ValidateDeviceName(cfg.Bridge); err != nil {
			return err
		}
	}

	exists, err := t.DeviceExists(ctx, cfg.Name)
	if err != nil {
		return err
	}
	if exists {
		slog.DebugContext(ctx, "device already exists, will not re-create", "device", cfg.Name)
		return nil
	}

	slog.DebugContext(ctx, "creating TAP device", "device", cfg.Name, "bridge", cfg.Bridge)

	step := Step{
		Setup: [][]string{
			{"ip", "tuntap", "add", "dev", cfg.Name, "mode", "tap", "user", cfg.User},
			{"ip", "link", "set", "dev", cfg.Name, "up"},
		},
		Teardown: [][]string{
			{"ip", "link", "del", cfg.Name},
		},
	}

	if cfg.Bridge != "" {
		step.Setup = append(step.Setup, []string{"ip", "link", "set", cfg.Name, "master", cfg.Bridge})
		step.Teardown = append(step.Teardown, []string{"ip", "link", "set", cfg.Name, "nomaster"})
	}

	t.record(step)

	return nil
}

// DeviceExists reports whether a network device named name exists. `ip link
// show` prints nothing on stdout for an unknown device.
func (t *Topology) DeviceExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateDeviceName(name); err != nil {
		return false, err
	}

	out, err := t.probe.Output(ctx, "ip", "link", "show", "dev", name)
	if err != nil {
		if execcontext.IsExitError(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %w", ErrCheckDeviceExists, err)
	}

	return len(strings.TrimSpace(string(out))) > 0, nil
}

func (t *Topology) record(step Step) {
	t.steps = append(t.steps, Step{
		Setup:    cloneCommands(step.Setup),
		Teardown: cloneCommands(step.Teardown),
	})
}

// Steps returns a copy of the recorded steps in request order.
func (t *Topology) Steps() []Step {
	out := make([]Step, 0, len(t.steps))
	for _, s := range t.steps {
		out = append(out, Step{
			Setup:    cloneCommands(s.Setup),
			Teardown: cloneCommands(s.Teardown),
		})
	}
	return out
}

// SetupCommands returns every setup command in request order.
func (t *Topology) SetupCommands() [][]string {
	var out [][]string
	for _, s := range t.steps {
		out = append(out, cloneCommands(s.Setup)...)
	}
	return out
}

// TeardownCommands returns the exact reverse of every recorded teardown
// command.
func (t *Topology) TeardownCommands() [][]string {
	var out [][]string
	for _, s := range t.steps {
		out = append(out, cloneCommands(s.Teardown)...)
	}
	slices.Reverse(out)
	return out
}

// SetupScript renders the setup commands as a bash script.
func (t *Topology) SetupScript() string {
	return t.toScript(t.SetupCommands())
}

// TeardownScript renders the teardown commands as a bash script.
func (t *Topology) TeardownScript() string {
	return t.toScript(t.TeardownCommands())
}

func (t *Topology) toScript(commands [][]string) string {
	lines := make([]string, 0, len(commands)+1)
	lines = append(lines, scriptShebang)
	for _, cmd := range commands {
		lines = append(lines, execcontext.FormatCmd(t.runner.Context(), cmd...))
	}
	return strings.Join(lines, "\n") + "\n"
}

// Setup executes the setup commands. Execution stops at the first failure and
// completed commands are not reverted.
func (t *Topology) Setup(ctx context.Context) error {
	if err := t.runner.RunChain(ctx, t.SetupCommands()); err != nil {
		return errors.Join(err, ErrSetup)
	}
	return nil
}

// Teardown executes the teardown commands. Execution stops at the first
// failure.
func (t *Topology) Teardown(ctx context.Context) error {
	if err := t.runner.RunChain(ctx, t.TeardownCommands()); err != nil {
		return errors.Join(err, ErrTeardown)
	}
	return nil
}

// WriteScripts writes the setup and teardown scripts as executable files.
func (t *Topology) WriteScripts(setupPath, teardownPath string) (ScriptPair, error) {
	if err := writeExecutable(setupPath, t.SetupScript()); err != nil {
		return ScriptPair{}, err
	}
	if err := writeExecutable(teardownPath, t.TeardownScript()); err != nil {
		return ScriptPair{}, err
	}

	return ScriptPair{Setup: setupPath, Teardown: teardownPath}, nil
}

func writeExecutable(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteScript, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteScript, err)
	}
	return nil
}

func cloneCommands(commands [][]string) [][]string {
	out := make([][]string, 0, len(commands))
	for _, c := range commands {
		out = append(out, slices.Clone(c))
	}
	return out
}
