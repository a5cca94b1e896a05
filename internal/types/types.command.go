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

package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownCommand = errors.New("unknown command")

// -------------------------------------------------- COMMAND KINDS ------------------------------------------------- //

// CommandKind is the closed set of commands the orchestrator understands.
type CommandKind int

const (
	CommandListVMs CommandKind = iota
	CommandVMInfo
	CommandCreateVM
	CommandStartVM
	CommandStopVM
	CommandDeleteVM
	CommandListVPNs
	CommandVPNInfo
	CommandListOrphans

	numCommandKinds
)

var commandKindNames = [numCommandKinds]string{
	CommandListVMs:     "list-vms",
	CommandVMInfo:      "vm-info",
	CommandCreateVM:    "create-vm",
	CommandStartVM:     "start-vm",
	CommandStopVM:      "stop-vm",
	CommandDeleteVM:    "delete-vm",
	CommandListVPNs:    "list-vpns",
	CommandVPNInfo:     "vpn-info",
	CommandListOrphans: "list-orphans",
}

// AllCommandKinds returns every command kind in declaration order.
func AllCommandKinds() []CommandKind {
	out := make([]CommandKind, 0, numCommandKinds)
	for k := range numCommandKinds {
		out = append(out, k)
	}
	return out
}

// ParseCommandKind returns the command kind named s.
func ParseCommandKind(s string) (CommandKind, error) {
	for k, name := range commandKindNames {
		if name == s {
			return CommandKind(k), nil
		}
	}
	return 0, errors.Join(fmt.Errorf("%w: %q", ErrUnknownCommand, s), ErrValidation)
}

func (k CommandKind) String() string {
	if k < 0 || k >= numCommandKinds {
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
	return commandKindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k CommandKind) MarshalText() ([]byte, error) {
	if k < 0 || k >= numCommandKinds {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *CommandKind) UnmarshalText(b []byte) error {
	parsed, err := ParseCommandKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ------------------------------------------------------ REQUEST --------------------------------------------------- //

// Request is one inbound command.
type Request struct {
	Command CommandKind     `json:"command"`
	Options json.RawMessage `json:"options,omitempty"`
}

// DecodeOptions unmarshals the options of r into out. Missing options decode
// as the zero value of out.
func (r Request) DecodeOptions(out any) error {
	if len(r.Options) == 0 || string(r.Options) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Options, out); err != nil {
		return errors.Join(fmt.Errorf("malformed %s options: %w", r.Command, err), ErrValidation)
	}
	return nil
}

// NewRequest returns a Request carrying options.
func NewRequest(kind CommandKind, options any) (Request, error) {
	if options == nil {
		return Request{Command: kind}, nil
	}

	b, err := json.Marshal(options)
	if err != nil {
		return Request{}, err
	}

	return Request{Command: kind, Options: b}, nil
}

// ------------------------------------------------------ OPTIONS --------------------------------------------------- //

// VMRef selects one VM.
type VMRef struct {
	VMID string `json:"vm-id"`
}

// Validate returns an error wrapping ErrValidation if no VM is selected.
func (o VMRef) Validate() error {
	if o.VMID == "" {
		return missingOption("vm-id")
	}
	return nil
}

// StopVMOptions are the options of stop-vm.
type StopVMOptions struct {
	VMID string `json:"vm-id"`
	Kill bool   `json:"kill,omitempty"`
}

// Validate returns an error wrapping ErrValidation if no VM is selected.
func (o StopVMOptions) Validate() error {
	return VMRef{VMID: o.VMID}.Validate()
}

// CreateVMOptions are the options of create-vm.
type CreateVMOptions struct {
	Image      string `json:"image"`
	InitScript string `json:"init-script,omitempty"`
	VPN        string `json:"vpn,omitempty"`
	PublicIP   bool   `json:"public-ip,omitempty"`
	SSHKey     string `json:"ssh-key,omitempty"`
}

// Validate returns an error wrapping ErrValidation if no image is given.
func (o CreateVMOptions) Validate() error {
	if o.Image == "" {
		return missingOption("image")
	}
	return nil
}

// VPNRef selects one overlay network.
type VPNRef struct {
	Name string `json:"vpn-name"`
}

// Validate returns an error wrapping ErrValidation if no overlay is selected.
func (o VPNRef) Validate() error {
	if o.Name == "" {
		return missingOption("vpn-name")
	}
	return nil
}

func missingOption(name string) error {
	return errors.Join(fmt.Errorf("option %q is required", name), ErrValidation)
}
