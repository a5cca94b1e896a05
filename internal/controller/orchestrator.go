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

// Package controller implements the commands of the orchestrator on top of
// the process supervisor, the disk manager, the overlay provisioner and the
// hypervisor control channels.
package controller

import (
	"context"
	"errors"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/alexandremahdhaoui/stratus/internal/types"
	"github.com/alexandremahdhaoui/stratus/pkg/execcontext"
	"github.com/alexandremahdhaoui/stratus/pkg/network"
	"github.com/alexandremahdhaoui/stratus/pkg/paths"
	"github.com/alexandremahdhaoui/stratus/pkg/qemu"
	"github.com/alexandremahdhaoui/stratus/pkg/service"
	"github.com/alexandremahdhaoui/stratus/pkg/vmm"
	"github.com/alexandremahdhaoui/stratus/pkg/vpn"
)

// DefaultIPQueryConcurrency bounds the guest agent queries of one listing.
const DefaultIPQueryConcurrency = 4

// ---------------------------------------------------- INTERFACES -------------------------------------------------- //

// Sink receives the response of each completed phase of a command.
type Sink func(response any)

// Disks manages VM disks.
type Disks interface {
	CreateDisk(ctx context.Context, vmID, image string) (string, error)
	DeleteDisk(ctx context.Context, vmID string) error
	ListDisks() ([]string, error)
	Customize(ctx context.Context, disk string, c vmm.Customization) error
}

// Overlays manages overlay networks.
type Overlays interface {
	Establish(ctx context.Context, name, vmID string) (*vpn.Attachment, error)
	List() []vpn.Network
	Get(name string) (vpn.Network, error)
}

// Hypervisor talks to running VMs.
type Hypervisor interface {
	IPAddresses(ctx context.Context, vmID string) ([]string, error)
	PowerDown(ctx context.Context, vmID string) error
}

// ProcessLister finds running hypervisor processes.
type ProcessLister interface {
	RunningVMs(ctx context.Context) (sets.Set[string], error)
}

var (
	_ Disks         = (*vmm.Images)(nil)
	_ Overlays      = (*vpn.Provisioner)(nil)
	_ Hypervisor    = (*qemu.Hypervisor)(nil)
	_ ProcessLister = (*vmm.ProcessScanner)(nil)
)

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// Config holds the collaborators and settings of an Orchestrator.
type Config struct {
	Layout     paths.Layout
	Supervisor service.Supervisor
	Disks      Disks
	Hypervisor Hypervisor
	Processes  ProcessLister
	// Overlays is optional. Without it, the vpn option of create-vm is rejected.
	Overlays Overlays
	// Runner executes privileged network commands and renders them into scripts.
	Runner *execcontext.Runner

	// PublicBridge is the host bridge public interfaces are attached to. When
	// empty, the public-ip option of create-vm is rejected.
	PublicBridge string
	// TapUser owns the TAP devices of the VMs.
	TapUser string
	// VDESocket is used by VMs created without any other interface. When
	// empty, such VMs get no network interface.
	VDESocket string
	MemoryMB  int
	// IPQueryConcurrency bounds the guest agent queries of list-vms.
	IPQueryConcurrency int

	// NewVMID allocates VM ids. Defaults to paths.NewVMID.
	NewVMID func() string
}

// Orchestrator implements every command. It owns the overlay registry through
// Overlays and must not be used concurrently, see Dispatcher.
type Orchestrator struct {
	cfg Config
}

// New returns an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.NewVMID == nil {
		cfg.NewVMID = paths.NewVMID
	}
	if cfg.IPQueryConcurrency <= 0 {
		cfg.IPQueryConcurrency = DefaultIPQueryConcurrency
	}
	if cfg.Runner == nil {
		cfg.Runner = execcontext.NewRunner(execcontext.New(nil, []string{"sudo"}), nil)
	}

	return &Orchestrator{cfg: cfg}
}

// ----------------------------------------------------- ERRORS ----------------------------------------------------- //

var categories = []struct {
	category error
	causes   []error
}{
	{
		category: types.ErrValidation,
		causes: []error{
			paths.ErrInvalidImageName,
			network.ErrInvalidDeviceName,
			network.ErrInvalidIPAddress,
			vpn.ErrInvalidNetworkName,
			vpn.ErrInvalidHostName,
			vmm.ErrInvalidSSHKey,
			vmm.ErrInvalidVMConfig,
			vmm.ErrInvalidInterface,
		},
	},
	{
		category: types.ErrNotFound,
		causes:   []error{vmm.ErrImageNotFound, vpn.ErrNetworkNotFound},
	},
	{
		category: types.ErrResourceExhausted,
		causes:   []error{vpn.ErrPortsExhausted, vpn.ErrPrefixSpaceExhausted},
	},
	{
		category: types.ErrTransport,
		causes: []error{
			qemu.ErrUnreachable,
			qemu.ErrConnectionRefused,
			qemu.ErrMalformedResponse,
			qemu.ErrHandshakeMismatch,
		},
	},
	{
		category: types.ErrUnderlyingTool,
		causes:   []error{execcontext.ErrCommandFailed, qemu.ErrCommandFailed},
	},
}

// categorize joins err with the category of its first known cause. Errors
// already carrying a category are returned unchanged.
func categorize(err error) error {
	if err == nil || types.KindOf(err) != types.KindInternal {
		return err
	}

	for _, c := range categories {
		for _, cause := range c.causes {
			if errors.Is(err, cause) {
				return errors.Join(err, c.category)
			}
		}
	}

	return err
}
