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

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/alexandremahdhaoui/stratus/internal/types"
	"github.com/alexandremahdhaoui/stratus/pkg/network"
	"github.com/alexandremahdhaoui/stratus/pkg/paths"
	"github.com/alexandremahdhaoui/stratus/pkg/service"
	"github.com/alexandremahdhaoui/stratus/pkg/vmm"
)

var (
	ErrListVMs  = errors.New("listing VMs")
	ErrVMInfo   = errors.New("getting VM info")
	ErrCreateVM = errors.New("creating VM")
	ErrStartVM  = errors.New("starting VM")
	ErrStopVM   = errors.New("stopping VM")
	ErrDeleteVM = errors.New("deleting VM")

	errVMDoesNotExist    = errors.New("VM does not exist")
	errVPNDisabled       = errors.New("VPN support is not configured")
	errPublicIPDisabled  = errors.New("public IP support is not configured")
	errCustomizeDisk     = errors.New("customizing disk")
	errAttachVPN         = errors.New("attaching VPN")
	errAttachPublic      = errors.New("attaching public network")
	errRegisterVM        = errors.New("registering VM descriptor")
	errQueryGuestAgent   = errors.New("querying guest agent")
	errRemoveResourceDir = errors.New("removing VM resource directory")
)

const (
	publicSetupScript    = "public-setup.sh"
	publicTeardownScript = "public-teardown.sh"
)

// -------------------------------------------------------- ListVMs ------------------------------------------------- //

// ListVMs emits the list of every VM known to the supervisor. Running
// processes without a descriptor are only logged. Guest agent failures turn
// into a hint on the affected entry.
func (o *Orchestrator) ListVMs(ctx context.Context, sink Sink) error {
	ids, err := o.knownVMs(ctx)
	if err != nil {
		return errors.Join(err, ErrListVMs)
	}

	running, err := o.cfg.Processes.RunningVMs(ctx)
	if err != nil {
		return errors.Join(err, types.ErrUnderlyingTool, ErrListVMs)
	}

	for _, orphan := range sets.List(running.Difference(ids)) {
		slog.WarnContext(ctx, "found VM process without descriptor", "vmID", orphan)
	}

	vms := make([]types.VMSummary, 0, ids.Len())
	for _, id := range sets.List(ids) {
		isRunning, err := o.cfg.Supervisor.IsRunning(ctx, paths.VMUnitName(id))
		if err != nil {
			return errors.Join(err, types.ErrUnderlyingTool, ErrListVMs)
		}

		status := types.VMStopped
		if isRunning {
			status = types.VMRunning
		}
		vms = append(vms, types.VMSummary{VMID: id, Status: status})
	}

	o.fetchIPAddresses(ctx, vms)

	sink(vms)

	return nil
}

// fetchIPAddresses queries the guest agent of every running VM. Each
// goroutine only writes its own entry of vms.
func (o *Orchestrator) fetchIPAddresses(ctx context.Context, vms []types.VMSummary) {
	var g errgroup.Group
	g.SetLimit(o.cfg.IPQueryConcurrency)

	for i := range vms {
		if vms[i].Status != types.VMRunning {
			continue
		}

		g.Go(func() error {
			ips, err := o.cfg.Hypervisor.IPAddresses(ctx, vms[i].VMID)
			if err != nil {
				slog.DebugContext(ctx, "cannot fetch VM IP addresses", "vmID", vms[i].VMID, "err", err)
				vms[i].Hint = fmt.Errorf("%w: %w", errQueryGuestAgent, err).Error()
				return nil
			}

			vms[i].IPAddresses = ips
			return nil
		})
	}

	_ = g.Wait()
}

// -------------------------------------------------------- VMInfo -------------------------------------------------- //

// VMInfo emits the coarse status of a VM.
func (o *Orchestrator) VMInfo(ctx context.Context, opts types.VMRef, sink Sink) error {
	if err := opts.Validate(); err != nil {
		return errors.Join(err, ErrVMInfo)
	}

	unit, err := o.existingUnit(ctx, opts.VMID)
	if err != nil {
		return errors.Join(err, ErrVMInfo)
	}

	running, err := o.cfg.Supervisor.IsRunning(ctx, unit)
	if err != nil {
		return errors.Join(err, types.ErrUnderlyingTool, ErrVMInfo)
	}

	status := types.VMStopped
	if running {
		status = types.VMRunning
	}

	sink(types.VMEvent{Status: status, VMID: opts.VMID})

	return nil
}

// ------------------------------------------------------- CreateVM ------------------------------------------------- //

// CreateVM allocates a VM and emits one event once its id is known and one
// once its descriptor is started. Side effects of a failed creation are not
// reverted.
func (o *Orchestrator) CreateVM(ctx context.Context, opts types.CreateVMOptions, sink Sink) error {
	if err := o.validateCreate(opts); err != nil {
		return errors.Join(err, ErrCreateVM)
	}

	vmID := o.cfg.NewVMID()

	slog.InfoContext(ctx, "creating VM", "vmID", vmID, "image", opts.Image)
	sink(types.VMEvent{Status: types.VMAllocating, VMID: vmID})

	disk, err := o.cfg.Disks.CreateDisk(ctx, vmID, opts.Image)
	if err != nil {
		return errors.Join(categorize(err), ErrCreateVM)
	}

	if err := o.cfg.Disks.Customize(ctx, disk, vmm.Customization{
		InitScript: opts.InitScript,
		SSHKey:     opts.SSHKey,
	}); err != nil {
		return errors.Join(categorize(err), errCustomizeDisk, ErrCreateVM)
	}

	vmDir := o.cfg.Layout.VMDir(vmID)
	if err := os.MkdirAll(vmDir, 0o700); err != nil {
		return errors.Join(err, ErrCreateVM)
	}

	var (
		interfaces []vmm.InterfaceConfig
		preStart   []string
		postStop   []string
	)

	if opts.VPN != "" {
		att, err := o.cfg.Overlays.Establish(ctx, opts.VPN, vmID)
		if err != nil {
			return errors.Join(categorize(err), errAttachVPN, ErrCreateVM)
		}

		interfaces = append(interfaces, vmm.InterfaceConfig{
			MACAddress: network.NewMACAddress(),
			Type:       vmm.InterfaceTAP,
			TapDevice:  att.TapDevice,
		})
		preStart = append(preStart, att.Scripts.Setup)
		postStop = append(postStop, att.Scripts.Teardown)
	}

	if opts.PublicIP {
		iface, scripts, err := o.attachPublic(ctx, vmID, vmDir)
		if err != nil {
			return errors.Join(categorize(err), errAttachPublic, ErrCreateVM)
		}

		interfaces = append(interfaces, iface)
		preStart = append(preStart, scripts.Setup)
		postStop = append(postStop, scripts.Teardown)
	}

	if len(interfaces) == 0 && o.cfg.VDESocket != "" {
		interfaces = append(interfaces, vmm.InterfaceConfig{
			MACAddress: network.NewMACAddress(),
			Type:       vmm.InterfaceVDE,
			VDESocket:  o.cfg.VDESocket,
		})
	}

	argv, err := vmm.Command(vmm.VMConfig{
		ID:               vmID,
		DiskPath:         disk,
		MemoryMB:         o.cfg.MemoryMB,
		MonitorSocket:    o.cfg.Layout.MonitorSocket(vmID),
		GuestAgentSocket: o.cfg.Layout.GuestAgentSocket(vmID),
		Interfaces:       interfaces,
	})
	if err != nil {
		return errors.Join(categorize(err), ErrCreateVM)
	}

	// teardown runs in the reverse order of setup.
	slices.Reverse(postStop)

	d := service.Descriptor{
		Description: fmt.Sprintf("stratus VM %s", vmID),
		Command:     argv,
		PreStart:    preStart,
		PostStop:    postStop,
	}

	if err := o.register(ctx, d, paths.VMUnitName(vmID)); err != nil {
		return errors.Join(err, errRegisterVM, ErrCreateVM)
	}

	slog.InfoContext(ctx, "started VM", "vmID", vmID, "interfaces", len(interfaces))
	sink(types.VMEvent{Status: types.VMStarting, VMID: vmID})

	return nil
}

func (o *Orchestrator) validateCreate(opts types.CreateVMOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if opts.VPN != "" && o.cfg.Overlays == nil {
		return errors.Join(errVPNDisabled, types.ErrValidation)
	}
	if opts.PublicIP && o.cfg.PublicBridge == "" {
		return errors.Join(errPublicIPDisabled, types.ErrValidation)
	}
	return nil
}

func (o *Orchestrator) attachPublic(ctx context.Context, vmID, vmDir string) (vmm.InterfaceConfig, network.ScriptPair, error) {
	tap := paths.PublicTapName(vmID)

	topo := network.NewTopology(o.cfg.Runner)
	if err := topo.TapDevice(ctx, network.TapConfig{
		Name:   tap,
		User:   o.cfg.TapUser,
		Bridge: o.cfg.PublicBridge,
	}); err != nil {
		return vmm.InterfaceConfig{}, network.ScriptPair{}, err
	}

	scripts, err := topo.WriteScripts(
		filepath.Join(vmDir, publicSetupScript),
		filepath.Join(vmDir, publicTeardownScript),
	)
	if err != nil {
		return vmm.InterfaceConfig{}, network.ScriptPair{}, err
	}

	return vmm.InterfaceConfig{
		MACAddress: network.NewMACAddress(),
		Type:       vmm.InterfaceTAP,
		TapDevice:  tap,
	}, scripts, nil
}

func (o *Orchestrator) register(ctx context.Context, d service.Descriptor, unit string) error {
	if err := o.cfg.Supervisor.Install(ctx, d, unit); err != nil {
		return errors.Join(err, types.ErrUnderlyingTool)
	}
	if err := o.cfg.Supervisor.Start(ctx, unit); err != nil {
		return errors.Join(err, types.ErrUnderlyingTool)
	}
	if err := o.cfg.Supervisor.Enable(ctx, unit); err != nil {
		return errors.Join(err, types.ErrUnderlyingTool)
	}
	return nil
}

// ------------------------------------------------------- StartVM -------------------------------------------------- //

// StartVM starts a stopped VM. Starting a running VM succeeds with a hint.
func (o *Orchestrator) StartVM(ctx context.Context, opts types.VMRef, sink Sink) error {
	if err := opts.Validate(); err != nil {
		return errors.Join(err, ErrStartVM)
	}

	unit, err := o.existingUnit(ctx, opts.VMID)
	if err != nil {
		return errors.Join(err, ErrStartVM)
	}

	running, err := o.cfg.Supervisor.IsRunning(ctx, unit)
	if err != nil {
		return errors.Join(err, types.ErrUnderlyingTool, ErrStartVM)
	}

	event := types.VMEvent{Status: types.VMStarting, VMID: opts.VMID}

	if running {
		event.Hint = fmt.Sprintf("VM %q was already started", opts.VMID)
	} else {
		if err := o.cfg.Supervisor.Start(ctx, unit); err != nil {
			return errors.Join(err, types.ErrUnderlyingTool, ErrStartVM)
		}
		if err := o.cfg.Supervisor.Enable(ctx, unit); err != nil {
			return errors.Join(err, types.ErrUnderlyingTool, ErrStartVM)
		}
		slog.InfoContext(ctx, "started VM", "vmID", opts.VMID)
	}

	sink(event)

	return nil
}

// -------------------------------------------------------- StopVM -------------------------------------------------- //

// StopVM stops a running VM, either by killing its process or by requesting
// a graceful power down without waiting for it. Stopping a stopped VM
// succeeds with a hint.
func (o *Orchestrator) StopVM(ctx context.Context, opts types.StopVMOptions, sink Sink) error {
	if err := opts.Validate(); err != nil {
		return errors.Join(err, ErrStopVM)
	}

	event, err := o.stop(ctx, opts)
	if err != nil {
		return errors.Join(err, ErrStopVM)
	}

	sink(event)

	return nil
}

func (o *Orchestrator) stop(ctx context.Context, opts types.StopVMOptions) (types.VMEvent, error) {
	unit, err := o.existingUnit(ctx, opts.VMID)
	if err != nil {
		return types.VMEvent{}, err
	}

	event := types.VMEvent{Status: types.VMStopped, VMID: opts.VMID}
	if opts.Kill {
		event.Status = types.VMKilled
	}

	running, err := o.cfg.Supervisor.IsRunning(ctx, unit)
	if err != nil {
		return types.VMEvent{}, errors.Join(err, types.ErrUnderlyingTool)
	}

	if !running {
		event.Hint = fmt.Sprintf("VM %q was not running", opts.VMID)
		return event, nil
	}

	if err := o.cfg.Supervisor.Disable(ctx, unit); err != nil {
		return types.VMEvent{}, errors.Join(err, types.ErrUnderlyingTool)
	}

	if opts.Kill {
		if err := o.cfg.Supervisor.Stop(ctx, unit); err != nil {
			return types.VMEvent{}, errors.Join(err, types.ErrUnderlyingTool)
		}
	} else if err := o.cfg.Hypervisor.PowerDown(ctx, opts.VMID); err != nil {
		return types.VMEvent{}, categorize(err)
	}

	slog.InfoContext(ctx, "stopped VM", "vmID", opts.VMID, "kill", opts.Kill)

	return event, nil
}

// ------------------------------------------------------- DeleteVM ------------------------------------------------- //

// DeleteVM kills a VM and removes its descriptor, disk and resource
// directory.
func (o *Orchestrator) DeleteVM(ctx context.Context, opts types.VMRef, sink Sink) error {
	if err := opts.Validate(); err != nil {
		return errors.Join(err, ErrDeleteVM)
	}

	if _, err := o.stop(ctx, types.StopVMOptions{VMID: opts.VMID, Kill: true}); err != nil {
		return errors.Join(err, ErrDeleteVM)
	}

	unit := paths.VMUnitName(opts.VMID)

	// A VM that exited on its own is still enabled.
	if err := o.cfg.Supervisor.Disable(ctx, unit); err != nil {
		slog.DebugContext(ctx, "cannot disable VM service", "vmID", opts.VMID, "err", err)
	}

	if err := o.cfg.Supervisor.Uninstall(ctx, unit); err != nil {
		return errors.Join(err, types.ErrUnderlyingTool, ErrDeleteVM)
	}

	if err := o.cfg.Disks.DeleteDisk(ctx, opts.VMID); err != nil {
		return errors.Join(categorize(err), ErrDeleteVM)
	}

	if err := os.RemoveAll(o.cfg.Layout.VMDir(opts.VMID)); err != nil {
		return errors.Join(err, errRemoveResourceDir, ErrDeleteVM)
	}

	slog.InfoContext(ctx, "deleted VM", "vmID", opts.VMID)
	sink(types.VMEvent{Status: types.VMDeleted, VMID: opts.VMID})

	return nil
}

// -------------------------------------------------------- HELPERS ------------------------------------------------- //

// knownVMs returns the ids of every VM with a descriptor.
func (o *Orchestrator) knownVMs(ctx context.Context) (sets.Set[string], error) {
	names, err := o.cfg.Supervisor.List(ctx)
	if err != nil {
		return nil, errors.Join(err, types.ErrUnderlyingTool)
	}

	ids := sets.New[string]()
	for _, name := range names {
		if id, ok := paths.VMIDFromUnitName(name); ok {
			ids.Insert(id)
		}
	}

	return ids, nil
}

// existingUnit returns the descriptor name of vmID or an error wrapping
// types.ErrNotFound.
func (o *Orchestrator) existingUnit(ctx context.Context, vmID string) (string, error) {
	if !paths.IsVMID(vmID) {
		return "", errors.Join(fmt.Errorf("%w: %q", errVMDoesNotExist, vmID), types.ErrNotFound)
	}

	unit := paths.VMUnitName(vmID)

	exists, err := o.cfg.Supervisor.Exists(ctx, unit)
	if err != nil {
		return "", errors.Join(err, types.ErrUnderlyingTool)
	}
	if !exists {
		return "", errors.Join(fmt.Errorf("%w: %q", errVMDoesNotExist, vmID), types.ErrNotFound)
	}

	return unit, nil
}
