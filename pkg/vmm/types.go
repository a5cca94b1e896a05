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

// Package vmm prepares everything the hypervisor needs to run a VM: the
// copy-on-write disk, the optional first-boot customization and the
// qemu-system command line. It also discovers running hypervisor processes.
package vmm

import "fmt"

// InterfaceType is the kind of host-side backend of a virtual NIC.
type InterfaceType int

const (
	// InterfaceVDE plugs the NIC into a VDE switch socket.
	InterfaceVDE InterfaceType = iota
	// InterfaceTAP plugs the NIC into a TAP device on the host.
	InterfaceTAP
)

func (t InterfaceType) String() string {
	switch t {
	case InterfaceVDE:
		return "vde"
	case InterfaceTAP:
		return "tap"
	default:
		return fmt.Sprintf("InterfaceType(%d)", int(t))
	}
}

// InterfaceConfig describes one virtual NIC of a VM.
type InterfaceConfig struct {
	MACAddress string
	Type       InterfaceType
	// VDESocket is only used by InterfaceVDE.
	VDESocket string
	// TapDevice is only used by InterfaceTAP.
	TapDevice string
}

// VMConfig contains everything needed to build the hypervisor command line.
type VMConfig struct {
	ID               string
	DiskPath         string
	MemoryMB         int
	MonitorSocket    string
	GuestAgentSocket string
	Interfaces       []InterfaceConfig
}

// Customization is applied to a disk image before its first boot.
type Customization struct {
	// InitScript runs once on first boot.
	InitScript string
	// SSHKey is appended to root's authorized keys.
	SSHKey string
}

// IsZero reports whether c changes nothing.
func (c Customization) IsZero() bool {
	return c.InitScript == "" && c.SSHKey == ""
}
