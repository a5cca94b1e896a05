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

package vmm

import (
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/stratus/pkg/network"
	"github.com/alexandremahdhaoui/stratus/pkg/paths"
)

var (
	ErrInvalidVMConfig  = errors.New("invalid VM configuration")
	ErrInvalidInterface = errors.New("invalid network interface")
)

const (
	// DefaultMemoryMB is the memory given to a VM when none is configured.
	DefaultMemoryMB = 4096

	hypervisorBinary = "qemu-system-x86_64"
	guestAgentPort   = "org.qemu.guest_agent.0"
)

// Command returns the argument vector starting the hypervisor for cfg. The
// process is named after the VM so that it can be found in the process table.
func Command(cfg VMConfig) ([]string, error) {
	if !paths.IsVMID(cfg.ID) {
		return nil, fmt.Errorf("%w: invalid VM id %q", ErrInvalidVMConfig, cfg.ID)
	}
	if cfg.DiskPath == "" || cfg.MonitorSocket == "" || cfg.GuestAgentSocket == "" {
		return nil, fmt.Errorf("%w: disk and control sockets are required", ErrInvalidVMConfig)
	}

	memory := cfg.MemoryMB
	if memory <= 0 {
		memory = DefaultMemoryMB
	}

	argv := []string{
		hypervisorBinary,
		"-m", fmt.Sprint(memory),
		"-accel", "kvm",
		"-hda", cfg.DiskPath,
	}

	for i, iface := range cfg.Interfaces {
		netdev, err := netdevArg(fmt.Sprintf("net%d", i), iface)
		if err != nil {
			return nil, err
		}

		argv = append(argv,
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net%d,mac=%s", i, iface.MACAddress),
			"-netdev", netdev,
		)
	}

	argv = append(argv,
		"-name", fmt.Sprintf("qemu-vm-%s,process=%s", cfg.ID, paths.VMProcessName(cfg.ID)),
		"-nographic",
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", cfg.MonitorSocket),
		"-chardev", fmt.Sprintf("socket,path=%s,server=on,wait=off,id=qga0", cfg.GuestAgentSocket),
		"-device", "virtio-serial",
		"-device", fmt.Sprintf("virtserialport,chardev=qga0,name=%s", guestAgentPort),
	)

	return argv, nil
}

func netdevArg(id string, iface InterfaceConfig) (string, error) {
	if iface.MACAddress == "" {
		return "", fmt.Errorf("%w: %s: missing MAC address", ErrInvalidInterface, id)
	}

	switch iface.Type {
	case InterfaceVDE:
		if iface.VDESocket == "" {
			return "", fmt.Errorf("%w: %s: missing VDE socket", ErrInvalidInterface, id)
		}
		return fmt.Sprintf("vde,id=%s,sock=%s", id, iface.VDESocket), nil
	case InterfaceTAP:
		if err := network.ValidateDeviceName(iface.TapDevice); err != nil {
			return "", errors.Join(err, ErrInvalidInterface)
		}
		return fmt.Sprintf("tap,id=%s,ifname=%s,script=no,downscript=no", id, iface.TapDevice), nil
	default:
		return "", fmt.Errorf("%w: %s: unknown type %s", ErrInvalidInterface, id, iface.Type)
	}
}
