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

// Package paths maps VM and VPN identifiers to their deterministic filesystem
// and socket locations.
package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidImageName    = errors.New("invalid image name")
	ErrUnknownResourceKind = errors.New("unknown resource kind")
)

const (
	imageExtension = ".qcow2"
	radvdConfName  = "radvd.conf"
)

// ResourceKind selects the per-resource configuration directory.
type ResourceKind int

const (
	ResourceVM ResourceKind = iota
	ResourceVPN
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceVM:
		return "vm"
	case ResourceVPN:
		return "vpn"
	default:
		return fmt.Sprintf("ResourceKind(%d)", int(k))
	}
}

// Layout is the filesystem layout every component relies on.
type Layout struct {
	// ConfigDir holds per-resource directories and the radvd configuration.
	ConfigDir string
	// BaseImageDir holds the read-only base images VMs are cloned from.
	BaseImageDir string
	// UserImageDir holds the per-VM copy-on-write disks.
	UserImageDir string
	// SocketDir holds the hypervisor control sockets.
	SocketDir string
}

// UserImagePath returns the disk image of a VM.
func (l Layout) UserImagePath(vmID string) string {
	return filepath.Join(l.UserImageDir, vmID+imageExtension)
}

// BaseImagePath resolves a base image by its basename. Anything that is not a
// plain file name is rejected.
func (l Layout) BaseImagePath(image string) (string, error) {
	name := filepath.Base(image)
	if image == "" || name != image || name == "." || name == ".." || strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidImageName, image)
	}

	return filepath.Join(l.BaseImageDir, name+imageExtension), nil
}

// VMIDFromImagePath returns the VM id owning a user image path.
func VMIDFromImagePath(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, imageExtension) {
		return "", false
	}
	return strings.TrimSuffix(name, imageExtension), true
}

// MonitorSocket returns the QMP socket of a VM.
func (l Layout) MonitorSocket(vmID string) string {
	return filepath.Join(l.SocketDir, fmt.Sprintf("stratus-qmp-%s.sock", vmID))
}

// GuestAgentSocket returns the guest agent socket of a VM.
func (l Layout) GuestAgentSocket(vmID string) string {
	return filepath.Join(l.SocketDir, fmt.Sprintf("stratus-qga-%s.sock", vmID))
}

// ResourceDir returns the private configuration directory of a resource.
func (l Layout) ResourceDir(kind ResourceKind, name string) (string, error) {
	switch kind {
	case ResourceVM, ResourceVPN:
		return filepath.Join(l.ConfigDir, kind.String(), name), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownResourceKind, kind)
	}
}

// VMDir returns the private resource directory of a VM.
func (l Layout) VMDir(vmID string) string {
	return filepath.Join(l.ConfigDir, ResourceVM.String(), vmID)
}

// VPNDir returns the configuration directory of an overlay network.
func (l Layout) VPNDir(name string) string {
	return filepath.Join(l.ConfigDir, ResourceVPN.String(), name)
}

// VPNRoot returns the directory holding every overlay network directory.
func (l Layout) VPNRoot() string {
	return filepath.Join(l.ConfigDir, ResourceVPN.String())
}

// RadvdConfig returns the router advertisement configuration file.
func (l Layout) RadvdConfig() string {
	return filepath.Join(l.ConfigDir, radvdConfName)
}
