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

// Package deps checks that the host binaries stratusd drives are installed.
package deps

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrMissingDependency = errors.New("missing host dependency")

// Dependency is a binary stratusd invokes.
type Dependency struct {
	Name        string
	Command     string
	Description string
	// Packages maps a distribution id to the package providing Command.
	Packages map[string]string
}

// Help returns the install hint of d for the distribution hostOS.
func (d Dependency) Help(hostOS string) string {
	if pkg, ok := d.Packages[hostOS]; ok && pkg != "" {
		return fmt.Sprintf("%s (%s) is provided by the %q package on %s", d.Command, d.Description, pkg, hostOS)
	}
	return fmt.Sprintf("%s (%s) must be installed and in PATH", d.Command, d.Description)
}

var (
	Systemctl = Dependency{
		Name:        "systemd",
		Command:     "systemctl",
		Description: "supervises VM and daemon processes",
		Packages:    map[string]string{"debian": "systemd", "ubuntu": "systemd", "fedora": "systemd", "arch": "systemd"},
	}
	QemuSystem = Dependency{
		Name:        "qemu",
		Command:     "qemu-system-x86_64",
		Description: "runs the VMs",
		Packages:    map[string]string{"debian": "qemu-system-x86", "ubuntu": "qemu-system-x86", "fedora": "qemu-system-x86-core", "arch": "qemu-base"},
	}
	QemuImg = Dependency{
		Name:        "qemu-img",
		Command:     "qemu-img",
		Description: "clones base images",
		Packages:    map[string]string{"debian": "qemu-utils", "ubuntu": "qemu-utils", "fedora": "qemu-img", "arch": "qemu-img"},
	}
	Guestmount = Dependency{
		Name:        "guestmount",
		Command:     "guestmount",
		Description: "injects init scripts into VM disks",
		Packages:    map[string]string{"debian": "libguestfs-tools", "ubuntu": "libguestfs-tools", "fedora": "guestfs-tools", "arch": "libguestfs"},
	}
	Guestunmount = Dependency{
		Name:        "guestunmount",
		Command:     "guestunmount",
		Description: "releases customized VM disks",
		Packages:    map[string]string{"debian": "libguestfs-tools", "ubuntu": "libguestfs-tools", "fedora": "guestfs-tools", "arch": "libguestfs"},
	}
	IPRoute = Dependency{
		Name:        "iproute2",
		Command:     "ip",
		Description: "creates bridges and TAP devices",
		Packages:    map[string]string{"debian": "iproute2", "ubuntu": "iproute2", "fedora": "iproute", "arch": "iproute2"},
	}
	Tincd = Dependency{
		Name:        "tinc",
		Command:     "tincd",
		Description: "runs VPN overlays",
		Packages:    map[string]string{"debian": "tinc", "ubuntu": "tinc", "fedora": "tinc", "arch": "tinc"},
	}
	Radvd = Dependency{
		Name:        "radvd",
		Command:     "radvd",
		Description: "advertises IPv6 prefixes on VPN bridges",
		Packages:    map[string]string{"debian": "radvd", "ubuntu": "radvd", "fedora": "radvd", "arch": "radvd"},
	}
)

// Required returns the dependencies of a daemon. VPN and IPv6 support add
// their own daemons.
func Required(vpn, ipv6 bool) []Dependency {
	out := []Dependency{Systemctl, QemuSystem, QemuImg, Guestmount, Guestunmount, IPRoute}
	if vpn {
		out = append(out, Tincd)
	}
	if ipv6 {
		out = append(out, Radvd)
	}
	return out
}

// PathLooker resolves executables, e.g. an execcontext.Runner.
type PathLooker interface {
	LookPath(file string) (string, error)
}

// Check returns an error wrapping ErrMissingDependency with one install hint
// per missing dependency.
func Check(looker PathLooker, hostOS string, deps []Dependency) error {
	var errs []error

	for _, d := range deps {
		if _, err := looker.LookPath(d.Command); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingDependency, d.Help(hostOS)))
		}
	}

	return errors.Join(errs...)
}

// HostOS returns the distribution id of the host read from os-release, or
// "linux".
func HostOS(osReleasePath string) string {
	data, err := os.ReadFile(osReleasePath)
	if err != nil {
		return "linux"
	}

	var idLike string
	for _, line := range strings.Split(string(data), "\n") {
		if id, ok := strings.CutPrefix(line, "ID="); ok {
			return strings.Trim(id, `"`)
		}
		if v, ok := strings.CutPrefix(line, "ID_LIKE="); ok {
			idLike = strings.Trim(v, `"`)
		}
	}

	// derivatives fall back to their first parent.
	if parent, _, _ := strings.Cut(idLike, " "); parent != "" {
		return parent
	}

	return "linux"
}
