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

package paths

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	// VMIDLength is the number of characters of a VM id.
	VMIDLength = 8

	vmUnitPrefix  = "stratus-vm-"
	vpnUnitPrefix = "stratus-vpn-"
	unitSuffix    = ".service"

	// VMProcessPrefix prefixes the OS process name of every hypervisor process.
	VMProcessPrefix = "vm-"

	vpnInterfacePrefix = "vpn-"
	vpnBridgePrefix    = "vpnbr-"
	vpnTapPrefix       = "vtap-"
	publicTapPrefix    = "ptap-"

	// RadvdUnitName is the descriptor name of the router advertisement daemon.
	RadvdUnitName = "stratus-radvd.service"
)

var vmIDRegexp = regexp.MustCompile(`^[a-z]{8}$`)

const vmIDAlphabet = "abcdefghijklmnopqrstuvwxyz"

// NewVMID returns a random VM id made of 8 lowercase letters.
func NewVMID() string {
	b := make([]byte, VMIDLength)
	n := big.NewInt(int64(len(vmIDAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			panic(err) // crypto/rand never fails on supported platforms
		}
		b[i] = vmIDAlphabet[idx.Int64()]
	}
	return string(b)
}

// IsVMID reports whether s is a well-formed VM id.
func IsVMID(s string) bool {
	return vmIDRegexp.MatchString(s)
}

// VMUnitName returns the process descriptor name of a VM.
func VMUnitName(vmID string) string {
	return vmUnitPrefix + vmID + unitSuffix
}

// VMIDFromUnitName parses a VM process descriptor name.
func VMIDFromUnitName(name string) (string, bool) {
	if !strings.HasPrefix(name, vmUnitPrefix) || !strings.HasSuffix(name, unitSuffix) {
		return "", false
	}

	id := strings.TrimSuffix(strings.TrimPrefix(name, vmUnitPrefix), unitSuffix)
	if id == "" {
		return "", false
	}
	return id, true
}

// VMProcessName returns the OS process name of a VM's hypervisor.
func VMProcessName(vmID string) string {
	return VMProcessPrefix + vmID
}

// VPNUnitName returns the process descriptor name of an overlay daemon.
func VPNUnitName(network string) string {
	return vpnUnitPrefix + network + unitSuffix
}

// VPNInterfaceName returns the device the overlay daemon attaches to.
func VPNInterfaceName(network string) string {
	return vpnInterfacePrefix + network
}

// VPNBridgeName returns the bridge VMs of an overlay are attached to.
func VPNBridgeName(network string) string {
	return vpnBridgePrefix + network
}

// VPNTapName returns the TAP device connecting a VM to its overlay.
func VPNTapName(vmID string) string {
	return vpnTapPrefix + vmID
}

// PublicTapName returns the TAP device connecting a VM to the public bridge.
func PublicTapName(vmID string) string {
	return publicTapPrefix + vmID
}
