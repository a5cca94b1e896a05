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

import "strings"

// ----------------------------------------------------- ENVELOPE --------------------------------------------------- //

// ExecutionStatus reports whether a unit of work succeeded.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// ExecutionInfo describes the outcome of a unit of work.
type ExecutionInfo struct {
	Status ExecutionStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Kind   ErrorKind       `json:"kind,omitempty"`
}

// Envelope is one reply to a Request. Multi-phase commands reply with one
// envelope per phase.
type Envelope struct {
	ExecutionInfo ExecutionInfo `json:"execution-info"`
	Response      any           `json:"response,omitempty"`
}

// Success returns the envelope of a successful unit of work.
func Success(response any) Envelope {
	return Envelope{
		ExecutionInfo: ExecutionInfo{Status: ExecutionSuccess},
		Response:      response,
	}
}

// Failure returns the envelope of a failed unit of work. Joined error messages
// are flattened into a single line.
func Failure(err error) Envelope {
	return Envelope{
		ExecutionInfo: ExecutionInfo{
			Status: ExecutionError,
			Reason: strings.ReplaceAll(err.Error(), "\n", ": "),
			Kind:   KindOf(err),
		},
	}
}

// ------------------------------------------------------- VMS ------------------------------------------------------ //

// VMStatus is the observed state of a VM. It is never persisted.
type VMStatus string

const (
	VMAllocating VMStatus = "allocating"
	VMStarting   VMStatus = "starting"
	VMRunning    VMStatus = "running"
	VMStopped    VMStatus = "stopped"
	VMKilled     VMStatus = "killed"
	VMDeleted    VMStatus = "deleted"
)

// VMEvent is the response of every command acting on a single VM.
type VMEvent struct {
	Status VMStatus `json:"status"`
	VMID   string   `json:"vm-id"`
	Hint   string   `json:"hint,omitempty"`
}

// VMSummary is one entry of list-vms.
type VMSummary struct {
	VMID        string   `json:"vm-id"`
	Status      VMStatus `json:"status"`
	IPAddresses []string `json:"ip-addresses,omitempty"`
	Hint        string   `json:"hint,omitempty"`
}

// ------------------------------------------------------- VPNS ----------------------------------------------------- //

// VPNInfo describes an overlay network.
type VPNInfo struct {
	Name      string `json:"vpn-name"`
	Port      int    `json:"port"`
	Bridge    string `json:"bridge"`
	Interface string `json:"interface"`
	Prefix    string `json:"prefix,omitempty"`
}

// ----------------------------------------------------- ORPHANS ---------------------------------------------------- //

// Orphans lists resources no process descriptor accounts for.
type Orphans struct {
	// Disks are VM disks without a descriptor.
	Disks []string `json:"disks"`
	// Processes are hypervisor processes without a descriptor.
	Processes []string `json:"processes"`
}
