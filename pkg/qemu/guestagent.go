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

package qemu

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

type guestInterface struct {
	IPAddresses *[]struct {
		IPAddress *string `json:"ip-address"`
	} `json:"ip-addresses"`
}

// FetchIPAddresses asks the guest agent listening on socket for the addresses
// of every guest interface. Transport failures are returned; a reply that is
// an error or lacks the expected fields means no address is known yet and
// yields an empty list.
func FetchIPAddresses(ctx context.Context, socket string, timeout time.Duration) ([]string, error) {
	c, err := Dial(ctx, socket, QGA, WithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	raw, err := c.Execute(ctx, "guest-network-get-interfaces", nil)
	if err != nil {
		if errors.Is(err, ErrCommandFailed) || errors.Is(err, ErrMalformedResponse) {
			slog.DebugContext(ctx, "guest agent returned no usable interfaces", "socket", socket, "err", err)
			return []string{}, nil
		}
		return nil, err
	}

	return parseIPAddresses(raw), nil
}

func parseIPAddresses(raw json.RawMessage) []string {
	var interfaces []guestInterface
	if err := json.Unmarshal(raw, &interfaces); err != nil {
		return []string{}
	}

	ips := []string{}
	for _, iface := range interfaces {
		if iface.IPAddresses == nil {
			return []string{}
		}
		for _, addr := range *iface.IPAddresses {
			if addr.IPAddress == nil {
				return []string{}
			}
			ips = append(ips, *addr.IPAddress)
		}
	}

	return ips
}

// PowerDown asks the VM behind the monitor socket to shut down gracefully. It
// returns as soon as the request is acknowledged.
func PowerDown(ctx context.Context, socket string, timeout time.Duration) error {
	c, err := Dial(ctx, socket, QMP, WithTimeout(timeout))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	_, err = c.Execute(ctx, "system_powerdown", nil)
	return err
}

// SocketLayout resolves the control sockets of a VM.
type SocketLayout interface {
	MonitorSocket(vmID string) string
	GuestAgentSocket(vmID string) string
}

// Hypervisor reaches the control channels of VMs by id.
type Hypervisor struct {
	sockets SocketLayout
	timeout time.Duration
}

// NewHypervisor returns a Hypervisor bounding every socket read by timeout.
func NewHypervisor(sockets SocketLayout, timeout time.Duration) *Hypervisor {
	return &Hypervisor{sockets: sockets, timeout: timeout}
}

// IPAddresses returns the addresses reported by the guest agent of vmID.
func (h *Hypervisor) IPAddresses(ctx context.Context, vmID string) ([]string, error) {
	return FetchIPAddresses(ctx, h.sockets.GuestAgentSocket(vmID), h.timeout)
}

// PowerDown requests a graceful shutdown of vmID.
func (h *Hypervisor) PowerDown(ctx context.Context, vmID string) error {
	return PowerDown(ctx, h.sockets.MonitorSocket(vmID), h.timeout)
}
