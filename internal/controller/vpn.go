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

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/alexandremahdhaoui/stratus/internal/types"
	"github.com/alexandremahdhaoui/stratus/pkg/vpn"
)

var (
	ErrVPNInfo     = errors.New("getting VPN info")
	ErrListOrphans = errors.New("listing orphans")
)

// ListVPNs emits every registered overlay network.
func (o *Orchestrator) ListVPNs(_ context.Context, sink Sink) error {
	out := []types.VPNInfo{}
	if o.cfg.Overlays != nil {
		for _, n := range o.cfg.Overlays.List() {
			out = append(out, vpnInfo(n))
		}
	}

	sink(out)

	return nil
}

// VPNInfo emits one overlay network.
func (o *Orchestrator) VPNInfo(_ context.Context, opts types.VPNRef, sink Sink) error {
	if err := opts.Validate(); err != nil {
		return errors.Join(err, ErrVPNInfo)
	}

	if o.cfg.Overlays == nil {
		return errors.Join(fmt.Errorf("%w: %s", vpn.ErrNetworkNotFound, opts.Name), types.ErrNotFound, ErrVPNInfo)
	}

	n, err := o.cfg.Overlays.Get(opts.Name)
	if err != nil {
		return errors.Join(categorize(err), ErrVPNInfo)
	}

	sink(vpnInfo(n))

	return nil
}

func vpnInfo(n vpn.Network) types.VPNInfo {
	return types.VPNInfo{
		Name:      n.Name,
		Port:      n.Port,
		Bridge:    n.Bridge,
		Interface: n.Interface,
		Prefix:    n.Prefix,
	}
}

// ListOrphans emits the disks and hypervisor processes no descriptor
// accounts for. Nothing is reconciled.
func (o *Orchestrator) ListOrphans(ctx context.Context, sink Sink) error {
	known, err := o.knownVMs(ctx)
	if err != nil {
		return errors.Join(err, ErrListOrphans)
	}

	disks, err := o.cfg.Disks.ListDisks()
	if err != nil {
		return errors.Join(err, ErrListOrphans)
	}

	running, err := o.cfg.Processes.RunningVMs(ctx)
	if err != nil {
		return errors.Join(err, types.ErrUnderlyingTool, ErrListOrphans)
	}

	sink(types.Orphans{
		Disks:     sets.List(sets.New(disks...).Difference(known)),
		Processes: sets.List(running.Difference(known)),
	})

	return nil
}
