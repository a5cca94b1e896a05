//go:build unit

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
	"slices"
	"sync"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/alexandremahdhaoui/stratus/internal/util/fakes/supervisorfake"
	"github.com/alexandremahdhaoui/stratus/internal/util/testutil"
	"github.com/alexandremahdhaoui/stratus/pkg/execcontext"
	"github.com/alexandremahdhaoui/stratus/pkg/paths"
	"github.com/alexandremahdhaoui/stratus/pkg/vmm"
	"github.com/alexandremahdhaoui/stratus/pkg/vpn"
)

// ---------------------------------------------------- HYPERVISOR -------------------------------------------------- //

type fakeHypervisor struct {
	mu         sync.Mutex
	ips        map[string][]string
	ipErrs     map[string]error
	powerErr   error
	powerDowns []string
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		ips:    make(map[string][]string),
		ipErrs: make(map[string]error),
	}
}

func (h *fakeHypervisor) IPAddresses(_ context.Context, vmID string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ipErrs[vmID]; err != nil {
		return nil, err
	}
	if ips, ok := h.ips[vmID]; ok {
		return ips, nil
	}
	return []string{}, nil
}

func (h *fakeHypervisor) PowerDown(_ context.Context, vmID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.powerDowns = append(h.powerDowns, vmID)
	return h.powerErr
}

// ---------------------------------------------------- PROCESSES --------------------------------------------------- //

// fakeProcesses reports a hypervisor process for every running VM unit plus
// the extra ids.
type fakeProcesses struct {
	supervisor *supervisorfake.Fake
	extra      []string
	err        error
}

func (p *fakeProcesses) RunningVMs(context.Context) (sets.Set[string], error) {
	if p.err != nil {
		return nil, p.err
	}

	out := sets.New(p.extra...)
	for _, name := range p.supervisor.Running() {
		if id, ok := paths.VMIDFromUnitName(name); ok {
			out.Insert(id)
		}
	}
	return out, nil
}

// ----------------------------------------------------- FIXTURE ---------------------------------------------------- //

type fixture struct {
	layout     paths.Layout
	exec       *testutil.FakeExec
	supervisor *supervisorfake.Fake
	hypervisor *fakeHypervisor
	processes  *fakeProcesses
	overlays   *vpn.Provisioner
	cfg        Config
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()

	layout := testutil.NewLayout(t)
	exec := testutil.NewFakeExec(func(argv []string) ([]byte, error) {
		if len(argv) >= 3 && slices.Equal(argv[:3], []string{"ip", "link", "show"}) {
			return nil, testutil.ExitError(1)
		}
		return nil, nil
	})
	sudo := execcontext.NewRunner(execcontext.New(nil, []string{"sudo"}), exec)
	supervisor := supervisorfake.New()

	f := &fixture{
		layout:     layout,
		exec:       exec,
		supervisor: supervisor,
		hypervisor: newFakeHypervisor(),
		processes:  &fakeProcesses{supervisor: supervisor},
		overlays: vpn.NewProvisioner(vpn.Config{
			Layout:     layout,
			NodeName:   "node1",
			TapUser:    "stratus",
			Ports:      vpn.NewPortPool(50000, 2),
			Supervisor: supervisor,
			Runner:     sudo,
		}),
	}

	testutil.WriteBaseImage(t, layout, "base")

	if len(ids) == 0 {
		ids = []string{"abcdefgh"}
	}

	f.cfg = Config{
		Layout:     layout,
		Supervisor: supervisor,
		Disks: vmm.NewImages(vmm.ImagesConfig{
			Layout:       layout,
			Runner:       execcontext.NewRunner(nil, exec),
			MountDir:     t.TempDir(),
			LockTimeout:  time.Second,
			LockInterval: time.Millisecond,
		}),
		Hypervisor:   f.hypervisor,
		Processes:    f.processes,
		Overlays:     f.overlays,
		Runner:       sudo,
		PublicBridge: "br0",
		TapUser:      "stratus",
		VDESocket:    "/tmp/vde.ctl",
		NewVMID:      sequentialIDs(ids...),
	}

	return f
}

func (f *fixture) orchestrator() *Orchestrator {
	return New(f.cfg)
}

func sequentialIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

// recorder collects the responses emitted through a Sink.
type recorder struct {
	events []any
}

func (r *recorder) sink(response any) {
	r.events = append(r.events, response)
}
