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

// Package supervisorfake provides an in-memory service.Supervisor recording
// every call it receives.
package supervisorfake

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/alexandremahdhaoui/stratus/pkg/service"
)

var ErrUnknownService = errors.New("unknown service")

// Call is one recorded Supervisor invocation.
type Call struct {
	Method string
	Name   string
}

func (c Call) String() string {
	if c.Name == "" {
		return c.Method
	}
	return fmt.Sprintf("%s %s", c.Method, c.Name)
}

var _ service.Supervisor = &Fake{}

// Fake is a service.Supervisor keeping descriptors and their state in memory.
// Starting an unknown service fails like a real init system would.
type Fake struct {
	mu          sync.Mutex
	calls       []Call
	descriptors map[string]service.Descriptor
	running     map[string]bool
	enabled     map[string]bool

	// Errors makes the named method fail, e.g. Errors["Start"].
	Errors map[string]error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		descriptors: make(map[string]service.Descriptor),
		running:     make(map[string]bool),
		enabled:     make(map[string]bool),
		Errors:      make(map[string]error),
	}
}

func (f *Fake) record(method, name string) error {
	f.calls = append(f.calls, Call{Method: method, Name: name})
	if err := f.Errors[method]; err != nil {
		return err
	}
	if name != "" {
		return service.ValidateName(name)
	}
	return nil
}

// Install implements service.Supervisor.
func (f *Fake) Install(_ context.Context, d service.Descriptor, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Install", name); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}

	f.descriptors[name] = d
	return nil
}

// Uninstall implements service.Supervisor.
func (f *Fake) Uninstall(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Uninstall", name); err != nil {
		return err
	}

	delete(f.descriptors, name)
	delete(f.enabled, name)
	return nil
}

// Start implements service.Supervisor.
func (f *Fake) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Start", name); err != nil {
		return err
	}
	if _, ok := f.descriptors[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	f.running[name] = true
	return nil
}

// Stop implements service.Supervisor.
func (f *Fake) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Stop", name); err != nil {
		return err
	}

	delete(f.running, name)
	return nil
}

// Enable implements service.Supervisor.
func (f *Fake) Enable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Enable", name); err != nil {
		return err
	}
	if _, ok := f.descriptors[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	f.enabled[name] = true
	return nil
}

// Disable implements service.Supervisor.
func (f *Fake) Disable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Disable", name); err != nil {
		return err
	}

	delete(f.enabled, name)
	return nil
}

// IsRunning implements service.Supervisor.
func (f *Fake) IsRunning(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("IsRunning", name); err != nil {
		return false, err
	}

	return f.running[name], nil
}

// Exists implements service.Supervisor.
func (f *Fake) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Exists", name); err != nil {
		return false, err
	}

	_, ok := f.descriptors[name]
	return ok, nil
}

// List implements service.Supervisor.
func (f *Fake) List(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("List", ""); err != nil {
		return nil, err
	}

	return slices.Sorted(maps.Keys(f.descriptors)), nil
}

// ---- Inspection ---- //

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallsTo returns the names passed to method, in call order.
func (f *Fake) CallsTo(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c.Name)
		}
	}
	return out
}

// Reset forgets the recorded calls but keeps the state.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Descriptor returns the descriptor installed under name.
func (f *Fake) Descriptor(name string) (service.Descriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.descriptors[name]
	return d, ok
}

// Running returns the names of every running service.
func (f *Fake) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.running))
}

// Enabled reports whether name is enabled.
func (f *Fake) Enabled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[name]
}

// SetRunning forces the running state of name, e.g. to simulate a process
// that exited on its own.
func (f *Fake) SetRunning(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if running {
		f.running[name] = true
		return
	}
	delete(f.running, name)
}
