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

// Package service describes the process supervisor VMs and daemons run under.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidName      = errors.New("invalid service name")
	ErrEmptyCommand     = errors.New("service command is empty")
	ErrInstallService   = errors.New("failed to install service")
	ErrUninstallService = errors.New("failed to uninstall service")
	ErrStartService     = errors.New("failed to start service")
	ErrStopService      = errors.New("failed to stop service")
	ErrEnableService    = errors.New("failed to enable service")
	ErrDisableService   = errors.New("failed to disable service")
	ErrCheckService     = errors.New("failed to check service status")
	ErrListServices     = errors.New("failed to list services")
)

// Descriptor declares a supervised process.
type Descriptor struct {
	Description string
	// Command is the argument vector of the supervised process.
	Command []string
	// PreStart lists executables run, in order, before Command starts.
	PreStart []string
	// PostStop lists executables run, in order, after Command stopped.
	PostStop []string
}

// Validate returns an error if the descriptor cannot be installed.
func (d Descriptor) Validate() error {
	if len(d.Command) == 0 || d.Command[0] == "" {
		return ErrEmptyCommand
	}
	return nil
}

// Supervisor runs, restarts and tracks named processes. Names carry a type
// suffix, e.g. "stratus-vm-abcdefgh.service".
type Supervisor interface {
	// Install registers d under name, replacing any previous descriptor.
	Install(ctx context.Context, d Descriptor, name string) error
	// Uninstall removes the descriptor. Removing an unknown name succeeds.
	Uninstall(ctx context.Context, name string) error
	// Start starts the process without waiting for it to be running.
	Start(ctx context.Context, name string) error
	// Stop terminates the process.
	Stop(ctx context.Context, name string) error
	// Enable starts the process at every boot.
	Enable(ctx context.Context, name string) error
	// Disable removes the process from boot.
	Disable(ctx context.Context, name string) error
	IsRunning(ctx context.Context, name string) (bool, error)
	Exists(ctx context.Context, name string) (bool, error)
	// List returns the name of every installed descriptor.
	List(ctx context.Context) ([]string, error)
}

// ValidateName rejects names that do not carry a type suffix or that could
// escape the descriptor directory.
func ValidateName(name string) error {
	if !strings.Contains(name, ".") {
		return fmt.Errorf("%w: %q must contain a suffix, e.g. .service", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\x00") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
