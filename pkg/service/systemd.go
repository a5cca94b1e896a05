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

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"

	"github.com/alexandremahdhaoui/stratus/pkg/execcontext"
)

const unitTemplate = `# Generated by stratus - do not edit manually
[Unit]
Description={{ .Description }}

[Service]
{{- range .PreStart }}
ExecStartPre={{ . }}
{{- end }}
ExecStart={{ .ExecStart }}
{{- range .PostStop }}
ExecStopPost={{ . }}
{{- end }}

[Install]
WantedBy=default.target
`

var unitTmpl = template.Must(template.New("unit").Parse(unitTemplate))

type unitData struct {
	Description string
	ExecStart   string
	PreStart    []string
	PostStop    []string
}

// DefaultUserUnitDir returns the directory systemd reads user units from.
func DefaultUserUnitDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}

var _ Supervisor = &Systemd{}

// Systemd supervises processes as systemd user units.
type Systemd struct {
	unitDir string
	runner  *execcontext.Runner
}

// NewSystemd returns a Systemd writing unit files to unitDir. runner must not
// prepend a privilege escalation command: user units belong to the caller.
func NewSystemd(unitDir string, runner *execcontext.Runner) *Systemd {
	return &Systemd{
		unitDir: unitDir,
		runner:  runner,
	}
}

// RenderUnit renders the unit file of d.
func RenderUnit(d Descriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	data := unitData{
		Description: d.Description,
		ExecStart:   execcontext.FormatCmd(execcontext.New(nil, nil), d.Command...),
	}
	for _, s := range d.PreStart {
		data.PreStart = append(data.PreStart, execcontext.Quote(s))
	}
	for _, s := range d.PostStop {
		data.PostStop = append(data.PostStop, execcontext.Quote(s))
	}

	var buf bytes.Buffer
	if err := unitTmpl.Execute(&buf, data); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Install implements Supervisor.
func (s *Systemd) Install(ctx context.Context, d Descriptor, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	unit, err := RenderUnit(d)
	if err != nil {
		return errors.Join(err, ErrInstallService)
	}

	if err := os.MkdirAll(s.unitDir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallService, err)
	}

	if err := os.WriteFile(s.unitPath(name), unit, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallService, err)
	}

	slog.DebugContext(ctx, "installed systemd unit", "unit", name, "path", s.unitPath(name))

	if err := s.daemonReload(ctx); err != nil {
		return errors.Join(err, ErrInstallService)
	}

	return nil
}

// Uninstall implements Supervisor.
func (s *Systemd) Uninstall(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	if err := os.Remove(s.unitPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrUninstallService, err)
	}

	if err := s.daemonReload(ctx); err != nil {
		return errors.Join(err, ErrUninstallService)
	}

	return nil
}

// Start implements Supervisor.
func (s *Systemd) Start(ctx context.Context, name string) error {
	return s.systemctl(ctx, ErrStartService, "start", name)
}

// Stop implements Supervisor.
func (s *Systemd) Stop(ctx context.Context, name string) error {
	return s.systemctl(ctx, ErrStopService, "stop", name)
}

// Enable implements Supervisor.
func (s *Systemd) Enable(ctx context.Context, name string) error {
	return s.systemctl(ctx, ErrEnableService, "enable", name)
}

// Disable implements Supervisor.
func (s *Systemd) Disable(ctx context.Context, name string) error {
	return s.systemctl(ctx, ErrDisableService, "disable", name)
}

// IsRunning implements Supervisor. `systemctl is-active` exits non-zero for
// any unit that is not active.
func (s *Systemd) IsRunning(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	_, err := s.runner.Run(ctx, "systemctl", "--user", "is-active", "--quiet", name)
	if err == nil {
		return true, nil
	}
	if execcontext.IsExitError(err) {
		return false, nil
	}

	return false, errors.Join(err, ErrCheckService)
}

// Exists implements Supervisor.
func (s *Systemd) Exists(_ context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	info, err := os.Stat(s.unitPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrCheckService, err)
	}

	return info.Mode().IsRegular(), nil
}

// List implements Supervisor.
func (s *Systemd) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.unitDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListServices, err)
	}

	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && ValidateName(e.Name()) == nil {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)

	return out, nil
}

func (s *Systemd) systemctl(ctx context.Context, sentinel error, verb, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	if _, err := s.runner.Run(ctx, "systemctl", "--user", verb, name); err != nil {
		return errors.Join(err, sentinel)
	}

	slog.DebugContext(ctx, "systemctl", "verb", verb, "unit", name)

	return nil
}

func (s *Systemd) daemonReload(ctx context.Context) error {
	_, err := s.runner.Run(ctx, "systemctl", "--user", "daemon-reload")
	return err
}

func (s *Systemd) unitPath(name string) string {
	return filepath.Join(s.unitDir, strings.TrimSpace(name))
}
