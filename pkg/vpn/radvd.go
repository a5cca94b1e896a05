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

package vpn

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/alexandremahdhaoui/stratus/pkg/execcontext"
	"github.com/alexandremahdhaoui/stratus/pkg/network"
	"github.com/alexandremahdhaoui/stratus/pkg/service"
)

var (
	ErrInvalidPrefix         = errors.New("prefix must be a /48 prefix")
	ErrPrefixSpaceExhausted  = errors.New("max number of available networks reached")
	ErrPrefixAlreadyAssigned = errors.New("prefix was already assigned")
	ErrWriteRadvdConfig      = errors.New("failed to write radvd configuration")
)

// MaxPrefixes is the number of /64 prefixes under a /48.
const MaxPrefixes = 1 << 16

const (
	radvdWritableMode = 0o600
	// radvd refuses configuration files writable by anyone.
	radvdReadOnlyMode = 0o400
)

const radvdInterfaceTemplate = `

interface {{ .Interface }} {
  AdvSendAdvert on;
  MinRtrAdvInterval 3;
  MaxRtrAdvInterval 10;
  prefix {{ .Prefix }} {
    AdvOnLink on;
    AdvAutonomous on;
    AdvRouterAddr off;
  };
};`

var radvdInterfaceTmpl = template.Must(template.New("radvd").Parse(radvdInterfaceTemplate))

// RadvdConfig configures the router advertisement daemon.
type RadvdConfig struct {
	// ConfigPath is the append-only configuration file.
	ConfigPath string
	// Prefix is the /48 every overlay prefix is carved from, e.g. "2001:db8:0".
	Prefix string
	// User is the user radvd drops privileges to.
	User string
	// PIDFile is written by radvd.
	PIDFile string
}

// Radvd allocates /64 prefixes and advertises them on overlay bridges. The
// issued prefixes live in memory only.
type Radvd struct {
	cfg     RadvdConfig
	execCtx execcontext.Context

	counter int
	issued  sets.Set[string]
}

// NewRadvd validates cfg and truncates the configuration file.
func NewRadvd(cfg RadvdConfig, execCtx execcontext.Context) (*Radvd, error) {
	if strings.Count(cfg.Prefix, ":") != 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrefix, cfg.Prefix)
	}
	if execCtx == nil {
		execCtx = execcontext.New(nil, nil)
	}

	r := &Radvd{
		cfg:     cfg,
		execCtx: execCtx,
		issued:  sets.New[string](),
	}

	if err := r.withWritableConfig(func() error {
		return os.WriteFile(cfg.ConfigPath, nil, radvdWritableMode)
	}); err != nil {
		return nil, err
	}

	return r, nil
}

// GeneratePrefix returns the next /64 prefix. Prefixes come from a counter
// that never goes back, so a prefix is never generated twice.
func (r *Radvd) GeneratePrefix() (string, error) {
	for r.counter < MaxPrefixes {
		prefix := fmt.Sprintf("%s:%x::/64", r.cfg.Prefix, r.counter)
		r.counter++
		if !r.issued.Has(prefix) {
			return prefix, nil
		}
	}

	return "", ErrPrefixSpaceExhausted
}

// AddInterface advertises prefix on device. A prefix already assigned is
// rejected and leaves the configuration file untouched.
func (r *Radvd) AddInterface(device, prefix string) error {
	if err := network.ValidateDeviceName(device); err != nil {
		return err
	}
	if err := network.ValidateIPAddress(prefix); err != nil {
		return err
	}
	if r.issued.Has(prefix) {
		return fmt.Errorf("%w: %s", ErrPrefixAlreadyAssigned, prefix)
	}

	var block bytes.Buffer
	if err := radvdInterfaceTmpl.Execute(&block, struct{ Interface, Prefix string }{device, prefix}); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteRadvdConfig, err)
	}

	if err := r.withWritableConfig(func() error {
		f, err := os.OpenFile(r.cfg.ConfigPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, radvdWritableMode)
		if err != nil {
			return err
		}
		if _, err := f.Write(block.Bytes()); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}); err != nil {
		return err
	}

	r.issued.Insert(prefix)

	return nil
}

// Issued returns the number of prefixes assigned to an interface.
func (r *Radvd) Issued() int {
	return r.issued.Len()
}

// Descriptor returns the supervised radvd daemon.
func (r *Radvd) Descriptor() service.Descriptor {
	return service.Descriptor{
		Description: "stratus router advertisement daemon",
		Command: execcontext.Argv(r.execCtx,
			"radvd", "-n",
			"-C", r.cfg.ConfigPath,
			"-u", r.cfg.User,
			"-p", r.cfg.PIDFile,
		),
	}
}

func (r *Radvd) withWritableConfig(fn func() error) error {
	if _, err := os.Stat(r.cfg.ConfigPath); err == nil {
		if err := os.Chmod(r.cfg.ConfigPath, radvdWritableMode); err != nil {
			return fmt.Errorf("%w: %w", ErrWriteRadvdConfig, err)
		}
	}

	fnErr := fn()

	if err := os.Chmod(r.cfg.ConfigPath, radvdReadOnlyMode); err != nil && fnErr == nil {
		fnErr = err
	}
	if fnErr != nil {
		return fmt.Errorf("%w: %w", ErrWriteRadvdConfig, fnErr)
	}

	return nil
}
