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

// Package cli implements stratusctl, one subcommand per command kind.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/stratus/internal/driver/client"
	"github.com/alexandremahdhaoui/stratus/internal/types"
	"github.com/alexandremahdhaoui/stratus/pkg/constants"
)

const (
	DefaultAddress = "unix:/run/stratus/api.sock"

	// AddressEnvKey overrides DefaultAddress.
	AddressEnvKey = constants.EnvPrefix + "API_ADDRESS"

	OutputJSON = "json"
	OutputYAML = "yaml"
)

var (
	ErrCommandFailed = errors.New("command failed")
	ErrInvalidOutput = errors.New("invalid output format")
	ErrReadFile      = errors.New("cannot read file")
)

// Doer sends one command and streams back its envelopes.
type Doer interface {
	Do(ctx context.Context, req types.Request, fn func(types.Envelope) error) (string, error)
}

var _ Doer = &client.Client{}

// Options configures the root command.
type Options struct {
	// NewDoer returns the Doer talking to addr. Defaults to client.New.
	NewDoer func(addr string) Doer
	Out     io.Writer
	Getenv  func(string) string
}

type app struct {
	opts    Options
	address string
	output  string
}

// NewRootCommand returns the stratusctl command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.NewDoer == nil {
		opts.NewDoer = func(addr string) Doer { return client.New(addr) }
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}

	a := &app{opts: opts}

	defaultAddress := opts.Getenv(AddressEnvKey)
	if defaultAddress == "" {
		defaultAddress = DefaultAddress
	}

	root := &cobra.Command{
		Use:   "stratusctl",
		Short: "Manage the VMs and VPNs of a stratusd host",
		Long: `stratusctl sends commands to the stratusd API and prints every
response envelope as it arrives.

The address is a TCP address, an http(s) URL or "unix:<path>".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if a.output != OutputJSON && a.output != OutputYAML {
				return fmt.Errorf("%w: %q must be %q or %q", ErrInvalidOutput, a.output, OutputJSON, OutputYAML)
			}
			return nil
		},
	}

	root.SetOut(opts.Out)
	root.PersistentFlags().StringVarP(&a.address, "address", "a", defaultAddress,
		fmt.Sprintf("stratusd API address, defaults to $%s", AddressEnvKey))
	root.PersistentFlags().StringVarP(&a.output, "output", "o", OutputJSON, "output format: json or yaml")

	root.AddCommand(
		a.listVMsCmd(),
		a.vmInfoCmd(),
		a.createVMCmd(),
		a.startVMCmd(),
		a.stopVMCmd(),
		a.deleteVMCmd(),
		a.listVPNsCmd(),
		a.vpnInfoCmd(),
		a.listOrphansCmd(),
	)

	return root
}

// send runs one command and prints its envelopes. It fails if any envelope
// reports an error.
func (a *app) send(cmd *cobra.Command, kind types.CommandKind, options any) error {
	req, err := types.NewRequest(kind, options)
	if err != nil {
		return err
	}

	var failures int

	_, err = a.opts.NewDoer(a.address).Do(cmd.Context(), req, func(e types.Envelope) error {
		if e.ExecutionInfo.Status == types.ExecutionError {
			failures++
		}
		return a.print(e)
	})
	if err != nil {
		return err
	}

	if failures > 0 {
		return fmt.Errorf("%w: %s", ErrCommandFailed, kind)
	}

	return nil
}

func (a *app) print(e types.Envelope) error {
	switch a.output {
	case OutputYAML:
		b, err := yaml.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(a.opts.Out, "---\n%s", b)
		return err
	default:
		return json.NewEncoder(a.opts.Out).Encode(e)
	}
}

func readFileFlag(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReadFile, err)
	}

	return string(b), nil
}
