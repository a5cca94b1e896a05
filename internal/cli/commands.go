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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/stratus/internal/types"
)

// ------------------------------------------------------- VMS ------------------------------------------------------ //

func (a *app) listVMsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   types.CommandListVMs.String(),
		Short: "List every VM with its status and IP addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.send(cmd, types.CommandListVMs, nil)
		},
	}
}

func (a *app) vmInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   types.CommandVMInfo.String() + " VM_ID",
		Short: "Show one VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd, types.CommandVMInfo, types.VMRef{VMID: args[0]})
		},
	}
}

func (a *app) createVMCmd() *cobra.Command {
	var (
		opts           types.CreateVMOptions
		initScriptPath string
		sshKeyPath     string
	)

	cmd := &cobra.Command{
		Use:   types.CommandCreateVM.String(),
		Short: "Create and start a VM from a base image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if opts.InitScript, err = readFileFlag(initScriptPath); err != nil {
				return err
			}
			if opts.SSHKey, err = readFileFlag(sshKeyPath); err != nil {
				return err
			}

			return a.send(cmd, types.CommandCreateVM, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Image, "image", "", "base image name")
	cmd.Flags().StringVar(&opts.VPN, "vpn", "", "attach the VM to this VPN, creating it if needed")
	cmd.Flags().BoolVar(&opts.PublicIP, "public-ip", false, "attach the VM to the public bridge")
	cmd.Flags().StringVar(&initScriptPath, "init-script", "", "path to a script run once at first boot")
	cmd.Flags().StringVar(&sshKeyPath, "ssh-key", "", "path to a public key authorized for root")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func (a *app) startVMCmd() *cobra.Command {
	return &cobra.Command{
		Use:   types.CommandStartVM.String() + " VM_ID",
		Short: "Start a stopped VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd, types.CommandStartVM, types.VMRef{VMID: args[0]})
		},
	}
}

func (a *app) stopVMCmd() *cobra.Command {
	var kill bool

	cmd := &cobra.Command{
		Use:   types.CommandStopVM.String() + " VM_ID",
		Short: "Power a VM down through its guest agent, or kill it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd, types.CommandStopVM, types.StopVMOptions{VMID: args[0], Kill: kill})
		},
	}

	cmd.Flags().BoolVar(&kill, "kill", false, "stop the hypervisor process instead of powering the guest down")

	return cmd
}

func (a *app) deleteVMCmd() *cobra.Command {
	return &cobra.Command{
		Use:   types.CommandDeleteVM.String() + " VM_ID",
		Short: "Stop a VM and delete its disk and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd, types.CommandDeleteVM, types.VMRef{VMID: args[0]})
		},
	}
}

// ------------------------------------------------------- VPNS ----------------------------------------------------- //

func (a *app) listVPNsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   types.CommandListVPNs.String(),
		Short: "List every VPN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.send(cmd, types.CommandListVPNs, nil)
		},
	}
}

func (a *app) vpnInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   types.CommandVPNInfo.String() + " NAME",
		Short: "Show one VPN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd, types.CommandVPNInfo, types.VPNRef{Name: args[0]})
		},
	}
}

// ----------------------------------------------------- ORPHANS ---------------------------------------------------- //

func (a *app) listOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   types.CommandListOrphans.String(),
		Short: "List disks and hypervisor processes without a descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.send(cmd, types.CommandListOrphans, nil)
		},
	}
}
