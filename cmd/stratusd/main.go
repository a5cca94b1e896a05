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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/alexandremahdhaoui/stratus/internal/controller"
	"github.com/alexandremahdhaoui/stratus/internal/driver/server"
	"github.com/alexandremahdhaoui/stratus/internal/util/deps"
	"github.com/alexandremahdhaoui/stratus/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/stratus/internal/util/httputil"
	"github.com/alexandremahdhaoui/stratus/internal/util/logging"
	"github.com/alexandremahdhaoui/stratus/pkg/execcontext"
	"github.com/alexandremahdhaoui/stratus/pkg/network"
	"github.com/alexandremahdhaoui/stratus/pkg/paths"
	"github.com/alexandremahdhaoui/stratus/pkg/qemu"
	"github.com/alexandremahdhaoui/stratus/pkg/service"
	"github.com/alexandremahdhaoui/stratus/pkg/vmm"
	"github.com/alexandremahdhaoui/stratus/pkg/vpn"
)

const (
	Name = "stratusd"

	osReleasePath = "/etc/os-release"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	flags := pflag.NewFlagSet(Name, pflag.ExitOnError)
	configFlag := flags.StringP("config", "c", "", fmt.Sprintf("path to the config file, defaults to $%s", ConfigPathEnvKey))
	versionFlag := flags.Bool("version", false, "print the version and exit")
	_ = flags.Parse(os.Args[1:])

	_, _ = fmt.Fprintf(
		os.Stdout,
		"Starting %s version %s (%s) %s\n",
		Name,
		Version,
		CommitSHA,
		BuildTimestamp,
	)

	if *versionFlag {
		return
	}

	// --------------------------------------------- Graceful Shutdown ---------------------------------------------- //

	gs := gracefulshutdown.New(Name)
	ctx := gs.Context()

	// --------------------------------------------- Config --------------------------------------------------------- //

	config, err := loadConfig(configPath(*configFlag, os.Getenv), os.Getenv)
	if err != nil {
		slog.ErrorContext(ctx, "loading configuration", "error", err.Error())
		gs.Shutdown(1)
	}

	if err := config.Validate(); err != nil {
		slog.ErrorContext(ctx, "validating configuration", "error", err.Error())
		gs.Shutdown(1)
	}

	level, _ := logging.ParseLevel(config.Log.Level)
	logging.Setup(logging.Options{Development: config.Log.Development, Level: level})

	// --------------------------------------------- Host ----------------------------------------------------------- //

	unprivileged := execcontext.NewRunner(nil, nil)
	privileged := execcontext.NewRunner(execcontext.New(nil, []string{"sudo"}), nil)

	required := deps.Required(config.VPN.Enabled, config.VPN.IPv6 != nil)
	if err := deps.Check(unprivileged, deps.HostOS(osReleasePath), required); err != nil {
		slog.ErrorContext(ctx, "checking host dependencies", "error", err.Error())
		gs.Shutdown(1)
	}

	layout := paths.Layout{
		ConfigDir:    config.Paths.ConfigDir,
		BaseImageDir: config.Paths.BaseImageDir,
		UserImageDir: config.Paths.UserImageDir,
		SocketDir:    config.Paths.SocketDir,
	}

	for _, dir := range []string{layout.ConfigDir, layout.BaseImageDir, layout.UserImageDir, layout.SocketDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.ErrorContext(ctx, "creating directory", "dir", dir, "error", err.Error())
			gs.Shutdown(1)
		}
	}

	unitDir := config.Paths.UnitDir
	if unitDir == "" {
		if unitDir, err = service.DefaultUserUnitDir(); err != nil {
			slog.ErrorContext(ctx, "resolving systemd unit directory", "error", err.Error())
			gs.Shutdown(1)
		}
	}

	supervisor := service.NewSystemd(unitDir, unprivileged)

	// --------------------------------------------- Public Network ------------------------------------------------- //

	if err := setupPublicNetwork(ctx, config.PublicNetwork, privileged, gs); err != nil {
		slog.ErrorContext(ctx, "setting up public network", "error", err.Error())
		gs.Shutdown(1)
	}

	// --------------------------------------------- VPN ------------------------------------------------------------ //

	var overlays controller.Overlays

	if config.VPN.Enabled {
		provisioner, err := setupVPN(ctx, config, layout, supervisor, privileged)
		if err != nil {
			slog.ErrorContext(ctx, "setting up VPN support", "error", err.Error())
			gs.Shutdown(1)
		}
		overlays = provisioner
	}

	// --------------------------------------------- Controller ----------------------------------------------------- //

	orchestrator := controller.New(controller.Config{
		Layout:     layout,
		Supervisor: supervisor,
		Disks: vmm.NewImages(vmm.ImagesConfig{
			Layout:   layout,
			Runner:   unprivileged,
			MountDir: config.Paths.MountDir,
		}),
		Hypervisor:         qemu.NewHypervisor(layout, config.VM.QueryTimeout.Duration),
		Processes:          vmm.NewProcessScanner(""),
		Overlays:           overlays,
		Runner:             privileged,
		PublicBridge:       config.PublicNetwork.Bridge,
		TapUser:            config.VM.TapUser,
		VDESocket:          config.VM.VDESocket,
		MemoryMB:           config.VM.MemoryMB,
		IPQueryConcurrency: config.VM.IPQueryConcurrency,
	})

	dispatcher := controller.NewDispatcher(orchestrator, controller.NewMetrics(prometheus.DefaultRegisterer))

	// --------------------------------------------- App ------------------------------------------------------------ //

	api := &http.Server{ //nolint:exhaustruct
		Addr:              config.APIServer.Address,
		Handler:           server.New(dispatcher),
		ReadHeaderTimeout: time.Second,
	}

	// --------------------------------------------- Run Server ----------------------------------------------------- //

	var ready atomic.Bool
	ready.Store(true)

	slog.InfoContext(ctx, "serving", "api", config.APIServer.Address, "vpn", config.VPN.Enabled)

	httputil.Serve(map[string]*http.Server{
		"api":     api,
		"metrics": setupMetricsServer(config),
		"probes":  setupProbesServer(config, &ready),
	}, gs)

	slog.Info("gracefully stopped", "binary", Name)
}

// setupPublicNetwork brings the public bridge up over its uplink in direct
// mode, or checks that it exists otherwise. The direct topology is torn down
// on shutdown.
func setupPublicNetwork(
	ctx context.Context,
	cfg PublicNetworkConfig,
	runner *execcontext.Runner,
	gs *gracefulshutdown.GracefulShutdown,
) error {
	if cfg.Bridge == "" {
		return nil
	}

	topo := network.NewTopology(runner)

	if cfg.Direct == nil {
		exists, err := topo.DeviceExists(ctx, cfg.Bridge)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("public bridge %q does not exist", cfg.Bridge)
		}
		return nil
	}

	if err := topo.BridgedNetwork(ctx, network.BridgedNetworkConfig{
		Bridge:        cfg.Bridge,
		Physical:      cfg.Direct.Physical,
		IP:            cfg.Direct.IP,
		Gateway:       cfg.Direct.Gateway,
		FlushBridgeIP: cfg.Direct.FlushBridgeIP,
	}); err != nil {
		return err
	}

	if err := topo.Setup(ctx); err != nil {
		return err
	}

	gs.OnShutdown(func(ctx context.Context) {
		if err := topo.Teardown(ctx); err != nil {
			slog.ErrorContext(ctx, "tearing down public network", "bridge", cfg.Bridge, "error", err.Error())
		}
	})

	return nil
}

// setupVPN starts radvd when IPv6 is configured and reloads the overlays
// found on disk.
func setupVPN(
	ctx context.Context,
	config *Config,
	layout paths.Layout,
	supervisor service.Supervisor,
	runner *execcontext.Runner,
) (*vpn.Provisioner, error) {
	var radvd *vpn.Radvd

	if v6 := config.VPN.IPv6; v6 != nil {
		var err error
		radvd, err = vpn.NewRadvd(vpn.RadvdConfig{
			ConfigPath: layout.RadvdConfig(),
			Prefix:     v6.Prefix,
			User:       v6.User,
			PIDFile:    v6.PIDFile,
		}, runner.Context())
		if err != nil {
			return nil, err
		}

		if err := supervisor.Install(ctx, radvd.Descriptor(), paths.RadvdUnitName); err != nil {
			return nil, err
		}
		if err := supervisor.Start(ctx, paths.RadvdUnitName); err != nil {
			return nil, err
		}
	}

	provisioner := vpn.NewProvisioner(vpn.Config{
		Layout:     layout,
		NodeName:   config.VPN.NodeName,
		TapUser:    config.VM.TapUser,
		Ports:      vpn.NewPortPool(config.VPN.PortRangeStart, config.VPN.PortRangeSize),
		Supervisor: supervisor,
		Runner:     runner,
		Radvd:      radvd,
	})

	if err := provisioner.Load(ctx); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "loaded VPNs", "count", len(provisioner.List()))

	return provisioner, nil
}
