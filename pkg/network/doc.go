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

// Package network builds reversible Linux network topologies out of bridges,
// TAP devices and physical uplinks.
//
// # Topology
//
// A Topology records one Step per requested device. Each Step carries the
// iproute2 commands creating the device and the commands undoing it, computed
// when the step is recorded:
//   - Bridge: creates and brings up a bridge
//   - TapDevice: creates a TAP device owned by a user, optionally enslaved to a bridge
//   - BridgedNetwork: moves a physical uplink, its address and default route onto a bridge
//
// Devices that already exist are skipped. Teardown runs the recorded undo
// commands in exact reverse order.
//
// # Execution Modes
//
// The recorded commands are either executed right away with Setup and
// Teardown, or rendered to bash scripts with WriteScripts so that a process
// supervisor runs them as pre-start and post-stop hooks.
//
//	runner := execcontext.NewRunner(execcontext.New(nil, []string{"sudo"}), nil)
//	topo := network.NewTopology(runner)
//
//	if err := topo.TapDevice(ctx, network.TapConfig{
//	    Name:   "ptap-abcdefgh",
//	    User:   "stratus",
//	    Bridge: "br0",
//	}); err != nil {
//	    // handle error
//	}
//
//	pair, err := topo.WriteScripts("setup.sh", "teardown.sh")
//
// # Execution Context
//
// Commands carry the runner's execution context, so every rendered line and
// every executed command is prefixed with e.g. "sudo". Existence probes run
// without the prefix.
package network
