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

package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/procfs"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/alexandremahdhaoui/stratus/pkg/paths"
)

var ErrScanProcesses = errors.New("failed to scan processes")

// ProcessScanner finds hypervisor processes through their process name.
type ProcessScanner struct {
	mountPoint string
}

// NewProcessScanner returns a ProcessScanner reading the proc filesystem
// mounted at mountPoint. An empty mountPoint means /proc.
func NewProcessScanner(mountPoint string) *ProcessScanner {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	return &ProcessScanner{mountPoint: mountPoint}
}

// RunningVMs returns the ids of every VM with a live hypervisor process.
// Processes exiting during the scan are ignored.
func (s *ProcessScanner) RunningVMs(ctx context.Context) (sets.Set[string], error) {
	fs, err := procfs.NewFS(s.mountPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScanProcesses, err)
	}

	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScanProcesses, err)
	}

	out := sets.New[string]()
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil {
			slog.DebugContext(ctx, "skipping process", "pid", p.PID, "err", err)
			continue
		}

		id, ok := strings.CutPrefix(comm, paths.VMProcessPrefix)
		if ok && paths.IsVMID(id) {
			out.Insert(id)
		}
	}

	return out, nil
}
