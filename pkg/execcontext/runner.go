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

package execcontext

import (
	gocontext "context"
	"errors"
	"fmt"
	"log/slog"

	utilsexec "k8s.io/utils/exec"
)

var (
	ErrEmptyCommand  = errors.New("empty command")
	ErrCommandFailed = errors.New("command failed")
)

// Runner executes commands within an execution Context.
type Runner struct {
	execCtx Context
	exec    utilsexec.Interface
}

// NewRunner returns a Runner executing commands through exec. A nil exec uses
// the host's os/exec implementation.
func NewRunner(execCtx Context, exec utilsexec.Interface) *Runner {
	if execCtx == nil {
		execCtx = New(nil, nil)
	}
	if exec == nil {
		exec = utilsexec.New()
	}

	return &Runner{
		execCtx: execCtx,
		exec:    exec,
	}
}

// Context returns the execution context of the runner.
func (r *Runner) Context() Context {
	return r.execCtx
}

// WithContext returns a Runner sharing the same exec implementation but using
// execCtx.
func (r *Runner) WithContext(execCtx Context) *Runner {
	return NewRunner(execCtx, r.exec)
}

// Output executes cmd and returns its standard output only.
func (r *Runner) Output(ctx gocontext.Context, cmd ...string) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, ErrEmptyCommand
	}

	argv := Argv(r.execCtx, cmd...)
	c := r.exec.CommandContext(ctx, argv[0], argv[1:]...)
	ApplyToCmd(r.execCtx, c)

	slog.DebugContext(ctx, "running command", "cmd", FormatCmd(r.execCtx, cmd...))

	output, err := c.Output()
	if err != nil {
		return output, fmt.Errorf("%w: %s: %w", ErrCommandFailed, FormatCmd(r.execCtx, cmd...), err)
	}

	return output, nil
}

// Run executes cmd and returns its combined output. A non-zero exit status is
// reported as ErrCommandFailed; the underlying utilsexec.ExitError remains
// reachable with errors.As.
func (r *Runner) Run(ctx gocontext.Context, cmd ...string) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, ErrEmptyCommand
	}

	argv := Argv(r.execCtx, cmd...)
	c := r.exec.CommandContext(ctx, argv[0], argv[1:]...)
	ApplyToCmd(r.execCtx, c)

	slog.DebugContext(ctx, "running command", "cmd", FormatCmd(r.execCtx, cmd...))

	output, err := c.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf(
			"%w: %s: %w, output: %s",
			ErrCommandFailed,
			FormatCmd(r.execCtx, cmd...),
			err,
			string(output),
		)
	}

	return output, nil
}

// RunChain executes each command in order and stops at the first failure.
// Commands completed before the failure are not reverted.
func (r *Runner) RunChain(ctx gocontext.Context, commands [][]string) error {
	for _, cmd := range commands {
		if _, err := r.Run(ctx, cmd...); err != nil {
			return err
		}
	}

	return nil
}

// LookPath reports the path of an executable in the host's PATH.
func (r *Runner) LookPath(file string) (string, error) {
	return r.exec.LookPath(file)
}

// IsExitError reports whether err was caused by a command exiting with a
// non-zero status, as opposed to the command not being runnable at all.
func IsExitError(err error) bool {
	var exitErr utilsexec.ExitError
	return errors.As(err, &exitErr)
}
