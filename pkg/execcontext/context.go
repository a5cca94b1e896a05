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

// Package execcontext describes how external commands are executed: which
// environment variables they receive and which command (e.g. "sudo") is
// prepended to them. The same context is used to run commands directly and to
// render them into shell scripts executed later by the process supervisor.
package execcontext

import (
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"

	utilsexec "k8s.io/utils/exec"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Argv returns the full argument vector of cmd once the context's prepended
// command is applied.
func Argv(ctx Context, cmd ...string) []string {
	out := ctx.PrependCmd()
	return append(out, cmd...)
}

// ApplyToCmd sets the context's environment variables on cmd, on top of the
// current process environment.
func ApplyToCmd(ctx Context, cmd utilsexec.Cmd) {
	envs := ctx.Envs()
	if len(envs) == 0 {
		return
	}

	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		env = append(env, fmt.Sprintf("%s=%s", k, envs[k]))
	}

	cmd.SetEnv(env)
}

// FormatCmd renders cmd as a single shell command line, including the
// context's environment variables and prepended command.
func FormatCmd(ctx Context, cmd ...string) string {
	out := ""

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out = fmt.Sprintf("%s%s=%s ", out, k, Quote(envs[k]))
	}

	for _, s := range ctx.PrependCmd() {
		out = safelyAppendToCmd(out, s)
	}

	for _, s := range cmd {
		out = safelyAppendToCmd(out, s)
	}

	return strings.TrimSpace(out)
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"&":  {},
}

func safelyAppendToCmd(cmd string, s string) string {
	if _, ok := unquottable[s]; ok {
		return fmt.Sprintf("%s%s ", cmd, s)
	}
	return fmt.Sprintf("%s%s ", cmd, Quote(s))
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./:=,@%+-]+$`)

// Quote quotes s for a POSIX shell. Words made only of safe characters are
// returned unchanged.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
