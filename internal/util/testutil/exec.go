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

package testutil

import (
	"context"
	"slices"
	"strings"
	"sync"

	utilsexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

// Responder computes the output of a faked command from its argument vector.
type Responder func(argv []string) ([]byte, error)

// FakeExec is a utilsexec.Interface recording every command it is asked to
// run. Each command is backed by a testingexec.FakeCmd whose single action is
// computed by the Responder.
type FakeExec struct {
	mu    sync.Mutex
	calls [][]string

	// Respond computes the command output. A nil Respond succeeds with no output.
	Respond Responder
	// Missing lists executables LookPath must report as absent.
	Missing []string
}

var _ utilsexec.Interface = &FakeExec{}

// NewFakeExec returns a FakeExec using respond.
func NewFakeExec(respond Responder) *FakeExec {
	return &FakeExec{Respond: respond}
}

// Command implements utilsexec.Interface.
func (f *FakeExec) Command(cmd string, args ...string) utilsexec.Cmd {
	return f.CommandContext(context.Background(), cmd, args...)
}

// CommandContext implements utilsexec.Interface.
func (f *FakeExec) CommandContext(_ context.Context, cmd string, args ...string) utilsexec.Cmd {
	argv := append([]string{cmd}, args...)

	f.mu.Lock()
	f.calls = append(f.calls, argv)
	f.mu.Unlock()

	action := func() ([]byte, []byte, error) {
		if f.Respond == nil {
			return nil, nil, nil
		}
		out, err := f.Respond(argv)
		return out, nil, err
	}

	fake := &testingexec.FakeCmd{
		CombinedOutputScript: []testingexec.FakeAction{action},
		OutputScript:         []testingexec.FakeAction{action},
		RunScript:            []testingexec.FakeAction{action},
	}

	return testingexec.InitFakeCmd(fake, cmd, args...)
}

// LookPath implements utilsexec.Interface.
func (f *FakeExec) LookPath(file string) (string, error) {
	if slices.Contains(f.Missing, file) {
		return "", utilsexec.ErrExecutableNotFound
	}
	return "/usr/bin/" + file, nil
}

// Calls returns every recorded argument vector.
func (f *FakeExec) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CommandLines returns the recorded commands joined by spaces.
func (f *FakeExec) CommandLines() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

// Reset forgets every recorded command.
func (f *FakeExec) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// ExitError returns an error behaving like a command exiting with status.
func ExitError(status int) error {
	return testingexec.FakeExitError{Status: status}
}
