//go:build unit

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

package cli_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/stratus/internal/cli"
	"github.com/alexandremahdhaoui/stratus/internal/types"
)

type fakeDoer struct {
	addr      string
	requests  []types.Request
	envelopes []types.Envelope
	err       error
}

func (f *fakeDoer) Do(_ context.Context, req types.Request, fn func(types.Envelope) error) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	for _, e := range f.envelopes {
		if err := fn(e); err != nil {
			return "id", err
		}
	}
	return "id", nil
}

func run(t *testing.T, doer *fakeDoer, env map[string]string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := cli.NewRootCommand(cli.Options{
		NewDoer: func(addr string) cli.Doer {
			doer.addr = addr
			return doer
		},
		Out:    &out,
		Getenv: func(key string) string { return env[key] },
	})
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "init.sh")
	keyPath := filepath.Join(dir, "id.pub")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\necho hi\n"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte("ssh-ed25519 AAAA"), 0o600))

	tests := []struct {
		name            string
		args            []string
		expectedKind    types.CommandKind
		expectedOptions string
	}{
		{name: "list-vms", args: []string{"list-vms"}, expectedKind: types.CommandListVMs},
		{
			name:            "vm-info",
			args:            []string{"vm-info", "abcdefgh"},
			expectedKind:    types.CommandVMInfo,
			expectedOptions: `{"vm-id":"abcdefgh"}`,
		},
		{
			name: "create-vm",
			args: []string{
				"create-vm", "--image", "base", "--vpn", "lab", "--public-ip",
				"--init-script", scriptPath, "--ssh-key", keyPath,
			},
			expectedKind:    types.CommandCreateVM,
			expectedOptions: `{"image":"base","init-script":"#!/bin/sh\necho hi\n","vpn":"lab","public-ip":true,"ssh-key":"ssh-ed25519 AAAA"}`,
		},
		{
			name:            "start-vm",
			args:            []string{"start-vm", "abcdefgh"},
			expectedKind:    types.CommandStartVM,
			expectedOptions: `{"vm-id":"abcdefgh"}`,
		},
		{
			name:            "stop-vm",
			args:            []string{"stop-vm", "abcdefgh", "--kill"},
			expectedKind:    types.CommandStopVM,
			expectedOptions: `{"vm-id":"abcdefgh","kill":true}`,
		},
		{
			name:            "delete-vm",
			args:            []string{"delete-vm", "abcdefgh"},
			expectedKind:    types.CommandDeleteVM,
			expectedOptions: `{"vm-id":"abcdefgh"}`,
		},
		{name: "list-vpns", args: []string{"list-vpns"}, expectedKind: types.CommandListVPNs},
		{
			name:            "vpn-info",
			args:            []string{"vpn-info", "lab"},
			expectedKind:    types.CommandVPNInfo,
			expectedOptions: `{"vpn-name":"lab"}`,
		},
		{name: "list-orphans", args: []string{"list-orphans"}, expectedKind: types.CommandListOrphans},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &fakeDoer{envelopes: []types.Envelope{types.Success(nil)}}

			out, err := run(t, doer, nil, tt.args...)
			require.NoError(t, err)

			require.Len(t, doer.requests, 1)
			assert.Equal(t, tt.expectedKind, doer.requests[0].Command)
			if tt.expectedOptions == "" {
				assert.Empty(t, doer.requests[0].Options)
			} else {
				assert.JSONEq(t, tt.expectedOptions, string(doer.requests[0].Options))
			}
			assert.JSONEq(t, `{"execution-info":{"status":"success"}}`, out)
		})
	}
}

func TestEveryCommandKindHasASubcommand(t *testing.T) {
	root := cli.NewRootCommand(cli.Options{})

	for _, kind := range types.AllCommandKinds() {
		cmd, _, err := root.Find([]string{kind.String()})
		require.NoError(t, err, kind.String())
		assert.Equal(t, kind.String(), cmd.Name())
	}
}

func TestAddress(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		args     []string
		expected string
	}{
		{name: "default", args: []string{"list-vms"}, expected: cli.DefaultAddress},
		{
			name:     "environment",
			env:      map[string]string{cli.AddressEnvKey: "127.0.0.1:7000"},
			args:     []string{"list-vms"},
			expected: "127.0.0.1:7000",
		},
		{
			name:     "flag wins",
			env:      map[string]string{cli.AddressEnvKey: "127.0.0.1:7000"},
			args:     []string{"--address", "unix:/tmp/api.sock", "list-vms"},
			expected: "unix:/tmp/api.sock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &fakeDoer{}

			_, err := run(t, doer, tt.env, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, doer.addr)
		})
	}
}

func TestOutput(t *testing.T) {
	envelopes := []types.Envelope{
		types.Success(types.VMEvent{Status: types.VMAllocating, VMID: "abcdefgh"}),
		types.Success(types.VMEvent{Status: types.VMStarting, VMID: "abcdefgh"}),
	}

	t.Run("json lines", func(t *testing.T) {
		out, err := run(t, &fakeDoer{envelopes: envelopes}, nil, "create-vm", "--image", "base")
		require.NoError(t, err)

		lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
		require.Len(t, lines, 2)
		assert.JSONEq(t, `{"execution-info":{"status":"success"},"response":{"status":"allocating","vm-id":"abcdefgh"}}`, string(lines[0]))
		assert.JSONEq(t, `{"execution-info":{"status":"success"},"response":{"status":"starting","vm-id":"abcdefgh"}}`, string(lines[1]))
	})

	t.Run("yaml documents", func(t *testing.T) {
		out, err := run(t, &fakeDoer{envelopes: envelopes[:1]}, nil, "-o", "yaml", "create-vm", "--image", "base")
		require.NoError(t, err)
		assert.Equal(t, "---\nexecution-info:\n  status: success\nresponse:\n  status: allocating\n  vm-id: abcdefgh\n", out)
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := run(t, &fakeDoer{}, nil, "-o", "xml", "list-vms")
		assert.ErrorIs(t, err, cli.ErrInvalidOutput)
	})
}

func TestFailures(t *testing.T) {
	t.Run("error envelope", func(t *testing.T) {
		doer := &fakeDoer{envelopes: []types.Envelope{
			types.Success(types.VMEvent{Status: types.VMAllocating, VMID: "abcdefgh"}),
			types.Failure(errors.Join(errors.New("image not found"), types.ErrNotFound)),
		}}

		out, err := run(t, doer, nil, "create-vm", "--image", "missing")
		require.ErrorIs(t, err, cli.ErrCommandFailed)
		assert.Contains(t, out, `"kind":"not-found"`)
	})

	t.Run("transport error", func(t *testing.T) {
		boom := errors.New("connection refused")

		_, err := run(t, &fakeDoer{err: boom}, nil, "list-vms")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("missing image flag", func(t *testing.T) {
		doer := &fakeDoer{}

		_, err := run(t, doer, nil, "create-vm")
		require.Error(t, err)
		assert.Empty(t, doer.requests)
	})

	t.Run("unreadable init script", func(t *testing.T) {
		doer := &fakeDoer{}

		_, err := run(t, doer, nil, "create-vm", "--image", "base", "--init-script", filepath.Join(t.TempDir(), "missing"))
		require.ErrorIs(t, err, cli.ErrReadFile)
		assert.Empty(t, doer.requests)
	})

	t.Run("missing argument", func(t *testing.T) {
		doer := &fakeDoer{}

		_, err := run(t, doer, nil, "vm-info")
		require.Error(t, err)
		assert.Empty(t, doer.requests)
	})
}
