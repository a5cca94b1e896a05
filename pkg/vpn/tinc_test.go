//go:build unit

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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTincConfig(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, WriteTincConfig(dir, TincConfig{Name: "node1", Interface: "vpn-corp", Port: 50007}))

	port, err := ReadTincPort(dir)
	require.NoError(t, err)
	assert.Equal(t, 50007, port)

	assert.ErrorIs(t, WriteTincConfig(dir, TincConfig{Name: "node-1"}), ErrInvalidHostName)
}

func TestReadTincPort(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected int
		err      error
	}{
		{name: "spaced", content: "Name = a\nPort = 50001\n", expected: 50001},
		{name: "compact", content: "Port=50002", expected: 50002},
		{name: "lowercase key", content: "port = 50003", expected: 50003},
		{name: "missing", content: "Name = a\nMode = switch\n", err: ErrPortNotFound},
		{name: "not a number", content: "Port = http", err: ErrReadTincConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "tinc.conf"), []byte(tt.content), 0o600))

			port, err := ReadTincPort(dir)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, port)
		})
	}

	_, err := ReadTincPort(t.TempDir())
	assert.ErrorIs(t, err, ErrReadTincConfig)
}
