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
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/stratus/pkg/paths"
)

// NewLayout returns a paths.Layout rooted in a fresh temporary directory. Every
// directory of the layout exists when the function returns.
func NewLayout(t *testing.T) paths.Layout {
	t.Helper()

	root := t.TempDir()
	layout := paths.Layout{
		ConfigDir:    filepath.Join(root, "config"),
		BaseImageDir: filepath.Join(root, "images", "base"),
		UserImageDir: filepath.Join(root, "images", "user"),
		SocketDir:    filepath.Join(root, "run"),
	}

	for _, dir := range []string{
		layout.ConfigDir,
		layout.BaseImageDir,
		layout.UserImageDir,
		layout.SocketDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create directory %q: %v", dir, err)
		}
	}

	return layout
}

// WriteBaseImage creates an empty base image named name in layout.
func WriteBaseImage(t *testing.T, layout paths.Layout, name string) string {
	t.Helper()

	path, err := layout.BaseImagePath(name)
	if err != nil {
		t.Fatalf("invalid base image name %q: %v", name, err)
	}
	if err := os.WriteFile(path, []byte("qcow2"), 0o644); err != nil {
		t.Fatalf("failed to write base image %q: %v", path, err)
	}

	return path
}
