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

package vmm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/alexandremahdhaoui/stratus/internal/util/testutil"
	"github.com/alexandremahdhaoui/stratus/pkg/execcontext"
	"github.com/alexandremahdhaoui/stratus/pkg/paths"
)

func newTestImages(t *testing.T, respond testutil.Responder) (*Images, paths.Layout, *testutil.FakeExec) {
	t.Helper()

	layout := testutil.NewLayout(t)
	exec := testutil.NewFakeExec(respond)

	return NewImages(ImagesConfig{
		Layout:       layout,
		Runner:       execcontext.NewRunner(nil, exec),
		MountDir:     t.TempDir(),
		LockTimeout:  time.Second,
		LockInterval: time.Millisecond,
	}), layout, exec
}

func newAuthorizedKey(t *testing.T) string {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	return string(ssh.MarshalAuthorizedKey(sshPub))
}

func TestImages_CreateDisk(t *testing.T) {
	images, layout, exec := newTestImages(t, nil)
	base := testutil.WriteBaseImage(t, layout, "debian")

	disk, err := images.CreateDisk(context.Background(), "abcdefgh", "debian")
	require.NoError(t, err)

	assert.Equal(t, layout.UserImagePath("abcdefgh"), disk)
	assert.Equal(t, [][]string{
		{"qemu-img", "create", "-f", "qcow2", "-b", base, "-F", "qcow2", disk},
	}, exec.Calls())
}

func TestImages_CreateDiskErrors(t *testing.T) {
	tests := []struct {
		name  string
		image string
		fail  bool
		err   error
	}{
		{name: "missing image", image: "missing", err: ErrImageNotFound},
		{name: "traversal", image: "../debian", err: paths.ErrInvalidImageName},
		{name: "absolute", image: "/etc/passwd", err: paths.ErrInvalidImageName},
		{name: "qemu-img failure", image: "debian", fail: true, err: ErrCreateDisk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			images, layout, exec := newTestImages(t, func([]string) ([]byte, error) {
				if tt.fail {
					return []byte("boom"), testutil.ExitError(1)
				}
				return nil, nil
			})
			testutil.WriteBaseImage(t, layout, "debian")

			_, err := images.CreateDisk(context.Background(), "abcdefgh", tt.image)
			assert.ErrorIs(t, err, tt.err)
			if !tt.fail {
				assert.Empty(t, exec.Calls())
			}
		})
	}
}

func TestImages_DeleteAndListDisks(t *testing.T) {
	ctx := context.Background()
	images, layout, _ := newTestImages(t, nil)

	for _, name := range []string{"abcdefgh.qcow2", "qwertyui.qcow2", "notes.txt", "BAD.qcow2"} {
		require.NoError(t, os.WriteFile(filepath.Join(layout.UserImageDir, name), nil, 0o644))
	}

	ids, err := images.ListDisks()
	require.NoError(t, err)
	assert.Equal(t, []string{"abcdefgh", "qwertyui"}, ids)

	require.NoError(t, images.DeleteDisk(ctx, "abcdefgh"))
	assert.NoFileExists(t, layout.UserImagePath("abcdefgh"))

	// deleting twice is fine
	require.NoError(t, images.DeleteDisk(ctx, "abcdefgh"))

	ids, err = images.ListDisks()
	require.NoError(t, err)
	assert.Equal(t, []string{"qwertyui"}, ids)
}

// guestFS snapshots the mounted tree when the image gets unmounted.
type guestFS struct {
	mountDir string
	files    map[string]string
	modes    map[string]os.FileMode
	links    map[string]string
	infoErrs int
}

func (g *guestFS) respond(argv []string) ([]byte, error) {
	switch argv[0] {
	case "guestmount":
		g.mountDir = argv[len(argv)-1]
	case "guestunmount":
		g.snapshot()
		// the fake mount point is a plain directory
		_ = os.RemoveAll(g.mountDir)
		_ = os.MkdirAll(g.mountDir, 0o755)
	case "qemu-img":
		if argv[1] == "info" && g.infoErrs > 0 {
			g.infoErrs--
			return nil, testutil.ExitError(1)
		}
	}
	return nil, nil
}

func (g *guestFS) snapshot() {
	g.files = map[string]string{}
	g.modes = map[string]os.FileMode{}
	g.links = map[string]string{}

	_ = filepath.Walk(g.mountDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel := "/" + strings.TrimPrefix(path, g.mountDir+"/")
		if info.Mode()&os.ModeSymlink != 0 {
			target, _ := os.Readlink(path)
			g.links[rel] = target
			return nil
		}
		b, _ := os.ReadFile(path)
		g.files[rel] = string(b)
		g.modes[rel] = info.Mode().Perm()
		return nil
	})
}

func TestImages_CustomizeInitScript(t *testing.T) {
	guest := &guestFS{infoErrs: 2}
	images, _, exec := newTestImages(t, guest.respond)

	err := images.Customize(context.Background(), "/images/abcdefgh.qcow2", Customization{
		InitScript: "#!/bin/sh\necho hello\n",
	})
	require.NoError(t, err)

	assert.Equal(t, "#!/bin/sh\necho hello\n", guest.files["/root/stratus-init.sh"])
	assert.Equal(t, os.FileMode(0o755), guest.modes["/root/stratus-init.sh"])
	assert.Equal(t, `[Unit]
Description=stratus VM init script
ConditionPathExists=!/root/stratus-init.done

[Service]
Type=oneshot
ExecStart=-/root/stratus-init.sh
ExecStart=/bin/touch /root/stratus-init.done

[Install]
WantedBy=multi-user.target
`, guest.files["/etc/systemd/system/stratus-init.service"])
	assert.Equal(t, "/etc/systemd/system/stratus-init.service",
		guest.links["/etc/systemd/system/multi-user.target.wants/stratus-init.service"])

	calls := exec.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, []string{"guestmount", "-a", "/images/abcdefgh.qcow2", "-i", guest.mountDir}, calls[0])
	assert.Equal(t, []string{"guestunmount", guest.mountDir}, calls[1])
	for _, c := range calls[2:] {
		assert.Equal(t, []string{"qemu-img", "info", "/images/abcdefgh.qcow2"}, c)
	}

	assert.NoDirExists(t, guest.mountDir)
}

func TestImages_CustomizeSSHKey(t *testing.T) {
	guest := &guestFS{}
	images, _, _ := newTestImages(t, guest.respond)
	key := newAuthorizedKey(t)

	require.NoError(t, images.Customize(context.Background(), "disk.qcow2", Customization{SSHKey: key}))

	assert.Equal(t, key, guest.files["/root/.ssh/authorized_keys"])
	assert.Equal(t, os.FileMode(0o600), guest.modes["/root/.ssh/authorized_keys"])
	assert.NotContains(t, guest.files, "/root/stratus-init.sh")
}

func TestImages_CustomizeNothing(t *testing.T) {
	images, _, exec := newTestImages(t, nil)

	require.NoError(t, images.Customize(context.Background(), "disk.qcow2", Customization{}))
	assert.Empty(t, exec.Calls())
}

func TestImages_CustomizeErrors(t *testing.T) {
	t.Run("invalid ssh key", func(t *testing.T) {
		images, _, exec := newTestImages(t, nil)

		err := images.Customize(context.Background(), "disk.qcow2", Customization{SSHKey: "not a key"})
		assert.ErrorIs(t, err, ErrInvalidSSHKey)
		assert.Empty(t, exec.Calls(), "the image is not mounted")
	})

	t.Run("mount failure", func(t *testing.T) {
		images, _, exec := newTestImages(t, func(argv []string) ([]byte, error) {
			if argv[0] == "guestmount" {
				return nil, testutil.ExitError(1)
			}
			return nil, nil
		})

		err := images.Customize(context.Background(), "disk.qcow2", Customization{InitScript: "true"})
		assert.ErrorIs(t, err, ErrMountImage)
		assert.Len(t, exec.Calls(), 1)
	})

	t.Run("write lock never released", func(t *testing.T) {
		guest := &guestFS{infoErrs: 1 << 30}
		images, _, _ := newTestImages(t, guest.respond)
		images.cfg.LockTimeout = 20 * time.Millisecond

		err := images.Customize(context.Background(), "disk.qcow2", Customization{InitScript: "true"})
		assert.ErrorIs(t, err, ErrImageLocked)
	})
}
