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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"

	"golang.org/x/crypto/ssh"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/alexandremahdhaoui/stratus/pkg/execcontext"
	"github.com/alexandremahdhaoui/stratus/pkg/paths"
)

var (
	ErrImageNotFound  = errors.New("base image not found")
	ErrCreateDisk     = errors.New("failed to create VM disk")
	ErrDeleteDisk     = errors.New("failed to delete VM disk")
	ErrListDisks      = errors.New("failed to list VM disks")
	ErrMountImage     = errors.New("failed to mount image")
	ErrUnmountImage   = errors.New("failed to unmount image")
	ErrCustomizeImage = errors.New("failed to customize image")
	ErrInvalidSSHKey  = errors.New("invalid SSH public key")
	ErrImageLocked    = errors.New("image write lock was not released")
)

const (
	DefaultLockTimeout  = 5 * time.Second
	DefaultLockInterval = 100 * time.Millisecond

	initName       = "stratus-init"
	initScriptPath = "/root/" + initName + ".sh"
	initMarkerPath = "/root/" + initName + ".done"
	initUnitPath   = "/etc/systemd/system/" + initName + ".service"
	initWantsDir   = "/etc/systemd/system/multi-user.target.wants"
	authorizedKeys = "/root/.ssh/authorized_keys"
)

const initUnitTemplate = `[Unit]
Description=stratus VM init script
ConditionPathExists=!{{ .Marker }}

[Service]
Type=oneshot
ExecStart=-{{ .Script }}
ExecStart=/bin/touch {{ .Marker }}

[Install]
WantedBy=multi-user.target
`

var initUnitTmpl = template.Must(template.New("init-unit").Parse(initUnitTemplate))

// ---- IMAGES ---- //

// ImagesConfig configures Images.
type ImagesConfig struct {
	Layout paths.Layout
	// Runner executes qemu-img and libguestfs tools. They do not need
	// privileges.
	Runner *execcontext.Runner
	// MountDir is the parent directory of temporary mount points. Defaults to
	// the system temporary directory.
	MountDir string
	// LockTimeout bounds the wait for the disk write lock after unmounting.
	LockTimeout time.Duration
	// LockInterval is the delay between two write lock probes.
	LockInterval time.Duration
}

// Images manages VM disks: copy-on-write clones of base images.
type Images struct {
	cfg ImagesConfig
}

// NewImages returns Images using cfg.
func NewImages(cfg ImagesConfig) *Images {
	if cfg.Runner == nil {
		cfg.Runner = execcontext.NewRunner(nil, nil)
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.LockInterval <= 0 {
		cfg.LockInterval = DefaultLockInterval
	}

	return &Images{cfg: cfg}
}

// CreateDisk clones the base image named image into the disk of vmID and
// returns the disk path. Only the basename of image is considered.
func (i *Images) CreateDisk(ctx context.Context, vmID, image string) (string, error) {
	base, err := i.cfg.Layout.BaseImagePath(image)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(base); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %q", ErrImageNotFound, image)
	} else if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCreateDisk, err)
	}

	disk := i.cfg.Layout.UserImagePath(vmID)
	if _, err := i.cfg.Runner.Run(ctx, "qemu-img", "create", "-f", "qcow2", "-b", base, "-F", "qcow2", disk); err != nil {
		return "", errors.Join(err, ErrCreateDisk)
	}

	slog.InfoContext(ctx, "created VM disk", "vmID", vmID, "image", image, "disk", disk)

	return disk, nil
}

// DeleteDisk removes the disk of vmID. A missing disk is not an error.
func (i *Images) DeleteDisk(ctx context.Context, vmID string) error {
	disk := i.cfg.Layout.UserImagePath(vmID)
	if err := os.Remove(disk); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.DebugContext(ctx, "VM disk already removed", "vmID", vmID, "disk", disk)
			return nil
		}
		return fmt.Errorf("%w: %w", ErrDeleteDisk, err)
	}

	return nil
}

// ListDisks returns the VM ids owning a disk, sorted.
func (i *Images) ListDisks() ([]string, error) {
	entries, err := os.ReadDir(i.cfg.Layout.UserImageDir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListDisks, err)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if id, ok := paths.VMIDFromImagePath(e.Name()); ok && paths.IsVMID(id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)

	return out, nil
}

// ---- CUSTOMIZATION ---- //

// Customize mounts disk and installs c into the guest filesystem. It returns
// once the disk can be opened for writing again.
func (i *Images) Customize(ctx context.Context, disk string, c Customization) error {
	if c.IsZero() {
		return nil
	}

	if c.SSHKey != "" {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.SSHKey)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSSHKey, err)
		}
	}

	mountDir, err := os.MkdirTemp(i.cfg.MountDir, "stratus-mount-")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMountImage, err)
	}

	slog.DebugContext(ctx, "mounting image", "disk", disk, "mountDir", mountDir)

	if _, err := i.cfg.Runner.Run(ctx, "guestmount", "-a", disk, "-i", mountDir); err != nil {
		_ = os.Remove(mountDir)
		return errors.Join(err, ErrMountImage)
	}

	installErr := install(mountDir, c)
	if installErr != nil {
		installErr = errors.Join(installErr, ErrCustomizeImage)
	}

	return errors.Join(installErr, i.unmount(ctx, disk, mountDir))
}

func (i *Images) unmount(ctx context.Context, disk, mountDir string) error {
	slog.DebugContext(ctx, "unmounting image", "disk", disk, "mountDir", mountDir)

	if _, err := i.cfg.Runner.Run(ctx, "guestunmount", mountDir); err != nil {
		return errors.Join(err, ErrUnmountImage)
	}

	if err := os.Remove(mountDir); err != nil {
		slog.WarnContext(ctx, "failed to remove mount point", "mountDir", mountDir, "err", err)
	}

	// the image stays locked for a short while after guestunmount returns.
	err := wait.PollUntilContextTimeout(ctx, i.cfg.LockInterval, i.cfg.LockTimeout, true,
		func(ctx context.Context) (bool, error) {
			_, err := i.cfg.Runner.Run(ctx, "qemu-img", "info", disk)
			return err == nil, nil
		})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImageLocked, disk, err)
	}

	return nil
}

func install(root string, c Customization) error {
	if c.InitScript != "" {
		if err := installInitScript(root, c.InitScript); err != nil {
			return err
		}
	}

	if c.SSHKey != "" {
		if err := installSSHKey(root, c.SSHKey); err != nil {
			return err
		}
	}

	return nil
}

func installInitScript(root, script string) error {
	var unit bytes.Buffer
	if err := initUnitTmpl.Execute(&unit, struct{ Script, Marker string }{
		Script: initScriptPath,
		Marker: initMarkerPath,
	}); err != nil {
		return err
	}

	for _, dir := range []string{initWantsDir, filepath.Dir(initScriptPath)} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return err
		}
	}

	if err := os.WriteFile(filepath.Join(root, initUnitPath), unit.Bytes(), 0o644); err != nil {
		return err
	}

	scriptPath := filepath.Join(root, initScriptPath)
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return err
	}
	if err := os.Chmod(scriptPath, 0o755); err != nil {
		return err
	}

	// absolute target: it is resolved inside the guest.
	link := filepath.Join(root, initWantsDir, filepath.Base(initUnitPath))
	if err := os.Symlink(initUnitPath, link); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}

	return nil
}

func installSSHKey(root, key string) error {
	path := filepath.Join(root, authorizedKeys)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(strings.TrimSpace(key) + "\n")
	return err
}
