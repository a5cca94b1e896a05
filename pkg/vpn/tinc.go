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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"
)

var (
	ErrInvalidHostName = errors.New("invalid tinc host name")
	ErrWriteTincConfig = errors.New("failed to write tinc configuration")
	ErrReadTincConfig  = errors.New("failed to read tinc configuration")
	ErrPortNotFound    = errors.New("no Port entry in tinc configuration")
)

const (
	tincConfName = "tinc.conf"
	tincHostsDir = "hosts"
)

var hostNameRegexp = regexp.MustCompile(`^[a-z0-9]+$`)

const tincConfTemplate = `Name = {{ .Name }}
Mode = switch
Interface = {{ .Interface }}
DeviceType = tap
Port = {{ .Port }}
`

var tincConfTmpl = template.Must(template.New("tinc.conf").Parse(tincConfTemplate))

// TincConfig is the content of a tinc.conf file.
type TincConfig struct {
	// Name is the local node name inside the mesh.
	Name      string
	Interface string
	Port      int
}

// ValidateHostName returns an error wrapping ErrInvalidHostName if name is not
// a valid tinc node name.
func ValidateHostName(name string) error {
	if !hostNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidHostName, name)
	}
	return nil
}

// WriteTincConfig writes tinc.conf and the local host file into dir.
func WriteTincConfig(dir string, cfg TincConfig) error {
	if err := ValidateHostName(cfg.Name); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(dir, tincHostsDir), 0o700); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteTincConfig, err)
	}

	var buf bytes.Buffer
	if err := tincConfTmpl.Execute(&buf, cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteTincConfig, err)
	}

	if err := os.WriteFile(filepath.Join(dir, tincConfName), buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteTincConfig, err)
	}

	return writeHostFile(dir, cfg.Name, "", "")
}

// AddTincPeer writes the host file of a remote node and connects to it.
func AddTincPeer(dir, host, address, pubKey string) error {
	if err := ValidateHostName(host); err != nil {
		return err
	}

	if err := writeHostFile(dir, host, address, pubKey); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, tincConfName), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteTincConfig, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintf(f, "ConnectTo = %s\n", host); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteTincConfig, err)
	}

	return nil
}

func writeHostFile(dir, host, address, pubKey string) error {
	var b strings.Builder
	if address != "" {
		fmt.Fprintf(&b, "Address = %s\n", address)
	}
	if pubKey != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(pubKey))
		b.WriteString("\n")
	}

	path := filepath.Join(dir, tincHostsDir, host)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteTincConfig, err)
	}

	return nil
}

// ReadTincPort returns the Port entry of the tinc.conf in dir.
func ReadTincPort(dir string) (int, error) {
	f, err := os.Open(filepath.Join(dir, tincConfName))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrReadTincConfig, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "Port") {
			continue
		}

		port, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrReadTincConfig, err)
		}
		return port, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrReadTincConfig, err)
	}

	return 0, fmt.Errorf("%w: %s", ErrPortNotFound, dir)
}

func tincKeygenCommand(dir string) []string {
	return []string{"tincd", "-K", "-c", dir}
}

func tincDaemonCommand(dir string) []string {
	return []string{"tincd", "-D", "-c", dir}
}
