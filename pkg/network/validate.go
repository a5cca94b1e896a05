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

package network

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidDeviceName = errors.New("invalid device name")
	ErrInvalidIPAddress  = errors.New("invalid IP address")
)

// MaxDeviceNameLength is the kernel limit on network interface names.
const MaxDeviceNameLength = 15

var (
	deviceNameRegexp = regexp.MustCompile(`^[a-z0-9-]+$`)
	ipAddressRegexp  = regexp.MustCompile(`^[0-9.:a-f]+(/\d+)?$`)
)

// ValidateDeviceName returns an error wrapping ErrInvalidDeviceName if name
// cannot be used as a network device name.
func ValidateDeviceName(name string) error {
	switch {
	case len(name) == 0:
		return fmt.Errorf("%w: zero-length device name", ErrInvalidDeviceName)
	case len(name) > MaxDeviceNameLength:
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidDeviceName, name, MaxDeviceNameLength)
	case !deviceNameRegexp.MatchString(name):
		return fmt.Errorf("%w: %q", ErrInvalidDeviceName, name)
	}

	return nil
}

// ValidateIPAddress checks ip is syntactically an IPv4 or IPv6 address with an
// optional prefix length. The address itself is not parsed.
func ValidateIPAddress(ip string) error {
	if !ipAddressRegexp.MatchString(ip) {
		return fmt.Errorf("%w: %q", ErrInvalidIPAddress, ip)
	}

	return nil
}

// NewMACAddress returns a random locally administered unicast MAC address.
func NewMACAddress() string {
	var buf [8]byte
	if _, err := rand.Read(buf[2:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}

	bits := (binary.BigEndian.Uint64(buf[:]) | 0x020000000000) & 0xfeffffffffff
	s := fmt.Sprintf("%012x", bits)

	return fmt.Sprintf("%s:%s:%s:%s:%s:%s", s[0:2], s[2:4], s[4:6], s[6:8], s[8:10], s[10:12])
}
