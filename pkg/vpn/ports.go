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
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	ErrPortsExhausted = errors.New("no free VPN port left")
	ErrPortOutOfRange = errors.New("port outside of the pool range")
)

const (
	DefaultPortRangeStart = 50000
	DefaultPortRangeSize  = 1000
)

// PortPool hands out UDP ports from a finite range. Ports are never returned
// to the pool.
type PortPool struct {
	start, end int
	next       int
	taken      sets.Set[int]
}

// NewPortPool returns a pool of size ports starting at start.
func NewPortPool(start, size int) *PortPool {
	return &PortPool{
		start: start,
		end:   start + size,
		next:  start,
		taken: sets.New[int](),
	}
}

// Allocate returns the next free port.
func (p *PortPool) Allocate() (int, error) {
	for ; p.next < p.end; p.next++ {
		if p.taken.Has(p.next) {
			continue
		}
		port := p.next
		p.taken.Insert(port)
		p.next++
		return port, nil
	}

	return 0, fmt.Errorf("%w: range %d-%d", ErrPortsExhausted, p.start, p.end-1)
}

// Reserve marks port as taken, e.g. for overlays reloaded from disk.
func (p *PortPool) Reserve(port int) error {
	if port < p.start || port >= p.end {
		return fmt.Errorf("%w: %d not in %d-%d", ErrPortOutOfRange, port, p.start, p.end-1)
	}
	p.taken.Insert(port)
	return nil
}

// Available returns how many ports can still be allocated.
func (p *PortPool) Available() int {
	n := 0
	for port := p.next; port < p.end; port++ {
		if !p.taken.Has(port) {
			n++
		}
	}
	return n
}
