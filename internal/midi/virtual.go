/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package midi

import (
	"fmt"
	"io"
	"slices"
	"sync"
)

// VirtualBackend offers in-process loopback ports: whatever is sent to the
// output of a port arrives at every open input of the same name. Inject feeds
// an input as if hardware had produced the bytes.
type VirtualBackend struct {
	name string

	mu       sync.Mutex
	ports    []string
	sinks    map[string][]*virtualSink
	onChange func()
}

// NewVirtualBackend creates a backend with the given port names.
func NewVirtualBackend(name string, ports ...string) *VirtualBackend {
	if name == "" {
		name = "Virtual"
	}
	return &VirtualBackend{
		name:  name,
		ports: slices.Clone(ports),
		sinks: make(map[string][]*virtualSink),
	}
}

func (v *VirtualBackend) Name() string { return v.name }

func (v *VirtualBackend) InputPorts() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.ports), nil
}

func (v *VirtualBackend) OutputPorts() ([]string, error) { return v.InputPorts() }

func (v *VirtualBackend) SetChangeHandler(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChange = fn
}

// AddPort makes a new port visible.
func (v *VirtualBackend) AddPort(name string) {
	v.mu.Lock()
	if slices.Contains(v.ports, name) {
		v.mu.Unlock()
		return
	}
	v.ports = append(v.ports, name)
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// RemovePort unplugs a port. Open inputs stop receiving.
func (v *VirtualBackend) RemovePort(name string) {
	v.mu.Lock()
	v.ports = slices.DeleteFunc(v.ports, func(p string) bool { return p == name })
	delete(v.sinks, name)
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (v *VirtualBackend) has(port string) bool {
	return slices.Contains(v.ports, port)
}

type virtualSink struct {
	owner *VirtualBackend
	port  string
	fn    func([]byte, float64)
}

func (s *virtualSink) Close() error {
	v := s.owner
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sinks[s.port] = slices.DeleteFunc(v.sinks[s.port], func(x *virtualSink) bool { return x == s })
	return nil
}

func (v *VirtualBackend) OpenInput(port string, sink func([]byte, float64)) (io.Closer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.has(port) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPort, port)
	}
	s := &virtualSink{owner: v, port: port, fn: sink}
	v.sinks[port] = append(v.sinks[port], s)
	return s, nil
}

// Inject delivers data to every open input of port.
func (v *VirtualBackend) Inject(port string, data []byte) {
	v.mu.Lock()
	sinks := slices.Clone(v.sinks[port])
	v.mu.Unlock()
	ts := Now()
	for _, s := range sinks {
		s.fn(data, ts)
	}
}

type virtualSender struct {
	owner  *VirtualBackend
	port   string
	closed bool
}

func (s *virtualSender) Send(data []byte) error {
	if s.closed {
		return ErrPortClosed
	}
	s.owner.Inject(s.port, data)
	return nil
}

func (s *virtualSender) Close() error {
	s.closed = true
	return nil
}

func (v *VirtualBackend) OpenOutput(port string) (Sender, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.has(port) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPort, port)
	}
	return &virtualSender{owner: v, port: port}, nil
}
