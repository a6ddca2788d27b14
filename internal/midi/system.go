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
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Backend provides MIDI ports from one native API or transport.
type Backend interface {
	Name() string
	InputPorts() ([]string, error)
	OutputPorts() ([]string, error)
	// OpenInput opens a port; raw bytes are passed to sink with a Now()
	// timestamp, from whatever goroutine the backend delivers on.
	OpenInput(port string, sink func(data []byte, timestamp float64)) (io.Closer, error)
	OpenOutput(port string) (Sender, error)
}

// ChangeNotifier is implemented by backends that learn about ports
// appearing or disappearing.
type ChangeNotifier interface {
	SetChangeHandler(fn func())
}

// ListListener is told when the set of available ports may have changed.
type ListListener interface {
	MidiPortsChanged()
}

// System is a caller-owned set of MIDI backends. Port names are resolved in
// backend order; the first backend listing a name owns it.
type System struct {
	log      zerolog.Logger
	backends []Backend

	mu        sync.Mutex
	listeners []ListListener
}

// NewSystem creates a system over the given backends.
func NewSystem(log zerolog.Logger, backends ...Backend) *System {
	s := &System{
		log:      log.With().Str("component", "midi").Logger(),
		backends: backends,
	}
	for _, b := range backends {
		if n, ok := b.(ChangeNotifier); ok {
			n.SetChangeHandler(s.PortsChanged)
		}
	}
	return s
}

func (s *System) Backends() []Backend { return slices.Clone(s.backends) }

// Inputs lists every input port name, without duplicates.
func (s *System) Inputs() []string {
	return s.collect(Backend.InputPorts)
}

// Outputs lists every output port name, without duplicates.
func (s *System) Outputs() []string {
	return s.collect(Backend.OutputPorts)
}

func (s *System) collect(list func(Backend) ([]string, error)) []string {
	var names []string
	for _, b := range s.backends {
		ports, err := list(b)
		if err != nil {
			s.log.Debug().Err(err).Str("backend", b.Name()).Msg("port enumeration failed")
			continue
		}
		for _, p := range ports {
			if !slices.Contains(names, p) {
				names = append(names, p)
			}
		}
	}
	return names
}

func (s *System) owner(name string, list func(Backend) ([]string, error)) (Backend, error) {
	for _, b := range s.backends {
		ports, err := list(b)
		if err != nil {
			continue
		}
		if slices.Contains(ports, name) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchPort, name)
}

// OpenInput opens the named input. The port is stopped until Start.
func (s *System) OpenInput(name string, cb InputCallback) (*Input, error) {
	b, err := s.owner(name, Backend.InputPorts)
	if err != nil {
		return nil, err
	}
	in := newInput(name, b.Name(), cb)
	native, err := b.OpenInput(name, in.deliver)
	if err != nil {
		return nil, fmt.Errorf("open MIDI input %s: %w", name, err)
	}
	in.native = native
	s.log.Debug().Str("port", name).Str("backend", b.Name()).Msg("input opened")
	return in, nil
}

// OpenOutput opens the named output.
func (s *System) OpenOutput(name string, opts ...OutputOption) (*Output, error) {
	b, err := s.owner(name, Backend.OutputPorts)
	if err != nil {
		return nil, err
	}
	sender, err := b.OpenOutput(name)
	if err != nil {
		return nil, fmt.Errorf("open MIDI output %s: %w", name, err)
	}
	s.log.Debug().Str("port", name).Str("backend", b.Name()).Msg("output opened")
	return NewOutput(name, b.Name(), sender, s.log, opts...), nil
}

func (s *System) AddListener(l ListListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.listeners, l) {
		s.listeners = append(s.listeners, l)
	}
}

func (s *System) RemoveListener(l ListListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(x ListListener) bool { return x == l })
}

// PortsChanged tells listeners to re-read the port lists. Backends call it
// through their change handler; hot-plug watchers may call it directly.
func (s *System) PortsChanged() {
	s.mu.Lock()
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, l := range ls {
		l.MidiPortsChanged()
	}
}

// Close closes backends that hold native resources.
func (s *System) Close() error {
	var errs []error
	for _, b := range s.backends {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
