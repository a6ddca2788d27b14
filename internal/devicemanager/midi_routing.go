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

package devicemanager

import (
	"errors"
	"fmt"
	"slices"

	"github.com/loqalabs/loqa-hal/internal/midi"
)

// midiSubscription is a callback and the input it listens to. An empty
// device follows the first enabled input.
type midiSubscription struct {
	device string
	cb     midi.InputCallback
}

// SetMidiInputEnabled opens and starts, or closes, the named input and
// remembers the choice. Enabling a port that is not available fails with
// midi.ErrNoSuchPort.
func (m *Manager) SetMidiInputEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.midiMu.Lock()
	defer m.midiMu.Unlock()

	changed, err := m.setMidiInputEnabledLocked(name, enabled)
	if err != nil {
		return err
	}
	if changed {
		m.midiChosen = true
		m.changes.send()
	}
	return nil
}

func (m *Manager) setMidiInputEnabledLocked(name string, enabled bool) (bool, error) {
	open := m.openMidiIndex(name)
	remembered := slices.Contains(m.rememberedMidi, name)

	if enabled {
		if open >= 0 {
			return false, nil
		}
		if err := m.openMidiInputLocked(name); err != nil {
			return false, err
		}
		if !remembered {
			m.rememberedMidi = append(m.rememberedMidi, name)
		}
		return true, nil
	}

	if open < 0 && !remembered {
		return false, nil
	}
	if open >= 0 {
		in := m.openMidi[open]
		m.openMidi = slices.Delete(m.openMidi, open, open+1)
		if err := in.Close(); err != nil {
			m.log.Debug().Err(err).Str("port", name).Msg("close midi input")
		}
		m.refreshFirstMidi()
	}
	m.rememberedMidi = slices.DeleteFunc(m.rememberedMidi, func(n string) bool { return n == name })
	return true, nil
}

func (m *Manager) openMidiIndex(name string) int {
	return slices.IndexFunc(m.openMidi, func(in *midi.Input) bool { return in.Name() == name })
}

func (m *Manager) openMidiInputLocked(name string) error {
	in, err := m.midi.OpenInput(name, m.midiReceiver)
	if err != nil {
		return fmt.Errorf("enable midi input: %w", err)
	}
	in.Start()
	m.openMidi = append(m.openMidi, in)
	m.refreshFirstMidi()
	m.log.Info().Str("port", name).Msg("midi input enabled")
	return nil
}

// refreshFirstMidi publishes the input that empty-name subscriptions follow.
func (m *Manager) refreshFirstMidi() {
	if len(m.openMidi) == 0 {
		m.firstMidi.Store(nil)
		return
	}
	name := m.openMidi[0].Name()
	m.firstMidi.Store(&name)
}

// IsMidiInputEnabled reports whether the named input is open.
func (m *Manager) IsMidiInputEnabled(name string) bool {
	m.midiMu.Lock()
	defer m.midiMu.Unlock()
	return m.openMidiIndex(name) >= 0
}

// EnabledMidiInputs lists the open inputs in the order they were enabled.
func (m *Manager) EnabledMidiInputs() []string {
	m.midiMu.Lock()
	defer m.midiMu.Unlock()
	names := make([]string, len(m.openMidi))
	for i, in := range m.openMidi {
		names[i] = in.Name()
	}
	return names
}

// AddMidiInputCallback subscribes cb to the named input, or with an empty
// name to the first enabled input. Callbacks are compared by identity, so
// pass pointers, and must not subscribe or unsubscribe from inside a
// delivery.
func (m *Manager) AddMidiInputCallback(deviceName string, cb midi.InputCallback) {
	if cb == nil {
		return
	}
	m.midiCbMu.Lock()
	defer m.midiCbMu.Unlock()

	sub := midiSubscription{device: deviceName, cb: cb}
	if !slices.Contains(m.midiCallbacks, sub) {
		m.midiCallbacks = append(m.midiCallbacks, sub)
	}
}

// RemoveMidiInputCallback drops a subscription made with the same name and
// callback.
func (m *Manager) RemoveMidiInputCallback(deviceName string, cb midi.InputCallback) {
	m.midiCbMu.Lock()
	defer m.midiCbMu.Unlock()

	sub := midiSubscription{device: deviceName, cb: cb}
	m.midiCallbacks = slices.DeleteFunc(m.midiCallbacks, func(s midiSubscription) bool { return s == sub })
}

// MidiMessagesReceived counts messages routed from enabled inputs.
func (m *Manager) MidiMessagesReceived() int64 { return m.midiMessages.Load() }

// midiRouter receives from every enabled input and forwards to matching
// subscriptions.
type midiRouter struct{ m *Manager }

func (r *midiRouter) HandleMessage(src *midi.Input, msg midi.Message) {
	if msg.IsActiveSensing() {
		return
	}
	m := r.m
	m.midiMessages.Add(1)

	m.midiCbMu.Lock()
	defer m.midiCbMu.Unlock()
	first := m.firstMidi.Load()
	for _, s := range m.midiCallbacks {
		if s.follows(src.Name(), first) {
			s.cb.HandleMessage(src, msg)
		}
	}
}

func (r *midiRouter) HandlePartialSysex(src *midi.Input, data []byte, timestamp float64) {
	m := r.m
	m.midiCbMu.Lock()
	defer m.midiCbMu.Unlock()
	first := m.firstMidi.Load()
	for _, s := range m.midiCallbacks {
		if s.follows(src.Name(), first) {
			s.cb.HandlePartialSysex(src, data, timestamp)
		}
	}
}

func (s midiSubscription) follows(source string, first *string) bool {
	if s.device == "" {
		return first != nil && *first == source
	}
	return s.device == source
}

// SetDefaultMidiOutput opens the named output as the default, or clears the
// default with an empty name. Registered audio callbacks are stopped and
// restarted around the swap.
func (m *Manager) SetDefaultMidiOutput(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.midiMu.Lock()
	defer m.midiMu.Unlock()

	if name == m.midiOutName {
		return nil
	}
	return m.setDefaultMidiOutputLocked(name)
}

func (m *Manager) setDefaultMidiOutputLocked(name string) error {
	m.audioMu.Lock()
	paused := m.callbacks
	m.callbacks = nil
	m.audioMu.Unlock()

	playing := m.current != nil && m.current.IsPlaying()
	if playing {
		for i := len(paused) - 1; i >= 0; i-- {
			paused[i].Stopped()
		}
	}

	prev := m.midiOut
	m.midiOut, m.midiOutName = nil, ""

	var err error
	if name != "" {
		out, oerr := m.midi.OpenOutput(name)
		if oerr != nil {
			err = fmt.Errorf("set default midi output: %w", oerr)
		} else {
			m.midiOut, m.midiOutName = out, name
		}
	}

	if playing {
		for _, cb := range paused {
			cb.AboutToStart(m.current)
		}
	}

	m.audioMu.Lock()
	m.callbacks = append(paused, m.callbacks...)
	m.audioMu.Unlock()

	if prev != nil {
		if cerr := prev.Close(); cerr != nil {
			m.log.Debug().Err(cerr).Str("port", prev.Name()).Msg("close midi output")
		}
	}
	m.midiChosen = true
	m.changes.send()
	return err
}

// DefaultMidiOutput returns the default output, or nil.
func (m *Manager) DefaultMidiOutput() *midi.Output {
	m.midiMu.Lock()
	defer m.midiMu.Unlock()
	return m.midiOut
}

// DefaultMidiOutputName returns the name of the default output, or "".
func (m *Manager) DefaultMidiOutputName() string {
	m.midiMu.Lock()
	defer m.midiMu.Unlock()
	return m.midiOutName
}

// restoreMidiLocked replaces the MIDI routing with the saved one. Saved
// inputs that are not connected stay remembered.
func (m *Manager) restoreMidiLocked(saved *State) {
	m.midiMu.Lock()
	defer m.midiMu.Unlock()

	for _, in := range m.openMidi {
		_ = in.Close()
	}
	m.openMidi = nil
	m.refreshFirstMidi()

	m.rememberedMidi = nil
	for _, name := range saved.MidiInputNames() {
		if name == "" || slices.Contains(m.rememberedMidi, name) {
			continue
		}
		m.rememberedMidi = append(m.rememberedMidi, name)
	}
	m.midiChosen = len(m.rememberedMidi) > 0 || saved.DefaultMidiOutput != ""

	available := m.midi.Inputs()
	for _, name := range m.rememberedMidi {
		if !slices.Contains(available, name) {
			m.log.Info().Str("port", name).Msg("remembered midi input not connected")
			continue
		}
		if err := m.openMidiInputLocked(name); err != nil {
			m.log.Warn().Err(err).Str("port", name).Msg("restore midi input")
		}
	}

	if out := saved.DefaultMidiOutput; out != "" && out != m.midiOutName && slices.Contains(m.midi.Outputs(), out) {
		if err := m.setDefaultMidiOutputLocked(out); err != nil {
			m.log.Warn().Err(err).Str("port", out).Msg("restore default midi output")
		}
	}
}

// midiPortsChanged closes inputs whose port vanished and reopens
// remembered inputs whose port is back.
func (m *Manager) midiPortsChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.midiMu.Lock()

	available := m.midi.Inputs()
	for i := len(m.openMidi) - 1; i >= 0; i-- {
		in := m.openMidi[i]
		if slices.Contains(available, in.Name()) {
			continue
		}
		m.log.Info().Str("port", in.Name()).Msg("midi input disconnected")
		_ = in.Close()
		m.openMidi = slices.Delete(m.openMidi, i, i+1)
	}
	m.refreshFirstMidi()

	for _, name := range m.rememberedMidi {
		if m.openMidiIndex(name) >= 0 || !slices.Contains(available, name) {
			continue
		}
		if err := m.openMidiInputLocked(name); err != nil {
			m.log.Warn().Err(err).Str("port", name).Msg("reconnect midi input")
		}
	}
	m.midiMu.Unlock()

	m.changes.send()
}

func (m *Manager) closeMidiLocked() error {
	var errs []error
	for _, in := range m.openMidi {
		if err := in.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.openMidi = nil
	m.refreshFirstMidi()

	if m.midiOut != nil {
		if err := m.midiOut.Close(); err != nil {
			errs = append(errs, err)
		}
		m.midiOut = nil
	}
	return errors.Join(errs...)
}
