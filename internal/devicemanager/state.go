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
	"encoding/xml"
	"fmt"
	"slices"

	"github.com/loqalabs/loqa-hal/internal/audio"
)

// StateTag is the root element of a saved device setup.
const StateTag = "DEVICESETUP"

// State is the remembered device configuration, serialised as a DEVICESETUP
// element. Channel attributes are pointers because their presence, not their
// value, says whether the default channels were overridden.
type State struct {
	XMLName xml.Name `xml:"DEVICESETUP"`

	DeviceType       string `xml:"deviceType,attr,omitempty"`
	OutputDeviceName string `xml:"audioOutputDeviceName,attr,omitempty"`
	InputDeviceName  string `xml:"audioInputDeviceName,attr,omitempty"`
	// LegacyDeviceName names one device used for both directions.
	LegacyDeviceName string  `xml:"audioDeviceName,attr,omitempty"`
	SampleRate       float64 `xml:"audioDeviceRate,attr,omitempty"`
	BufferSize       int     `xml:"audioDeviceBufferSize,attr,omitempty"`
	InputChannels    *string `xml:"audioDeviceInChans,attr,omitempty"`
	OutputChannels   *string `xml:"audioDeviceOutChans,attr,omitempty"`

	DefaultMidiOutput string           `xml:"defaultMidiOutput,attr,omitempty"`
	MidiInputs        []MidiInputState `xml:"MIDIINPUT"`
}

// MidiInputState is one enabled or remembered MIDI input.
type MidiInputState struct {
	Name string `xml:"name,attr"`
}

// ParseState decodes a DEVICESETUP element.
func ParseState(data []byte) (*State, error) {
	var s State
	if err := xml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse device state: %w", err)
	}
	if s.XMLName.Local != StateTag {
		return nil, fmt.Errorf("parse device state: unexpected root element %q", s.XMLName.Local)
	}
	return &s, nil
}

// Marshal encodes the state as indented XML.
func (s *State) Marshal() ([]byte, error) {
	return xml.MarshalIndent(s, "", "  ")
}

func (s *State) String() string {
	b, err := s.Marshal()
	if err != nil {
		return err.Error()
	}
	return string(b)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.InputChannels != nil {
		v := *s.InputChannels
		c.InputChannels = &v
	}
	if s.OutputChannels != nil {
		v := *s.OutputChannels
		c.OutputChannels = &v
	}
	c.MidiInputs = slices.Clone(s.MidiInputs)
	return &c
}

// HasAudio reports whether the state records an audio device choice, as
// opposed to MIDI routing only.
func (s *State) HasAudio() bool {
	return s.DeviceType != "" || s.OutputDeviceName != "" || s.InputDeviceName != "" || s.LegacyDeviceName != ""
}

// MidiInputNames lists the remembered MIDI inputs.
func (s *State) MidiInputNames() []string {
	names := make([]string, 0, len(s.MidiInputs))
	for _, in := range s.MidiInputs {
		names = append(names, in.Name)
	}
	return names
}

// applyTo overlays the saved audio fields on base.
func (s *State) applyTo(base audio.DeviceSetup) audio.DeviceSetup {
	setup := base
	if s.LegacyDeviceName != "" {
		setup.InputDeviceName = s.LegacyDeviceName
		setup.OutputDeviceName = s.LegacyDeviceName
	} else {
		setup.InputDeviceName = s.InputDeviceName
		setup.OutputDeviceName = s.OutputDeviceName
	}
	if s.BufferSize != 0 {
		setup.BufferSize = s.BufferSize
	}
	if s.SampleRate != 0 {
		setup.SampleRate = s.SampleRate
	}

	setup.InputChannels, setup.UseDefaultInputChannels = savedMask(s.InputChannels)
	setup.OutputChannels, setup.UseDefaultOutputChannels = savedMask(s.OutputChannels)
	return setup
}

// savedMask decodes a channel attribute. A missing or unreadable attribute
// selects the default channels.
func savedMask(attr *string) (audio.ChannelMask, bool) {
	if attr == nil {
		return 0b11, true
	}
	m, err := audio.ParseChannelMask(*attr)
	if err != nil {
		return 0b11, true
	}
	return m, false
}

func maskAttr(m audio.ChannelMask) *string {
	s := m.String()
	return &s
}

// audioOnly drops the MIDI part.
func (s *State) audioOnly() *State {
	c := s.Clone()
	c.MidiInputs = nil
	c.DefaultMidiOutput = ""
	return c
}
