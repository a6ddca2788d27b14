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

// Package devicemanager owns the audio session of a host application. It
// opens and reopens devices across every registered device type, fans the
// device callback out to any number of application callbacks, routes MIDI
// inputs, and remembers the explicitly chosen configuration.
package devicemanager

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/loqalabs/loqa-hal/internal/audio"
	"github.com/loqalabs/loqa-hal/internal/midi"
)

var (
	// ErrNoDeviceTypes is returned when a device is requested but no device
	// type is registered.
	ErrNoDeviceTypes = errors.New("no audio device types available")
	// ErrManagerClosed is returned by operations on a closed manager.
	ErrManagerClosed = errors.New("device manager is closed")
)

// Manager is the orchestrator of one audio session. At most one device is
// open at a time.
//
// Lock order is mu, midiMu, audioMu, midiCbMu. The audio path takes only
// audioMu and MIDI delivery only midiCbMu.
type Manager struct {
	log   zerolog.Logger
	types []audio.DeviceType
	midi  *midi.System

	mu              sync.Mutex
	closed          bool
	scanned         bool
	currentTypeName string
	current         audio.Device
	currentSetup    audio.DeviceSetup
	numInputNeeded  int
	numOutputNeeded int
	preferredName   string
	explicitAudio   *State
	userClosed      bool
	typeSetups      map[string]audio.DeviceSetup

	audioMu     sync.Mutex
	callbacks   []audio.IOCallback
	scratch     [][]float32
	scratchView [][]float32
	tone        []float32
	tonePos     int

	inputLevel  levelMeter
	outputLevel levelMeter
	load        loadMeasurer
	restarts    atomic.Int64
	panics      atomic.Int64

	midiMu         sync.Mutex
	midiChosen     bool
	rememberedMidi []string
	openMidi       []*midi.Input
	midiOut        *midi.Output
	midiOutName    string

	midiCbMu      sync.Mutex
	midiCallbacks []midiSubscription
	firstMidi     atomic.Pointer[string]
	midiMessages  atomic.Int64

	changes      *broadcaster
	device       *deviceCallback
	typeWatcher  *typeWatcher
	portWatcher  *portWatcher
	midiReceiver *midiRouter
}

// New creates a manager over the given device types, tried in order when
// no type is specified. midiSys may be nil for a host without MIDI.
func New(types []audio.DeviceType, midiSys *midi.System, log zerolog.Logger) *Manager {
	log = log.With().Str("component", "devicemanager").Logger()
	if midiSys == nil {
		midiSys = midi.NewSystem(log)
	}
	m := &Manager{
		log:          log,
		types:        slices.Clone(types),
		midi:         midiSys,
		currentSetup: audio.NewDeviceSetup(),
		typeSetups:   make(map[string]audio.DeviceSetup),
		changes:      newBroadcaster(),
	}
	m.device = &deviceCallback{m: m}
	m.typeWatcher = &typeWatcher{m: m}
	m.portWatcher = &portWatcher{m: m}
	m.midiReceiver = &midiRouter{m: m}
	midiSys.AddListener(m.portWatcher)
	return m
}

// DeviceTypes returns the registered device types in registration order.
func (m *Manager) DeviceTypes() []audio.DeviceType { return slices.Clone(m.types) }

// MidiSystem returns the MIDI backends the manager routes from.
func (m *Manager) MidiSystem() *midi.System { return m.midi }

// AddChangeListener registers fn for asynchronous, coalesced notifications
// of setup, device list and MIDI routing changes. The returned function
// removes it.
func (m *Manager) AddChangeListener(fn func()) (remove func()) {
	return m.changes.add(fn)
}

// Initialise opens the session. With a saved state it reopens exactly that
// configuration, falling back to the default devices if that fails and
// selectDefaultOnFailure is set. Without one it opens the device matching
// the preferredName wildcard, or the OS defaults.
func (m *Manager) Initialise(numInputChannels, numOutputChannels int, saved *State, selectDefaultOnFailure bool, preferredName string, preferred *audio.DeviceSetup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	m.numInputNeeded, m.numOutputNeeded = numInputChannels, numOutputChannels
	m.preferredName = preferredName
	m.scanLocked()

	var err error
	if saved != nil && saved.HasAudio() {
		err = m.initialiseFromStateLocked(saved, selectDefaultOnFailure, preferredName, preferred)
	} else {
		err = m.initialiseDefaultLocked(preferredName, preferred)
	}
	if saved != nil {
		m.restoreMidiLocked(saved)
	}
	return err
}

// InitialiseWithDefaultDevices opens the OS default devices.
func (m *Manager) InitialiseWithDefaultDevices(numInputChannels, numOutputChannels int) error {
	return m.Initialise(numInputChannels, numOutputChannels, nil, false, "", nil)
}

func (m *Manager) scanLocked() {
	if !m.scanned {
		for _, t := range m.types {
			t.ScanForDevices()
			t.AddListener(m.typeWatcher)
		}
		m.scanned = true
	}
	m.pickTypeWithDevicesLocked()
}

// pickTypeWithDevicesLocked moves away from a current type that offers no
// devices at all.
func (m *Manager) pickTypeWithDevicesLocked() {
	hasDevices := func(t audio.DeviceType) bool {
		return len(t.DeviceNames(true)) > 0 || len(t.DeviceNames(false)) > 0
	}
	if t := m.findType(m.currentTypeName); t != nil && hasDevices(t) {
		return
	}
	for _, t := range m.types {
		if hasDevices(t) {
			m.currentTypeName = t.TypeName()
			return
		}
	}
}

func (m *Manager) findType(name string) audio.DeviceType {
	for _, t := range m.types {
		if t.TypeName() == name {
			return t
		}
	}
	return nil
}

// currentTypeLocked returns the selected type, or the first registered one.
func (m *Manager) currentTypeLocked() audio.DeviceType {
	if t := m.findType(m.currentTypeName); t != nil {
		return t
	}
	if len(m.types) > 0 {
		return m.types[0]
	}
	return nil
}

// offers reports whether t lists both names. Empty names match anything.
func offers(t audio.DeviceType, inputName, outputName string) bool {
	return (inputName == "" || slices.Contains(t.DeviceNames(true), inputName)) &&
		(outputName == "" || slices.Contains(t.DeviceNames(false), outputName))
}

func (m *Manager) typeOffering(inputName, outputName string) audio.DeviceType {
	for _, t := range m.types {
		if offers(t, inputName, outputName) {
			return t
		}
	}
	return nil
}

func (m *Manager) initialiseFromStateLocked(saved *State, selectDefaultOnFailure bool, preferredName string, preferred *audio.DeviceSetup) error {
	m.explicitAudio = saved.audioOnly()

	setup := audio.NewDeviceSetup()
	if preferred != nil {
		setup = *preferred
	}
	setup = saved.applyTo(setup)

	m.currentTypeName = saved.DeviceType
	if m.findType(m.currentTypeName) == nil {
		if t := m.typeOffering(setup.InputDeviceName, setup.OutputDeviceName); t != nil {
			m.currentTypeName = t.TypeName()
		} else if len(m.types) > 0 {
			m.currentTypeName = m.types[0].TypeName()
		}
	}

	err := m.setAudioDeviceSetupLocked(setup, true)
	if err != nil && selectDefaultOnFailure {
		m.log.Warn().Err(err).Str("output", setup.OutputDeviceName).Str("input", setup.InputDeviceName).
			Msg("saved device unavailable, using defaults")
		return m.initialiseDefaultLocked(preferredName, withoutDevices(preferred))
	}
	return err
}

func withoutDevices(s *audio.DeviceSetup) *audio.DeviceSetup {
	if s == nil {
		return nil
	}
	c := *s
	c.InputDeviceName, c.OutputDeviceName = "", ""
	return &c
}

func (m *Manager) initialiseDefaultLocked(preferredName string, preferred *audio.DeviceSetup) error {
	setup := audio.NewDeviceSetup()
	if preferred != nil {
		setup = *preferred
	}
	if preferredName != "" && setup.InputDeviceName == "" && setup.OutputDeviceName == "" {
		if typeName, in, out, ok := m.matchPreferred(preferredName); ok {
			m.currentTypeName = typeName
			setup.InputDeviceName, setup.OutputDeviceName = in, out
		}
	}
	setup = m.insertDefaultNamesLocked(setup)
	return m.setAudioDeviceSetupLocked(setup, false)
}

// matchPreferred finds devices whose names match the wildcard, trying types
// from the most recently registered. A type matching on both sides wins over
// one matching on a single side.
func (m *Manager) matchPreferred(pattern string) (typeName, input, output string, ok bool) {
	match := func(names []string) (string, bool) {
		for _, n := range names {
			if audio.MatchesWildcard(n, pattern) {
				return n, true
			}
		}
		return "", false
	}

	for _, needBoth := range []bool{true, false} {
		for i := len(m.types) - 1; i >= 0; i-- {
			t := m.types[i]
			in, inOK := match(t.DeviceNames(true))
			out, outOK := match(t.DeviceNames(false))
			if (needBoth && inOK && outOK) || (!needBoth && (inOK || outOK)) {
				return t.TypeName(), in, out, true
			}
		}
	}
	return "", "", "", false
}

// insertDefaultNamesLocked fills empty device names with the current type's
// OS defaults, for each side that needs channels.
func (m *Manager) insertDefaultNamesLocked(setup audio.DeviceSetup) audio.DeviceSetup {
	t := m.currentTypeLocked()
	if t == nil {
		return setup
	}
	defaultName := func(input bool) string {
		names := t.DeviceNames(input)
		if len(names) == 0 {
			return ""
		}
		i := t.DefaultDeviceIndex(input)
		if i < 0 || i >= len(names) {
			i = 0
		}
		return names[i]
	}

	if m.numOutputNeeded > 0 && setup.OutputDeviceName == "" {
		setup.OutputDeviceName = defaultName(false)
	}
	if m.numInputNeeded > 0 && setup.InputDeviceName == "" {
		setup.InputDeviceName = defaultName(true)
	}

	if !t.HasSeparateInputsAndOutputs() && setup.OutputDeviceName != "" &&
		setup.InputDeviceName != "" && setup.InputDeviceName != setup.OutputDeviceName {
		if slices.Contains(t.DeviceNames(true), setup.OutputDeviceName) {
			setup.InputDeviceName = setup.OutputDeviceName
		} else {
			setup.InputDeviceName = ""
		}
	}
	return setup
}

// SetAudioDeviceSetup reconfigures the session. A setup equal to the current
// one is a no-op while a device is open. Unknown device names fail with
// "No such device: <name>" and leave the open device running. Only a setup
// applied with treatAsChosen is remembered by CreateStateXML.
func (m *Manager) SetAudioDeviceSetup(setup audio.DeviceSetup, treatAsChosen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	m.scanLocked()
	return m.setAudioDeviceSetupLocked(setup, treatAsChosen)
}

func (m *Manager) setAudioDeviceSetupLocked(setup audio.DeviceSetup, treatAsChosen bool) error {
	if setup == m.currentSetup && m.current != nil {
		return nil
	}
	if setup != m.currentSetup {
		m.changes.send()
	}

	if setup.InputDeviceName == "" && setup.OutputDeviceName == "" {
		m.deleteCurrentDeviceLocked()
		m.currentSetup = setup
		if treatAsChosen {
			m.updateStateLocked()
		}
		return nil
	}

	t, err := m.resolveTypeLocked(setup)
	if err != nil {
		return err
	}

	if m.current != nil {
		m.current.Stop()
	}

	needsNewDevice := m.current == nil ||
		m.currentTypeName != t.TypeName() ||
		m.currentSetup.InputDeviceName != setup.InputDeviceName ||
		m.currentSetup.OutputDeviceName != setup.OutputDeviceName
	if needsNewDevice {
		m.deleteCurrentDeviceLocked()
		dev, err := t.CreateDevice(setup.OutputDeviceName, setup.InputDeviceName)
		if err != nil {
			return err
		}
		m.current = dev
		m.currentTypeName = t.TypeName()
		if rr, ok := dev.(audio.ResetRequester); ok {
			rr.SetResetHandler(func() { m.resetDevice(dev) })
		}
	}

	if !setup.UseDefaultInputChannels {
		m.numInputNeeded = setup.InputChannels.Count()
	}
	if !setup.UseDefaultOutputChannels {
		m.numOutputNeeded = setup.OutputChannels.Count()
	}
	m.currentSetup = resolveChannels(setup, m.numInputNeeded, m.numOutputNeeded)

	if m.currentSetup.InputChannels == 0 && m.currentSetup.OutputChannels == 0 {
		if treatAsChosen {
			m.updateStateLocked()
		}
		return nil
	}

	dev := m.current
	m.currentSetup.SampleRate = audio.ChooseSampleRate(m.currentSetup.SampleRate, dev.SampleRates())
	m.currentSetup.BufferSize = audio.ChooseBufferSize(m.currentSetup.BufferSize, dev.BufferSizes(), dev.DefaultBufferSize())

	if err := dev.Open(m.currentSetup.InputChannels, m.currentSetup.OutputChannels,
		m.currentSetup.SampleRate, m.currentSetup.BufferSize); err != nil {
		m.log.Error().Err(err).Str("device", dev.Name()).Msg("open failed")
		m.deleteCurrentDeviceLocked()
		return err
	}
	dev.Start(m.device)

	m.updateCurrentSetupLocked()
	m.userClosed = false
	if treatAsChosen {
		m.updateStateLocked()
	}
	m.log.Info().
		Str("type", m.currentTypeName).
		Str("output", m.currentSetup.OutputDeviceName).
		Str("input", m.currentSetup.InputDeviceName).
		Float64("rate", m.currentSetup.SampleRate).
		Int("buffer", m.currentSetup.BufferSize).
		Msg("audio device started")
	return nil
}

// resolveTypeLocked picks the type that lists the requested names: the
// current type if it does, otherwise the first type that does.
func (m *Manager) resolveTypeLocked(setup audio.DeviceSetup) (audio.DeviceType, error) {
	cur := m.currentTypeLocked()
	if cur == nil {
		return nil, ErrNoDeviceTypes
	}
	if offers(cur, setup.InputDeviceName, setup.OutputDeviceName) {
		return cur, nil
	}
	if t := m.typeOffering(setup.InputDeviceName, setup.OutputDeviceName); t != nil {
		return t, nil
	}
	if n := setup.OutputDeviceName; n != "" && !slices.Contains(cur.DeviceNames(false), n) {
		return nil, &audio.NoSuchDeviceError{Name: n}
	}
	return nil, &audio.NoSuchDeviceError{Name: setup.InputDeviceName}
}

// resolveChannels applies the default channel selection to each side that
// asks for it and clears the side without a device.
func resolveChannels(setup audio.DeviceSetup, numIn, numOut int) audio.DeviceSetup {
	switch {
	case setup.InputDeviceName == "":
		setup.InputChannels = 0
	case setup.UseDefaultInputChannels:
		setup.InputChannels = audio.ChannelRange(0, numIn)
	}
	switch {
	case setup.OutputDeviceName == "":
		setup.OutputChannels = 0
	case setup.UseDefaultOutputChannels:
		setup.OutputChannels = audio.ChannelRange(0, numOut)
	}
	return setup
}

// updateCurrentSetupLocked records what the device actually opened with.
func (m *Manager) updateCurrentSetupLocked() {
	dev := m.current
	if dev == nil || !dev.IsOpen() {
		return
	}
	m.currentSetup.SampleRate = dev.CurrentSampleRate()
	m.currentSetup.BufferSize = dev.CurrentBufferSize()
	m.currentSetup.InputChannels = dev.ActiveInputChannels()
	m.currentSetup.OutputChannels = dev.ActiveOutputChannels()
}

// updateStateLocked remembers the current setup as the explicit choice.
func (m *Manager) updateStateLocked() {
	s := &State{
		DeviceType:       m.currentTypeName,
		OutputDeviceName: m.currentSetup.OutputDeviceName,
		InputDeviceName:  m.currentSetup.InputDeviceName,
	}
	if dev := m.current; dev != nil && dev.IsOpen() {
		s.SampleRate = dev.CurrentSampleRate()
		if dev.DefaultBufferSize() != dev.CurrentBufferSize() {
			s.BufferSize = dev.CurrentBufferSize()
		}
		if !m.currentSetup.UseDefaultInputChannels {
			s.InputChannels = maskAttr(m.currentSetup.InputChannels)
		}
		if !m.currentSetup.UseDefaultOutputChannels {
			s.OutputChannels = maskAttr(m.currentSetup.OutputChannels)
		}
	}
	m.explicitAudio = s
}

func (m *Manager) deleteCurrentDeviceLocked() {
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
	m.currentSetup.InputDeviceName = ""
	m.currentSetup.OutputDeviceName = ""
}

// AudioDeviceSetup returns the current setup, with the rate, buffer size
// and channel masks the device actually opened with.
func (m *Manager) AudioDeviceSetup() audio.DeviceSetup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSetup
}

// CurrentAudioDevice returns the open device, or nil.
func (m *Manager) CurrentAudioDevice() audio.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentDeviceTypeName returns the name of the selected device type.
func (m *Manager) CurrentDeviceTypeName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.currentTypeLocked(); t != nil {
		return t.TypeName()
	}
	return ""
}

// SetCurrentDeviceType switches to another device type, reopening with the
// setup last used on that type, or its defaults.
func (m *Manager) SetCurrentDeviceType(name string, treatAsChosen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	t := m.findType(name)
	if t == nil {
		return fmt.Errorf("unknown device type %q", name)
	}
	m.scanLocked()
	if t.TypeName() == m.currentTypeName {
		return nil
	}

	m.typeSetups[m.currentTypeName] = m.currentSetup
	m.closeAudioDeviceLocked()
	m.currentTypeName = name

	setup, ok := m.typeSetups[name]
	if !ok {
		setup = audio.NewDeviceSetup()
	}
	setup = m.insertDefaultNamesLocked(setup)
	err := m.setAudioDeviceSetupLocked(setup, treatAsChosen)
	m.changes.send()
	return err
}

// CloseAudioDevice stops and closes the device. The setup is kept for
// RestartLastAudioDevice.
func (m *Manager) CloseAudioDevice() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAudioDeviceLocked()
	m.userClosed = true
	m.changes.send()
}

func (m *Manager) closeAudioDeviceLocked() {
	if m.current != nil {
		m.current.Stop()
		m.current.Close()
		m.current = nil
	}
	m.load.reset(0)
}

// RestartLastAudioDevice reopens the device closed by CloseAudioDevice.
func (m *Manager) RestartLastAudioDevice() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.current != nil {
		return nil
	}
	if m.currentSetup.InputDeviceName == "" && m.currentSetup.OutputDeviceName == "" {
		m.log.Debug().Msg("no device to restart")
		return nil
	}
	return m.setAudioDeviceSetupLocked(m.currentSetup, false)
}

// resetDevice closes a device that asked to be torn down and reopens it
// with the same setup.
func (m *Manager) resetDevice(dev audio.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.current != dev {
		return
	}
	setup := m.currentSetup
	m.log.Warn().Str("device", dev.Name()).Msg("device requested reset, reopening")

	m.closeAudioDeviceLocked()
	if err := m.setAudioDeviceSetupLocked(setup, false); err != nil {
		m.log.Error().Err(err).Str("device", dev.Name()).Msg("reopen after reset failed")
		return
	}
	m.restarts.Add(1)
}

// deviceListChanged reacts to a hot-plug rescan of any type.
func (m *Manager) deviceListChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	switch {
	case m.current != nil:
		if m.currentStillAvailableLocked() {
			m.updateCurrentSetupLocked()
			break
		}
		lost := m.currentSetup
		m.log.Warn().Str("output", lost.OutputDeviceName).Str("input", lost.InputDeviceName).
			Msg("audio device disappeared")
		m.closeAudioDeviceLocked()

		fallback := withoutDevices(&lost)
		var err error
		if s := m.explicitAudio; s != nil && s.HasAudio() {
			err = m.initialiseFromStateLocked(s.Clone(), true, m.preferredName, fallback)
		} else {
			err = m.initialiseDefaultLocked(m.preferredName, fallback)
		}
		if err != nil {
			m.log.Warn().Err(err).Msg("no replacement audio device")
		}
		m.restarts.Add(1)

	case !m.userClosed && m.explicitAudio != nil && m.explicitAudio.HasAudio():
		s := m.explicitAudio.Clone()
		setup := s.applyTo(audio.NewDeviceSetup())
		if m.typeOffering(setup.InputDeviceName, setup.OutputDeviceName) == nil {
			break
		}
		if err := m.initialiseFromStateLocked(s, false, m.preferredName, nil); err != nil {
			m.log.Warn().Err(err).Msg("reopening remembered device failed")
		} else {
			m.log.Info().Str("output", setup.OutputDeviceName).Msg("remembered audio device reconnected")
		}
	}
	m.changes.send()
}

func (m *Manager) currentStillAvailableLocked() bool {
	t := m.findType(m.current.TypeName())
	if t == nil || !m.current.IsOpen() {
		return false
	}
	return offers(t, m.currentSetup.InputDeviceName, m.currentSetup.OutputDeviceName)
}

// CreateStateXML returns the last explicitly chosen configuration, or nil if
// nothing was ever chosen.
func (m *Manager) CreateStateXML() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.midiMu.Lock()
	defer m.midiMu.Unlock()

	if m.explicitAudio == nil && !m.midiChosen {
		return nil
	}
	s := &State{}
	if m.explicitAudio != nil {
		s = m.explicitAudio.Clone()
	}
	s.MidiInputs = nil
	for _, name := range m.rememberedMidi {
		s.MidiInputs = append(s.MidiInputs, MidiInputState{Name: name})
	}
	s.DefaultMidiOutput = m.midiOutName
	return s
}

// XRunCount adds the device's own underrun count to the blocks that overran
// their time budget.
func (m *Manager) XRunCount() int {
	m.mu.Lock()
	dev := m.current
	m.mu.Unlock()

	n := m.load.xrunCount()
	if r, ok := dev.(audio.XRunReporter); ok {
		n += max(0, r.XRunCount())
	}
	return n
}

// CPUUsage is the filtered share of the block time spent in callbacks, in
// [0, 1].
func (m *Manager) CPUUsage() float64 { return m.load.load() }

// EnableInputLevelMeasurement turns input metering on or off. Calls are
// counted; metering stays on while any caller has it enabled.
func (m *Manager) EnableInputLevelMeasurement(enable bool) { m.inputLevel.enable(enable) }

// EnableOutputLevelMeasurement is the output-side counterpart.
func (m *Manager) EnableOutputLevelMeasurement(enable bool) { m.outputLevel.enable(enable) }

// InputLevel returns the held input level. It only moves while input
// measurement is enabled.
func (m *Manager) InputLevel() float64 { return m.inputLevel.get() }

// OutputLevel returns the held level of the mixed output.
func (m *Manager) OutputLevel() float64 { return m.outputLevel.get() }

// DeviceRestarts counts reopenings caused by device resets and hot-plug.
func (m *Manager) DeviceRestarts() int64 { return m.restarts.Load() }

// CallbackPanics counts recovered panics in application callbacks.
func (m *Manager) CallbackPanics() int64 { return m.panics.Load() }

// Close shuts the session down. The device types and MIDI system stay with
// their owner.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, t := range m.types {
		t.RemoveListener(m.typeWatcher)
	}
	m.midi.RemoveListener(m.portWatcher)
	m.closeAudioDeviceLocked()

	m.midiMu.Lock()
	err := m.closeMidiLocked()
	m.midiMu.Unlock()
	m.mu.Unlock()

	m.changes.close()
	return err
}

// typeWatcher and portWatcher are the identities registered with the
// device types and the MIDI system.
type typeWatcher struct{ m *Manager }

func (w *typeWatcher) DeviceListChanged() { w.m.deviceListChanged() }

type portWatcher struct{ m *Manager }

func (w *portWatcher) MidiPortsChanged() { w.m.midiPortsChanged() }
