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

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/loqalabs/loqa-hal/internal/audio"
	"github.com/loqalabs/loqa-hal/internal/config"
	"github.com/loqalabs/loqa-hal/internal/devicemanager"
	"github.com/loqalabs/loqa-hal/internal/hotplug"
	"github.com/loqalabs/loqa-hal/internal/metrics"
	"github.com/loqalabs/loqa-hal/internal/midi"
	"github.com/loqalabs/loqa-hal/internal/propfile"
)

// stateKey is the property under which the device manager state is kept.
const stateKey = "audioDeviceState"

// Simulated hardware offered when the simulated backend is enabled.
const (
	simulatedDevice    = "Simulated Interface"
	simulatedMicDevice = "Simulated Microphone"
)

// runtime owns everything a command needs: device types, the MIDI system,
// the device manager and the optional watchers and exporters.
type runtime struct {
	cfg *config.Config
	log zerolog.Logger

	backends  *audio.Backends
	simulated *audio.SimulatedDeviceType
	types     []audio.DeviceType
	midi      *midi.System
	nats      *midi.NATSConnectionAdapter
	manager   *devicemanager.Manager
	props     *propfile.File
	watcher   *hotplug.Watcher
	reporter  *metrics.Reporter

	cancelMetrics context.CancelFunc
	metricsDone   chan error
}

type runtimeOptions struct {
	// openAudio initialises the manager from saved state and opens a device.
	openAudio bool
	// serve starts the hot-plug watcher and the metrics server.
	serve bool
}

func newRuntime(cfg *config.Config, log zerolog.Logger, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: log}

	rt.backends = audio.NewBackends(cfg.BackendOptions(), log)
	rt.types = rt.backends.Types
	if cfg.HasBackend(config.BackendSimulated) {
		rt.simulated = newSimulatedType(log)
		rt.types = append(rt.types, rt.simulated)
	}
	if len(rt.types) == 0 {
		_ = rt.backends.Close()
		return nil, errors.New("no audio backend could be initialised")
	}

	midiSys, err := rt.newMidiSystem()
	if err != nil {
		_ = rt.backends.Close()
		return nil, err
	}
	rt.midi = midiSys
	rt.manager = devicemanager.New(rt.types, rt.midi, log)

	format, err := propfile.ParseFormat(cfg.State.Format)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if rt.props, err = propfile.Open(cfg.State.File, format, log); err != nil {
		rt.log.Warn().Err(err).Msg("ignoring unreadable state file")
		rt.props = nil
	}

	if opts.openAudio {
		if err := rt.initialise(); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	if opts.serve {
		rt.startServices()
	}
	return rt, nil
}

func newSimulatedType(log zerolog.Logger) *audio.SimulatedDeviceType {
	t := audio.NewSimulatedDeviceType(audio.SimulatedTypeName, log)
	t.AddDevice(audio.SimulatedDeviceSpec{Name: simulatedDevice, InputChannels: 2, OutputChannels: 2})
	t.AddDevice(audio.SimulatedDeviceSpec{Name: simulatedMicDevice, InputChannels: 1})
	t.SetDefaultDevices(simulatedDevice, simulatedDevice)
	t.SetSeparateInputsAndOutputs(true)
	t.SetRealtime(true)
	return t
}

func (rt *runtime) newMidiSystem() (*midi.System, error) {
	var backends []midi.Backend
	if len(rt.cfg.MIDI.VirtualPorts) > 0 {
		backends = append(backends, midi.NewVirtualBackend("Virtual", rt.cfg.MIDI.VirtualPorts...))
	}
	if rt.cfg.MIDI.Jack {
		backends = append(backends, midi.NewJackBackend(rt.cfg.BackendOptions().JackClientName+"-midi", rt.log))
	}
	if url := rt.cfg.MIDI.NATS.URL; url != "" {
		conn, err := midi.ConnectNATS(url, 3, time.Second, rt.log)
		if err != nil {
			return nil, err
		}
		rt.nats = conn
		backends = append(backends, midi.NewNATSBackend(conn, rt.cfg.MIDI.NATS.SubjectPrefix, rt.cfg.MIDI.NATS.Ports, rt.log))
	}
	return midi.NewSystem(rt.log, backends...), nil
}

// savedState reads the manager state from the property file, or nil.
func (rt *runtime) savedState() *devicemanager.State {
	if rt.props == nil {
		return nil
	}
	text, ok := rt.props.Get(stateKey)
	if !ok {
		return nil
	}
	state, err := devicemanager.ParseState([]byte(text))
	if err != nil {
		rt.log.Warn().Err(err).Msg("ignoring saved device state")
		return nil
	}
	return state
}

func (rt *runtime) initialise() error {
	a := rt.cfg.Audio
	err := rt.manager.Initialise(a.InputChannels, a.OutputChannels, rt.savedState(),
		a.SelectDefaultOnFailure, a.PreferredDevice, rt.cfg.PreferredSetup())
	if err != nil {
		return fmt.Errorf("open audio device: %w", err)
	}
	if rt.manager.CurrentAudioDevice() == nil {
		return errors.New("no audio device available")
	}
	return nil
}

func (rt *runtime) startServices() {
	if rt.cfg.Hotplug.Enabled {
		w, err := hotplug.New(rt.cfg.Hotplug.Paths, rt.cfg.Hotplug.Debounce, hotplug.Rescan(rt.types, rt.midi), rt.log)
		if err != nil {
			rt.log.Info().Err(err).Msg("hot-plug watching disabled")
		} else {
			rt.watcher = w
		}
	}
	if addr := rt.cfg.Metrics.Addr; addr != "" {
		rt.reporter = metrics.NewReporter(rt.manager)
		ctx, cancel := context.WithCancel(context.Background())
		rt.cancelMetrics = cancel
		rt.metricsDone = make(chan error, 1)
		go func() { rt.metricsDone <- rt.reporter.Serve(ctx, addr, rt.log) }()
	}
}

// saveState stores the manager state if the user made an explicit choice.
func (rt *runtime) saveState() error {
	if rt.props == nil {
		return nil
	}
	state := rt.manager.CreateStateXML()
	if state == nil {
		return nil
	}
	data, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("encode device state: %w", err)
	}
	rt.props.Set(stateKey, string(data))
	return rt.props.SaveIfNeeded()
}

// Close saves state and releases everything in reverse order of creation.
func (rt *runtime) Close() error {
	var errs []error
	if rt.cancelMetrics != nil {
		rt.cancelMetrics()
		if err := <-rt.metricsDone; err != nil {
			errs = append(errs, err)
		}
	}
	if rt.reporter != nil {
		rt.reporter.Close()
	}
	if rt.watcher != nil {
		errs = append(errs, rt.watcher.Close())
	}
	if rt.manager != nil {
		errs = append(errs, rt.saveState(), rt.manager.Close())
	}
	if rt.midi != nil {
		errs = append(errs, rt.midi.Close())
	}
	if rt.nats != nil {
		rt.nats.Close()
	}
	errs = append(errs, rt.backends.Close())
	return errors.Join(errs...)
}
