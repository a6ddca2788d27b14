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
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-hal/internal/audio"
	"github.com/loqalabs/loqa-hal/internal/midi"
	"github.com/loqalabs/loqa-hal/internal/sources"
)

const pollInterval = 20 * time.Millisecond

// waitFor blocks until ctx ends, d elapses (when positive) or done reports
// true (when non-nil).
func waitFor(ctx context.Context, d time.Duration, done func() bool) {
	var deadline <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
			if done != nil && done() {
				return
			}
		}
	}
}

// deviceFlags select a device explicitly; a choice made this way is saved.
type deviceFlags struct {
	output string
	input  string
}

func (f *deviceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.output, "output", "", "output device name (saved as the new choice)")
	cmd.Flags().StringVar(&f.input, "input", "", "input device name (saved as the new choice)")
}

func (f *deviceFlags) apply(rt *runtime) error {
	if f.output == "" && f.input == "" {
		return nil
	}
	setup := rt.manager.AudioDeviceSetup()
	if f.output != "" {
		setup.OutputDeviceName = f.output
	}
	if f.input != "" {
		setup.InputDeviceName = f.input
	}
	return rt.manager.SetAudioDeviceSetup(setup, true)
}

func (a *app) openAudio(devs *deviceFlags) (*runtime, audio.Device, error) {
	rt, err := a.runtime(runtimeOptions{openAudio: true, serve: true})
	if err != nil {
		return nil, nil, err
	}
	if err := devs.apply(rt); err != nil {
		_ = rt.Close()
		return nil, nil, err
	}
	dev := rt.manager.CurrentAudioDevice()
	if dev == nil {
		_ = rt.Close()
		return nil, nil, errors.New("no audio device open")
	}
	return rt, dev, nil
}

func (a *app) devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List device types and their devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.runtime(runtimeOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			for _, t := range rt.types {
				t.ScanForDevices()
				a.printf("%s\n", t.TypeName())
				if t.HasSeparateInputsAndOutputs() {
					a.printDevices("outputs", t.DeviceNames(false), t.DefaultDeviceIndex(false))
					a.printDevices("inputs", t.DeviceNames(true), t.DefaultDeviceIndex(true))
				} else {
					a.printDevices("devices", t.DeviceNames(false), t.DefaultDeviceIndex(false))
				}
			}
			return nil
		},
	}
}

func (a *app) printDevices(label string, names []string, def int) {
	if len(names) == 0 {
		a.printf("  %s: none\n", label)
		return
	}
	a.printf("  %s:\n", label)
	for i, n := range names {
		marker := " "
		if i == def {
			marker = "*"
		}
		a.printf("   %s %s\n", marker, n)
	}
}

func (a *app) toneCmd() *cobra.Command {
	var (
		devs      deviceFlags
		frequency float64
		gain      float32
		duration  time.Duration
		testSound bool
	)
	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Play a sine tone on the current output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, dev, err := a.openAudio(&devs)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if testSound {
				rt.manager.PlayTestSound()
				waitFor(cmd.Context(), 0, func() bool { return !rt.manager.IsPlayingTestSound() })
				a.printf("played test sound on %s\n", dev.Name())
				return nil
			}

			player := sources.NewPlayer()
			player.SetGain(gain)
			player.SetSource(sources.NewTone(frequency, 1))
			rt.manager.AddAudioCallback(player)
			waitFor(cmd.Context(), duration, nil)
			rt.manager.RemoveAudioCallback(player)

			a.printf("played %.1f Hz on %s at %.0f Hz\n", frequency, dev.Name(), dev.CurrentSampleRate())
			return nil
		},
	}
	devs.register(cmd)
	cmd.Flags().Float64Var(&frequency, "frequency", 440, "tone frequency in Hz")
	cmd.Flags().Float32Var(&gain, "gain", 0.25, "linear output gain")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Second, "how long to play")
	cmd.Flags().BoolVar(&testSound, "test-sound", false, "play the one second routing test sound instead")
	return cmd
}

func (a *app) playCmd() *cobra.Command {
	var (
		devs     deviceFlags
		gain     float32
		loop     bool
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "play <file>",
		Short: "Play a WAV, AIFF, MP3 or Ogg Vorbis file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clip, err := sources.LoadFile(args[0])
			if err != nil {
				return err
			}

			rt, dev, err := a.openAudio(&devs)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			transport := sources.NewTransport(clip)
			transport.SetLooping(loop)
			player := sources.NewPlayer()
			player.SetGain(gain)
			player.SetSource(transport)
			transport.Start()

			rt.manager.AddAudioCallback(player)
			waitFor(cmd.Context(), duration, transport.HasFinished)
			rt.manager.RemoveAudioCallback(player)

			a.printf("played %s (%.2fs at %.0f Hz) on %s\n", args[0], clip.Duration(), clip.SampleRate, dev.Name())
			return nil
		},
	}
	devs.register(cmd)
	cmd.Flags().Float32Var(&gain, "gain", 1, "linear output gain")
	cmd.Flags().BoolVar(&loop, "loop", false, "loop until interrupted or --duration elapses")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 plays to the end)")
	return cmd
}

func (a *app) recordCmd() *cobra.Command {
	var (
		devs     deviceFlags
		channels int
		bits     int
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "record <file>",
		Short: "Record the current input to a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration <= 0 {
				return errors.New("--duration must be positive")
			}

			rt, dev, err := a.openAudio(&devs)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if channels <= 0 {
				channels = dev.ActiveInputChannels().Count()
			}
			if channels == 0 {
				return fmt.Errorf("device %s has no active inputs", dev.Name())
			}

			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("create recording: %w", err)
			}
			defer func() { _ = f.Close() }()

			rec, err := sources.NewRecorder(f, channels, bits, a.log)
			if err != nil {
				return err
			}
			rt.manager.AddAudioCallback(rec)
			waitFor(cmd.Context(), duration, nil)
			rt.manager.RemoveAudioCallback(rec)
			if err := rec.Close(); err != nil {
				return err
			}

			a.printf("recorded %d frames (%d dropped) from %s to %s\n", rec.Frames(), rec.Dropped(), dev.Name(), args[0])
			return nil
		},
	}
	devs.register(cmd)
	cmd.Flags().IntVar(&channels, "channels", 0, "channels to record (default all active inputs)")
	cmd.Flags().IntVar(&bits, "bits", 16, "bit depth: 16, 24 or 32")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "recording length")
	return cmd
}

func (a *app) midiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "midi",
		Short: "List and monitor MIDI ports",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List MIDI inputs and outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.runtime(runtimeOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			a.printDevices("inputs", rt.midi.Inputs(), -1)
			a.printDevices("outputs", rt.midi.Outputs(), -1)
			return nil
		},
	})
	cmd.AddCommand(a.midiMonitorCmd())
	return cmd
}

func (a *app) midiMonitorCmd() *cobra.Command {
	var (
		duration time.Duration
		count    int64
	)
	cmd := &cobra.Command{
		Use:   "monitor [port...]",
		Short: "Print messages arriving on MIDI inputs (all inputs by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(runtimeOptions{serve: true})
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			ports := args
			if len(ports) == 0 {
				ports = rt.midi.Inputs()
			}
			if len(ports) == 0 {
				return errors.New("no MIDI inputs available")
			}

			var (
				outMu sync.Mutex
				seen  atomic.Int64
			)
			cb := &midi.InputCallbackFuncs{
				OnMessage: func(src *midi.Input, msg midi.Message) {
					outMu.Lock()
					a.printf("%10.3f  %-16s %s\n", msg.Timestamp, src.Name(), msg)
					outMu.Unlock()
					seen.Add(1)
				},
			}
			for _, p := range ports {
				if err := rt.manager.SetMidiInputEnabled(p, true); err != nil {
					return err
				}
				rt.manager.AddMidiInputCallback(p, cb)
			}
			defer func() {
				for _, p := range ports {
					rt.manager.RemoveMidiInputCallback(p, cb)
				}
			}()

			a.log.Info().Strs("ports", ports).Msg("monitoring MIDI")
			waitFor(cmd.Context(), duration, func() bool { return count > 0 && seen.Load() >= count })
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().Int64Var(&count, "count", 0, "stop after this many messages")
	return cmd
}

func (a *app) stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the saved device state",
	}
	var current bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the saved device state XML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.runtime(runtimeOptions{openAudio: current})
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if current {
				a.printf("%s\n", rt.manager.AudioDeviceSetup())
				return nil
			}
			state := rt.savedState()
			if state == nil {
				a.printf("no saved device state in %s\n", a.cfg.State.File)
				return nil
			}
			data, err := state.Marshal()
			if err != nil {
				return err
			}
			a.printf("%s\n", data)
			return nil
		},
	}
	show.Flags().BoolVar(&current, "current", false, "open the device and print the live setup instead")
	cmd.AddCommand(show)
	return cmd
}
