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

package hotplug

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-hal/internal/audio"
	"github.com/loqalabs/loqa-hal/internal/midi"
)

type countingListener struct{ calls atomic.Int32 }

func (c *countingListener) DeviceListChanged() { c.calls.Add(1) }
func (c *countingListener) MidiPortsChanged()  { c.calls.Add(1) }

func TestWatcher(t *testing.T) {
	t.Run("burst_is_debounced", func(t *testing.T) {
		dir := t.TempDir()
		var calls atomic.Int32
		w, err := New([]string{dir}, 50*time.Millisecond, func() { calls.Add(1) }, zerolog.Nop())
		require.NoError(t, err)
		defer func() { _ = w.Close() }() // Ignore errors during test cleanup

		for _, name := range []string{"pcmC1D0p", "pcmC1D0c", "controlC1"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
		}

		assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
		time.Sleep(150 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, int64(1), w.Triggers())

		require.NoError(t, os.Remove(filepath.Join(dir, "controlC1")))
		assert.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("missing_paths_are_skipped", func(t *testing.T) {
		dir := t.TempDir()
		w, err := New([]string{filepath.Join(dir, "nope"), dir}, 0, nil, zerolog.Nop())
		require.NoError(t, err)
		assert.NoError(t, w.Close())
		assert.NoError(t, w.Close())
	})

	t.Run("no_watchable_paths", func(t *testing.T) {
		_, err := New([]string{filepath.Join(t.TempDir(), "nope")}, 0, nil, zerolog.Nop())
		assert.ErrorIs(t, err, ErrNoPaths)
	})

	t.Run("rescans_device_types_and_midi", func(t *testing.T) {
		dt := audio.NewSimulatedDeviceType("", zerolog.Nop())
		dt.AddDevice(audio.SimulatedDeviceSpec{Name: "Card", OutputChannels: 2})
		dt.ScanForDevices()
		audioListener := &countingListener{}
		dt.AddListener(audioListener)

		sys := midi.NewSystem(zerolog.Nop(), midi.NewVirtualBackend("virtual", "Keys"))
		defer func() { _ = sys.Close() }() // Ignore errors during test cleanup
		midiListener := &countingListener{}
		sys.AddListener(midiListener)

		dir := t.TempDir()
		w, err := New([]string{dir}, 20*time.Millisecond, Rescan([]audio.DeviceType{dt}, sys), zerolog.Nop())
		require.NoError(t, err)
		defer func() { _ = w.Close() }() // Ignore errors during test cleanup

		require.NoError(t, os.WriteFile(filepath.Join(dir, "card2"), nil, 0o644))
		assert.Eventually(t, func() bool {
			return audioListener.calls.Load() >= 1 && midiListener.calls.Load() >= 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}
