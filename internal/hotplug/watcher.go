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

// Package hotplug turns filesystem activity under device directories such
// as /dev/snd into device list rescans.
package hotplug

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/loqalabs/loqa-hal/internal/audio"
	"github.com/loqalabs/loqa-hal/internal/midi"
)

// DefaultDebounce is the quiet period after the last event before a rescan.
const DefaultDebounce = 250 * time.Millisecond

// ErrNoPaths is returned when none of the requested paths can be watched.
var ErrNoPaths = errors.New("no watchable hot-plug paths")

// Rescan returns a change handler that rescans every hot-plug aware audio
// device type and the MIDI port list. Either argument may be nil.
func Rescan(types []audio.DeviceType, midiSys *midi.System) func() {
	return func() {
		audio.NotifyHotplug(types)
		if midiSys != nil {
			midiSys.PortsChanged()
		}
	}
}

// Watcher calls a handler once per burst of create, remove or rename
// events under its paths.
type Watcher struct {
	log      zerolog.Logger
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onChange func()

	triggers atomic.Int64
	done     chan struct{}
	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
}

// New watches paths and calls onChange after each burst of activity has
// been quiet for debounce. Paths that cannot be watched are skipped with a
// warning; if none can be, New fails with ErrNoPaths.
func New(paths []string, debounce time.Duration, onChange func(), log zerolog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create hot-plug watcher: %w", err)
	}

	w := &Watcher{
		log:      log.With().Str("component", "hotplug").Logger(),
		fsw:      fsw,
		debounce: debounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}

	watched := 0
	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			w.log.Warn().Err(err).Str("path", p).Msg("cannot watch path")
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = fsw.Close()
		return nil, ErrNoPaths
	}

	w.wg.Add(1)
	go w.loop()
	w.log.Info().Strs("paths", fsw.WatchList()).Dur("debounce", debounce).Msg("watching for device changes")
	return w, nil
}

// Triggers counts how many times the handler has run.
func (w *Watcher) Triggers() int64 { return w.triggers.Load() }

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("device node event")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.triggers.Add(1)
			w.log.Info().Msg("device nodes changed, rescanning")
			if w.onChange != nil {
				w.onChange()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("hot-plug watcher error")
		}
	}
}

// Close stops watching. A pending rescan is dropped.
func (w *Watcher) Close() error {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return nil
	}
	w.closed = true
	w.closeMu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
