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

package audio

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// BackendOptions selects which platform backends are instantiated.
type BackendOptions struct {
	PortAudio bool
	Miniaudio bool
	Jack      bool
	Oto       bool

	JackClientName string
	OtoChannels    int
	Quirks         BufferSizeQuirks
}

// DefaultBackendOptions enables every backend.
func DefaultBackendOptions() BackendOptions {
	return BackendOptions{
		PortAudio:      true,
		Miniaudio:      true,
		Jack:           true,
		Oto:            true,
		JackClientName: "loqa-hal",
		OtoChannels:    2,
		Quirks:         DefaultBufferSizeQuirks,
	}
}

// Backends owns the platform device types and the native resources behind
// them.
type Backends struct {
	Types []DeviceType

	portaudio *PortAudioHost
	miniaudio *MiniaudioDeviceType
}

// NewBackends creates the enabled device types. A backend whose native
// library fails to initialise is skipped with a warning.
func NewBackends(opts BackendOptions, log zerolog.Logger) *Backends {
	log = log.With().Str("component", "audio").Logger()
	b := &Backends{}

	if opts.PortAudio {
		host := NewPortAudioHost(log, opts.Quirks)
		types, err := host.DeviceTypes()
		if err != nil {
			log.Warn().Err(err).Msg("portaudio unavailable")
		} else {
			b.portaudio = host
			b.Types = append(b.Types, types...)
		}
	}
	if opts.Miniaudio {
		b.miniaudio = NewMiniaudioDeviceType(log, nil)
		b.Types = append(b.Types, b.miniaudio)
	}
	if opts.Jack {
		b.Types = append(b.Types, NewJackDeviceType(log, opts.JackClientName))
	}
	if opts.Oto {
		b.Types = append(b.Types, NewOtoDeviceType(log, opts.OtoChannels))
	}
	return b
}

// Close releases native resources. Devices must be closed first.
func (b *Backends) Close() error {
	var errs []error
	if b.miniaudio != nil {
		if err := b.miniaudio.Close(); err != nil {
			errs = append(errs, fmt.Errorf("miniaudio: %w", err))
		}
	}
	if b.portaudio != nil {
		if err := b.portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: %w", err))
		}
	}
	return errors.Join(errs...)
}
