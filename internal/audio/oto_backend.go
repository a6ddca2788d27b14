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
	"slices"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"

	"github.com/loqalabs/loqa-hal/internal/sampleformat"
)

// OtoTypeName is the type name of the output-only oto backend.
const OtoTypeName = "Oto"

// OtoOutputName is the single device the oto backend offers.
const OtoOutputName = "System Output"

var errOtoRateLocked = errors.New("oto context already running at a different sample rate")

// OtoDeviceType wraps the process-wide oto context. oto allows one context
// per process and fixes its sample rate at creation.
type OtoDeviceType struct {
	typeBase

	channels int

	mu   sync.Mutex
	ctx  *oto.Context
	rate float64
}

// NewOtoDeviceType creates the type with the given output channel count.
func NewOtoDeviceType(log zerolog.Logger, channels int) *OtoDeviceType {
	if channels <= 0 {
		channels = 2
	}
	t := &OtoDeviceType{channels: channels}
	t.init(OtoTypeName, log)
	return t
}

func (t *OtoDeviceType) ScanForDevices() {
	t.publish(&deviceList{outputs: []string{OtoOutputName}})
}

func (t *OtoDeviceType) HasSeparateInputsAndOutputs() bool { return true }

func (t *OtoDeviceType) CreateDevice(outputName, inputName string) (Device, error) {
	if inputName != "" {
		return nil, &NoSuchDeviceError{Name: inputName}
	}
	if err := t.validatePair(outputName, "", true); err != nil {
		return nil, err
	}
	d := &OtoDevice{owner: t}
	d.init(d, outputName, t.name, t.log)
	return d, nil
}

// context returns the shared context, creating it at rate on first use.
func (t *OtoDeviceType) context(rate float64, bufferFrames int) (*oto.Context, float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx != nil {
		return t.ctx, t.rate, nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   int(rate),
		ChannelCount: t.channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   bufferDuration(bufferFrames, rate),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready
	t.ctx, t.rate = ctx, rate
	return ctx, rate, nil
}

func (t *OtoDeviceType) lockedRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

// OtoDevice pulls audio from the callback whenever oto reads its player.
type OtoDevice struct {
	deviceCore

	owner  *OtoDeviceType
	player *oto.Player
	format sampleformat.Format

	pullMu sync.Mutex
	pulled []byte
}

func (d *OtoDevice) OutputChannelNames() []string { return channelNames("Output", d.owner.channels) }
func (d *OtoDevice) InputChannelNames() []string  { return nil }

func (d *OtoDevice) SampleRates() []float64 {
	if r := d.owner.lockedRate(); r > 0 {
		return []float64{r}
	}
	return []float64{44100, 48000}
}

func (d *OtoDevice) BufferSizes() []int    { return slices.Clone(StandardBufferSizes) }
func (d *OtoDevice) DefaultBufferSize() int { return 1024 }

func (d *OtoDevice) Open(inputChannels, outputChannels ChannelMask, sampleRate float64, bufferSize int) error {
	d.Close()

	outputChannels = outputChannels.Limit(d.owner.channels)
	if outputChannels == 0 {
		return d.fail(ErrNoChannels)
	}

	rate := ChooseSampleRate(sampleRate, d.SampleRates())
	size := ChooseBufferSize(bufferSize, d.BufferSizes(), d.DefaultBufferSize())

	ctx, actual, err := d.owner.context(rate, size)
	if err != nil {
		return d.fail(err)
	}
	if actual != rate {
		return d.fail(fmt.Errorf("%w: %v", errOtoRateLocked, actual))
	}

	d.format = sampleformat.Format{Encoding: sampleformat.Float32}
	d.io.prepare(0, outputChannels, 0, d.owner.channels, size)

	player := ctx.NewPlayer(&otoReader{d: d})
	player.SetBufferSize(size * d.owner.channels * 4)
	d.player = player
	d.commit(rate, size, 32, 0, outputChannels, 0, size)
	player.Play()

	d.log.Info().Float64("rate", rate).Int("buffer", size).Msg("oto player started")
	return nil
}

func (d *OtoDevice) encode(hw [][]float32, off, k int) {
	numOut := d.owner.channels
	for ch := 0; ch < numOut; ch++ {
		if hw[ch] != nil {
			d.format.FromFloat(d.pulled, hw[ch], off*numOut+ch, numOut, k)
		} else {
			d.format.Silence(d.pulled, off*numOut+ch, numOut, k)
		}
	}
}

func (d *OtoDevice) Close() {
	d.Stop()
	if !d.markClosed() {
		return
	}
	if d.player != nil {
		d.player.Pause()
		if err := d.player.Close(); err != nil {
			d.log.Debug().Err(err).Msg("close player")
		}
		d.player = nil
	}
}

type otoReader struct {
	d *OtoDevice
}

// Read renders whole frames into p. A closed device produces silence.
func (r *otoReader) Read(p []byte) (int, error) {
	d := r.d
	frameBytes := d.owner.channels * 4
	frames := len(p) / frameBytes
	if frames == 0 || !d.IsOpen() {
		clear(p)
		return len(p), nil
	}

	d.pullMu.Lock()
	defer d.pullMu.Unlock()
	d.pulled = p[:frames*frameBytes]
	d.runBlock(frames, nil, d.encode)
	d.pulled = nil
	return frames * frameBytes, nil
}

func bufferDuration(frames int, rate float64) time.Duration {
	if rate <= 0 || frames <= 0 {
		return 0
	}
	return time.Duration(float64(frames) / rate * float64(time.Second))
}
