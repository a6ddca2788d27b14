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

package sources

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/aiff"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"

	"github.com/loqalabs/loqa-hal/internal/sampleformat"
)

// Clip is a decoded file held in memory as non-interleaved float channels.
type Clip struct {
	SampleRate float64
	Channels   [][]float32
}

// Frames returns the clip length in sample frames.
func (c *Clip) Frames() int64 {
	if len(c.Channels) == 0 {
		return 0
	}
	return int64(len(c.Channels[0]))
}

// Duration returns the clip length in seconds.
func (c *Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(c.Frames()) / c.SampleRate
}

// Decoder reads a whole file into a Clip.
type Decoder func(r io.ReadSeeker) (*Clip, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]Decoder{
		".wav":  DecodeWAV,
		".wave": DecodeWAV,
		".aif":  DecodeAIFF,
		".aiff": DecodeAIFF,
		".mp3":  DecodeMP3,
		".ogg":  DecodeVorbis,
		".oga":  DecodeVorbis,
	}
)

// RegisterDecoder installs d for files with the given extension, replacing
// any existing decoder.
func RegisterDecoder(ext string, d Decoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[strings.ToLower(ext)] = d
}

func decoderFor(ext string) (Decoder, bool) {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	d, ok := decoders[strings.ToLower(ext)]
	return d, ok
}

// Decode decodes r using the decoder registered for ext (".wav", ".mp3"...).
func Decode(r io.ReadSeeker, ext string) (*Clip, error) {
	d, ok := decoderFor(ext)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	clip, err := d(r)
	if err != nil {
		return nil, err
	}
	if clip.Frames() == 0 {
		return nil, ErrEmptyClip
	}
	return clip, nil
}

// LoadFile decodes the file at path, choosing the decoder by extension.
func LoadFile(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer func() { _ = f.Close() }()

	clip, err := Decode(f, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return clip, nil
}

// DecodeWAV decodes integer PCM WAV files of 8 to 32 bits.
func DecodeWAV(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a WAV file", ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read WAV samples: %w", err)
	}
	return clipFromInts(buf, int(dec.BitDepth))
}

// DecodeAIFF decodes integer PCM AIFF files.
func DecodeAIFF(r io.ReadSeeker) (*Clip, error) {
	dec := aiff.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not an AIFF file", ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read AIFF samples: %w", err)
	}
	return clipFromInts(buf, int(dec.BitDepth))
}

func clipFromInts(buf *goaudio.IntBuffer, bitDepth int) (*Clip, error) {
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("%w: missing format", ErrUnsupportedFormat)
	}
	var scale float32
	switch bitDepth {
	case 8:
		scale = 1 << 7
	case 16:
		scale = 1 << 15
	case 24:
		scale = 1 << 23
	case 32:
		scale = 1 << 31
	default:
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, bitDepth)
	}

	numCh := buf.Format.NumChannels
	frames := len(buf.Data) / numCh
	clip := newClip(float64(buf.Format.SampleRate), numCh, frames)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < numCh; ch++ {
			clip.Channels[ch][i] = float32(buf.Data[i*numCh+ch]) / scale
		}
	}
	return clip, nil
}

// DecodeMP3 decodes MPEG-1/2 layer III. The decoder always yields
// 16-bit little-endian stereo.
func DecodeMP3(r io.ReadSeeker) (*Clip, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	data, err := io.ReadAll(dec)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read MP3 samples: %w", err)
	}

	const numCh = 2
	f := sampleformat.Format{Encoding: sampleformat.Int16}
	frames := len(data) / (numCh * f.BytesPerSample())
	clip := newClip(float64(dec.SampleRate()), numCh, frames)
	f.Deinterleave(clip.Channels, data, numCh, frames)
	return clip, nil
}

// DecodeVorbis decodes Ogg Vorbis.
func DecodeVorbis(r io.ReadSeeker) (*Clip, error) {
	data, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	if format.Channels <= 0 {
		return nil, fmt.Errorf("%w: no channels", ErrUnsupportedFormat)
	}

	frames := len(data) / format.Channels
	clip := newClip(float64(format.SampleRate), format.Channels, frames)
	sampleformat.DeinterleaveFloats(clip.Channels, data, format.Channels, frames)
	return clip, nil
}

func newClip(rate float64, numCh, frames int) *Clip {
	c := &Clip{SampleRate: rate, Channels: make([][]float32, numCh)}
	for ch := range c.Channels {
		c.Channels[ch] = make([]float32, frames)
	}
	return c
}
