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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
	"github.com/smallnest/ringbuffer"

	"github.com/loqalabs/loqa-hal/internal/audio"
	"github.com/loqalabs/loqa-hal/internal/sampleformat"
)

// ErrRecorderClosed is returned when closing a recorder twice.
var ErrRecorderClosed = errors.New("recorder closed")

const (
	recorderBufferSeconds = 2
	recorderPollInterval  = 20 * time.Millisecond
)

// Recorder is an audio callback that writes device input to a WAV file.
// The audio callback only copies into a ring buffer; a writer goroutine
// encodes from it. Blocks that do not fit in the ring are dropped and
// counted. The callback writes silence to its outputs.
type Recorder struct {
	log         zerolog.Logger
	w           io.WriteSeeker
	numChannels int
	bitDepth    int

	ring    atomic.Pointer[ringbuffer.RingBuffer]
	scratch []byte
	wake    chan struct{}
	closing atomic.Bool
	frames  atomic.Int64
	dropped atomic.Int64

	mu     sync.Mutex
	enc    *wav.Encoder
	rate   int
	stop   chan struct{}
	done   chan struct{}
	err    error
	closed bool
}

var ringFormat = sampleformat.Native(sampleformat.Int32)

// NewRecorder returns a recorder writing numChannels of bitDepth PCM to w.
// The file's sample rate is the rate of the first device it is started on.
func NewRecorder(w io.WriteSeeker, numChannels, bitDepth int, log zerolog.Logger) (*Recorder, error) {
	if numChannels <= 0 {
		return nil, fmt.Errorf("recorder needs at least one channel, got %d", numChannels)
	}
	switch bitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit recording", ErrUnsupportedFormat, bitDepth)
	}
	return &Recorder{
		log:         log.With().Str("component", "recorder").Logger(),
		w:           w,
		numChannels: numChannels,
		bitDepth:    bitDepth,
		wake:        make(chan struct{}, 1),
	}, nil
}

// Frames returns the number of frames handed to the writer.
func (r *Recorder) Frames() int64 { return r.frames.Load() }

// Dropped returns the number of frames lost because the writer fell behind.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) frameBytes() int { return r.numChannels * ringFormat.BytesPerSample() }

func (r *Recorder) AboutToStart(dev audio.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	rate := int(dev.CurrentSampleRate())
	r.scratch = make([]byte, max(dev.CurrentBufferSize(), 1)*r.frameBytes())

	if r.enc != nil {
		if rate != r.rate {
			r.log.Warn().Int("file_rate", r.rate).Int("device_rate", rate).Msg("device rate differs from recording rate")
		}
		return
	}

	r.rate = rate
	r.enc = wav.NewEncoder(r.w, rate, r.bitDepth, r.numChannels, 1)
	ring := ringbuffer.New(max(rate, 1) * recorderBufferSeconds * r.frameBytes())
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.writeLoop(ring, r.stop, r.done)
	r.ring.Store(ring)
	r.log.Info().Int("rate", rate).Int("channels", r.numChannels).Int("bit_depth", r.bitDepth).Msg("recording started")
}

func (r *Recorder) Process(in, out [][]float32, n int) {
	audio.ZeroChannels(out, n)
	ring := r.ring.Load()
	if r.closing.Load() || ring == nil {
		return
	}

	size := n * r.frameBytes()
	if len(r.scratch) < size {
		r.scratch = make([]byte, size)
	}
	buf := r.scratch[:size]
	ringFormat.Interleave(buf, in, r.numChannels, n)

	if ring.Free() < size {
		r.dropped.Add(int64(n))
		return
	}
	if _, err := ring.Write(buf); err != nil {
		r.dropped.Add(int64(n))
		return
	}
	r.frames.Add(int64(n))
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) Stopped() {}

// Close drains pending audio, finalises the WAV header and stops the
// writer. The underlying writer is not closed.
func (r *Recorder) Close() error {
	r.closing.Store(true)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	r.closed = true
	enc, stop, done := r.enc, r.stop, r.done
	r.mu.Unlock()

	if enc == nil {
		return nil
	}
	close(stop)
	<-done

	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if cerr := enc.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("finalise wav: %w", cerr))
	}
	r.log.Info().Int64("frames", r.Frames()).Int64("dropped", r.Dropped()).Msg("recording finished")
	return err
}

func (r *Recorder) writeLoop(ring *ringbuffer.RingBuffer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(recorderPollInterval)
	defer ticker.Stop()

	var pending []byte
	chunk := make([]byte, 64*1024)
	samples := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: r.numChannels, SampleRate: r.rate},
		SourceBitDepth: r.bitDepth,
	}
	shift := 32 - r.bitDepth
	fb := r.frameBytes()

	drain := func() {
		for {
			n, err := ring.Read(chunk)
			if n > 0 {
				pending = append(pending, chunk[:n]...)
			}
			if err != nil || n == 0 {
				break
			}
		}
		whole := len(pending) / fb * fb
		if whole == 0 {
			return
		}
		count := whole / 4
		samples.Data = resizeInts(samples.Data, count)
		for i := 0; i < count; i++ {
			v := int32(binary.NativeEndian.Uint32(pending[i*4:]))
			samples.Data[i] = int(v >> shift)
		}
		pending = append(pending[:0], pending[whole:]...)

		if err := r.enc.Write(samples); err != nil {
			r.mu.Lock()
			if r.err == nil {
				r.err = fmt.Errorf("write wav: %w", err)
				r.log.Error().Err(err).Msg("recording write failed")
			}
			r.mu.Unlock()
		}
	}

	for {
		select {
		case <-stop:
			drain()
			return
		case <-r.wake:
			drain()
		case <-ticker.C:
			drain()
		}
	}
}

func resizeInts(s []int, n int) []int {
	if cap(s) < n {
		return make([]int, n)
	}
	return s[:n]
}
