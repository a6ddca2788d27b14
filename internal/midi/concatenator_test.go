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

package midi

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	messages     []Message
	partials     [][]byte
	partialTimes []float64
}

func (r *recorder) HandleMessage(_ *Input, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) HandlePartialSysex(_ *Input, data []byte, timestamp float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partials = append(r.partials, data)
	r.partialTimes = append(r.partialTimes, timestamp)
}

func (r *recorder) data() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Data
	}
	return out
}

func TestConcatenatorSysex(t *testing.T) {
	t.Run("split_over_three_pushes", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0xF0, 0x7E}, 1, nil, r)
		c.Push([]byte{0x00, 0x06}, 2, nil, r)
		c.Push([]byte{0x01, 0xF7}, 3, nil, r)

		require.Len(t, r.messages, 1)
		assert.Equal(t, []byte{0xF0, 0x7E, 0x00, 0x06, 0x01, 0xF7}, r.messages[0].Data)
		assert.Equal(t, 1.0, r.messages[0].Timestamp)
		require.Len(t, r.partials, 2)
		assert.Equal(t, []byte{0xF0, 0x7E}, r.partials[0])
		assert.Equal(t, []byte{0xF0, 0x7E, 0x00, 0x06}, r.partials[1])
		assert.Equal(t, []float64{1, 1}, r.partialTimes)
	})

	t.Run("restart_takes_new_start_time", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0xF0, 0x01}, 1, nil, r)
		c.Push([]byte{0x02, 0xF0, 0x03}, 2, nil, r)
		c.Push([]byte{0xF7, 0x90, 60, 100}, 3, nil, r)

		require.Len(t, r.messages, 2)
		assert.Equal(t, []byte{0xF0, 0x03, 0xF7}, r.messages[0].Data)
		assert.Equal(t, 2.0, r.messages[0].Timestamp)
		assert.Equal(t, 3.0, r.messages[1].Timestamp)
		assert.Equal(t, []float64{1, 2}, r.partialTimes)
	})

	t.Run("reset_forgets_start_time", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0xF0, 0x01}, 5, nil, r)
		c.Reset()
		c.Push([]byte{0xF0, 0x02, 0xF7}, 7, nil, r)

		require.Len(t, r.messages, 1)
		assert.Equal(t, 7.0, r.messages[0].Timestamp)
	})

	t.Run("realtime_inside_sysex", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0xF0, 0x01, 0xF8, 0x02, 0xF7}, 0, nil, r)

		assert.Equal(t, [][]byte{{0xF8}, {0xF0, 0x01, 0x02, 0xF7}}, r.data())
		assert.Empty(t, r.partials)
	})

	t.Run("status_byte_aborts_sysex", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0xF0, 0x01, 0x02}, 0, nil, r)
		c.Push([]byte{0x90, 60, 100}, 0, nil, r)

		assert.Equal(t, [][]byte{{0x90, 60, 100}}, r.data())
	})

	t.Run("new_sysex_restarts", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0xF0, 0x01, 0xF0, 0x02, 0xF7}, 0, nil, r)

		assert.Equal(t, [][]byte{{0xF0, 0x02, 0xF7}}, r.data())
	})
}

func TestConcatenatorShortMessages(t *testing.T) {
	t.Run("complete_messages", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0x90, 60, 100, 0xC0, 5, 0xF6}, 0, nil, r)

		assert.Equal(t, [][]byte{{0x90, 60, 100}, {0xC0, 5}, {0xF6}}, r.data())
	})

	t.Run("split_across_pushes", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0xB0, 7}, 0, nil, r)
		assert.Empty(t, r.messages)
		c.Push([]byte{127}, 0, nil, r)

		assert.Equal(t, [][]byte{{0xB0, 7, 127}}, r.data())
		assert.Empty(t, r.partials)
	})

	t.Run("running_status", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0x90, 60, 100, 62, 100, 64, 0}, 0, nil, r)

		assert.Equal(t, [][]byte{{0x90, 60, 100}, {0x90, 62, 100}, {0x90, 64, 0}}, r.data())
	})

	t.Run("orphan_data_ends_chunk", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0x40, 0x90, 60, 100}, 0, nil, r)
		assert.Empty(t, r.messages, "nothing after the orphan byte is parsed")

		c.Push([]byte{0x90, 60, 100}, 0, nil, r)
		assert.Len(t, r.messages, 1)
	})

	t.Run("reset_drops_partial", func(t *testing.T) {
		c := NewConcatenator(16)
		r := &recorder{}

		c.Push([]byte{0x90, 60}, 0, nil, r)
		c.Reset()
		c.Push([]byte{100}, 0, nil, r)
		assert.Empty(t, r.messages)
	})
}

// However a stream of complete messages is cut into pushes, the same
// messages come out.
func TestConcatenatorChunkingInvariance(t *testing.T) {
	stream := []byte{
		0x90, 60, 100,
		0xF0, 0x43, 0x12, 0x00, 0x01, 0x02, 0x03, 0xF7,
		0xB0, 64, 127,
		0xF8,
		0xE0, 0x00, 0x40,
		0xF0, 0x7E, 0x7F, 0x09, 0x01, 0xF7,
		0xC3, 12,
	}
	want := &recorder{}
	NewConcatenator(8).Push(stream, 0, nil, want)
	require.Len(t, want.messages, 7)

	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		c := NewConcatenator(8)
		got := &recorder{}
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			c.Push(rest[:n], 0, nil, got)
			rest = rest[n:]
		}
		gotData, wantData := got.data(), want.data()
		require.Equal(t, len(wantData), len(gotData))
		for i := range wantData {
			require.True(t, bytes.Equal(wantData[i], gotData[i]), "message %d differs", i)
		}
	}
}

func TestMessageHelpers(t *testing.T) {
	on := NoteOn(1, 60, 100)
	assert.True(t, on.IsNoteOn())
	assert.Equal(t, 1, on.Channel())
	assert.Equal(t, "note on ch1 60 vel 100", on.String())

	assert.True(t, NoteOn(2, 60, 0).IsNoteOff())
	assert.True(t, NoteOff(16, 60, 0).IsNoteOff())
	assert.Equal(t, 16, NoteOff(16, 60, 0).Channel())
	assert.Equal(t, []byte{0xB3, 7, 100}, ControlChange(4, 7, 100).Data)
	assert.Equal(t, []byte{0x99, 36, 127}, NoteOn(10, 36, 127).Data)
	assert.Equal(t, []byte{0x80, 60, 64}, NoteOff(1, 60, 64).Data)

	assert.Equal(t, 3, MessageLength(0x80))
	assert.Equal(t, 2, MessageLength(0xD5))
	assert.Equal(t, 3, MessageLength(0xE0))
	assert.Equal(t, 2, MessageLength(0xF3))
	assert.Equal(t, 1, MessageLength(0xFE))
	assert.Equal(t, 0, MessageLength(0xF0))
	assert.Equal(t, 0, MessageLength(0x40))

	assert.True(t, IsRealtime(0xF8))
	assert.True(t, IsRealtime(0xFE))
	assert.False(t, IsRealtime(0xF9))
	assert.True(t, Message{Data: []byte{0xFE}}.IsActiveSensing())
}
