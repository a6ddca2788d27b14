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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	t.Run("ordered_insert", func(t *testing.T) {
		var b Buffer
		b.Add([]byte{3}, 30)
		b.Add([]byte{1}, 10)
		b.Add([]byte{2}, 10)
		b.Add(nil, 5)

		require.Equal(t, 3, b.Len())
		ev := b.Events()
		assert.Equal(t, []byte{1}, ev[0].Data)
		assert.Equal(t, []byte{2}, ev[1].Data, "equal positions keep insertion order")
		assert.Equal(t, 10, b.FirstPosition())
		assert.Equal(t, 30, b.LastPosition())
	})

	t.Run("clear_range_and_add_buffer", func(t *testing.T) {
		var src Buffer
		for i := 0; i < 10; i++ {
			src.Add([]byte{byte(i)}, i*10)
		}
		var dst Buffer
		dst.AddBuffer(&src, 20, 30, 100)
		require.Equal(t, 3, dst.Len())
		assert.Equal(t, 120, dst.FirstPosition())
		assert.Equal(t, 140, dst.LastPosition())

		src.ClearRange(0, 50)
		assert.Equal(t, 5, src.Len())
		assert.Equal(t, 50, src.FirstPosition())

		src.Clear()
		assert.True(t, src.IsEmpty())
	})
}

func TestCollector(t *testing.T) {
	t.Run("messages_land_at_end_of_short_interval", func(t *testing.T) {
		clock := &fakeClock{}
		clock.set(1000)
		c := NewCollectorWithClock(clock.now)
		c.Reset(1000)

		c.Add(Message{Data: []byte{0x90, 60, 100}, Timestamp: 1.002})
		clock.set(1005)

		var out Buffer
		c.NextBlock(&out, 100)
		require.Equal(t, 1, out.Len())
		// 5 source samples map to the last 5 of 100: 95 + 2
		assert.Equal(t, 97, out.FirstPosition())

		out.Clear()
		c.NextBlock(&out, 100)
		assert.True(t, out.IsEmpty(), "queue is emptied by each block")
	})

	t.Run("long_interval_is_scaled_down", func(t *testing.T) {
		clock := &fakeClock{}
		clock.set(0)
		c := NewCollectorWithClock(clock.now)
		c.Reset(1000)

		c.Add(Message{Data: []byte{0x90, 1, 1}, Timestamp: 0.0})
		c.Add(Message{Data: []byte{0x90, 2, 1}, Timestamp: 0.1})
		clock.set(200)

		var out Buffer
		c.NextBlock(&out, 100)
		require.Equal(t, 2, out.Len())
		assert.Equal(t, 0, out.Events()[0].Position)
		assert.Equal(t, 50, out.Events()[1].Position)
	})

	t.Run("collector_is_an_input_callback", func(t *testing.T) {
		clock := &fakeClock{}
		c := NewCollectorWithClock(clock.now)
		c.Reset(48000)
		var cb InputCallback = c
		cb.HandleMessage(nil, Message{Data: []byte{0xF8}, Timestamp: 0})
		cb.HandlePartialSysex(nil, []byte{0xF0}, 0)

		var out Buffer
		c.NextBlock(&out, 64)
		assert.Equal(t, 1, out.Len())
	})

	t.Run("unreset_collector_ignores_input", func(t *testing.T) {
		c := NewCollector()
		c.Add(NoteOn(1, 1, 1))
		var out Buffer
		c.NextBlock(&out, 64)
		assert.True(t, out.IsEmpty())
	})
}
