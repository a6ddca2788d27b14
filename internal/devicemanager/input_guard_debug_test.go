//go:build haldebug

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

package devicemanager

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loqalabs/loqa-hal/internal/audio"
)

func TestInvokeRejectsInputWrites(t *testing.T) {
	m := newTestManager(t)
	defer func() { _ = m.Close() }() // Ignore errors during test cleanup

	in := [][]float32{{0.25, 0.5}}
	out := [][]float32{make([]float32, 2)}
	writer := &audio.CallbackFuncs{OnProcess: func(input, _ [][]float32, _ int) {
		input[0][0] = 0
	}}

	assert.Panics(t, func() { m.invoke(writer, in, out, 2) })
}
