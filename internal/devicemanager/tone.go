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

import "math"

const (
	testToneNote      = 80
	testToneAmplitude = 0.5
)

// noteFrequency is the concert-pitch frequency of a MIDI note.
func noteFrequency(note int) float64 {
	return 440 * math.Pow(2, float64(note-69)/12)
}

// synthTestTone renders one second of the test tone at sampleRate with a
// linear fade-in over the first tenth and a fade-out over the last quarter.
func synthTestTone(sampleRate float64) []float32 {
	length := int(sampleRate)
	if length <= 0 {
		return nil
	}
	tone := make([]float32, length)
	step := 2 * math.Pi * noteFrequency(testToneNote) / sampleRate
	for i := range tone {
		tone[i] = float32(testToneAmplitude * math.Sin(float64(i)*step))
	}

	fadeIn := length / 10
	for i := 0; i < fadeIn; i++ {
		tone[i] *= float32(i) / float32(fadeIn)
	}
	fadeOut := length / 4
	start := length - fadeOut
	for i := 0; i < fadeOut; i++ {
		tone[start+i] *= 1 - float32(i)/float32(fadeOut)
	}
	return tone
}
