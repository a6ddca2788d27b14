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
	"fmt"

	"github.com/rs/zerolog"
)

// assertf reports a programming error. Release builds log it; builds with
// the haldebug tag panic.
func assertf(log zerolog.Logger, cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if assertionsPanic {
		panic("audio: assertion failed: " + msg)
	}
	log.Error().Str("assertion", msg).Msg("usage error")
}
