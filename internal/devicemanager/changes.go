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
	"sync"
	"sync/atomic"
)

// broadcaster delivers change notifications asynchronously. Notifications
// raised while one is pending collapse into it.
type broadcaster struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func()

	closed  bool
	pending atomic.Bool
	wg      sync.WaitGroup
}

func newBroadcaster() *broadcaster {
	return &broadcaster{listeners: make(map[int]func())}
}

// add registers fn and returns a function that unregisters it.
func (b *broadcaster) add(fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *broadcaster) send() {
	b.mu.Lock()
	if b.closed || !b.pending.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.pending.Store(false)
		b.deliver()
	}()
}

func (b *broadcaster) deliver() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// close stops new notifications and waits for one in flight.
func (b *broadcaster) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
