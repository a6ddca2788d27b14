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
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sender is the native side of an output port.
type Sender interface {
	Send(data []byte) error
	Close() error
}

const (
	// sendEarlyMs lets a message go out slightly before its time to hide
	// dispatch latency.
	sendEarlyMs = 20.0
	// dropLateMs discards messages that missed their time by more than this
	// after a stall.
	dropLateMs = 200.0
	maxWait    = 30 * time.Second
)

type pendingMessage struct {
	data []byte
	ms   float64
}

// Output is an open MIDI output port with an optional background thread that
// sends timestamped messages when they fall due.
type Output struct {
	name    string
	backend string
	log     zerolog.Logger
	clock   func() float64

	sendMu sync.Mutex
	sender Sender

	mu      sync.Mutex
	pending []pendingMessage
	closed  bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// OutputOption configures an Output.
type OutputOption func(*Output)

// WithClock replaces the millisecond clock used to schedule messages.
func WithClock(clock func() float64) OutputOption {
	return func(o *Output) { o.clock = clock }
}

// NewOutput wraps a native sender. Backends normally create outputs through
// System.OpenOutput.
func NewOutput(name, backend string, sender Sender, log zerolog.Logger, opts ...OutputOption) *Output {
	o := &Output{
		name:    name,
		backend: backend,
		sender:  sender,
		log:     log.With().Str("component", "midi").Str("output", name).Logger(),
		clock:   func() float64 { return Now() * 1000 },
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Output) Name() string    { return o.name }
func (o *Output) Backend() string { return o.backend }

// SendNow sends msg synchronously.
func (o *Output) SendNow(msg Message) error {
	return o.send(msg.Data)
}

func (o *Output) send(data []byte) error {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	if o.sender == nil {
		return ErrPortClosed
	}
	if err := o.sender.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", o.name, err)
	}
	return nil
}

// SendBlock queues the events of buf for the background thread. An event at
// sample position p is due at startMs + 1000*p/sampleRate.
func (o *Output) SendBlock(buf *Buffer, startMs, sampleRate float64) {
	if sampleRate <= 0 || buf.IsEmpty() {
		return
	}
	o.mu.Lock()
	for _, e := range buf.Events() {
		o.insert(pendingMessage{
			data: append([]byte(nil), e.Data...),
			ms:   startMs + 1000*float64(e.Position)/sampleRate,
		})
	}
	o.mu.Unlock()
	o.notify()
}

// insert keeps pending ordered by time. The list stays short, so a linear
// scan from the back is enough.
func (o *Output) insert(m pendingMessage) {
	i := len(o.pending)
	for i > 0 && o.pending[i-1].ms > m.ms {
		i--
	}
	o.pending = append(o.pending, pendingMessage{})
	copy(o.pending[i+1:], o.pending[i:])
	o.pending[i] = m
}

func (o *Output) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued messages.
func (o *Output) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// ClearPending drops every queued message.
func (o *Output) ClearPending() {
	o.mu.Lock()
	o.pending = o.pending[:0]
	o.mu.Unlock()
}

// StartBackground starts the send thread. It is a no-op if already running.
func (o *Output) StartBackground() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil || o.closed {
		return
	}
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go o.run(o.stop, o.done)
}

// StopBackground stops the send thread and discards everything still
// queued, so nothing goes out after it returns.
func (o *Output) StopBackground() {
	o.mu.Lock()
	stop, done := o.stop, o.done
	o.stop, o.done = nil, nil
	o.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	o.ClearPending()
}

func (o *Output) IsBackgroundRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stop != nil
}

func (o *Output) run(stop, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		due, wait := o.next()
		if due != nil {
			if err := o.send(due); err != nil {
				o.log.Debug().Err(err).Msg("scheduled send failed")
			}
			select {
			case <-stop:
				return
			default:
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-stop:
			return
		case <-o.wake:
		case <-timer.C:
		}
	}
}

// next pops the first message that is due, dropping stale ones, or reports
// how long to sleep until one might be.
func (o *Output) next() ([]byte, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock()
	for len(o.pending) > 0 && o.pending[0].ms < now-dropLateMs {
		o.log.Debug().Float64("late_ms", now-o.pending[0].ms).Msg("dropping stale message")
		o.pending = o.pending[1:]
	}
	if len(o.pending) == 0 {
		return nil, maxWait
	}
	head := o.pending[0]
	if head.ms <= now+sendEarlyMs {
		o.pending = o.pending[1:]
		return head.data, 0
	}
	wait := time.Duration((head.ms - now - sendEarlyMs) * float64(time.Millisecond))
	return nil, min(max(wait, time.Millisecond), maxWait)
}

// Close stops the background thread and releases the native port.
func (o *Output) Close() error {
	o.StopBackground()

	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	if o.sender == nil {
		return nil
	}
	err := o.sender.Close()
	o.sender = nil
	return err
}
