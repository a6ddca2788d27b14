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
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subscription is the part of *nats.Subscription the backend uses.
type Subscription interface {
	Unsubscribe() error
}

// NATSConnection interface for dependency injection
type NATSConnection interface {
	Subscribe(subject string, cb nats.MsgHandler) (Subscription, error)
	Publish(subject string, data []byte) error
	Close()
}

// NATSConnectionAdapter adapts *nats.Conn to NATSConnection interface
type NATSConnectionAdapter struct {
	conn *nats.Conn
}

func NewNATSConnectionAdapter(conn *nats.Conn) *NATSConnectionAdapter {
	return &NATSConnectionAdapter{conn: conn}
}

func (a *NATSConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *NATSConnectionAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *NATSConnectionAdapter) Close() {
	a.conn.Close()
}

// ConnectNATS dials url, retrying a few times before giving up.
func ConnectNATS(url string, attempts int, delay time.Duration, log zerolog.Logger) (*NATSConnectionAdapter, error) {
	var nc *nats.Conn
	var err error

	attempts = max(attempts, 1)
	for i := 0; i < attempts; i++ {
		nc, err = nats.Connect(url, nats.Name("loqa-hal-midi"))
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("of", attempts).Msg("failed to connect to NATS")
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
	}

	log.Info().Str("url", url).Msg("connected to NATS")
	return NewNATSConnectionAdapter(nc), nil
}

// NATSBackend exposes network MIDI ports. Each port is one subject,
// <prefix>.<port>, carrying Frames; the same name is both an input and an
// output.
type NATSBackend struct {
	conn   NATSConnection
	prefix string
	log    zerolog.Logger

	mu    sync.Mutex
	ports []string
}

// NewNATSBackend creates a backend over an existing connection.
func NewNATSBackend(conn NATSConnection, prefix string, ports []string, log zerolog.Logger) *NATSBackend {
	if prefix == "" {
		prefix = "midi"
	}
	return &NATSBackend{
		conn:   conn,
		prefix: prefix,
		ports:  slices.Clone(ports),
		log:    log.With().Str("component", "midi-nats").Logger(),
	}
}

func (b *NATSBackend) Name() string { return "NATS" }

func (b *NATSBackend) subject(port string) string {
	return fmt.Sprintf("%s.%s", b.prefix, port)
}

func (b *NATSBackend) InputPorts() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.ports), nil
}

func (b *NATSBackend) OutputPorts() ([]string, error) { return b.InputPorts() }

func (b *NATSBackend) known(port string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Contains(b.ports, port)
}

func (b *NATSBackend) OpenInput(port string, sink func([]byte, float64)) (io.Closer, error) {
	if !b.known(port) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPort, port)
	}

	in := &natsInput{log: b.log.With().Str("port", port).Logger(), sink: sink}
	subject := b.subject(port)
	sub, err := b.conn.Subscribe(subject, in.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	in.sub = sub
	b.log.Info().Str("subject", subject).Msg("subscribed to MIDI port")
	return in, nil
}

type natsInput struct {
	log     zerolog.Logger
	sink    func([]byte, float64)
	sub     Subscription
	lastSeq atomic.Uint32
	seen    atomic.Bool
}

func (in *natsInput) handle(msg *nats.Msg) {
	frame, err := DeserializeFrame(msg.Data)
	if err != nil {
		in.log.Warn().Err(err).Msg("dropping malformed MIDI frame")
		return
	}
	if frame.Type != FrameTypeMidiData {
		return
	}
	prev := in.lastSeq.Swap(frame.Sequence)
	if in.seen.Swap(true) && frame.Sequence != prev+1 {
		in.log.Debug().Uint32("expected", prev+1).Uint32("got", frame.Sequence).Msg("MIDI frame sequence gap")
	}
	in.sink(frame.Data, Now())
}

func (in *natsInput) Close() error {
	if in.sub == nil {
		return nil
	}
	return in.sub.Unsubscribe()
}

func (b *NATSBackend) OpenOutput(port string) (Sender, error) {
	if !b.known(port) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPort, port)
	}
	return &natsSender{backend: b, subject: b.subject(port)}, nil
}

type natsSender struct {
	backend *NATSBackend
	subject string
	seq     uint32
	closed  bool
}

// Send publishes data, split over as many frames as needed.
func (s *natsSender) Send(data []byte) error {
	if s.closed {
		return ErrPortClosed
	}
	for len(data) > 0 {
		chunk := data[:min(len(data), MaxDataSize)]
		data = data[len(chunk):]
		s.seq++
		frame := &Frame{
			Type:      FrameTypeMidiData,
			Sequence:  s.seq,
			Timestamp: uint64(Now() * 1e6),
			Data:      chunk,
		}
		payload, err := frame.Serialize()
		if err != nil {
			return err
		}
		if err := s.backend.conn.Publish(s.subject, payload); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", s.subject, err)
		}
	}
	return nil
}

func (s *natsSender) Close() error {
	s.closed = true
	return nil
}

// Close closes the NATS connection
func (b *NATSBackend) Close() error {
	if b.conn != nil {
		b.conn.Close()
		b.log.Info().Msg("NATS connection closed")
	}
	return nil
}
