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

	"github.com/rs/zerolog"
	"github.com/xthexder/go-jack"
)

// JackBackend exposes the physical JACK MIDI ports. All ports share one
// client whose process callback moves events between the ports and Go.
type JackBackend struct {
	clientName string
	log        zerolog.Logger

	mu     sync.Mutex
	client *jack.Client
	nextID int

	// read by the process callback
	inputs  atomic.Pointer[[]*jackMidiIn]
	outputs atomic.Pointer[[]*jackMidiOut]
}

// NewJackBackend creates the backend. No client is opened until a port is.
func NewJackBackend(clientName string, log zerolog.Logger) *JackBackend {
	if clientName == "" {
		clientName = "loqa-hal-midi"
	}
	b := &JackBackend{
		clientName: clientName,
		log:        log.With().Str("component", "midi-jack").Logger(),
	}
	b.inputs.Store(&[]*jackMidiIn{})
	b.outputs.Store(&[]*jackMidiOut{})
	return b
}

func (b *JackBackend) Name() string { return "JACK" }

func (b *JackBackend) ensureClient() (*jack.Client, error) {
	if b.client != nil {
		return b.client, nil
	}
	client, status := jack.ClientOpen(b.clientName, jack.NoStartServer)
	if client == nil {
		return nil, fmt.Errorf("jack client open failed with status %d", status)
	}
	if code := client.SetProcessCallback(b.process); code != 0 {
		client.Close()
		return nil, fmt.Errorf("jack set process callback failed with status %d", code)
	}
	if code := client.Activate(); code != 0 {
		client.Close()
		return nil, fmt.Errorf("jack activate failed with status %d", code)
	}
	b.client = client
	return client, nil
}

func (b *JackBackend) listPorts(flags uint64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	client, err := b.ensureClient()
	if err != nil {
		return nil, err
	}
	return client.GetPorts("", jack.DEFAULT_MIDI_TYPE, jack.PortIsPhysical|flags), nil
}

// InputPorts lists physical MIDI sources, which JACK calls output ports.
func (b *JackBackend) InputPorts() ([]string, error) { return b.listPorts(jack.PortIsOutput) }

func (b *JackBackend) OutputPorts() ([]string, error) { return b.listPorts(jack.PortIsInput) }

type jackMidiIn struct {
	owner *JackBackend
	port  *jack.Port
	sink  func([]byte, float64)
}

func (in *jackMidiIn) Close() error {
	return in.owner.unregister(in.port, func() {
		list := slices.DeleteFunc(slices.Clone(*in.owner.inputs.Load()), func(x *jackMidiIn) bool { return x == in })
		in.owner.inputs.Store(&list)
	})
}

func (b *JackBackend) OpenInput(port string, sink func([]byte, float64)) (io.Closer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	client, err := b.ensureClient()
	if err != nil {
		return nil, err
	}
	b.nextID++
	p := client.PortRegister(fmt.Sprintf("midi_in_%d", b.nextID), jack.DEFAULT_MIDI_TYPE, jack.PortIsInput, 0)
	if p == nil {
		return nil, fmt.Errorf("register port for %s failed", port)
	}
	if code := client.Connect(port, p.GetName()); code != 0 {
		client.PortUnregister(p)
		return nil, fmt.Errorf("%w: %s (status %d)", ErrNoSuchPort, port, code)
	}

	in := &jackMidiIn{owner: b, port: p, sink: sink}
	list := append(slices.Clone(*b.inputs.Load()), in)
	b.inputs.Store(&list)
	return in, nil
}

type jackMidiOut struct {
	owner *JackBackend
	port  *jack.Port

	mu    sync.Mutex
	queue [][]byte
}

// Send queues data for the next process cycle.
func (o *jackMidiOut) Send(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, append([]byte(nil), data...))
	return nil
}

func (o *jackMidiOut) Close() error {
	return o.owner.unregister(o.port, func() {
		list := slices.DeleteFunc(slices.Clone(*o.owner.outputs.Load()), func(x *jackMidiOut) bool { return x == o })
		o.owner.outputs.Store(&list)
	})
}

func (b *JackBackend) OpenOutput(port string) (Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	client, err := b.ensureClient()
	if err != nil {
		return nil, err
	}
	b.nextID++
	p := client.PortRegister(fmt.Sprintf("midi_out_%d", b.nextID), jack.DEFAULT_MIDI_TYPE, jack.PortIsOutput, 0)
	if p == nil {
		return nil, fmt.Errorf("register port for %s failed", port)
	}
	if code := client.Connect(p.GetName(), port); code != 0 {
		client.PortUnregister(p)
		return nil, fmt.Errorf("%w: %s (status %d)", ErrNoSuchPort, port, code)
	}

	out := &jackMidiOut{owner: b, port: p}
	list := append(slices.Clone(*b.outputs.Load()), out)
	b.outputs.Store(&list)
	return out, nil
}

func (b *JackBackend) unregister(p *jack.Port, detach func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	detach()
	if b.client == nil {
		return nil
	}
	if code := b.client.PortUnregister(p); code != 0 {
		return fmt.Errorf("jack port unregister failed with status %d", code)
	}
	return nil
}

func (b *JackBackend) process(nframes uint32) int {
	now := Now()
	for _, in := range *b.inputs.Load() {
		for _, ev := range in.port.GetMidiEvents(nframes) {
			in.sink(ev.Buffer, now)
		}
	}
	for _, out := range *b.outputs.Load() {
		out.port.MidiClearBuffer(nframes)
		if !out.mu.TryLock() {
			continue
		}
		for _, data := range out.queue {
			out.port.MidiEventWrite(&jack.MidiData{Time: 0, Buffer: data}, nframes)
		}
		out.queue = out.queue[:0]
		out.mu.Unlock()
	}
	return 0
}

// Close deactivates and closes the shared client.
func (b *JackBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	b.client.Deactivate()
	b.client.Close()
	b.client = nil
	return nil
}
