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
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xthexder/go-jack"
)

// JackTypeName is the type name of the JACK backend.
const JackTypeName = "JACK"

// JackDeviceType lists the JACK clients that own physical ports. A device is
// a client of our own whose ports are connected to the chosen clients.
type JackDeviceType struct {
	typeBase

	clientName string

	mu          sync.Mutex
	inputPorts  map[string][]string
	outputPorts map[string][]string
	sampleRate  float64
	bufferSize  int
}

// NewJackDeviceType creates the type. clientName is the name our clients
// register with the server.
func NewJackDeviceType(log zerolog.Logger, clientName string) *JackDeviceType {
	if clientName == "" {
		clientName = "loqa-hal"
	}
	t := &JackDeviceType{clientName: clientName}
	t.init(JackTypeName, log)
	return t
}

func jackError(op string, code int) error {
	return fmt.Errorf("jack %s failed with status %d", op, code)
}

// groupPorts maps a client name to its ports, keeping server order.
func groupPorts(ports []string) (names []string, byClient map[string][]string) {
	byClient = make(map[string][]string)
	for _, p := range ports {
		client, _, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		if _, seen := byClient[client]; !seen {
			names = append(names, client)
		}
		byClient[client] = append(byClient[client], p)
	}
	return names, byClient
}

func (t *JackDeviceType) ScanForDevices() {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := &deviceList{}
	t.inputPorts, t.outputPorts = nil, nil

	client, status := jack.ClientOpen(t.clientName+"-scan", jack.NoStartServer)
	if client == nil {
		t.log.Debug().Int("status", status).Msg("jack server not available")
		t.publish(l)
		return
	}
	defer client.Close()

	// capture ports are outputs of the physical client, playback ports inputs
	l.inputs, t.inputPorts = groupPorts(client.GetPorts("", jack.DEFAULT_AUDIO_TYPE, jack.PortIsPhysical|jack.PortIsOutput))
	l.outputs, t.outputPorts = groupPorts(client.GetPorts("", jack.DEFAULT_AUDIO_TYPE, jack.PortIsPhysical|jack.PortIsInput))
	t.sampleRate = float64(client.GetSampleRate())
	t.bufferSize = int(client.GetBufferSize())

	t.publish(l)
}

// HandleHotplug rescans and notifies listeners.
func (t *JackDeviceType) HandleHotplug() {
	t.ScanForDevices()
	t.notifyListeners()
}

func (t *JackDeviceType) HasSeparateInputsAndOutputs() bool { return true }

func (t *JackDeviceType) CreateDevice(outputName, inputName string) (Device, error) {
	if err := t.validatePair(outputName, inputName, true); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	d := &JackDevice{
		clientName:  t.clientName,
		capture:     slices.Clone(t.inputPorts[inputName]),
		playback:    slices.Clone(t.outputPorts[outputName]),
		serverRate:  t.sampleRate,
		serverBlock: t.bufferSize,
	}
	name := outputName
	if name == "" {
		name = inputName
	}
	d.init(d, name, t.name, t.log)
	return d, nil
}

// JackDevice is driven by the JACK server's process thread. Sample rate and
// buffer size belong to the server.
type JackDevice struct {
	deviceCore

	clientName  string
	capture     []string
	playback    []string
	serverRate  float64
	serverBlock int

	client   *jack.Client
	inPorts  []*jack.Port // indexed by hardware channel, nil when inactive
	outPorts []*jack.Port
	nframes  uint32
}

func (d *JackDevice) OutputChannelNames() []string { return slices.Clone(d.playback) }
func (d *JackDevice) InputChannelNames() []string  { return slices.Clone(d.capture) }

func (d *JackDevice) SampleRates() []float64 {
	if d.serverRate <= 0 {
		return nil
	}
	return []float64{d.serverRate}
}

func (d *JackDevice) BufferSizes() []int {
	if d.serverBlock <= 0 {
		return nil
	}
	return []int{d.serverBlock}
}

func (d *JackDevice) DefaultBufferSize() int { return d.serverBlock }

func (d *JackDevice) Open(inputChannels, outputChannels ChannelMask, sampleRate float64, bufferSize int) error {
	d.Close()

	inputChannels = inputChannels.Limit(len(d.capture))
	outputChannels = outputChannels.Limit(len(d.playback))
	if inputChannels == 0 && outputChannels == 0 {
		return d.fail(ErrNoChannels)
	}

	client, status := jack.ClientOpen(d.clientName, jack.NoStartServer)
	if client == nil {
		return d.fail(jackError("client open", status))
	}

	d.inPorts = make([]*jack.Port, len(d.capture))
	for _, ch := range inputChannels.Channels() {
		d.inPorts[ch] = client.PortRegister(fmt.Sprintf("in_%d", ch+1), jack.DEFAULT_AUDIO_TYPE, jack.PortIsInput, 0)
	}
	d.outPorts = make([]*jack.Port, len(d.playback))
	for _, ch := range outputChannels.Channels() {
		d.outPorts[ch] = client.PortRegister(fmt.Sprintf("out_%d", ch+1), jack.DEFAULT_AUDIO_TYPE, jack.PortIsOutput, 0)
	}

	size := int(client.GetBufferSize())
	rate := float64(client.GetSampleRate())
	if sampleRate > 0 && sampleRate != rate {
		d.log.Info().Float64("requested", sampleRate).Float64("server", rate).Msg("using server sample rate")
	}
	if bufferSize > 0 && bufferSize != size {
		d.log.Info().Int("requested", bufferSize).Int("server", size).Msg("using server buffer size")
	}
	d.io.prepare(inputChannels, outputChannels, len(d.capture), len(d.playback), size)

	client.SetXRunCallback(func() int {
		d.xruns.Add(1)
		return 0
	})
	client.OnShutdown(d.onShutdown)
	if code := client.SetProcessCallback(d.onProcess); code != 0 {
		client.Close()
		return d.fail(jackError("set process callback", code))
	}
	if code := client.Activate(); code != 0 {
		client.Close()
		return d.fail(jackError("activate", code))
	}
	d.client = client

	for ch, p := range d.inPorts {
		if p == nil {
			continue
		}
		if code := client.Connect(d.capture[ch], p.GetName()); code != 0 {
			d.log.Warn().Str("port", d.capture[ch]).Int("status", code).Msg("connect failed")
		}
	}
	for ch, p := range d.outPorts {
		if p == nil {
			continue
		}
		if code := client.Connect(p.GetName(), d.playback[ch]); code != 0 {
			d.log.Warn().Str("port", d.playback[ch]).Int("status", code).Msg("connect failed")
		}
	}

	d.serverRate, d.serverBlock = rate, size
	d.commit(rate, size, 32, inputChannels, outputChannels, size, size)
	d.log.Info().Float64("rate", rate).Int("buffer", size).Msg("jack client active")
	return nil
}

func (d *JackDevice) onProcess(nframes uint32) int {
	d.nframes = nframes
	d.runBlock(int(nframes), d.readPorts, d.writePorts)
	return 0
}

func (d *JackDevice) readPorts(hw [][]float32, off, k int) {
	for ch, p := range d.inPorts {
		if p == nil || hw[ch] == nil {
			continue
		}
		src := p.GetBuffer(d.nframes)
		for i := 0; i < k; i++ {
			hw[ch][i] = float32(src[off+i])
		}
	}
}

func (d *JackDevice) writePorts(hw [][]float32, off, k int) {
	for ch, p := range d.outPorts {
		if p == nil {
			continue
		}
		dst := p.GetBuffer(d.nframes)
		if hw[ch] == nil {
			clear(dst[off : off+k])
			continue
		}
		for i := 0; i < k; i++ {
			dst[off+i] = jack.AudioSample(hw[ch][i])
		}
	}
}

// onShutdown runs when the server goes away or kicks us out.
func (d *JackDevice) onShutdown() {
	d.reportFault(fmt.Errorf("jack server shut down %s", d.name))
	if !d.requestReset() {
		go d.Close()
	}
}

func (d *JackDevice) Close() {
	d.Stop()
	if !d.markClosed() {
		return
	}
	if d.client != nil {
		d.client.Deactivate()
		d.client.Close()
		d.client = nil
	}
	d.inPorts, d.outPorts = nil, nil
}
