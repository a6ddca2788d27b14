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

// Package metrics exports device manager health to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/loqalabs/loqa-hal/internal/audio"
)

const namespace = "loqa_hal"

// Source is the read side of a device manager.
type Source interface {
	CPUUsage() float64
	XRunCount() int
	InputLevel() float64
	OutputLevel() float64
	EnableInputLevelMeasurement(enable bool)
	EnableOutputLevelMeasurement(enable bool)
	DeviceRestarts() int64
	CallbackPanics() int64
	MidiMessagesReceived() int64
	CurrentAudioDevice() audio.Device
}

// Reporter registers gauges and counters that read src at scrape time.
// It keeps level measurement enabled on src until Close.
type Reporter struct {
	src      Source
	registry *prometheus.Registry
}

// NewReporter registers the collectors on a fresh registry.
func NewReporter(src Source) *Reporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cpu_usage_ratio",
		Help:      "Filtered share of each audio block's time budget spent in callbacks",
	}, src.CPUUsage)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "xruns",
		Help:      "Buffer overruns and underruns since the current device started",
	}, func() float64 { return float64(src.XRunCount()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "input_level",
		Help:      "Decaying peak of the mean absolute input level",
	}, src.InputLevel)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "output_level",
		Help:      "Decaying peak of the mean absolute output level",
	}, src.OutputLevel)

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "device_restarts_total",
		Help:      "Times the audio device was reopened after a reset request or device list change",
	}, func() float64 { return float64(src.DeviceRestarts()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callback_panics_total",
		Help:      "Audio callbacks that panicked and were replaced by silence",
	}, func() float64 { return float64(src.CallbackPanics()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "midi_messages_total",
		Help:      "MIDI messages routed from enabled inputs",
	}, func() float64 { return float64(src.MidiMessagesReceived()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sample_rate_hertz",
		Help:      "Sample rate of the open audio device, 0 when closed",
	}, func() float64 {
		if dev := openDevice(src); dev != nil {
			return dev.CurrentSampleRate()
		}
		return 0
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffer_size_samples",
		Help:      "Block size of the open audio device, 0 when closed",
	}, func() float64 {
		if dev := openDevice(src); dev != nil {
			return float64(dev.CurrentBufferSize())
		}
		return 0
	})

	src.EnableInputLevelMeasurement(true)
	src.EnableOutputLevelMeasurement(true)
	return &Reporter{src: src, registry: reg}
}

func openDevice(src Source) audio.Device {
	dev := src.CurrentAudioDevice()
	if dev == nil || !dev.IsOpen() {
		return nil
	}
	return dev
}

// Registry returns the registry holding the collectors.
func (r *Reporter) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Reporter) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("serving metrics")

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}

// Close disables the level measurement enabled by NewReporter.
func (r *Reporter) Close() {
	r.src.EnableInputLevelMeasurement(false)
	r.src.EnableOutputLevelMeasurement(false)
}
