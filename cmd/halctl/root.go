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

package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-hal/internal/config"
	"github.com/loqalabs/loqa-hal/internal/logging"
)

// app carries the state shared by every command.
type app struct {
	out      io.Writer
	cfgFile  string
	logLevel string

	cfg *config.Config
	log zerolog.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "halctl",
		Short: "Inspect and exercise audio and MIDI devices",
		Long: `halctl drives the loqa-hal device manager: it lists device types and
devices, plays test tones and files, records input, and monitors MIDI.

Configuration is read from --config, or hal.yaml in the working directory
or the user config directory, and LOQA_HAL_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default hal.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		a.devicesCmd(),
		a.toneCmd(),
		a.playCmd(),
		a.recordCmd(),
		a.midiCmd(),
		a.stateCmd(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	a.cfg = cfg
	a.log = logging.New(cfg.Logging)
	return nil
}

func (a *app) runtime(opts runtimeOptions) (*runtime, error) {
	return newRuntime(a.cfg, a.log, opts)
}

func (a *app) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.out, format, args...)
}
