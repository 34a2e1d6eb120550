// Copyright 2025 The pcielmr Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package margin

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RunArgs are the per-run test arguments, settable from CLI flags or a
// YAML run file.
type RunArgs struct {
	// Lanes to margin; empty means every lane of the link.
	Lanes []int `yaml:"lanes"`
	// Receivers to test, 1-6; empty means every receiver present.
	Receivers []int `yaml:"receivers"`
	// ErrorLimit is the margin error-count limit per step, 0-63.
	ErrorLimit uint8 `yaml:"error_limit"`
	// Parallel is the requested simultaneous lane count, clamped to the
	// receiver's capability.
	Parallel int `yaml:"parallel_lanes"`
	// StepsT/StepsV cap the step counters; 0 runs to the receiver-reported
	// maximum.
	StepsT uint16 `yaml:"timing_steps"`
	StepsV uint16 `yaml:"voltage_steps"`
	// DwellMs is the per-step dwell in milliseconds.
	DwellMs int `yaml:"dwell_ms"`
	// CapsOnly reads receiver parameters without stepping.
	CapsOnly bool `yaml:"caps_only"`
	// OutputDir receives one CSV file per tested receiver; empty disables.
	OutputDir string `yaml:"output_dir"`
	// Criteria overrides the specification grading table when set.
	Criteria *Criteria `yaml:"criteria"`
}

const (
	defaultErrorLimit = 4
	defaultDwellMs    = 1000
	maxErrorLimit     = 63
)

// DefaultArgs returns the run defaults.
func DefaultArgs() RunArgs {
	return RunArgs{
		ErrorLimit: defaultErrorLimit,
		Parallel:   1,
		DwellMs:    defaultDwellMs,
	}
}

// Dwell is the per-step dwell as a duration.
func (a RunArgs) Dwell() time.Duration {
	return time.Duration(a.DwellMs) * time.Millisecond
}

// validateLanes checks the lane selection and the per-lane stepping
// parameters.
func (a RunArgs) validateLanes() error {
	if a.ErrorLimit > maxErrorLimit {
		return fmt.Errorf("error limit %d out of range 0-%d", a.ErrorLimit, maxErrorLimit)
	}
	if a.Parallel < 0 {
		return fmt.Errorf("parallel lane count %d is negative", a.Parallel)
	}
	if a.DwellMs <= 0 {
		return fmt.Errorf("dwell %dms must be positive", a.DwellMs)
	}
	for _, l := range a.Lanes {
		if l < 0 || l > 31 {
			return fmt.Errorf("lane %d out of range 0-31", l)
		}
	}
	return nil
}

// validateReceivers checks the receiver selection.
func (a RunArgs) validateReceivers() error {
	for _, r := range a.Receivers {
		if r < RecvDSP || r > RecvUSP {
			return fmt.Errorf("receiver %d out of range 1-6", r)
		}
	}
	return nil
}

// Validate rejects argument combinations before any hardware access.
func (a RunArgs) Validate() error {
	if err := a.validateLanes(); err != nil {
		return err
	}
	return a.validateReceivers()
}

// LoadArgs reads a YAML run file over the defaults.
func LoadArgs(path string) (RunArgs, error) {
	args := DefaultArgs()
	data, err := os.ReadFile(path)
	if err != nil {
		return args, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&args); err != nil {
		return args, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := args.Validate(); err != nil {
		return args, fmt.Errorf("%s: %w", path, err)
	}
	return args, nil
}
