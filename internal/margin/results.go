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

// Result model and calibration.

import (
	"github.com/pcielab/pcielmr/internal/pci"
)

// Direction indexes the four margining directions, in execution order.
type Direction int

const (
	TimLeft Direction = iota
	TimRight
	VoltUp
	VoltDown
	numDirections
)

var directionNames = [numDirections]string{"TimLeft", "TimRight", "VoltUp", "VoltDown"}

func (d Direction) String() string { return directionNames[d] }

// IsVoltage reports whether the direction margins voltage rather than timing.
func (d Direction) IsVoltage() bool { return d == VoltUp || d == VoltDown }

// dirMask is the payload direction bit of a step command.
func (d Direction) dirMask() uint8 {
	switch d {
	case TimLeft:
		return TimingDirMask
	case VoltDown:
		return VoltageDirMask
	}
	// TimRight and VoltUp are the positive directions, bit clear.
	return 0
}

func (d Direction) marginType() int {
	if d.IsVoltage() {
		return MarginTypeVoltage
	}
	return MarginTypeTiming
}

// StepStatus is a lane's termination reason for one direction.
type StepStatus int

const (
	// StatusNone marks a direction that was never margined.
	StatusNone StepStatus = iota
	// StatusNAK: the device rejected or stopped the margining.
	StatusNAK
	// StatusLIM: the error-count limit was hit.
	StatusLIM
	// StatusTHR: the configured step threshold was reached error-free.
	StatusTHR
)

var stepStatusNames = [...]string{"NA", "NAK", "LIM", "THR"}

func (s StepStatus) String() string { return stepStatusNames[s] }

// Outcome classifies why a receiver's test ran or could not run.
type Outcome int

const (
	// OutcomeOK: margining ran.
	OutcomeOK Outcome = iota
	// OutcomePrereqs: link pairing/speed/power precondition not met.
	OutcomePrereqs
	// OutcomeASPM: ASPM could not be disabled on the link.
	OutcomeASPM
	// OutcomeReadyBit: the receiver's Margining Ready bit is clear.
	OutcomeReadyBit
	// OutcomeCaps: capability discovery failed.
	OutcomeCaps
	// OutcomeArgsLanes: requested lanes exceed the link width.
	OutcomeArgsLanes
	// OutcomeArgsRecvs: requested receivers not present on the link.
	OutcomeArgsRecvs
)

var outcomeNames = [...]string{
	"OK",
	"link prerequisites not met",
	"failed to disable ASPM",
	"margining-ready bit clear",
	"capability read error",
	"invalid lane arguments",
	"invalid receiver arguments",
}

func (o Outcome) String() string { return outcomeNames[o] }

// LaneResult is one lane's step counts and termination statuses, one pair
// per direction.
type LaneResult struct {
	Lane   int
	Steps  [numDirections]uint16
	Status [numDirections]StepStatus
}

// Results is the per-receiver aggregate owned by the caller.
type Results struct {
	Receiver     int
	UspBDF       string
	Params       Params
	LaneReversal bool
	Speed        uint8
	Outcome      Outcome

	// Calibration. Coefficients convert raw step counts to physical units.
	TimPctPerStep  float64 // %UI per timing step
	TimPsPerStep   float64 // ps per timing step
	VoltMvPerStep  float64 // mV per voltage step
	TimOffsetNR    bool    // timing offset was not reported; ps values advisory
	VoltOffsetNR   bool    // voltage offset was not reported; mV values advisory
	OneSideIsWhole bool    // single-sided measurement spans the whole eye

	Lanes []LaneResult
}

const (
	// MaxTimingOffset is between 20 and 50 %UI; substitute the max when a
	// device reports 0.
	defaultMaxTimingOffset = 50
	// MaxVoltageOffset is between 5 and 50 (10 mV units); substitute the max.
	defaultMaxVoltageOffset = 50
)

// uiPs is the unit interval in picoseconds for a link speed encoding.
func uiPs(speed uint8) float64 {
	switch speed {
	case pci.SpeedGen4:
		return 62.5
	case pci.SpeedGen5:
		return 31.25
	}
	return 0
}

// newResults snapshots a receiver into a Results with calibration applied.
// A device that did not report an offset gets the maximum legal value
// substituted; step counts stay authoritative but the derived physical
// units are flagged as advisory.
func newResults(r *Recv, outcome Outcome) *Results {
	res := &Results{
		Receiver:     r.Num,
		LaneReversal: r.LaneReversal,
		Speed:        r.Port.Speed,
		Outcome:      outcome,
	}
	if r.quirk != nil {
		res.OneSideIsWhole = r.quirk.OneSideSpansEye
	}
	if r.Params == nil {
		return res
	}
	res.Params = *r.Params

	timOffset := float64(r.Params.TimingOffset)
	if timOffset == 0 {
		timOffset = defaultMaxTimingOffset
		res.TimOffsetNR = true
	}
	if r.Params.TimingSteps > 0 {
		res.TimPctPerStep = timOffset / float64(r.Params.TimingSteps)
		res.TimPsPerStep = res.TimPctPerStep / 100.0 * uiPs(r.Port.Speed)
	}

	voltOffset := float64(r.Params.VoltageOffset)
	if voltOffset == 0 {
		voltOffset = defaultMaxVoltageOffset
		res.VoltOffsetNR = true
	}
	if r.Params.VoltageSteps > 0 {
		res.VoltMvPerStep = voltOffset / float64(r.Params.VoltageSteps) * 10.0
	}
	return res
}

// EyeWidthPs computes a lane's eye width in picoseconds. A single-sided
// measurement is doubled unless the hardware already spans the whole eye.
// ok is false when the lane has no timing measurement.
func (res *Results) EyeWidthPs(l *LaneResult) (ps float64, ok bool) {
	if l.Status[TimLeft] == StatusNone {
		return 0, false
	}
	ps = float64(l.Steps[TimLeft]) * res.TimPsPerStep
	switch {
	case l.Status[TimRight] != StatusNone:
		ps += float64(l.Steps[TimRight]) * res.TimPsPerStep
	case res.OneSideIsWhole:
		// One side already represents the full eye.
	default:
		ps *= 2
	}
	return ps, true
}

// EyeHeightMv computes a lane's eye height in millivolts; ok is false when
// voltage margining was not run on the lane.
func (res *Results) EyeHeightMv(l *LaneResult) (mv float64, ok bool) {
	if l.Status[VoltUp] == StatusNone {
		return 0, false
	}
	mv = float64(l.Steps[VoltUp]) * res.VoltMvPerStep
	switch {
	case l.Status[VoltDown] != StatusNone:
		mv += float64(l.Steps[VoltDown]) * res.VoltMvPerStep
	case res.OneSideIsWhole:
	default:
		mv *= 2
	}
	return mv, true
}

// lane returns the LaneResult for a logical lane, allocating it on first use.
func (res *Results) lane(n int) *LaneResult {
	for i := range res.Lanes {
		if res.Lanes[i].Lane == n {
			return &res.Lanes[i]
		}
	}
	res.Lanes = append(res.Lanes, LaneResult{Lane: n})
	return &res.Lanes[len(res.Lanes)-1]
}
