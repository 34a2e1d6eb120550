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

// Receiver capability discovery.

import (
	"fmt"

	log "github.com/golang/glog"
)

// Params is the capability snapshot of one receiver, immutable once read
// for a test run. Offsets keep the raw reported value; 0 means the vendor
// chose not to report and is substituted at calibration time.
type Params struct {
	IndErrorSampler       bool
	SampleReportingMethod bool
	IndLeftRightTiming    bool
	IndUpDownVoltage      bool
	VoltageSupported      bool

	MaxLanes     uint8
	TimingSteps  uint8
	VoltageSteps uint8

	TimingOffset  uint8 // max timing offset, %UI; 0 = not reported
	VoltageOffset uint8 // max voltage offset, 10 mV units; 0 = not reported

	SampleRateVoltage uint8
	SampleRateTiming  uint8
}

func (p *Params) String() string {
	return fmt.Sprintf(
		"indsampler=%t reportmethod=%t indLR=%t indUD=%t volt=%t maxlanes=%d steps=%d/%d offset=%d/%d rate=%d/%d",
		p.IndErrorSampler, p.SampleReportingMethod, p.IndLeftRightTiming, p.IndUpDownVoltage,
		p.VoltageSupported, p.MaxLanes, p.TimingSteps, p.VoltageSteps,
		p.TimingOffset, p.VoltageOffset, p.SampleRateTiming, p.SampleRateVoltage)
}

// readParamsOnce runs the full report sequence through the receiver's
// control lane. Each report depends on the previous one succeeding.
func (r *Recv) readParamsOnce() (*Params, error) {
	reg := r.ctrlLane()
	if err := reg.noCmd(); err != nil {
		return nil, fmt.Errorf("receiver %d: initial no-command: %w", r.Num, err)
	}

	p := new(Params)
	caps, err := reg.report(r.Num, RptControlCapabilities)
	if err != nil {
		return nil, fmt.Errorf("receiver %d: report capabilities: %w", r.Num, err)
	}
	p.IndErrorSampler = caps&MskIndErrorSampler != 0
	p.SampleReportingMethod = caps&MskSampleReportingMethod != 0
	p.IndLeftRightTiming = caps&MskIndLeftRightTiming != 0
	p.IndUpDownVoltage = caps&MskIndUpDownVoltage != 0
	p.VoltageSupported = caps&MskVoltageSupported != 0

	seq := []struct {
		payload uint8
		mask    uint8
		into    *uint8
		what    string
	}{
		{RptNumVoltageSteps, MskNumVoltageSteps, &p.VoltageSteps, "voltage steps"},
		{RptNumTimingSteps, MskNumTimingSteps, &p.TimingSteps, "timing steps"},
		{RptMaxTimingOffset, MskMaxTimingOffset, &p.TimingOffset, "timing offset"},
		{RptMaxVoltageOffset, MskMaxVoltageOffset, &p.VoltageOffset, "voltage offset"},
		{RptSamplingRateVoltage, MskSamplingRateVoltage, &p.SampleRateVoltage, "voltage sample rate"},
		{RptSamplingRateTiming, MskSamplingRateTiming, &p.SampleRateTiming, "timing sample rate"},
		{RptMaxLanes, MskMaxLanes, &p.MaxLanes, "max lanes"},
	}
	for _, s := range seq {
		v, err := reg.report(r.Num, s.payload)
		if err != nil {
			return nil, fmt.Errorf("receiver %d: report %s: %w", r.Num, s.what, err)
		}
		*s.into = v & s.mask
	}
	return p, nil
}

// ReadParams discovers the receiver's margining parameters. Discovery is
// attempted in the non-reversed lane frame first; a receiver that does not
// answer there is assumed to report lanes in device order and must be
// addressed through its last lane, so the whole read is retried once with
// lane reversal before the receiver is declared untestable.
func (r *Recv) ReadParams() error {
	p, err := r.readParamsOnce()
	if err != nil {
		log.V(1).Infof("receiver %d on %s: parameter read failed (%v), retrying lane-reversed",
			r.Num, r.Port.Dev.BDF, err)
		r.LaneReversal = true
		if p, err = r.readParamsOnce(); err != nil {
			r.LaneReversal = false
			return err
		}
	}
	r.Params = p
	log.V(1).Infof("receiver %d on %s: %v (reversal=%t)", r.Num, r.Port.Dev.BDF, p, r.LaneReversal)
	return nil
}
