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

// Package margin implements the PCIe Lane Margining at the Receiver (LMR)
// protocol: link pairing and preparation, the per-lane command/response
// handshake, parallel multi-lane stepping, and result calibration/grading.
package margin

// This file covers the LMR basic access operations: the 16-bit command word
// and the write/settle/read round trip on a lane's control register pair.

import (
	"fmt"
	"time"

	log "github.com/golang/glog"

	"github.com/pcielab/pcielmr/internal/pci"
)

const (
	// Constants specified by the PCIe 5.0 Spec 4.2.13.1
	UsageModel                    = 0 // This must always be 0 as specified in 4.2.13.1
	StepMarginExecutionStatusPos  = 6
	StepMarginExecutionStatusMask = 0xC0
	StepMarginErrorCountMask      = 0x3F
	// The following encoding is specified in PCIe 5.0 Spec 4.2.13.1
	StepMarginExecutionStatusErrorOut  = 0x0
	StepMarginExecutionStatusSettingUp = 0x1
	StepMarginExecutionStatusMargining = 0x2
	StepMarginExecutionStatusNak       = 0x3
	VoltageDirMask                     = 0x80
	TimingDirMask                      = 0x40

	MarginTypeNoCmd   = 7
	MarginTypeReport  = 1
	MarginTypeSet     = 2
	MarginTypeTiming  = 3
	MarginTypeVoltage = 4

	NoCmdPayload = 0x9C
	NoCmdRecNum  = 0

	RptControlCapabilities = 0x88
	RptNumVoltageSteps     = 0x89
	RptNumTimingSteps      = 0x8A
	RptMaxTimingOffset     = 0x8B
	RptMaxVoltageOffset    = 0x8C
	RptSamplingRateVoltage = 0x8D
	RptSamplingRateTiming  = 0x8E
	RptSampleCount         = 0x8F
	RptMaxLanes            = 0x90

	MskIndErrorSampler       = 1 << 4
	MskSampleReportingMethod = 1 << 3
	MskIndLeftRightTiming    = 1 << 2
	MskIndUpDownVoltage      = 1 << 1
	MskVoltageSupported      = 1 << 0

	MskNumVoltageSteps     = 0x7F
	MskNumTimingSteps      = 0x3F
	MskMaxTimingOffset     = 0x7F
	MskMaxVoltageOffset    = 0x7F
	MskSamplingRateVoltage = 0x3F
	MskSamplingRateTiming  = 0x3F
	MskMaxLanes            = 0x1F

	SetErrorCountLimit    = 0xC0
	SetGoToNormalSettings = 0x0F
	SetClearErrorLog      = 0x55

	// A minimum of 10 device clocks is required between a command write and
	// the status read. A little extra margin is added.
	cmdSettle = 12 * time.Microsecond

	// Receiver numbers. 0 broadcasts, 1 is the Downstream Port receiver,
	// 2-5 are retimer pseudo ports, 6 is the Upstream Port receiver.
	RecvBroadcast = 0
	RecvDSP       = 1
	RecvUSP       = 6
	maxRecvNum    = 6
)

// Command is the 16-bit LMR control/status word: payload [15:8],
// usage model [6], margin type [5:3], receiver number [2:0]. The same
// layout is read back from the status register.
type Command uint16

// NewCommand packs the three architected fields. The usage-model bit stays 0.
func NewCommand(recv, typ int, payload uint8) Command {
	return Command((uint16(payload) << 8) |
		((uint16(typ) & 0x7) << 3) |
		(uint16(recv) & 0x7))
}

// Receiver unpacks the receiver number field.
func (c Command) Receiver() int { return int(c & 0x7) }

// Type unpacks the margin type field.
func (c Command) Type() int { return int((c >> 3) & 0x7) }

// Usage unpacks the usage model bit.
func (c Command) Usage() int { return int((c >> 6) & 0x1) }

// Payload unpacks the 8-bit payload.
func (c Command) Payload() uint8 { return uint8(c >> 8) }

// ExecStatus extracts the step margin execution status from a response
// payload of a timing/voltage step.
func (c Command) ExecStatus() int {
	return int(c.Payload()&StepMarginExecutionStatusMask) >> StepMarginExecutionStatusPos
}

// ErrorCount extracts the margin error count from a response payload of a
// timing/voltage step.
func (c Command) ErrorCount() uint8 { return c.Payload() & StepMarginErrorCountMask }

func (c Command) String() string {
	return fmt.Sprintf("rec=%d typ=%d payload=%#02x", c.Receiver(), c.Type(), c.Payload())
}

// laneReg is one lane's margining control/status register pair.
type laneReg struct {
	dev  *pci.Device
	addr int32 // lane control register; status is the next word
}

func (r laneReg) write(cmd Command) {
	r.dev.WriteWord(r.addr, uint16(cmd))
}

func (r laneReg) readStatus() Command {
	return Command(r.dev.ReadWord(r.addr + pci.LMRLaneStatusOff))
}

// set writes a command, waits the settle time, and reads the status once.
// The command is accepted only if the full status word echoes the command;
// any mismatch, including a device that has not yet reacted, fails this set.
func (r laneReg) set(cmd Command) error {
	r.write(cmd)
	time.Sleep(cmdSettle)
	rsp := r.readStatus()
	if rsp != cmd {
		log.V(2).Infof("%s @%#x: set not echoed: cmd{%v} rsp{%v}", r.dev.BDF, r.addr, cmd, rsp)
		return fmt.Errorf("margin command not echoed: cmd{%v} rsp{%v}", cmd, rsp)
	}
	log.V(3).Infof("%s @%#x: set ok: %v", r.dev.BDF, r.addr, cmd)
	return nil
}

// report issues a report-type command; the response payload carries the
// answer, so only the receiver and type fields must match. An accepted
// report is followed by the mandatory no-command to clear the control
// register before any further command.
func (r laneReg) report(recv int, payload uint8) (uint8, error) {
	cmd := NewCommand(recv, MarginTypeReport, payload)
	r.write(cmd)
	time.Sleep(cmdSettle)
	rsp := r.readStatus()
	if rsp.Receiver() != cmd.Receiver() || rsp.Type() != cmd.Type() || rsp.Usage() != 0 {
		log.V(2).Infof("%s @%#x: report mismatch: cmd{%v} rsp{%v}", r.dev.BDF, r.addr, cmd, rsp)
		return 0, fmt.Errorf("margin report mismatch: cmd{%v} rsp{%v}", cmd, rsp)
	}
	if err := r.noCmd(); err != nil {
		return 0, err
	}
	log.V(3).Infof("%s @%#x: report %#02x -> %#02x", r.dev.BDF, r.addr, payload, rsp.Payload())
	return rsp.Payload(), nil
}

// noCmd broadcasts the No Command and waits for its reflection. This is
// required between commands.
func (r laneReg) noCmd() error {
	return r.set(NewCommand(RecvBroadcast, MarginTypeNoCmd, NoCmdPayload))
}
