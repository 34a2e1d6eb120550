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

// A scripted margining device. The fake serves a config space from memory
// and answers lane-register command writes the way conforming silicon
// would: commands echo, reports answer from a table, and step commands
// compare the requested step against a modeled eye.

import (
	"encoding/binary"
	"time"

	"github.com/pcielab/pcielmr/internal/pci"
)

const (
	fakeExpDown = int32(0x40)
	fakePMUp    = int32(0x40)
	fakeExpUp   = int32(0x60)
	fakeLMR     = int32(0x100)
)

type fakeLMRDev struct {
	mem    [4096]byte
	expOff int32
	width  int

	// Behavior knobs, all optional.
	reversed      bool                 // reports answered only through the last lane
	deaf          bool                 // never respond to any command
	aspmStuck     bool                 // ASPM control bits cannot be cleared
	failCleanup   bool                 // refuse the clear-log/normal-settings sets
	noisy         uint8                // error count reported inside the eye
	reports       map[uint8]uint8      // report payload -> response payload
	eyes          map[Direction]uint16 // last error-free step per direction
	nakAfter      map[Direction]uint16 // step at which the device NAKs; 0 = never
	errorOutAfter map[Direction]uint16 // step at which margining errors out; 0 = never
}

func (f *fakeLMRDev) Read(off int32, buf []byte) error {
	copy(buf, f.mem[off:])
	return nil
}

func (f *fakeLMRDev) Write(off int32, buf []byte) error {
	copy(f.mem[off:], buf)
	if f.aspmStuck && off == f.expOff+pci.ExpLnkCtl {
		f.mem[off] |= 0x02
	}
	base := fakeLMR + pci.LMRLaneBase
	if len(buf) == 2 && off >= base && (off-base)%pci.LMRLaneStride == 0 &&
		int(off-base)/pci.LMRLaneStride < f.width {
		lane := int(off-base) / pci.LMRLaneStride
		cmd := Command(binary.LittleEndian.Uint16(buf))
		rsp := f.respond(lane, cmd)
		binary.LittleEndian.PutUint16(f.mem[off+pci.LMRLaneStatusOff:], uint16(rsp))
	}
	return nil
}

func (f *fakeLMRDev) respond(lane int, cmd Command) Command {
	if f.deaf {
		return 0
	}
	switch cmd.Type() {
	case MarginTypeNoCmd:
		return cmd
	case MarginTypeSet:
		if f.failCleanup &&
			(cmd.Payload() == SetClearErrorLog || cmd.Payload() == SetGoToNormalSettings) {
			return 0
		}
		return cmd
	case MarginTypeReport:
		if f.reversed && lane != f.width-1 {
			return 0
		}
		return NewCommand(cmd.Receiver(), MarginTypeReport, f.reports[cmd.Payload()])
	case MarginTypeTiming, MarginTypeVoltage:
		var dir Direction
		var step uint16
		p := cmd.Payload()
		if cmd.Type() == MarginTypeTiming {
			step = uint16(p &^ TimingDirMask)
			dir = TimRight
			if p&TimingDirMask != 0 {
				dir = TimLeft
			}
		} else {
			step = uint16(p &^ VoltageDirMask)
			dir = VoltUp
			if p&VoltageDirMask != 0 {
				dir = VoltDown
			}
		}
		if n := f.nakAfter[dir]; n != 0 && step >= n {
			return f.stepStatus(cmd, StepMarginExecutionStatusNak, 0)
		}
		if n := f.errorOutAfter[dir]; n != 0 && step >= n {
			return f.stepStatus(cmd, StepMarginExecutionStatusErrorOut, 0)
		}
		if step > f.eyes[dir] {
			return f.stepStatus(cmd, StepMarginExecutionStatusMargining, StepMarginErrorCountMask)
		}
		return f.stepStatus(cmd, StepMarginExecutionStatusMargining, f.noisy)
	}
	return 0
}

func (f *fakeLMRDev) stepStatus(cmd Command, exec int, count uint8) Command {
	payload := uint8(exec)<<StepMarginExecutionStatusPos | count&StepMarginErrorCountMask
	return NewCommand(cmd.Receiver(), cmd.Type(), payload)
}

func (f *fakeLMRDev) put16(off int32, v uint16) {
	binary.LittleEndian.PutUint16(f.mem[off:], v)
}

func (f *fakeLMRDev) put32(off int32, v uint32) {
	binary.LittleEndian.PutUint32(f.mem[off:], v)
}

func (f *fakeLMRDev) get16(off int32) uint16 {
	return binary.LittleEndian.Uint16(f.mem[off:])
}

// stdReports answers every capability report with sane values: voltage
// supported, independent left/right and up/down, 32 timing and 64 voltage
// steps, both offsets reported.
func stdReports() map[uint8]uint8 {
	return map[uint8]uint8{
		RptControlCapabilities: MskVoltageSupported | MskIndLeftRightTiming | MskIndUpDownVoltage,
		RptNumVoltageSteps:     64,
		RptNumTimingSteps:      32,
		RptMaxTimingOffset:     50,
		RptMaxVoltageOffset:    40,
		RptSamplingRateVoltage: 0x3F,
		RptSamplingRateTiming:  0x3F,
		RptMaxLanes:            0x1F,
	}
}

func wideEyes() map[Direction]uint16 {
	return map[Direction]uint16{TimLeft: 999, TimRight: 999, VoltUp: 999, VoltDown: 999}
}

func newFakeDev(expOff int32, width int) *fakeLMRDev {
	return &fakeLMRDev{
		expOff:        expOff,
		width:         width,
		reports:       stdReports(),
		eyes:          wideEyes(),
		nakAfter:      map[Direction]uint16{},
		errorOutAfter: map[Direction]uint16{},
	}
}

// newFakeDown models a downstream port: bridge header, secondary bus 01,
// PCIe capability at 0x40, margining capability at 0x100 with the ready
// bit set, ASPM L1 initially enabled.
func newFakeDown(speed uint8, width, retimers int) *fakeLMRDev {
	f := newFakeDev(fakeExpDown, width)
	f.mem[pci.RegHeaderType] = pci.HeaderLayoutBridge
	f.mem[pci.RegSecondaryBus] = 0x01
	f.put16(pci.RegStatus, 0x0010)
	f.mem[pci.RegCapPointer] = uint8(fakeExpDown)
	f.mem[fakeExpDown] = pci.CapIDExpress
	f.put16(fakeExpDown+pci.ExpFlags, pci.ExpTypeDownstream<<pci.ExpFlagsTypeShift)
	f.put16(fakeExpDown+pci.ExpLnkCtl, 0x0002)
	f.put16(fakeExpDown+pci.ExpLnkSta, uint16(speed)|uint16(width)<<pci.ExpLnkStaWidthShift)
	var sta2 uint16
	if retimers >= 1 {
		sta2 |= pci.ExpLnkSta2Retimer
	}
	if retimers >= 2 {
		sta2 |= pci.ExpLnkSta2TwoRetimers
	}
	f.put16(fakeExpDown+pci.ExpLnkSta2, sta2)
	f.put32(fakeLMR, uint32(pci.ExtCapIDLMR)|1<<16)
	f.put16(fakeLMR+pci.LMRPortStatus, pci.LMRPortStatusReady)
	return f
}

// newFakeUp models the upstream device: endpoint at function 0 in D0, PM
// capability at 0x40, PCIe at 0x60, margining at 0x100.
func newFakeUp(speed uint8, width int) *fakeLMRDev {
	f := newFakeDev(fakeExpUp, width)
	f.put16(pci.RegStatus, 0x0010)
	f.mem[pci.RegCapPointer] = uint8(fakePMUp)
	f.mem[fakePMUp] = pci.CapIDPowerManagement
	f.mem[fakePMUp+1] = uint8(fakeExpUp)
	f.put16(fakePMUp+pci.PMCtrl, pci.PMStateD0)
	f.mem[fakeExpUp] = pci.CapIDExpress
	f.put16(fakeExpUp+pci.ExpFlags, pci.ExpTypeEndpoint<<pci.ExpFlagsTypeShift)
	f.put16(fakeExpUp+pci.ExpLnkCtl, 0x0002)
	f.put16(fakeExpUp+pci.ExpLnkSta, uint16(speed)|uint16(width)<<pci.ExpLnkStaWidthShift)
	f.put32(fakeLMR, uint32(pci.ExtCapIDLMR)|1<<16)
	f.put16(fakeLMR+pci.LMRPortStatus, pci.LMRPortStatusReady)
	return f
}

// fakePair is a complete margining-capable link.
type fakePair struct {
	devs []*pci.Device
	down *pci.Device
	up   *pci.Device
	fdn  *fakeLMRDev
	fup  *fakeLMRDev
}

func newFakePair(speed uint8, width, retimers int) *fakePair {
	fdn := newFakeDown(speed, width, retimers)
	fup := newFakeUp(speed, width)
	downBDF, _ := pci.ParseBDF("0000:00:01.0")
	upBDF, _ := pci.ParseBDF("0000:01:00.0")
	down := pci.NewDevice(downBDF, fdn)
	down.HeaderType = pci.HeaderLayoutBridge
	up := pci.NewDevice(upBDF, fup)
	return &fakePair{
		devs: []*pci.Device{down, up},
		down: down,
		up:   up,
		fdn:  fdn,
		fup:  fup,
	}
}

// testArgs keeps the dwell short so step loops finish quickly.
func testArgs() RunArgs {
	a := DefaultArgs()
	a.DwellMs = 1
	return a
}

// testRecv builds a downstream-port receiver over a fake pair with
// parameters already discovered.
func testRecv(fp *fakePair, num int) *Recv {
	port, err := newPort(fp.down)
	if err != nil {
		panic(err)
	}
	if num == RecvUSP {
		if port, err = newPort(fp.up); err != nil {
			panic(err)
		}
	}
	return &Recv{
		Num:        num,
		Port:       port,
		Parallel:   1,
		ErrorLimit: 4,
		Dwell:      time.Millisecond,
	}
}
