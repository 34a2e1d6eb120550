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

package pci

// Configuration header registers.
const (
	RegVendorID     = 0x00
	RegDeviceID     = 0x02
	RegCommand      = 0x04
	RegStatus       = 0x06
	RegRevisionID   = 0x08
	RegHeaderType   = 0x0E
	RegSecondaryBus = 0x19
	RegCapPointer   = 0x34

	HeaderLayoutMask   = 0x7F
	HeaderLayoutNormal = 0x00
	HeaderLayoutBridge = 0x01
)

// Capability IDs consumed by the margining engine.
const (
	CapIDPowerManagement uint8 = 0x01
	CapIDExpress         uint8 = 0x10

	// ExtCapIDLMR is the Lane Margining at the Receiver extended capability.
	ExtCapIDLMR uint16 = 0x27
)

// Power Management capability registers.
const (
	PMCtrl          = 0x04
	PMCtrlStateMask = 0x0003
	PMStateD0       = 0x0
)

// PCI Express capability registers, offsets relative to the capability.
const (
	ExpFlags          = 0x02
	ExpFlagsTypeMask  = 0x00F0
	ExpFlagsTypeShift = 4

	ExpTypeEndpoint   = 0x0
	ExpTypeRootPort   = 0x4
	ExpTypeUpstream   = 0x5
	ExpTypeDownstream = 0x6

	ExpLnkCtl     = 0x10
	ExpLnkCtlASPM = 0x0003
	ExpLnkCtlHAWD = 0x0200

	ExpLnkSta           = 0x12
	ExpLnkStaSpeedMask  = 0x000F
	ExpLnkStaWidthMask  = 0x03F0
	ExpLnkStaWidthShift = 4

	ExpLnkCtl2     = 0x30
	ExpLnkCtl2HASD = 0x0020

	ExpLnkSta2            = 0x32
	ExpLnkSta2Retimer     = 0x0040
	ExpLnkSta2TwoRetimers = 0x0080
)

// Link speed encodings from the Link Status register.
const (
	SpeedGen4 = 4 // 16 GT/s
	SpeedGen5 = 5 // 32 GT/s
)

// Lane Margining extended capability registers, offsets relative to the
// capability. Lane control/status pairs start at +8, 4 bytes per lane.
const (
	LMRPortCaps        = 0x04
	LMRPortStatus      = 0x06
	LMRPortStatusReady = 0x0001
	LMRPortStatusSwRdy = 0x0002
	LMRLaneBase        = 0x08
	LMRLaneStride      = 4
	LMRLaneStatusOff   = 2
)
