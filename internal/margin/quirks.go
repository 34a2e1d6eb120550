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
	log "github.com/golang/glog"
)

// anyRevision matches every revision ID of a part.
const anyRevision = -1

// Quirk overrides receiver parameters for silicon with known reporting
// defects. The table is static; lookupQuirk is the only way in.
type Quirk struct {
	Vendor   uint16
	Device   uint16
	Revision int // anyRevision or an exact revision ID

	// ForceVoltageOffset replaces a MaxVoltageOffset the part reports as 0.
	ForceVoltageOffset uint8
	// ForceTimingOffset replaces a MaxTimingOffset the part reports as 0.
	ForceTimingOffset uint8
	// OneSideSpansEye marks parts whose single-sided measurement already
	// covers the whole eye; grading must not double it.
	OneSideSpansEye bool
}

var quirkTable = []Quirk{
	// Switch silicon that does not report its voltage offset even though
	// voltage margining works; the PHY datasheet value is 45 (450 mV).
	{Vendor: 0x1000, Device: 0xC030, Revision: anyRevision, ForceVoltageOffset: 45},
	// Early revision of the same family additionally margins both timing
	// directions internally and mirrors the result, so one side is the eye.
	{Vendor: 0x1000, Device: 0xC010, Revision: 0xB0, OneSideSpansEye: true},
	// Retimer that reports neither offset; values from the vendor errata.
	{Vendor: 0x1D9B, Device: 0x0201, Revision: anyRevision,
		ForceTimingOffset: 40, ForceVoltageOffset: 20},
}

// lookupQuirk returns the override entry for a part, or nil. Pure lookup,
// no state.
func lookupQuirk(vendor, device uint16, revision uint8) *Quirk {
	for i := range quirkTable {
		q := &quirkTable[i]
		if q.Vendor != vendor || q.Device != device {
			continue
		}
		if q.Revision != anyRevision && q.Revision != int(revision) {
			continue
		}
		return q
	}
	return nil
}

func (q *Quirk) apply(p *Params) {
	if q.ForceVoltageOffset != 0 && p.VoltageOffset == 0 {
		log.V(1).Infof("quirk %04x:%04x: forcing voltage offset %d", q.Vendor, q.Device, q.ForceVoltageOffset)
		p.VoltageOffset = q.ForceVoltageOffset
	}
	if q.ForceTimingOffset != 0 && p.TimingOffset == 0 {
		log.V(1).Infof("quirk %04x:%04x: forcing timing offset %d", q.Vendor, q.Device, q.ForceTimingOffset)
		p.TimingOffset = q.ForceTimingOffset
	}
}
