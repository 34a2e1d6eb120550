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

import "testing"

func TestLookupQuirk(t *testing.T) {
	tests := []struct {
		vendor, device uint16
		revision       uint8
		want           bool
	}{
		{0x1000, 0xC030, 0x00, true},  // any revision
		{0x1000, 0xC030, 0xFF, true},  // any revision
		{0x1000, 0xC010, 0xB0, true},  // exact revision
		{0x1000, 0xC010, 0xB1, false}, // wrong revision
		{0x1D9B, 0x0201, 0x03, true},
		{0x8086, 0x1234, 0x00, false}, // unlisted part
	}
	for _, tc := range tests {
		got := lookupQuirk(tc.vendor, tc.device, tc.revision)
		if (got != nil) != tc.want {
			t.Errorf("lookupQuirk(%04x:%04x rev %02x) = %v, want match=%t",
				tc.vendor, tc.device, tc.revision, got, tc.want)
		}
	}
}

func TestQuirkApplyOnlyZero(t *testing.T) {
	q := &Quirk{ForceVoltageOffset: 45, ForceTimingOffset: 40}

	p := &Params{}
	q.apply(p)
	if p.VoltageOffset != 45 || p.TimingOffset != 40 {
		t.Errorf("unreported offsets not forced: %+v", p)
	}

	p = &Params{VoltageOffset: 30, TimingOffset: 25}
	q.apply(p)
	if p.VoltageOffset != 30 || p.TimingOffset != 25 {
		t.Errorf("reported offsets overridden: %+v", p)
	}
}
