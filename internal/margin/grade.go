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
	"github.com/pcielab/pcielmr/internal/pci"
)

// Grade rates a lane's measured eye against criteria. The zero value is
// the uninitialized state: no criterion could be established, which is not
// a pass.
type Grade int

const (
	GradeUnknown Grade = iota
	GradeFail
	GradePass
	GradePerfect
)

var gradeNames = [...]string{"UNKNOWN", "FAIL", "PASS", "PERFECT"}

func (g Grade) String() string { return gradeNames[g] }

// Criteria are minimum/recommended eye dimensions. Zero-valued members are
// not checked.
type Criteria struct {
	EWMinPs float64 `yaml:"ew_min_ps"`
	EWRecPs float64 `yaml:"ew_rec_ps"`
	EHMinMv float64 `yaml:"eh_min_mv"`
	EHRecMv float64 `yaml:"eh_rec_mv"`
}

// specCriteria holds the PCIe Base Specification receiver-margin values,
// keyed by the negotiated link speed encoding. The eye width scales with
// the unit interval (0.30 UI minimum, 0.38 UI recommended); the voltage
// requirement does not.
var specCriteria = map[uint8]Criteria{
	pci.SpeedGen4: {EWMinPs: 18.75, EWRecPs: 23.75, EHMinMv: 15, EHRecMv: 21},
	pci.SpeedGen5: {EWMinPs: 9.375, EWRecPs: 11.875, EHMinMv: 15, EHRecMv: 21},
}

// SpecCriteria returns the specification thresholds for a link speed.
func SpecCriteria(speed uint8) Criteria {
	return specCriteria[speed]
}

// rate is monotonic in value: growing a measurement never lowers the grade.
func rate(value, min, rec float64) Grade {
	switch {
	case min == 0 && rec == 0:
		return GradeUnknown
	case value < min:
		return GradeFail
	case rec > 0 && value >= rec:
		return GradePerfect
	default:
		return GradePass
	}
}

// worst keeps the lower of two grades, ignoring unknown sides.
func worst(a, b Grade) Grade {
	if a == GradeUnknown {
		return b
	}
	if b == GradeUnknown {
		return a
	}
	if b < a {
		return b
	}
	return a
}

// GradeLane rates one lane: the minimum of its eye-width and (if voltage
// margining ran) eye-height ratings.
func (res *Results) GradeLane(l *LaneResult, crit Criteria) Grade {
	g := GradeUnknown
	if ew, ok := res.EyeWidthPs(l); ok {
		g = worst(g, rate(ew, crit.EWMinPs, crit.EWRecPs))
	}
	if eh, ok := res.EyeHeightMv(l); ok {
		g = worst(g, rate(eh, crit.EHMinMv, crit.EHRecMv))
	}
	return g
}
