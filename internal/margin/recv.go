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
	"fmt"
	"time"

	"github.com/pcielab/pcielmr/internal/pci"
)

// Recv is one testable receiver on a link. Receivers 1-5 (the Downstream
// Port receiver and retimer pseudo ports) are driven through the Downstream
// Port's lane registers; receiver 6 through the Upstream device's.
type Recv struct {
	Num          int
	Port         *Port
	LaneReversal bool
	Parallel     int
	ErrorLimit   uint8
	Dwell        time.Duration

	Params *Params
	quirk  *Quirk
}

// laneRegAt returns the control/status pair of a logical lane, applying
// lane reversal: a reversed receiver sees logical lane n at physical lane
// width-1-n.
func (r *Recv) laneRegAt(lane int) laneReg {
	idx := lane
	if r.LaneReversal {
		idx = int(r.Port.Width) - 1 - lane
	}
	return laneReg{
		dev:  r.Port.Dev,
		addr: r.Port.LMROff + pci.LMRLaneBase + int32(idx)*pci.LMRLaneStride,
	}
}

// ctrlLane is the lane used for receiver-wide commands such as parameter
// reports: logical lane 0, which under reversal is the device's last lane.
func (r *Recv) ctrlLane() laneReg {
	return r.laneRegAt(0)
}

// ApplyQuirks consults the hardware override table exactly once, after
// discovery and before any stepping.
func (r *Recv) ApplyQuirks() {
	dev := r.Port.Dev
	r.quirk = lookupQuirk(dev.VendorID, dev.DeviceID, dev.RevisionID)
	if r.quirk == nil {
		return
	}
	r.quirk.apply(r.Params)
}

// receiversPresent lists the receiver numbers on this link: the Downstream
// and Upstream port receivers always, plus two pseudo ports per detected
// retimer.
func (lk *Link) receiversPresent() []int {
	present := []int{RecvDSP}
	if lk.Retimers >= 1 {
		present = append(present, 2, 3)
	}
	if lk.Retimers >= 2 {
		present = append(present, 4, 5)
	}
	return append(present, RecvUSP)
}

// Receivers builds the receiver set for the run. Requested numbers outside
// the link's actual receiver population are rejected before any hardware
// access.
func (lk *Link) Receivers() ([]*Recv, error) {
	present := lk.receiversPresent()
	want := lk.Args.Receivers
	if len(want) == 0 {
		want = present
	} else {
		for _, n := range want {
			if n < RecvDSP || n > RecvUSP {
				return nil, fmt.Errorf("receiver number %d out of range 1-6", n)
			}
			found := false
			for _, p := range present {
				if p == n {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("receiver %d not present on this link (%d retimers)", n, lk.Retimers)
			}
		}
	}

	recvs := make([]*Recv, 0, len(want))
	for _, n := range want {
		port := lk.Down
		if n == RecvUSP {
			port = lk.Up
		}
		recvs = append(recvs, &Recv{
			Num:        n,
			Port:       port,
			Parallel:   lk.Args.Parallel,
			ErrorLimit: lk.Args.ErrorLimit,
			Dwell:      lk.Args.Dwell(),
		})
	}
	return recvs, nil
}
