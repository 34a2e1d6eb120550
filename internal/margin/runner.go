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

// Top-level run orchestration. Failures never escape as errors past this
// layer: everything is absorbed into Results outcomes so a batch over many
// links keeps going.

import (
	log "github.com/golang/glog"

	"github.com/pcielab/pcielmr/internal/pci"
)

func sentinel(o Outcome) []*Results {
	return []*Results{{Outcome: o}}
}

// Run margins every requested receiver of the link that dev sits on. A
// link-level failure yields a single sentinel result; receiver-level
// failures are recorded per receiver and the rest of the link is still
// tested. Register state disturbed by preparation is restored on every
// exit path.
func Run(devs []*pci.Device, dev *pci.Device, args RunArgs) []*Results {
	if err := args.validateLanes(); err != nil {
		log.Errorf("%s: %v", dev.BDF, err)
		return sentinel(OutcomeArgsLanes)
	}
	if err := args.validateReceivers(); err != nil {
		log.Errorf("%s: %v", dev.BDF, err)
		return sentinel(OutcomeArgsRecvs)
	}

	down, up, err := FindPair(devs, dev)
	if err != nil {
		log.Errorf("%s: pairing failed: %v", dev.BDF, err)
		return sentinel(OutcomePrereqs)
	}
	lk, err := NewLink(down, up, args)
	if err != nil {
		log.Errorf("%s: link not eligible: %v", dev.BDF, err)
		return sentinel(OutcomePrereqs)
	}

	for _, l := range args.Lanes {
		if l >= int(lk.Down.Width) {
			log.Errorf("%s: lane %d beyond link width %d", dev.BDF, l, lk.Down.Width)
			return sentinel(OutcomeArgsLanes)
		}
	}
	recvs, err := lk.Receivers()
	if err != nil {
		log.Errorf("%s: %v", dev.BDF, err)
		return sentinel(OutcomeArgsRecvs)
	}

	if err := lk.Prepare(); err != nil {
		log.Errorf("%s: %v", dev.BDF, err)
		return sentinel(OutcomeASPM)
	}
	defer lk.Restore()

	results := make([]*Results, 0, len(recvs))
	for _, r := range recvs {
		res := lk.marginRecv(r)
		res.UspBDF = lk.Up.Dev.BDF.String()
		results = append(results, res)
	}
	return results
}

// marginRecv runs one receiver: ready check, capability discovery, quirk
// lookup, then the four directions in fixed order with the receiver's
// support flags deciding which apply.
func (lk *Link) marginRecv(r *Recv) *Results {
	if !r.Port.MarginingReady() {
		log.Warningf("receiver %d on %s: margining-ready clear", r.Num, r.Port.Dev.BDF)
		return newResults(r, OutcomeReadyBit)
	}
	if err := r.ReadParams(); err != nil {
		log.Warningf("receiver %d on %s: %v", r.Num, r.Port.Dev.BDF, err)
		return newResults(r, OutcomeCaps)
	}
	r.ApplyQuirks()

	res := newResults(r, OutcomeOK)
	if lk.Args.CapsOnly {
		return res
	}

	lanes := lk.Args.Lanes
	if len(lanes) == 0 {
		lanes = make([]int, lk.Down.Width)
		for i := range lanes {
			lanes[i] = i
		}
	}

	p := r.Params
	ceilT := stepCeiling(lk.Args.StepsT, p.TimingSteps)
	ceilV := stepCeiling(lk.Args.StepsV, p.VoltageSteps)

	type pass struct {
		dir  Direction
		ceil uint16
		run  bool
	}
	passes := []pass{
		{TimLeft, ceilT, true},
		{TimRight, ceilT, p.IndLeftRightTiming},
		{VoltUp, ceilV, p.VoltageSupported},
		{VoltDown, ceilV, p.VoltageSupported && p.IndUpDownVoltage},
	}
	for _, ps := range passes {
		if !ps.run || ps.ceil == 0 {
			log.V(1).Infof("receiver %d: skipping %v", r.Num, ps.dir)
			continue
		}
		r.TestLanes(lanes, ps.dir, ps.ceil, res)
	}
	return res
}

// stepCeiling caps an override at the receiver-reported maximum; 0 means
// no override.
func stepCeiling(override uint16, max uint8) uint16 {
	if override == 0 || override > uint16(max) {
		return uint16(max)
	}
	return override
}
