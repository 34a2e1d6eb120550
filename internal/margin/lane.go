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

// The parallel multi-lane step loop. "Parallel" is device-side only: all
// lane control registers of a batch are written, then one shared dwell
// sleep, then one status read per lane. Exactly one round trip per lane
// per step; a lane that has not accepted the step by then has failed it.

import (
	"time"

	log "github.com/golang/glog"
)

type laneState struct {
	lane  int
	reg   laneReg
	res   *LaneResult
	alive bool
}

func (st *laneState) fail(dir Direction, steps uint16, status StepStatus) {
	st.res.Steps[dir] = steps
	st.res.Status[dir] = status
	st.alive = false
}

// TestLanes margins one direction across the requested lanes, in batches
// of at most the parallel-lane count, sequentially in lane-index order.
func (r *Recv) TestLanes(lanes []int, dir Direction, ceiling uint16, res *Results) {
	// Lane pointers are held across a whole batch; every slot must exist
	// before the first one is captured, or a later append can move them.
	for _, n := range lanes {
		res.lane(n)
	}
	par := r.Parallel
	if par < 1 {
		par = 1
	}
	// MaxLanes is encoded as highest simultaneous lane count minus one.
	if m := int(r.Params.MaxLanes) + 1; par > m {
		par = m
	}
	for start := 0; start < len(lanes); start += par {
		end := min(start+par, len(lanes))
		r.testBatch(lanes[start:end], dir, ceiling, res)
	}
}

func (r *Recv) testBatch(batch []int, dir Direction, ceiling uint16, res *Results) {
	log.V(1).Infof("receiver %d: %v lanes %v, ceiling %d", r.Num, dir, batch, ceiling)

	states := make([]*laneState, 0, len(batch))
	alive := 0
	for _, n := range batch {
		st := &laneState{lane: n, reg: r.laneRegAt(n), res: res.lane(n)}
		states = append(states, st)
		if err := r.initLane(st.reg); err != nil {
			log.V(1).Infof("receiver %d lane %d: init failed: %v", r.Num, n, err)
			st.fail(dir, 0, StatusNAK)
			continue
		}
		st.alive = true
		alive++
	}

	for step := uint16(1); step <= ceiling && alive > 0; step++ {
		cmd := NewCommand(r.Num, dir.marginType(), uint8(step)|dir.dirMask())
		for _, st := range states {
			if st.alive {
				st.reg.write(cmd)
			}
		}
		// The dwell is shared by the whole batch and is the protocol's
		// settle time; it is never skipped.
		time.Sleep(r.Dwell)
		for _, st := range states {
			if !st.alive {
				continue
			}
			rsp := st.reg.readStatus()
			if rsp.Receiver() != r.Num || rsp.Type() != dir.marginType() || rsp.Usage() != 0 {
				log.V(2).Infof("receiver %d lane %d step %d: mismatch rsp{%v}", r.Num, st.lane, step, rsp)
				st.fail(dir, step-1, StatusNAK)
				alive--
				continue
			}
			switch rsp.ExecStatus() {
			case StepMarginExecutionStatusMargining:
				if cnt := rsp.ErrorCount(); cnt > r.ErrorLimit {
					log.V(2).Infof("receiver %d lane %d step %d: %d errors over limit %d",
						r.Num, st.lane, step, cnt, r.ErrorLimit)
					st.fail(dir, step-1, StatusLIM)
					alive--
				} else {
					st.res.Steps[dir] = step
				}
			case StepMarginExecutionStatusErrorOut:
				st.fail(dir, step-1, StatusLIM)
				alive--
			default:
				// NAK, or still setting up after the only allowed read.
				st.fail(dir, step-1, StatusNAK)
				alive--
			}
		}
	}

	for _, st := range states {
		if st.alive {
			st.res.Steps[dir] = ceiling
			st.res.Status[dir] = StatusTHR
			st.alive = false
		}
	}

	// Mandatory even after early failure: the device must not be left in a
	// margining state.
	for _, st := range states {
		if err := r.cleanupLane(st.reg); err != nil {
			log.Warningf("receiver %d lane %d: cleanup failed: %v", r.Num, st.lane, err)
			// Only THR claims a clean error-free run, so only THR is
			// invalidated; NAK and LIM already record a lane that stopped
			// at its last good step.
			if st.res.Status[dir] == StatusTHR {
				st.res.Status[dir] = StatusNAK
			}
		}
	}
}

// initLane clears the control register, sets the error-count limit, and
// clears again.
func (r *Recv) initLane(reg laneReg) error {
	if err := reg.noCmd(); err != nil {
		return err
	}
	if err := reg.set(NewCommand(r.Num, MarginTypeSet, SetErrorCountLimit|r.ErrorLimit)); err != nil {
		return err
	}
	return reg.noCmd()
}

// cleanupLane clears the lane, clears its error log, returns it to normal
// settings, and clears once more.
func (r *Recv) cleanupLane(reg laneReg) error {
	if err := reg.noCmd(); err != nil {
		return err
	}
	if err := reg.set(NewCommand(r.Num, MarginTypeSet, SetClearErrorLog)); err != nil {
		return err
	}
	if err := reg.set(NewCommand(r.Num, MarginTypeSet, SetGoToNormalSettings)); err != nil {
		return err
	}
	return reg.noCmd()
}
