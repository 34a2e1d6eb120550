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

// Link preparation and teardown.
//
// The ASPM Control field of the Link Control register must be Disabled in
// both the Downstream Port and Upstream Port for the duration of the test.
// The Hardware Autonomous Speed Disable and Hardware Autonomous Width
// Disable bits must be Set, and their prior state restored afterwards.

import (
	"fmt"

	log "github.com/golang/glog"

	"github.com/pcielab/pcielmr/internal/pci"
)

// Link is the ordered Downstream/Upstream pair under test, plus the run
// arguments. It owns both ports' config space until Restore.
type Link struct {
	Down *Port
	Up   *Port
	Args RunArgs

	Retimers int
}

// NewLink pairs and verifies a link rooted at the two devices. Verification
// failure is a link-level outcome for the caller, not a hard error
// elsewhere in a batch.
func NewLink(down, up *pci.Device, args RunArgs) (*Link, error) {
	dp, err := newPort(down)
	if err != nil {
		return nil, err
	}
	upp, err := newPort(up)
	if err != nil {
		return nil, err
	}
	if err := VerifyLink(dp, upp); err != nil {
		return nil, err
	}
	lk := &Link{Down: dp, Up: upp, Args: args}

	sta2 := down.ReadWord(dp.ExpOff + pci.ExpLnkSta2)
	if sta2&pci.ExpLnkSta2Retimer != 0 {
		lk.Retimers = 1
	}
	if sta2&pci.ExpLnkSta2TwoRetimers != 0 {
		lk.Retimers = 2
	}
	log.V(1).Infof("link %s <-> %s: %d retimer(s)", down.BDF, up.BDF, lk.Retimers)
	return lk, nil
}

func (p *Port) prepare() error {
	dev := p.Dev
	addr := p.ExpOff + pci.ExpLnkCtl
	val := dev.ReadWord(addr)
	p.savedASPM = val & pci.ExpLnkCtlASPM
	p.savedHAWD = val&pci.ExpLnkCtlHAWD != 0
	val &^= pci.ExpLnkCtlASPM
	val |= pci.ExpLnkCtlHAWD
	dev.WriteWord(addr, val)
	p.prepared = true

	addr2 := p.ExpOff + pci.ExpLnkCtl2
	val2 := dev.ReadWord(addr2)
	p.savedHASD = val2&pci.ExpLnkCtl2HASD != 0
	dev.WriteWord(addr2, val2|pci.ExpLnkCtl2HASD)

	// Some ports hardwire ASPM control; margining would retrain the link
	// underneath the test, so a port that will not clear it fails here.
	if got := dev.ReadWord(addr) & pci.ExpLnkCtlASPM; got != 0 {
		return fmt.Errorf("%s: ASPM still enabled (%#x) after disable", dev.BDF, got)
	}
	return nil
}

func (p *Port) restore() {
	if !p.prepared {
		return
	}
	dev := p.Dev
	addr := p.ExpOff + pci.ExpLnkCtl
	val := dev.ReadWord(addr)
	val = (val &^ pci.ExpLnkCtlASPM) | p.savedASPM
	if p.savedHAWD {
		val |= pci.ExpLnkCtlHAWD
	} else {
		val &^= pci.ExpLnkCtlHAWD
	}
	dev.WriteWord(addr, val)

	addr2 := p.ExpOff + pci.ExpLnkCtl2
	val2 := dev.ReadWord(addr2)
	if p.savedHASD {
		val2 |= pci.ExpLnkCtl2HASD
	} else {
		val2 &^= pci.ExpLnkCtl2HASD
	}
	dev.WriteWord(addr2, val2)
}

// Prepare disables ASPM and autonomous speed/width changes on both ports,
// saving the prior state. Preparation is all-or-nothing: if either port
// fails, whatever was already changed is restored before returning.
func (lk *Link) Prepare() error {
	for _, p := range [2]*Port{lk.Down, lk.Up} {
		if err := p.prepare(); err != nil {
			lk.Restore()
			return err
		}
	}
	log.V(1).Infof("link %s <-> %s prepared for margining", lk.Down.Dev.BDF, lk.Up.Dev.BDF)
	return nil
}

// Restore writes the saved ASPM/autonomous bits back to both ports. It is
// unconditional and idempotent: a second call repeats the same writes.
func (lk *Link) Restore() {
	for _, p := range [2]*Port{lk.Down, lk.Up} {
		p.restore()
	}
}

// MarginingReady reads the Margining Ready bit of a port's Margining Port
// Status register.
func (p *Port) MarginingReady() bool {
	sta := p.Dev.ReadWord(p.LMROff + pci.LMRPortStatus)
	return sta&pci.LMRPortStatusReady != 0
}
