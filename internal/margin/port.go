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

// Port discovery: locating the Downstream/Upstream pair of a link and
// verifying that the link is electrically eligible for margining.

import (
	"fmt"

	log "github.com/golang/glog"

	"github.com/pcielab/pcielmr/internal/pci"
)

// Port is one end of a margining-capable link.
type Port struct {
	Dev    *pci.Device
	ExpOff int32 // PCI Express capability offset
	LMROff int32 // Lane Margining extended capability offset
	Width  uint32
	Speed  uint8 // negotiated link speed encoding (4 = 16 GT/s, 5 = 32 GT/s)

	// Link Control state saved by Prepare and written back by Restore.
	savedASPM uint16
	savedHAWD bool
	savedHASD bool
	prepared  bool
}

func newPort(dev *pci.Device) (*Port, error) {
	p := &Port{Dev: dev}
	var err error
	if p.ExpOff, err = pci.FindCapability(dev, pci.CapIDExpress); err != nil {
		return nil, err
	}
	if p.LMROff, err = pci.FindExtCapability(dev, pci.ExtCapIDLMR); err != nil {
		return nil, err
	}
	sta := dev.ReadWord(p.ExpOff + pci.ExpLnkSta)
	p.Width = uint32(sta&pci.ExpLnkStaWidthMask) >> pci.ExpLnkStaWidthShift
	p.Speed = uint8(sta & pci.ExpLnkStaSpeedMask)
	log.V(1).Infof("%s: exp cap @%#x, lmr cap @%#x, width %d, speed gen%d",
		dev.BDF, p.ExpOff, p.LMROff, p.Width, p.Speed)
	return p, nil
}

// portType reads the Device/Port Type field of the PCIe capability.
func portType(dev *pci.Device) (int, error) {
	off, err := pci.FindCapability(dev, pci.CapIDExpress)
	if err != nil {
		return 0, err
	}
	flags := dev.ReadWord(off + pci.ExpFlags)
	return int(flags&pci.ExpFlagsTypeMask) >> pci.ExpFlagsTypeShift, nil
}

func secondaryBus(dev *pci.Device) uint8 {
	return dev.ReadByte(pci.RegSecondaryBus)
}

// FindPair locates the Downstream/Upstream port pair of the link dev sits
// on. dev may be either end; the counterpart is found in devs by
// bus-number adjacency: the Downstream Port's secondary bus is the
// Upstream device's bus, and the Upstream device is at function 0.
func FindPair(devs []*pci.Device, dev *pci.Device) (down, up *pci.Device, err error) {
	typ, err := portType(dev)
	if err != nil {
		return nil, nil, err
	}
	switch typ {
	case pci.ExpTypeRootPort, pci.ExpTypeDownstream:
		down = dev
		sec := secondaryBus(dev)
		for _, d := range devs {
			if d.BDF.Domain == dev.BDF.Domain && d.BDF.Bus == sec && d.BDF.Func == 0 {
				up = d
				break
			}
		}
		if up == nil {
			return nil, nil, fmt.Errorf("%s: no upstream device on secondary bus %02x", dev.BDF, sec)
		}
	case pci.ExpTypeUpstream, pci.ExpTypeEndpoint:
		if dev.BDF.Func != 0 {
			return nil, nil, fmt.Errorf("%s: margining addresses the function-0 upstream device", dev.BDF)
		}
		up = dev
		for _, d := range devs {
			if d.BDF.Domain != dev.BDF.Domain || d.HeaderType != pci.HeaderLayoutBridge {
				continue
			}
			if t, err := portType(d); err != nil ||
				(t != pci.ExpTypeRootPort && t != pci.ExpTypeDownstream) {
				continue
			}
			if secondaryBus(d) == dev.BDF.Bus {
				down = d
				break
			}
		}
		if down == nil {
			return nil, nil, fmt.Errorf("%s: no downstream port routes bus %02x", dev.BDF, dev.BDF.Bus)
		}
	default:
		return nil, nil, fmt.Errorf("%s: port type %#x is not a link end", dev.BDF, typ)
	}
	log.V(1).Infof("link pair: down %s, up %s", down.BDF, up.BDF)
	return down, up, nil
}

// VerifyLink checks the margining preconditions: negotiated speed of
// exactly 16 or 32 GT/s, bus adjacency, upstream at function 0, and the
// upstream device in D0.
func VerifyLink(down, up *Port) error {
	if down.Speed != pci.SpeedGen4 && down.Speed != pci.SpeedGen5 {
		return fmt.Errorf("%s: negotiated speed gen%d; margining requires 16 or 32 GT/s",
			down.Dev.BDF, down.Speed)
	}
	if secondaryBus(down.Dev) != up.Dev.BDF.Bus {
		return fmt.Errorf("%s and %s are not link partners", down.Dev.BDF, up.Dev.BDF)
	}
	if up.Dev.BDF.Func != 0 {
		return fmt.Errorf("%s: upstream device is not function 0", up.Dev.BDF)
	}
	pmOff, err := pci.FindCapability(up.Dev, pci.CapIDPowerManagement)
	if err != nil {
		return fmt.Errorf("%s: no power management capability: %w", up.Dev.BDF, err)
	}
	if state := up.Dev.ReadWord(pmOff+pci.PMCtrl) & pci.PMCtrlStateMask; state != pci.PMStateD0 {
		return fmt.Errorf("%s: upstream device in D%d, not D0", up.Dev.BDF, state)
	}
	return nil
}
