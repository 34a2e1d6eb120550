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

// Capability-list walkers. Both guard against malformed chains that loop.

import (
	"fmt"
)

// FindCapability scans the classic capability linked list for the given ID
// and returns its config-space offset.
func FindCapability(dev *Device, id uint8) (int32, error) {
	const configSpace = 0x100 // The base config space is 256B.
	if dev.ReadWord(RegStatus)&0x0010 == 0 {
		return 0, fmt.Errorf("%s: no capability list", dev.BDF)
	}
	var been [configSpace]bool
	for addr := int32(dev.ReadByte(RegCapPointer)) &^ 3; addr != 0; {
		hdr := dev.ReadWord(addr)
		if uint8(hdr&0x00FF) == id {
			return addr, nil
		}
		been[addr] = true
		addr = int32(hdr>>8) &^ 3
		if addr < int32(len(been)) && been[addr] {
			return 0, fmt.Errorf("%s: capability chain loops at %#x", dev.BDF, addr)
		}
	}
	return 0, fmt.Errorf("%s: capability %#x not found", dev.BDF, id)
}

// FindExtCapability scans the PCIe extended capability list for the given ID
// and returns its config-space offset.
func FindExtCapability(dev *Device, id uint16) (int32, error) {
	const (
		configSpace = 0x1000
		capStart    = int32(0x100)
	)
	var been [configSpace]bool
	for addr := capStart; addr != 0; {
		hdr := dev.ReadLong(addr)
		if hdr == 0 || hdr == 0xFFFFFFFF {
			break
		}
		if uint16(hdr&0xFFFF) == id {
			return addr, nil
		}
		been[addr] = true
		addr = int32(hdr>>20) &^ 3
		if addr < int32(len(been)) && been[addr] {
			return 0, fmt.Errorf("%s: extended capability chain loops at %#x", dev.BDF, addr)
		}
	}
	return 0, fmt.Errorf("%s: extended capability %#x not found", dev.BDF, id)
}
