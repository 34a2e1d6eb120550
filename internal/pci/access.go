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

import (
	"encoding/binary"

	log "github.com/golang/glog"
)

// ConfigAccess is the raw configuration-space backend of one function.
// The sysfs backend implements it for real hardware; tests substitute
// in-memory fakes.
type ConfigAccess interface {
	// Read fills buf from the config space starting at off.
	Read(off int32, buf []byte) error
	// Write stores buf into the config space starting at off.
	Write(off int32, buf []byte) error
}

// Device is one PCI function together with its register backend.
type Device struct {
	BDF        BDF
	VendorID   uint16
	DeviceID   uint16
	RevisionID uint8
	ClassCode  uint32
	HeaderType uint8
	Driver     string

	acc ConfigAccess
}

// NewDevice wraps a backend into a Device. Identity fields are the caller's.
func NewDevice(bdf BDF, acc ConfigAccess) *Device {
	return &Device{BDF: bdf, acc: acc}
}

// Reads follow config-space convention: a failed access reads all-ones, so
// callers observe the same pattern as a device that fell off the bus. The
// margining engine treats that as a protocol mismatch, never as an error
// channel.

// ReadByte reads an 8-bit register.
func (d *Device) ReadByte(addr int32) uint8 {
	var buf [1]byte
	if err := d.acc.Read(addr, buf[:]); err != nil {
		log.V(2).Infof("%s: config read byte @%#x: %v", d.BDF, addr, err)
		return 0xFF
	}
	return buf[0]
}

// ReadWord reads a 16-bit register.
func (d *Device) ReadWord(addr int32) uint16 {
	var buf [2]byte
	if err := d.acc.Read(addr, buf[:]); err != nil {
		log.V(2).Infof("%s: config read word @%#x: %v", d.BDF, addr, err)
		return 0xFFFF
	}
	return binary.LittleEndian.Uint16(buf[:])
}

// ReadLong reads a 32-bit register.
func (d *Device) ReadLong(addr int32) uint32 {
	var buf [4]byte
	if err := d.acc.Read(addr, buf[:]); err != nil {
		log.V(2).Infof("%s: config read long @%#x: %v", d.BDF, addr, err)
		return 0xFFFFFFFF
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// WriteByte writes an 8-bit register.
func (d *Device) WriteByte(addr int32, val uint8) {
	buf := [1]byte{val}
	if err := d.acc.Write(addr, buf[:]); err != nil {
		log.Warningf("%s: config write byte @%#x: %v", d.BDF, addr, err)
	}
}

// WriteWord writes a 16-bit register.
func (d *Device) WriteWord(addr int32, val uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], val)
	if err := d.acc.Write(addr, buf[:]); err != nil {
		log.Warningf("%s: config write word @%#x: %v", d.BDF, addr, err)
	}
}

// WriteLong writes a 32-bit register.
func (d *Device) WriteLong(addr int32, val uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	if err := d.acc.Write(addr, buf[:]); err != nil {
		log.Warningf("%s: config write long @%#x: %v", d.BDF, addr, err)
	}
}
