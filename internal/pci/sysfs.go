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

// Linux sysfs backend. Each function's config space is the "config" file
// under /sys/bus/pci/devices/<BDF>/; identity attributes are the sibling
// text files.

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const sysfsDevices = "/sys/bus/pci/devices"

type sysfsAccess struct {
	mu   sync.Mutex
	path string
	fd   int
	ro   bool
}

func (a *sysfsAccess) open() error {
	if a.fd > 0 {
		return nil
	}
	fd, err := unix.Open(a.path, unix.O_RDWR, 0)
	if err != nil {
		// Margining needs write access, but a read-only fd still serves
		// the lister. The first write surfaces the permission problem.
		fd, err = unix.Open(a.path, unix.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", a.path, err)
		}
		a.ro = true
	}
	a.fd = fd
	return nil
}

func (a *sysfsAccess) Read(off int32, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.open(); err != nil {
		return err
	}
	n, err := unix.Pread(a.fd, buf, int64(off))
	if err != nil {
		return fmt.Errorf("pread %s @%#x: %w", a.path, off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("pread %s @%#x: short read %d/%d", a.path, off, n, len(buf))
	}
	return nil
}

func (a *sysfsAccess) Write(off int32, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.open(); err != nil {
		return err
	}
	if a.ro {
		return fmt.Errorf("%s: config space opened read-only", a.path)
	}
	n, err := unix.Pwrite(a.fd, buf, int64(off))
	if err != nil {
		return fmt.Errorf("pwrite %s @%#x: %w", a.path, off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("pwrite %s @%#x: short write %d/%d", a.path, off, n, len(buf))
	}
	return nil
}

// Sysfs enumerates devices from a sysfs tree. The base path is variable so
// tests can point it at a fixture directory.
type Sysfs struct {
	base string
}

// NewSysfs returns an enumerator over the live sysfs tree.
func NewSysfs() *Sysfs {
	return &Sysfs{base: sysfsDevices}
}

// NewSysfsAt returns an enumerator rooted at base.
func NewSysfsAt(base string) *Sysfs {
	return &Sysfs{base: base}
}

// Scan lists every PCI function known to the kernel.
func (s *Sysfs) Scan() ([]*Device, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.base, err)
	}
	devs := make([]*Device, 0, len(entries))
	for _, e := range entries {
		bdf, err := ParseBDF(e.Name())
		if err != nil {
			continue
		}
		dev, err := s.Open(bdf)
		if err != nil {
			continue
		}
		devs = append(devs, dev)
	}
	return devs, nil
}

// Open binds one function by BDF.
func (s *Sysfs) Open(bdf BDF) (*Device, error) {
	devPath := filepath.Join(s.base, bdf.String())
	if _, err := os.Stat(devPath); err != nil {
		return nil, fmt.Errorf("no device %s: %w", bdf, err)
	}
	dev := NewDevice(bdf, &sysfsAccess{path: filepath.Join(devPath, "config")})

	var err error
	if dev.VendorID, err = readHexAttr16(devPath, "vendor"); err != nil {
		return nil, err
	}
	if dev.DeviceID, err = readHexAttr16(devPath, "device"); err != nil {
		return nil, err
	}
	if class, err := readHexAttr32(devPath, "class"); err == nil {
		dev.ClassCode = class & 0xFFFFFF
	}
	if rev, err := readHexAttr32(devPath, "revision"); err == nil {
		dev.RevisionID = uint8(rev)
	}
	dev.HeaderType = dev.ReadByte(RegHeaderType) & HeaderLayoutMask
	if link, err := os.Readlink(filepath.Join(devPath, "driver")); err == nil {
		dev.Driver = filepath.Base(link)
	}
	return dev, nil
}

func readHexAttr16(devPath, name string) (uint16, error) {
	v, err := readHexAttr32(devPath, name)
	return uint16(v), err
}

func readHexAttr32(devPath, name string) (uint32, error) {
	data, err := os.ReadFile(filepath.Join(devPath, name))
	if err != nil {
		return 0, fmt.Errorf("read attribute %s: %w", name, err)
	}
	str := strings.TrimSpace(string(data))
	str = strings.TrimPrefix(str, "0x")
	v, err := strconv.ParseUint(str, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %s=%q: %w", name, str, err)
	}
	return uint32(v), nil
}
