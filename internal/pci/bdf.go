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

// Package pci provides PCI device identity, configuration-space access and
// capability-list discovery. It is the single gateway between the margining
// engine and the underlying register backend.
package pci

import (
	"fmt"
	"strings"
)

// BDF identifies a PCI function by domain, bus, device and function number.
type BDF struct {
	Domain uint16
	Bus    uint8
	Dev    uint8
	Func   uint8
}

// String formats the BDF the sysfs way: DDDD:BB:dd.f.
func (b BDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", b.Domain, b.Bus, b.Dev, b.Func)
}

// ParseBDF parses a device specifier of the form [[domain:]bus:]dev.func.
// All numbers are hexadecimal, as printed by lspci.
func ParseBDF(s string) (BDF, error) {
	var bdf BDF
	df, rest := s, ""
	if i := strings.LastIndex(s, ":"); i >= 0 {
		rest, df = s[:i], s[i+1:]
	}
	var dev, fn uint8
	if n, err := fmt.Sscanf(df, "%x.%x", &dev, &fn); err != nil || n != 2 {
		return bdf, fmt.Errorf("invalid device specifier %q: want [[domain:]bus:]dev.func", s)
	}
	bdf.Dev = dev
	bdf.Func = fn
	if rest == "" {
		return bdf, nil
	}
	parts := strings.Split(rest, ":")
	switch len(parts) {
	case 1:
		if n, err := fmt.Sscanf(parts[0], "%x", &bdf.Bus); err != nil || n != 1 {
			return bdf, fmt.Errorf("invalid bus number in %q", s)
		}
	case 2:
		if n, err := fmt.Sscanf(parts[0], "%x", &bdf.Domain); err != nil || n != 1 {
			return bdf, fmt.Errorf("invalid domain number in %q", s)
		}
		if n, err := fmt.Sscanf(parts[1], "%x", &bdf.Bus); err != nil || n != 1 {
			return bdf, fmt.Errorf("invalid bus number in %q", s)
		}
	default:
		return bdf, fmt.Errorf("invalid device specifier %q", s)
	}
	return bdf, nil
}
