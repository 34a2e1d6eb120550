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
	"os"
	"path/filepath"
	"testing"
)

// writeFixture lays out one device directory the way the kernel does.
func writeFixture(t *testing.T, base, bdf string, attrs map[string]string, config []byte) {
	t.Helper()
	dir := filepath.Join(base, bdf)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, val := range attrs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(val+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "config"), config, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestSysfsScan(t *testing.T) {
	base := t.TempDir()
	config := make([]byte, 256)
	config[RegHeaderType] = HeaderLayoutBridge
	writeFixture(t, base, "0000:00:01.0", map[string]string{
		"vendor":   "0x8086",
		"device":   "0x1234",
		"class":    "0x060400",
		"revision": "0x0b",
	}, config)
	writeFixture(t, base, "0000:01:00.0", map[string]string{
		"vendor":   "0x1000",
		"device":   "0xc030",
		"class":    "0x010700",
		"revision": "0x01",
	}, make([]byte, 256))
	// Non-BDF entries are skipped, not fatal.
	if err := os.MkdirAll(filepath.Join(base, "not-a-device"), 0755); err != nil {
		t.Fatal(err)
	}

	devs, err := NewSysfsAt(base).Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(devs) != 2 {
		t.Fatalf("Scan found %d devices, want 2", len(devs))
	}
}

func TestSysfsOpen(t *testing.T) {
	base := t.TempDir()
	config := make([]byte, 256)
	config[RegHeaderType] = HeaderLayoutBridge
	writeFixture(t, base, "0000:00:01.0", map[string]string{
		"vendor":   "0x8086",
		"device":   "0x1234",
		"class":    "0x060400",
		"revision": "0x0b",
	}, config)

	bdf, _ := ParseBDF("0000:00:01.0")
	dev, err := NewSysfsAt(base).Open(bdf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if dev.VendorID != 0x8086 || dev.DeviceID != 0x1234 {
		t.Errorf("identity %04x:%04x, want 8086:1234", dev.VendorID, dev.DeviceID)
	}
	if dev.ClassCode != 0x060400 {
		t.Errorf("class %06x, want 060400", dev.ClassCode)
	}
	if dev.RevisionID != 0x0b {
		t.Errorf("revision %02x, want 0b", dev.RevisionID)
	}
	if dev.HeaderType != HeaderLayoutBridge {
		t.Errorf("header type %#x, want bridge", dev.HeaderType)
	}
	if got := dev.ReadByte(RegHeaderType); got != HeaderLayoutBridge {
		t.Errorf("config read through backend = %#x, want %#x", got, HeaderLayoutBridge)
	}

	if _, err := NewSysfsAt(base).Open(BDF{Bus: 0x7f}); err == nil {
		t.Error("Open(absent): expected error")
	}
}
