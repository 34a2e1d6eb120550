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
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
)

func csvFixture() *Results {
	res := &Results{
		Receiver:      1,
		UspBDF:        "0000:01:00.0",
		TimPctPerStep: 1.0,
		TimPsPerStep:  1.0,
		VoltMvPerStep: 2.0,
	}
	full := LaneResult{Lane: 0}
	full.Steps[TimLeft], full.Status[TimLeft] = 12, StatusTHR
	full.Steps[TimRight], full.Status[TimRight] = 10, StatusLIM
	full.Steps[VoltUp], full.Status[VoltUp] = 8, StatusTHR
	full.Steps[VoltDown], full.Status[VoltDown] = 7, StatusNAK
	timingOnly := LaneResult{Lane: 1}
	timingOnly.Steps[TimLeft], timingOnly.Status[TimLeft] = 5, StatusTHR
	res.Lanes = []LaneResult{full, timingOnly}
	return res
}

func TestWriteCSV(t *testing.T) {
	res := csvFixture()
	crit := Criteria{EWMinPs: 10, EWRecPs: 20, EHMinMv: 10, EHRecMv: 20}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, res, crit); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("%d rows, want header + 2 lanes", len(rows))
	}
	for i, row := range rows {
		if len(row) != len(csvHeader) {
			t.Errorf("row %d has %d cells, want %d", i, len(row), len(csvHeader))
		}
	}

	cell := func(row int, name string) string {
		for i, h := range csvHeader {
			if h == name {
				return rows[row][i]
			}
		}
		t.Fatalf("no column %q", name)
		return ""
	}

	// Lane 0 measured both axes: EW = 12+10 ps, EH = (8+7)*2 mV.
	if got := cell(1, "EW (ps)"); got != "22.000" {
		t.Errorf(`lane 0 "EW (ps)" = %q, want "22.000"`, got)
	}
	if got := cell(1, "EH (mV)"); got != "30.0" {
		t.Errorf(`lane 0 "EH (mV)" = %q, want "30.0"`, got)
	}
	if got := cell(1, "Grade"); got != "PERFECT" {
		t.Errorf("lane 0 grade = %q, want PERFECT", got)
	}
	if got := cell(1, "VoltDown status"); got != "NAK" {
		t.Errorf("lane 0 VoltDown status = %q, want NAK", got)
	}

	// Lane 1 has no voltage measurement: every voltage cell is NA and the
	// one-sided eye width is doubled.
	if got := cell(2, "EW (ps)"); got != "10.000" {
		t.Errorf(`lane 1 "EW (ps)" = %q, want "10.000"`, got)
	}
	for _, name := range []string{"EH (mV)", "VoltUp steps", "VoltDown status", "TimRight (ps)"} {
		if got := cell(2, name); got != notAvailable {
			t.Errorf("lane 1 %q = %q, want %q", name, got, notAvailable)
		}
	}
	if got := cell(2, "Grade"); got != "PASS" {
		t.Errorf("lane 1 grade = %q, want PASS", got)
	}
}

func TestSaveCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	res := csvFixture()

	path, err := SaveCSV(dir, res, Criteria{EWMinPs: 10})
	if err != nil {
		t.Fatalf("SaveCSV: %v", err)
	}
	want := filepath.Join(dir, "margin_0000:01:00.0_rx1.csv")
	if path != want {
		t.Errorf("path %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(data) == 0 {
		t.Error("empty CSV written")
	}
}
