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

// CSV serialization: one file per tested receiver, one row per lane.

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var csvHeader = []string{
	"Lane",
	"EW min (ps)", "EW rec (ps)", "EW (ps)",
	"EH min (mV)", "EH rec (mV)", "EH (mV)",
	"Grade",
	"TimLeft (%UI)", "TimLeft (ps)", "TimLeft steps", "TimLeft status",
	"TimRight (%UI)", "TimRight (ps)", "TimRight steps", "TimRight status",
	"VoltUp (mV)", "VoltUp steps", "VoltUp status",
	"VoltDown (mV)", "VoltDown steps", "VoltDown status",
}

const notAvailable = "NA"

// WriteCSV serializes one receiver's results.
func WriteCSV(w io.Writer, res *Results, crit Criteria) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for i := range res.Lanes {
		l := &res.Lanes[i]
		row := make([]string, 0, len(csvHeader))
		row = append(row, fmt.Sprintf("%d", l.Lane))

		if ew, ok := res.EyeWidthPs(l); ok {
			row = append(row,
				fmt.Sprintf("%.3f", crit.EWMinPs),
				fmt.Sprintf("%.3f", crit.EWRecPs),
				fmt.Sprintf("%.3f", ew))
		} else {
			row = append(row, notAvailable, notAvailable, notAvailable)
		}
		if eh, ok := res.EyeHeightMv(l); ok {
			row = append(row,
				fmt.Sprintf("%.1f", crit.EHMinMv),
				fmt.Sprintf("%.1f", crit.EHRecMv),
				fmt.Sprintf("%.1f", eh))
		} else {
			row = append(row, notAvailable, notAvailable, notAvailable)
		}
		row = append(row, res.GradeLane(l, crit).String())

		for _, dir := range [2]Direction{TimLeft, TimRight} {
			if l.Status[dir] == StatusNone {
				row = append(row, notAvailable, notAvailable, notAvailable, notAvailable)
				continue
			}
			steps := l.Steps[dir]
			row = append(row,
				fmt.Sprintf("%.3f", float64(steps)*res.TimPctPerStep),
				fmt.Sprintf("%.3f", float64(steps)*res.TimPsPerStep),
				fmt.Sprintf("%d", steps),
				l.Status[dir].String())
		}
		for _, dir := range [2]Direction{VoltUp, VoltDown} {
			if l.Status[dir] == StatusNone {
				row = append(row, notAvailable, notAvailable, notAvailable)
				continue
			}
			steps := l.Steps[dir]
			row = append(row,
				fmt.Sprintf("%.1f", float64(steps)*res.VoltMvPerStep),
				fmt.Sprintf("%d", steps),
				l.Status[dir].String())
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes one receiver's results into dir, named after the upstream
// device and the receiver number.
func SaveCSV(dir string, res *Results, crit Criteria) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("margin_%s_rx%d.csv", res.UspBDF, res.Receiver)
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := WriteCSV(f, res, crit); err != nil {
		return "", err
	}
	return path, nil
}
