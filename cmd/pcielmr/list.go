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

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pcielab/pcielmr/internal/pci"
)

var listMarginable bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List PCI devices",
	Long: `List every PCI function the kernel knows about, with its vendor and
device IDs, class code, and bound driver. With --marginable only
functions carrying the Lane Margining extended capability are shown.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVarP(&listMarginable, "marginable", "m", false,
		"only show devices with the lane margining capability")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	devs, err := pci.NewSysfs().Scan()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BDF\tVENDOR\tDEVICE\tREV\tCLASS\tDRIVER")
	for _, d := range devs {
		if listMarginable {
			if _, err := pci.FindExtCapability(d, pci.ExtCapIDLMR); err != nil {
				continue
			}
		}
		driver := d.Driver
		if driver == "" {
			driver = "-"
		}
		fmt.Fprintf(w, "%s\t%04x\t%04x\t%02x\t%06x\t%s\n",
			d.BDF, d.VendorID, d.DeviceID, d.RevisionID, d.ClassCode, driver)
	}
	return w.Flush()
}
