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

	log "github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/pcielab/pcielmr/internal/margin"
	"github.com/pcielab/pcielmr/internal/pci"
)

var marginFlags struct {
	configPath string
	lanes      []int
	receivers  []int
	errorLimit uint8
	parallel   int
	stepsT     uint16
	stepsV     uint16
	maxT       bool
	maxV       bool
	dwellMs    int
	capsOnly   bool
	outputDir  string
	ewMinPs    float64
	ewRecPs    float64
	ehMinMv    float64
	ehRecMv    float64
}

var marginCmd = &cobra.Command{
	Use:   "margin <bdf>...",
	Short: "Run lane margining on one or more links",
	Long: `Margin the receivers of the link each named device sits on. The device
may be either side of the link; its partner is located automatically.
Results are printed per receiver and, with --output, saved as one CSV
file per receiver.

A YAML run file supplies the same arguments as the flags; flags given on
the command line take precedence over the file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMargin,
}

func init() {
	f := marginCmd.Flags()
	f.StringVar(&marginFlags.configPath, "config", "", "YAML run file")
	f.IntSliceVarP(&marginFlags.lanes, "lanes", "l", nil, "lanes to margin (default: all)")
	f.IntSliceVarP(&marginFlags.receivers, "receivers", "r", nil, "receivers to test, 1-6 (default: all present)")
	f.Uint8VarP(&marginFlags.errorLimit, "error-limit", "e", 4, "margin error-count limit per step (0-63)")
	f.IntVarP(&marginFlags.parallel, "parallel", "p", 1, "lanes stepped simultaneously")
	f.Uint16VarP(&marginFlags.stepsT, "timing-steps", "t", 0, "timing step ceiling (0: device maximum)")
	f.Uint16VarP(&marginFlags.stepsV, "voltage-steps", "v", 0, "voltage step ceiling (0: device maximum)")
	f.BoolVarP(&marginFlags.maxT, "timing-max", "T", false, "margin timing to the device maximum")
	f.BoolVarP(&marginFlags.maxV, "voltage-max", "V", false, "margin voltage to the device maximum")
	f.IntVar(&marginFlags.dwellMs, "dwell-ms", 1000, "per-step dwell in milliseconds")
	f.BoolVarP(&marginFlags.capsOnly, "caps-only", "c", false, "report receiver capabilities without stepping")
	f.StringVarP(&marginFlags.outputDir, "output", "o", "", "directory for per-receiver CSV files")
	f.Float64Var(&marginFlags.ewMinPs, "ew-min-ps", 0, "override minimum eye width (ps)")
	f.Float64Var(&marginFlags.ewRecPs, "ew-rec-ps", 0, "override recommended eye width (ps)")
	f.Float64Var(&marginFlags.ehMinMv, "eh-min-mv", 0, "override minimum eye height (mV)")
	f.Float64Var(&marginFlags.ehRecMv, "eh-rec-mv", 0, "override recommended eye height (mV)")
	rootCmd.AddCommand(marginCmd)
}

// marginArgs merges the run file (if any) with the flags the user actually
// set on the command line.
func marginArgs(cmd *cobra.Command) (margin.RunArgs, error) {
	args := margin.DefaultArgs()
	if marginFlags.configPath != "" {
		var err error
		if args, err = margin.LoadArgs(marginFlags.configPath); err != nil {
			return args, err
		}
	}

	set := cmd.Flags().Changed
	if set("lanes") {
		args.Lanes = marginFlags.lanes
	}
	if set("receivers") {
		args.Receivers = marginFlags.receivers
	}
	if set("error-limit") {
		args.ErrorLimit = marginFlags.errorLimit
	}
	if set("parallel") {
		args.Parallel = marginFlags.parallel
	}
	if set("timing-steps") {
		args.StepsT = marginFlags.stepsT
	}
	if set("voltage-steps") {
		args.StepsV = marginFlags.stepsV
	}
	if marginFlags.maxT {
		args.StepsT = 0
	}
	if marginFlags.maxV {
		args.StepsV = 0
	}
	if set("dwell-ms") {
		args.DwellMs = marginFlags.dwellMs
	}
	if set("caps-only") {
		args.CapsOnly = marginFlags.capsOnly
	}
	if set("output") {
		args.OutputDir = marginFlags.outputDir
	}
	if set("ew-min-ps") || set("ew-rec-ps") || set("eh-min-mv") || set("eh-rec-mv") {
		crit := margin.Criteria{}
		if args.Criteria != nil {
			crit = *args.Criteria
		}
		if set("ew-min-ps") {
			crit.EWMinPs = marginFlags.ewMinPs
		}
		if set("ew-rec-ps") {
			crit.EWRecPs = marginFlags.ewRecPs
		}
		if set("eh-min-mv") {
			crit.EHMinMv = marginFlags.ehMinMv
		}
		if set("eh-rec-mv") {
			crit.EHRecMv = marginFlags.ehRecMv
		}
		args.Criteria = &crit
	}
	return args, args.Validate()
}

func runMargin(cmd *cobra.Command, bdfs []string) error {
	args, err := marginArgs(cmd)
	if err != nil {
		return err
	}
	sys := pci.NewSysfs()
	devs, err := sys.Scan()
	if err != nil {
		return err
	}

	failed := 0
	for _, s := range bdfs {
		bdf, err := pci.ParseBDF(s)
		if err != nil {
			return err
		}
		dev, err := sys.Open(bdf)
		if err != nil {
			return err
		}
		log.Infof("margining link of %s", bdf)
		for _, res := range margin.Run(devs, dev, args) {
			if !reportResults(res, args) {
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d receiver(s) failed or could not be tested", failed)
	}
	return nil
}

// criteriaFor picks the grading thresholds for one result set: the user
// override when given, the specification table for the link speed otherwise.
func criteriaFor(res *margin.Results, args margin.RunArgs) margin.Criteria {
	if args.Criteria != nil {
		return *args.Criteria
	}
	return margin.SpecCriteria(res.Speed)
}

// reportResults prints one receiver's outcome and saves its CSV. It returns
// false when the receiver could not be tested or any lane graded FAIL.
func reportResults(res *margin.Results, args margin.RunArgs) bool {
	if res.Outcome != margin.OutcomeOK {
		fmt.Printf("receiver %d (%s): %s\n", res.Receiver, res.UspBDF, res.Outcome)
		return false
	}

	fmt.Printf("receiver %d (%s): %s", res.Receiver, res.UspBDF, res.Params.String())
	if res.LaneReversal {
		fmt.Print(" [lane-reversed]")
	}
	fmt.Println()
	if args.CapsOnly {
		return true
	}

	crit := criteriaFor(res, args)
	ok := true
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  LANE\tEW(ps)\tEH(mV)\tGRADE")
	for i := range res.Lanes {
		l := &res.Lanes[i]
		ew, eh := "NA", "NA"
		if v, k := res.EyeWidthPs(l); k {
			ew = fmt.Sprintf("%.2f", v)
		}
		if v, k := res.EyeHeightMv(l); k {
			eh = fmt.Sprintf("%.1f", v)
		}
		g := res.GradeLane(l, crit)
		if g == margin.GradeFail {
			ok = false
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", l.Lane, ew, eh, g)
	}
	w.Flush()
	if res.TimOffsetNR || res.VoltOffsetNR {
		fmt.Println("  note: device did not report max offset; physical units are advisory")
	}

	if args.OutputDir != "" {
		path, err := margin.SaveCSV(args.OutputDir, res, crit)
		if err != nil {
			log.Errorf("saving CSV for receiver %d: %v", res.Receiver, err)
			return false
		}
		fmt.Printf("  wrote %s\n", path)
	}
	return ok
}
