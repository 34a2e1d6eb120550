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
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "pcielmr",
	Short: "PCI Express lane margining and register utilities",
	Long: `pcielmr drives the PCI Express Lane Margining at the Receiver protocol
against live links, and carries small helpers for device listing and
configuration-space register access.

Margining is disruptive: it retunes the receiver sampling point while the
link carries traffic, and requires a link negotiated at 16 or 32 GT/s with
root access to the devices' config space.`,
}

func main() {
	// glog flags (-v, -logtostderr, ...) ride along as long options.
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
