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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pcielab/pcielmr/internal/pci"
)

var regWidth int

var regCmd = &cobra.Command{
	Use:   "reg <bdf> <offset> [value]",
	Short: "Read or write a config-space register",
	Long: `Read a configuration-space register, or write it when a value is given.
The offset and value accept 0x-prefixed hex or decimal. Width is 8, 16 or
32 bits.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runReg,
}

func init() {
	regCmd.Flags().IntVarP(&regWidth, "width", "w", 32, "register width in bits (8, 16 or 32)")
	rootCmd.AddCommand(regCmd)
}

func runReg(cmd *cobra.Command, args []string) error {
	bdf, err := pci.ParseBDF(args[0])
	if err != nil {
		return err
	}
	off, err := strconv.ParseInt(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("offset %q: %w", args[1], err)
	}
	dev, err := pci.NewSysfs().Open(bdf)
	if err != nil {
		return err
	}

	if len(args) == 3 {
		val, err := strconv.ParseUint(args[2], 0, regWidth)
		if err != nil {
			return fmt.Errorf("value %q: %w", args[2], err)
		}
		switch regWidth {
		case 8:
			dev.WriteByte(int32(off), uint8(val))
		case 16:
			dev.WriteWord(int32(off), uint16(val))
		case 32:
			dev.WriteLong(int32(off), uint32(val))
		default:
			return fmt.Errorf("width %d: want 8, 16 or 32", regWidth)
		}
	}

	switch regWidth {
	case 8:
		fmt.Printf("%s @%#04x = %#02x\n", bdf, off, dev.ReadByte(int32(off)))
	case 16:
		fmt.Printf("%s @%#04x = %#04x\n", bdf, off, dev.ReadWord(int32(off)))
	case 32:
		fmt.Printf("%s @%#04x = %#08x\n", bdf, off, dev.ReadLong(int32(off)))
	default:
		return fmt.Errorf("width %d: want 8, 16 or 32", regWidth)
	}
	return nil
}
