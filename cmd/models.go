// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"

	"github.com/Thermoquad/mttr/pkg/schema"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models [model-number]",
	Short: "List known servo models",
	Long: `List the servo models with a known control table, or print the fields of
one model. Models come from the built-in set plus the --models search paths.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	if len(args) == 0 {
		for _, m := range reg.Models() {
			fmt.Printf("%5d  %-20s %d field(s)\n", m.ModelNumber, m.Name, len(m.Fields))
		}
		return nil
	}

	number, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid model number %q", args[0])
	}
	m, ok := reg.Lookup(uint16(number))
	if !ok {
		return fmt.Errorf("no control table known for model %d", number)
	}

	fmt.Printf("%s (model %d)\n", m.Name, m.ModelNumber)
	for i := range m.Fields {
		printField(&m.Fields[i])
	}
	return nil
}

// printField prints one field definition
func printField(f *schema.Field) {
	fmt.Printf("  %4d  %-28s %-2s  %d byte(s)", f.Address, f.Name, f.Access, f.Size)
	if r := formatRange(f); r != "" {
		fmt.Printf("  [%s]", r)
	}
	if f.Unit != "" {
		fmt.Printf("  %s", f.Unit)
	}
	fmt.Println()
}
