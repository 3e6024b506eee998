// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/mttr/pkg/schema"
	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read <id> [field...]",
	Short: "Read a servo's control table",
	Long: `Read the control table of one servo and print every field, or only the
fields named by address or name.

Examples:
  mttr read 1
  mttr read 1 7 "Goal Velocity" "present temperature"

Exit codes:
  0 - Control table read
  1 - Servo not found, unknown model or unknown field
  2 - Connection or read error`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)
	addScanFlags(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	id, err := parseServoID(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, conn := openSession(ctx)
	defer conn.Close()

	model := connectServo(ctx, s, id)

	var fields []*schema.Field
	if len(args) == 1 {
		for i := range model.Fields {
			fields = append(fields, &model.Fields[i])
		}
	} else {
		for _, arg := range args[1:] {
			f, err := resolveField(model, arg)
			if err != nil {
				return err
			}
			fields = append(fields, f)
		}
	}

	bus, _ := s.Config()
	fmt.Printf("Servo %d: %s (model %d) on %s\n", id, model.Name, model.ModelNumber, bus)
	fmt.Println(fieldTable(fields, s.Cache()))
	return nil
}
