// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/Thermoquad/mttr/pkg/session"
	"github.com/spf13/cobra"
)

var writeCmd = &cobra.Command{
	Use:   "write <id> <field> <value>",
	Short: "Write one control table field",
	Long: `Write a single field of one servo. The field is named by address or name.
The value is checked against the field's range and value map before anything
is sent to the servo.

Writing the ID field moves the servo to its new id.

Examples:
  mttr write 1 "Goal Velocity" 200
  mttr write 1 7 3

Exit codes:
  0 - Field written
  1 - Servo not found, unknown field or invalid value
  2 - Connection or write error`,
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

func init() {
	rootCmd.AddCommand(writeCmd)
	addScanFlags(writeCmd)
}

func runWrite(cmd *cobra.Command, args []string) error {
	id, err := parseServoID(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, conn := openSession(ctx)
	defer conn.Close()

	model := connectServo(ctx, s, id)
	f, err := resolveField(model, args[1])
	if err != nil {
		return err
	}

	w := s.Writes()
	before, _ := s.Cache().Get(f.Address)
	if err := w.BeginEdit(f.Address); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot edit %s: %v\n", f.Name, err)
		os.Exit(1)
	}
	if err := w.SetDraft(f.Address, args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if _, err := w.Validate(f.Address, args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "Rejected: %v\n", err)
		if r := formatRange(f); r != "" {
			fmt.Fprintf(os.Stderr, "Accepted: %s\n", r)
		}
		os.Exit(1)
	}
	if err := w.CommitDraft(ctx, f.Address); err != nil {
		if session.IsValidationError(err) {
			fmt.Fprintf(os.Stderr, "Rejected: %v\n", err)
			os.Exit(1)
		}
		// the session has already reported the failure
		os.Exit(2)
	}

	after, _ := s.Cache().Get(f.Address)
	fmt.Printf("%s: %s -> %s\n", f.Name, formatFieldState(f, before), formatFieldState(f, after))
	if f.IsIdentity() {
		if active, ok := s.Active(); ok {
			fmt.Printf("Servo now answers as ID %d\n", active.ID)
		}
	}
	return nil
}
