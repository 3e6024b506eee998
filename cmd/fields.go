// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Thermoquad/mttr/pkg/schema"
	"github.com/Thermoquad/mttr/pkg/session"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// resolveField finds a field by address or by case-insensitive name
func resolveField(m *schema.Model, arg string) (*schema.Field, error) {
	if addr, err := strconv.ParseUint(arg, 10, 16); err == nil {
		if f, ok := m.Field(uint16(addr)); ok {
			return f, nil
		}
		return nil, fmt.Errorf("%s has no field at address %d", m.Name, addr)
	}
	for i := range m.Fields {
		if strings.EqualFold(m.Fields[i].Name, arg) {
			return &m.Fields[i], nil
		}
	}
	return nil, fmt.Errorf("%s has no field named %q", m.Name, arg)
}

// formatFieldState renders a cached field value with its label and unit
func formatFieldState(f *schema.Field, state session.FieldState) string {
	switch {
	case state.Resolved():
		text := f.FormatValue(state.Value)
		if f.Unit != "" {
			if v, unit := f.Scaled(state.Value); unit != "" {
				text += fmt.Sprintf(" = %.2f %s", v, unit)
			}
		}
		return text
	case state.Failed():
		return "ERR"
	default:
		return state.String()
	}
}

// formatRange renders a field's accepted values
func formatRange(f *schema.Field) string {
	if f.IsEnum() {
		keys := f.EnumKeys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = f.FormatValue(k)
		}
		return strings.Join(parts, ", ")
	}
	if lo, hi, ok := f.Bounds(); ok {
		return fmt.Sprintf("%d ~ %d", lo, hi)
	}
	return ""
}

// fieldTable renders fields and their cached values as a table
func fieldTable(fields []*schema.Field, cache *session.FieldCache) string {
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("ADDR", "NAME", "ACCESS", "VALUE", "RANGE")

	for _, f := range fields {
		value := "---"
		if cache != nil {
			state, _ := cache.Get(f.Address)
			value = formatFieldState(f, state)
			if state.Failed() {
				value = errStyle.Render(state.String())
			}
		}
		t.Row(strconv.Itoa(int(f.Address)), f.Name, string(f.Access), value, formatRange(f))
	}
	return t.Render()
}

// connectServo scans for a single servo and selects it, waiting for its
// control table to load. Failures exit like the scan command.
func connectServo(ctx context.Context, s *session.Session, id uint8) *schema.Model {
	req, err := scanRequest(ctx, s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	req.IDStart, req.IDEnd = id, id

	found, _, err := scanAndWait(ctx, s, req, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SCAN FAILED: %v\n", err)
		os.Exit(2)
	}
	if len(found) == 0 {
		fmt.Fprintf(os.Stderr, "Servo %d did not answer on %s\n", id, req.Port)
		os.Exit(1)
	}

	run, err := s.Select(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNoSchema) {
			fmt.Fprintf(os.Stderr, "No control table known for model %d\n", found[0].ModelNumber)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "READ FAILED: %v\n", err)
		os.Exit(2)
	}
	if err := run.Wait(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "READ FAILED: %v\n", err)
		os.Exit(2)
	}
	return s.Model()
}

// parseServoID parses a servo id argument
func parseServoID(arg string) (uint8, error) {
	id, err := strconv.ParseUint(arg, 10, 8)
	if err != nil || id > 252 {
		return 0, fmt.Errorf("invalid servo id %q (expected 0-252)", arg)
	}
	return uint8(id), nil
}
