// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package schema provides the static control table definitions of the
// supported servo models.
//
// Model definitions are JSON (or YAML) documents validated against an
// embedded JSON schema. The built-in models are embedded in the binary;
// additional models can be loaded from search paths at startup.
package schema

import (
	"fmt"
	"slices"

	"github.com/Thermoquad/mttr/pkg/device"
)

// Access is a field's access mode
type Access string

const (
	AccessRead      Access = "R"
	AccessReadWrite Access = "RW"
)

// Fields with at most this many value map entries are edited as enumerations
const MaxEnumEntries = 20

// Well-known field names
const (
	IdentityFieldName = "ID"
	VelocityFieldName = "Goal Velocity"
)

// Field describes one addressable control table entry
type Field struct {
	Address  uint16           `json:"address" yaml:"address"`
	Size     uint8            `json:"size" yaml:"size"`
	Name     string           `json:"name" yaml:"name"`
	Access   Access           `json:"access" yaml:"access"`
	Range    []int64          `json:"range,omitempty" yaml:"range,omitempty"`
	ValueMap map[int64]string `json:"value_map,omitempty" yaml:"value_map,omitempty"`
	Unit     string           `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Ref returns the (address, size) pair used on the backend surface
func (f *Field) Ref() device.FieldRef {
	return device.FieldRef{Address: f.Address, Size: f.Size}
}

// Writable reports whether the field's access mode allows writes
func (f *Field) Writable() bool {
	return f.Access == AccessReadWrite
}

// Bounds returns the declared numeric range
func (f *Field) Bounds() (min, max int64, ok bool) {
	if len(f.Range) != 2 {
		return 0, 0, false
	}
	return f.Range[0], f.Range[1], true
}

// IsEnum reports whether the field is edited by picking a value map entry
func (f *Field) IsEnum() bool {
	return len(f.ValueMap) > 0 && len(f.ValueMap) <= MaxEnumEntries
}

// EnumKeys returns the value map keys in ascending order
func (f *Field) EnumKeys() []int64 {
	keys := make([]int64, 0, len(f.ValueMap))
	for k := range f.ValueMap {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Label returns the value map label for v
func (f *Field) Label(v int64) (string, bool) {
	label, ok := f.ValueMap[v]
	return label, ok
}

// FormatValue renders a raw value, appending its label when one exists
func (f *Field) FormatValue(v int64) string {
	if label, ok := f.Label(v); ok {
		return fmt.Sprintf("%d (%s)", v, label)
	}
	return fmt.Sprintf("%d", v)
}

// IsIdentity reports whether the field holds the servo's own bus id
func (f *Field) IsIdentity() bool {
	return f.Name == IdentityFieldName
}

func (f *Field) validate() error {
	if !device.ValidSize(f.Size) {
		return fmt.Errorf("field %q: invalid size %d", f.Name, f.Size)
	}
	if f.Access != AccessRead && f.Access != AccessReadWrite {
		return fmt.Errorf("field %q: invalid access mode %q", f.Name, f.Access)
	}
	if min, max, ok := f.Bounds(); ok && min > max {
		return fmt.Errorf("field %q: range [%d, %d] is empty", f.Name, min, max)
	}
	if len(f.Range) != 0 && len(f.Range) != 2 {
		return fmt.Errorf("field %q: range needs exactly two bounds", f.Name)
	}
	return nil
}
