// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package schema

import (
	"fmt"

	"github.com/Thermoquad/mttr/pkg/device"
)

// Model is the control table of one servo model
type Model struct {
	ModelNumber uint16  `json:"model_number" yaml:"model_number"`
	Name        string  `json:"name" yaml:"name"`
	Fields      []Field `json:"fields" yaml:"fields"`

	index map[uint16]int
}

// init checks field consistency and builds the address index
func (m *Model) init() error {
	m.index = make(map[uint16]int, len(m.Fields))
	for i := range m.Fields {
		f := &m.Fields[i]
		if err := f.validate(); err != nil {
			return fmt.Errorf("model %d: %w", m.ModelNumber, err)
		}
		if _, dup := m.index[f.Address]; dup {
			return fmt.Errorf("model %d: duplicate address %d", m.ModelNumber, f.Address)
		}
		m.index[f.Address] = i
	}
	return nil
}

// Field returns the field at address
func (m *Model) Field(address uint16) (*Field, bool) {
	i, ok := m.index[address]
	if !ok {
		return nil, false
	}
	return &m.Fields[i], true
}

// FieldByName returns the first field with the given name
func (m *Model) FieldByName(name string) (*Field, bool) {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i], true
		}
	}
	return nil, false
}

// IdentityField returns the field holding the servo's bus id
func (m *Model) IdentityField() (*Field, bool) {
	return m.FieldByName(IdentityFieldName)
}

// VelocityField returns the goal velocity field driven by the slider control
func (m *Model) VelocityField() (*Field, bool) {
	return m.FieldByName(VelocityFieldName)
}

// FieldRefs returns every field's (address, size) in table order
func (m *Model) FieldRefs() []device.FieldRef {
	refs := make([]device.FieldRef, len(m.Fields))
	for i := range m.Fields {
		refs[i] = m.Fields[i].Ref()
	}
	return refs
}

// Addresses returns every field address in table order
func (m *Model) Addresses() []uint16 {
	addrs := make([]uint16, len(m.Fields))
	for i := range m.Fields {
		addrs[i] = m.Fields[i].Address
	}
	return addrs
}

// NewModel builds a Model from fields. Used for definitions constructed in
// code rather than loaded from files.
func NewModel(number uint16, name string, fields []Field) (*Model, error) {
	m := &Model{ModelNumber: number, Name: name, Fields: fields}
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}
