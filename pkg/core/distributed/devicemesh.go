// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the objects used for data-parallel execution over replicas:
//
//   - DeviceMesh: a 1D topology of replicas along a named axis.
//   - Tensor: a logical tensor whose batch axis is sharded contiguously across the replicas of a DeviceMesh.
package distributed

import (
	"fmt"
	"slices"

	"github.com/gomlx/splitbn/pkg/support/sets"
	"github.com/pkg/errors"
)

// DefaultAxisName is the name of the replica axis if none is given.
const DefaultAxisName = "replica"

// DeviceMesh is the logical topology of a set of replicas: one axis, with NumDevices replicas.
//
// Each replica is identified by its position in the mesh (0 to NumDevices-1), and optionally mapped to a
// different logical device by SetLogicalDeviceAssignment.
type DeviceMesh struct {
	axisName   string
	numDevices int

	// logicalDeviceAssignment maps the position in the mesh to a logical device. If nil it's the identity.
	logicalDeviceAssignment []int
}

// IsNameValid checks whether a name is a valid identifier for a mesh axis: an ASCII letter followed by
// letters, digits or underscores.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	for ii, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9' && ii > 0:
		default:
			return false
		}
	}
	return true
}

// NewDeviceMesh creates a 1D mesh of numDevices replicas along the axis axisName.
// If axisName is empty, DefaultAxisName is used.
func NewDeviceMesh(numDevices int, axisName string) (*DeviceMesh, error) {
	if numDevices < 1 {
		return nil, errors.Errorf("DeviceMesh requires at least one device, got %d", numDevices)
	}
	if axisName == "" {
		axisName = DefaultAxisName
	}
	if !IsNameValid(axisName) {
		return nil, errors.Errorf("DeviceMesh axis name %q is not a valid identifier, it must start with an ASCII "+
			"letter and be followed only by letters, numbers or underscore", axisName)
	}
	return &DeviceMesh{axisName: axisName, numDevices: numDevices}, nil
}

// AxisName returns the name of the replica axis.
func (m *DeviceMesh) AxisName() string {
	return m.axisName
}

// NumDevices returns the number of replicas in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// String implements fmt.Stringer.
func (m *DeviceMesh) String() string {
	return fmt.Sprintf("DeviceMesh(%s=%d)", m.axisName, m.numDevices)
}

// SetLogicalDeviceAssignment sets the logical device of each position in the mesh.
//
// devices must be a permutation of 0 to NumDevices()-1. Passing no devices resets the assignment to the identity.
func (m *DeviceMesh) SetLogicalDeviceAssignment(devices ...int) error {
	if len(devices) == 0 {
		m.logicalDeviceAssignment = nil
		return nil
	}
	if len(devices) != m.numDevices {
		return errors.Errorf("devices must have %d elements, got %d", m.numDevices, len(devices))
	}
	seen := sets.Make[int](m.numDevices)
	for _, device := range devices {
		if device < 0 || device >= m.numDevices {
			return errors.Errorf("devices must be between 0 and %d (NumDevices()-1), got device %d",
				m.numDevices-1, device)
		}
		if !seen.Insert(device) {
			return errors.Errorf("device #%d is duplicated in the assignment", device)
		}
	}
	m.logicalDeviceAssignment = slices.Clone(devices)
	return nil
}

// LogicalDevice returns the logical device of the replica at the given position in the mesh.
func (m *DeviceMesh) LogicalDevice(position int) int {
	if m.logicalDeviceAssignment == nil {
		return position
	}
	return m.logicalDeviceAssignment[position]
}
