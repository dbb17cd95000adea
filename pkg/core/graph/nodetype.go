// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

// NodeType identifies the operation performed by a Node.
type NodeType int

//go:generate go tool enumer -type=NodeType -trimprefix=NodeType -output=gen_nodetype_enumer.go nodetype.go

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeParameter
	NodeTypeConstant
	NodeTypeIdentity
	NodeTypeConvertDType
	NodeTypeNeg
	NodeTypeSqrt
	NodeTypeInverse
	NodeTypeClipNonNegative
	NodeTypeNonNegativeIndicator
	NodeTypeAdd
	NodeTypeSub
	NodeTypeMul
	NodeTypeDiv
	NodeTypeReduceSum
	NodeTypeReshape
	NodeTypeBroadcastToShape
)

// IsUnary returns whether the node type is an element-wise operation over one operand.
func (t NodeType) IsUnary() bool {
	switch t {
	case NodeTypeIdentity, NodeTypeConvertDType, NodeTypeNeg, NodeTypeSqrt, NodeTypeInverse,
		NodeTypeClipNonNegative, NodeTypeNonNegativeIndicator:
		return true
	}
	return false
}

// IsBinary returns whether the node type is an element-wise operation over two (broadcastable) operands.
func (t NodeType) IsBinary() bool {
	switch t {
	case NodeTypeAdd, NodeTypeSub, NodeTypeMul, NodeTypeDiv:
		return true
	}
	return false
}
