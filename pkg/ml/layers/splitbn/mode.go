// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package splitbn

// Mode selects how Layer.Apply normalizes its input. It's given explicitly to every call.
type Mode int

//go:generate go tool enumer -type=Mode -output=gen_mode_enumer.go mode.go

const (
	// Training normalizes with the moments of the batch, and updates the running statistics.
	Training Mode = iota

	// Inference normalizes with the running statistics, and never changes them.
	Inference
)
