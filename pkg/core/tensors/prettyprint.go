// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// summaryRowLimit is the row length above which Summary elides the middle values.
const summaryRowLimit = 6

// Summary returns a multi-line summary of the Tensor's content.
// Inspired by numpy output.
func (t *Tensor) Summary(precision int) string {
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	wValue := func(v float64) { w("%.*g", precision, v) }

	dims := t.shape.Dimensions
	for _, dim := range dims {
		w("[%d]", dim)
	}
	w("%s", t.DType().GoType())
	if len(dims) == 0 {
		w("(")
		wValue(t.flat[0])
		w(")")
		return buf.String()
	}

	var printElements func(index, indent int, currentShape []int)
	printElements = func(index, indent int, currentShape []int) {
		if len(currentShape) == 1 {
			w("{")
			n := currentShape[0]
			if n > summaryRowLimit {
				for i := 0; i < 3; i++ {
					if i > 0 {
						w(", ")
					}
					wValue(t.flat[index+i])
				}
				w(", ..., ")
				for i := n - 3; i < n; i++ {
					if i > n-3 {
						w(", ")
					}
					wValue(t.flat[index+i])
				}
			} else {
				for i := 0; i < n; i++ {
					if i > 0 {
						w(", ")
					}
					wValue(t.flat[index+i])
				}
			}
			w("}")
			return
		}

		stride := 1
		for _, dim := range currentShape[1:] {
			stride *= dim
		}
		w("{\n")
		n := currentShape[0]
		for i := 0; i < n; i++ {
			if n > summaryRowLimit && i == 3 {
				w("%s...,\n", strings.Repeat(" ", indent+1))
				i = n - 3
			}
			w("%s", strings.Repeat(" ", indent+1))
			printElements(index+i*stride, indent+1, currentShape[1:])
			w(",\n")
		}
		w("%s}", strings.Repeat(" ", indent))
	}
	printElements(0, 0, dims)
	return buf.String()
}

// MemorySummary returns a one-line description of the tensor shape and its memory footprint in the
// tensor's dtype, e.g.: "(Float32)[128 32 32 16]: 8.4 MB".
func (t *Tensor) MemorySummary() string {
	return fmt.Sprintf("%s: %s", t.shape, humanize.Bytes(uint64(t.Memory())))
}
