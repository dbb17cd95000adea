// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

// Aliases to the graph types.
//
// Usually one would import the graph package with a period (".") so the ops don't need a package
// qualifier. But we can't do this in the context package because of conflicting symbols (Exec, NewExec).

import "github.com/gomlx/splitbn/pkg/core/graph"

// Graph is an alias to graph.Graph.
type Graph = graph.Graph

// Node is an alias to graph.Node.
type Node = graph.Node
