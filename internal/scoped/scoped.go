// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a string key to any value, organized in hierarchical scopes.
package scoped

import (
	"strings"

	"github.com/gomlx/splitbn/pkg/support/xslices"
)

// Params maps keys to values per scope. Looking up a key searches the given scope first and then each of its
// parents up to the root scope, returning the first value found.
//
// Example, with Params holding:
//
//	Scope "/":     {"splitbn_split_num": 1, "splitbn_epsilon": 1e-5}
//	Scope "/a":    {"splitbn_split_num": 4}
//	Scope "/a/bn": {"splitbn_decay": 0.05}
//
//	Get("/a/bn", "splitbn_split_num") -> 4
//	Get("/a/bn", "splitbn_epsilon") -> 1e-5
//	Get("/b", "splitbn_decay") -> not found
//
// Scopes always start with the separator, and the root scope is the separator alone.
//
// The Context object uses Params for its hyperparameters (Context.GetParam) and for the per-graph
// parameters (Context.GetGraphParam).
type Params struct {
	Separator  string
	scopeToMap map[string]map[string]any
}

// New creates an empty Params using the given scope separator.
func New(scopeSeparator string) *Params {
	return &Params{
		Separator:  scopeSeparator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a copy of Params. Values themselves are not copied.
func (p *Params) Clone() *Params {
	clone := New(p.Separator)
	for scope, dataMap := range p.scopeToMap {
		cloneMap := make(map[string]any, len(dataMap))
		for key, value := range dataMap {
			cloneMap[key] = value
		}
		clone.scopeToMap[scope] = cloneMap
	}
	return clone
}

// Set sets the value for the key in the given scope.
func (p *Params) Set(scope, key string, value any) {
	dataMap := p.scopeToMap[scope]
	if dataMap == nil {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Delete removes the key from the given scope only. Values set in parent scopes are not affected.
func (p *Params) Delete(scope, key string) {
	if dataMap := p.scopeToMap[scope]; dataMap != nil {
		delete(dataMap, key)
	}
}

// Get retrieves the value for the key in the given scope or its closest parent scope that has it set.
// E.g.: Get("/a/b", "myKey") searches "myKey" in the scopes "/a/b", "/a" and "/", in that order.
//
// It returns the value found, if any, and whether it was found.
func (p *Params) Get(scope, key string) (value any, found bool) {
	for {
		if dataMap := p.scopeToMap[scope]; dataMap != nil {
			if value, found = dataMap[key]; found {
				return value, true
			}
		}
		if scope == p.Separator || scope == "" {
			return nil, false
		}
		scope = p.parent(scope)
	}
}

// parent returns the parent of the scope, or the root scope for a scope with a single element.
func (p *Params) parent(scope string) string {
	idx := strings.LastIndex(scope, p.Separator)
	if idx <= 0 {
		return p.Separator
	}
	return scope[:idx]
}

// Enumerate calls fn for every value stored, sorted by scope and then by key.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	for _, scope := range xslices.SortedKeys(p.scopeToMap) {
		dataMap := p.scopeToMap[scope]
		for _, key := range xslices.SortedKeys(dataMap) {
			fn(scope, key, dataMap[key])
		}
	}
}
