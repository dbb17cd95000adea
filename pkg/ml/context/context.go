// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context organizes the variables and hyperparameters
// shared by the computation graphs of a model, and Variable holds a value that persists across graph executions.
package context

import (
	"fmt"
	"iter"
	"reflect"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/internal/scoped"
	"github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Context organizes information shared by the computation graphs of a model: for instance one graph for a
// training step and another one for inference share the same normalization statistics.
//
// It holds:
//
//  1. Variables: values that persist across graph executions, like the scale and offset of a normalization
//     layer, or its running statistics.
//  2. Parameters: hyperparameters or any arbitrary information shared among graph building functions.
//  3. Per-graph parameters: values that are specific to one graph.
//
// All three are organized in "scopes". The Context object is a thin reference holding the current scope
// (similar to a current directory) and a pointer to the shared data. Context.In("new_scope") returns a new
// reference in the sub-scope, still sharing all data. E.g.:
//
//	ctx := context.New()
//	ctx.SetParam(splitbn.ParamSplitNum, 4)  // Default for all layers.
//	bn1 := must.M1(splitbn.New(ctx.In("bn1"), 16, dtypes.Float32, splitbn.FromContext(ctx)))
//
// Variable creation is checked by default (Context.Checked(true)): creating a variable that already exists
// panics, unless the context is marked with Context.Reuse, in which case it panics if the variable doesn't exist.
//
// The mode of execution (training or inference) is not stored in Context: layers that behave
// differently take the mode as an explicit argument.
type Context struct {
	// scope for currently created variables and registration.
	scope string

	// reuse of variables, if set to true.
	reuse bool

	// checked access to variables: whether to check for reuse if variable is new or not.
	checked bool

	// initializer is used to initialize variable values for a given shape.
	initializer VariableInitializer

	data *contextData
}

// scopedVariableMap name to variable within a scope.
type scopedVariableMap map[string]*Variable

// contextData is shared among all Context references.
type contextData struct {
	// params holds hyperparameters, e.g. "splitbn_split_num" -> int.
	params *scoped.Params

	// graphParams hold parameters specific to one graph.
	graphParams map[graph.GraphId]*scoped.Params

	// muVars protects variablesMap and variables, since graphs of different executors may be built concurrently.
	muVars       sync.RWMutex
	variablesMap map[string]scopedVariableMap
	variables    []*Variable

	// needsInitialization is set whenever a variable is created without a value, and reset
	// by Context.InitializeVariables.
	needsInitialization bool

	// muCommit serializes the commit of variable updates by all executors of the context.
	muCommit sync.Mutex

	// muUpdate is held by executors whose graphs change variables, from reading the variables values
	// until their new values are committed.
	muUpdate sync.Mutex
}

// VariableInitializer builds a valueless graph that returns the initial value of a variable with the given shape.
type VariableInitializer = func(g *graph.Graph, shape shapes.Shape) *graph.Node

const (
	// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
	ScopeSeparator = "/"

	// RootScope is the scope at the very root.
	RootScope = ScopeSeparator
)

// New returns an empty context, associated with freshly created data.
//
// The default variable initializer sets values to zero. Use Context.WithInitializer to change it,
// see package initializer for options.
func New() *Context {
	return &Context{
		scope:   RootScope,
		checked: true,
		initializer: func(g *graph.Graph, shape shapes.Shape) *graph.Node {
			return graph.Zeros(g, shape)
		},
		data: &contextData{
			params:       scoped.New(ScopeSeparator),
			graphParams:  make(map[graph.GraphId]*scoped.Params),
			variablesMap: make(map[string]scopedVariableMap),
		},
	}
}

// copy creates a copy of the Context reference, sharing the same data.
func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// JoinScope and name into a single string.
// If scope is empty, name is returned.
func JoinScope(scope, name string) string {
	if scope == "" {
		return name
	}
	if strings.HasSuffix(scope, ScopeSeparator) {
		return scope + name
	}
	return scope + ScopeSeparator + name
}

// SplitScope splits the scope from the name for a combined string, typically created by JoinScope.
// If there is no scope, scope is set to "".
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	idx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[idx+1:]
	if idx == 0 {
		return RootScope, name
	}
	return scopeAndName[:idx], name
}

// Scope returns the full scope path.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		exceptions.Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	return ctx.InAbsPath(JoinScope(ctx.scope, scope))
}

// Inf is like In, but the scope is given as a format and args, passed to fmt.Sprintf.
func (ctx *Context) Inf(format string, args ...any) *Context {
	return ctx.In(fmt.Sprintf(format, args...))
}

// InAbsPath returns a new reference to the Context with the given absolute scope path. It must start with
// ScopeSeparator. Use RootScope for the root scope.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// Reuse returns a new reference to the Context set to reuse existing variables.
// If checked is false, this setting is irrelevant.
func (ctx *Context) Reuse() *Context {
	if ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = true
	return ctx2
}

// Unique returns a new reference to the Context, set to only allow new variables.
// If checked is false, this setting is irrelevant.
func (ctx *Context) Unique() *Context {
	if !ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = false
	return ctx2
}

// IsReuse returns whether Context is marked for reuse. This is irrelevant if IsChecked is false.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// Checked returns a new context with the checked flag set accordingly.
// If checked is true, variable creation checks for reuse/uniqueness according to IsReuse.
// If checked is false, variables are reused or created as needed.
func (ctx *Context) Checked(checked bool) *Context {
	if ctx.checked == checked {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.checked = checked
	return ctx2
}

// IsChecked returns whether context is checking reuse rules.
func (ctx *Context) IsChecked() bool { return ctx.checked }

// WithInitializer returns a new reference to the Context, with the initializer set for new variables.
func (ctx *Context) WithInitializer(initializer VariableInitializer) *Context {
	if initializer == nil {
		exceptions.Panicf("Context.WithInitializer passed a nil initializer")
	}
	ctx2 := ctx.copy()
	ctx2.initializer = initializer
	return ctx2
}

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/").
//
// See also GetParamOr to get a parameter with a default.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

// MustGetParam is like GetParam, but panics if the parameter is not found, or if it is not convertible to T.
//
// Values of convertible types are converted (so an int is transparently converted to a float64).
func MustGetParam[T any](ctx *Context, key string) T {
	var t T
	valueAny, found := ctx.GetParam(key)
	if !found {
		exceptions.Panicf("parameter %q (of type %T) not found in scope %q (and its parents)", key, t, ctx.Scope())
	}
	return convertParam[T](ctx, key, valueAny)
}

// GetParamOr returns the value for the given param key, searching from the current scope back to the root
// scope, or defaultValue if it is not found or if it is set to nil.
//
// Values of convertible types are converted, and it panics if the value is not convertible to T.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	return convertParam[T](ctx, key, valueAny)
}

func convertParam[T any](ctx *Context, key string, valueAny any) T {
	if value, ok := valueAny.(T); ok {
		return value
	}
	var t T
	typeOfT := reflect.TypeOf(t)
	v := reflect.ValueOf(valueAny)
	if typeOfT == nil || !v.IsValid() || !v.CanConvert(typeOfT) {
		exceptions.Panicf("parameter %q in scope %q is set to (%T) %#v, which cannot be converted to %T",
			key, ctx.Scope(), valueAny, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes, but not by other scopes.
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.Set(ctx.scope, key, value)
}

// SetParams sets a collection of parameters in the current scope.
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.data.params.Set(ctx.scope, key, value)
	}
}

// EnumerateParams enumerates all parameters for all scopes, sorted by scope and key.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// GetGraphParam returns the value for the given param key for the given graph,
// searching successively from the current scope back to the root scope.
//
// It's like GetParam, but values are specific to a graph. Each newly created graph starts with no graph parameters.
func (ctx *Context) GetGraphParam(g *graph.Graph, key string) (value any, found bool) {
	ctx.data.muVars.RLock()
	graphParams := ctx.data.graphParams[g.GraphId()]
	ctx.data.muVars.RUnlock()
	if graphParams == nil {
		return nil, false
	}
	return graphParams.Get(ctx.scope, key)
}

// SetGraphParam sets the given graph param in the current scope.
func (ctx *Context) SetGraphParam(g *graph.Graph, key string, value any) {
	ctx.data.muVars.Lock()
	defer ctx.data.muVars.Unlock()
	graphParams := ctx.data.graphParams[g.GraphId()]
	if graphParams == nil {
		graphParams = scoped.New(ScopeSeparator)
		ctx.data.graphParams[g.GraphId()] = graphParams
	}
	graphParams.Set(ctx.scope, key, value)
}

// clearGraphParams is called when a graph is no longer used.
func (ctx *Context) clearGraphParams(gID graph.GraphId) {
	ctx.data.muVars.Lock()
	defer ctx.data.muVars.Unlock()
	delete(ctx.data.graphParams, gID)
}

// NeedsInitialization returns whether there are variables that need initialization.
func (ctx *Context) NeedsInitialization() bool {
	ctx.data.muVars.RLock()
	defer ctx.data.muVars.RUnlock()
	return ctx.data.needsInitialization
}

// InitializeVariables initializes all variables in the Context that don't yet have a value,
// by executing their initializers in one graph.
//
// Variables created with VariableWithValue are not initialized.
func (ctx *Context) InitializeVariables() error {
	ctx.data.muCommit.Lock()
	defer ctx.data.muCommit.Unlock()
	var toInitialize []*Variable
	for v := range ctx.IterVariables() {
		if !v.HasValue() {
			toInitialize = append(toInitialize, v)
		}
	}
	if len(toInitialize) == 0 {
		ctx.data.muVars.Lock()
		ctx.data.needsInitialization = false
		ctx.data.muVars.Unlock()
		return nil
	}

	e, err := graph.NewExec(func(g *graph.Graph) []*graph.Node {
		values := make([]*graph.Node, 0, len(toInitialize))
		for _, v := range toInitialize {
			if v.initializer == nil {
				exceptions.Panicf("failed to initialize variable %q: initializer was not configured", v.ScopeAndName())
			}
			value := v.initializer(g, v.shape)
			if !value.Shape().Equal(v.shape) {
				exceptions.Panicf("initializer of variable %q returned shape %s, wanted %s",
					v.ScopeAndName(), value.Shape(), v.shape)
			}
			values = append(values, value)
		}
		return values
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to create executor for variable initialization")
	}
	defer e.Finalize()
	e.SetName("VariableInitialization")
	values, err := e.Exec()
	if err != nil {
		return errors.WithMessagef(err, "failed to build or run variable initialization graph")
	}
	for ii, v := range toInitialize {
		v.setValueLocked(values[ii], NoStep)
	}
	ctx.data.muVars.Lock()
	ctx.data.needsInitialization = false
	ctx.data.muVars.Unlock()
	return nil
}

// IterVariables iterates over all variables, in creation order.
//
// It iterates over a snapshot: variables created during the iteration are not visited.
func (ctx *Context) IterVariables() iter.Seq[*Variable] {
	ctx.data.muVars.RLock()
	variables := make([]*Variable, len(ctx.data.variables))
	copy(variables, ctx.data.variables)
	ctx.data.muVars.RUnlock()
	return func(yield func(*Variable) bool) {
		for _, v := range variables {
			if !yield(v) {
				return
			}
		}
	}
}

// IterVariablesInScope iterates over all variables under the current scope (ctx.Scope()), including sub-scopes.
func (ctx *Context) IterVariablesInScope() iter.Seq[*Variable] {
	baseScope := ctx.Scope()
	prefix := baseScope + ScopeSeparator
	if baseScope == RootScope {
		prefix = baseScope
	}
	return func(yield func(*Variable) bool) {
		for v := range ctx.IterVariables() {
			if v.scope != baseScope && !strings.HasPrefix(v.scope, prefix) {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// NumVariables returns the number of variables in the context.
func (ctx *Context) NumVariables() int {
	ctx.data.muVars.RLock()
	defer ctx.data.muVars.RUnlock()
	return len(ctx.data.variables)
}

// GetVariableByScopeAndName returns the variable with the given scope and name, or nil if it doesn't exist.
// It is not affected by Context.Reuse checks.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	ctx.data.muVars.RLock()
	defer ctx.data.muVars.RUnlock()
	return ctx.data.variablesMap[scope][name]
}

// GetVariable returns the variable with the given name in the current scope, or nil if it doesn't exist.
func (ctx *Context) GetVariable(name string) *Variable {
	return ctx.GetVariableByScopeAndName(ctx.scope, name)
}

// VariableWithShape creates or returns an existing variable with the given shape in the current scope.
// It is initialized with the current variable initializer set for the context, the next time
// Context.InitializeVariables is called (context.Exec does that automatically).
// New variables are marked as trainable.
//
// If Context is set with Context.Checked(true), it panics if:
//
//   - Context.Unique() and the variable already exists;
//   - Context.Reuse() and the variable doesn't exist.
//
// It also panics if the variable exists with a different shape.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	if !shape.Ok() {
		exceptions.Panicf("invalid shape %s for variable %q in scope %q", shape, name, ctx.scope)
	}
	ctx.data.muVars.Lock()
	defer ctx.data.muVars.Unlock()
	v, err := ctx.lockedCheckReuse(name)
	if err != nil {
		panic(err)
	}
	if v != nil {
		if !shape.Equal(v.shape) {
			exceptions.Panicf("requested to reuse variable %q in scope %q, but with different shape from original: "+
				"previous shape=%s, requested shape=%s", name, ctx.scope, v.shape, shape)
		}
		v.initializer = ctx.initializer
		return v
	}
	v = newVariable(ctx, name, shape.Clone())
	v.initializer = ctx.initializer
	ctx.lockedRegisterVariable(v)
	ctx.data.needsInitialization = true
	return v
}

// VariableWithValue creates or returns a variable initialized with the given value in the current scope.
// If the variable already exists, its value is not overwritten.
//
// The value must be concrete: a *tensors.Tensor or a Go value convertible to a tensor.
// The same checks of VariableWithShape apply.
func (ctx *Context) VariableWithValue(name string, value any) *Variable {
	if _, ok := value.(*graph.Node); ok {
		exceptions.Panicf("VariableWithValue(%q) requires a concrete value, a *graph.Node was given", name)
	}
	t, ok := value.(*tensors.Tensor)
	if !ok {
		t = tensors.FromAnyValue(value)
	}
	ctx.data.muVars.Lock()
	defer ctx.data.muVars.Unlock()
	v, err := ctx.lockedCheckReuse(name)
	if err != nil {
		panic(err)
	}
	if v != nil {
		if !t.Shape().Equal(v.shape) {
			exceptions.Panicf("requested to reuse variable %q in scope %q, but with different shape from original: "+
				"previous shape=%s, requested shape=%s", name, ctx.scope, v.shape, t.Shape())
		}
		return v
	}
	v = newVariable(ctx, name, t.Shape().Clone())
	v.value = t
	ctx.lockedRegisterVariable(v)
	return v
}

// lockedCheckReuse returns the existing variable, if any, and an error if it violates the reuse rules.
func (ctx *Context) lockedCheckReuse(name string) (*Variable, error) {
	v := ctx.data.variablesMap[ctx.scope][name]
	if !ctx.checked {
		return v, nil
	}
	if v == nil && ctx.reuse {
		return nil, errors.Errorf("requested variable %q in scope %q with Context.Reuse set, but variable does not exist",
			name, ctx.scope)
	}
	if v != nil && !ctx.reuse {
		return nil, errors.Errorf("variable %q for scope %q already exists -- "+
			"if this was deliberate, use Context.Reuse() or Context.Checked(false)", name, ctx.scope)
	}
	return v, nil
}

func (ctx *Context) lockedRegisterVariable(v *Variable) {
	scopeVars := ctx.data.variablesMap[v.scope]
	if scopeVars == nil {
		scopeVars = make(scopedVariableMap)
		ctx.data.variablesMap[v.scope] = scopeVars
	}
	scopeVars[v.name] = v
	ctx.data.variables = append(ctx.data.variables, v)
}

// ResetVariablesInScope resets the value of all variables under the current scope, so they are re-initialized
// the next time they are used.
func (ctx *Context) ResetVariablesInScope() {
	var count int
	for v := range ctx.IterVariablesInScope() {
		v.Reset()
		count++
	}
	if count > 0 {
		ctx.data.muVars.Lock()
		ctx.data.needsInitialization = true
		ctx.data.muVars.Unlock()
	}
}
