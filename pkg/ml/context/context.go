/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package context defines the Context, which organizes the (hyper-)parameters used to configure a training
// run: noise levels, sampler settings, optimizer and schedule constants, etc.
//
// Parameters are organized in "scopes". The Context object is a thin wrapper that contains the current scope
// (similar to a current directory) and a link to the actual data. One can change scopes by using
// Context.In("new_scope"): it returns a new Context with the new scope set, but still pointing
// (sharing) all the data with the previous Context. E.g:
//
//	ctx := context.New()
//	ctx.SetParam("sample_steps", 50)
//	demoCtx := ctx.In("demo")
//	demoCtx.SetParam("sample_steps", 20)
//	context.GetParamOr(demoCtx, "sample_steps", 0) // -> 20
//	context.GetParamOr(ctx.In("evaluate"), "sample_steps", 0) // -> 50
package context

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kdiffusion/internal/scoped"
)

// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
const ScopeSeparator = "/"

// RootScope is the scope at the very root.
const RootScope = ScopeSeparator

// Context holds the hyperparameters of a run, organized in scopes.
type Context struct {
	scope  string
	params *scoped.Params
}

// New returns an empty context at the root scope.
func New() *Context {
	return &Context{
		scope:  RootScope,
		params: scoped.New(ScopeSeparator),
	}
}

// Clone returns a new Context, with a copy of all parameters, at the same scope.
func (ctx *Context) Clone() *Context {
	return &Context{scope: ctx.scope, params: ctx.params.Clone()}
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
	var newScope string
	if ctx.scope == ScopeSeparator {
		newScope = ScopeSeparator + scope
	} else {
		newScope = ctx.scope + ScopeSeparator + scope
	}
	return &Context{scope: newScope, params: ctx.params}
}

// InAbsPath returns a new reference to the Context, set to the given absolute scope path, which must
// start with ScopeSeparator.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	return &Context{scope: scopePath, params: ctx.params}
}

// SplitScope splits a parameter path like "/demo/sample_steps" into its scope ("/demo") and name
// ("sample_steps"). If it doesn't start with ScopeSeparator, the scope returned is empty.
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	separationIdx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[separationIdx+1:]
	if separationIdx == 0 {
		scope = RootScope
	} else {
		scope = scopeAndName[:separationIdx]
	}
	return
}

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/"), in case the key is not found.
//
// E.g: if current scope is "/a/b", it will search for the key in "/a/b" scope, then
// in "/a" and finally in "/", and return the first result found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.params.Get(ctx.scope, key)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
//
// Note: parameters are saved in checkpoints using JSON encoding. This works well for `string`,
// `bool`, `float64` and `int` and slices of those values.
func (ctx *Context) SetParam(key string, value any) {
	ctx.params.Set(ctx.scope, key, value)
}

// SetParams sets a collection of parameters in the current scope.
//
// This is a shortcut to multiple calls to `Context.SetParam` and the same observations apply.
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.params.Set(ctx.scope, key, value)
	}
}

// EnumerateParams enumerates all parameters for all scopes calls fn with their values.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.params.Enumerate(fn)
}

// ParamsMap returns all parameters keyed by their scoped name: parameters of the root scope
// are keyed by their plain name, others by "<scope>/<key>" (without the leading separator).
func (ctx *Context) ParamsMap() map[string]any {
	m := make(map[string]any)
	ctx.params.Enumerate(func(scope, key string, value any) {
		if scope == RootScope {
			m[key] = value
		} else {
			m[strings.TrimPrefix(scope, ScopeSeparator)+ScopeSeparator+key] = value
		}
	})
	return m
}

// LoadParamsMap sets the parameters of m, keyed as returned by ParamsMap, at their scopes relative to
// the root.
func (ctx *Context) LoadParamsMap(m map[string]any) {
	for key, value := range m {
		scope, name := SplitScope(ScopeSeparator + key)
		ctx.params.Set(scope, name, value)
	}
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// MustGetParam is like GetParam, but panics if the parameter is not found, or if it is not of type T.
//
// It tries to cast the value to the given type. If it fails, it tries to convert the
// value to the given type (so an `int` will be converted to a `float64` transparently).
// If that also fails, an explaining exception is thrown.
func MustGetParam[T any](ctx *Context, key string) T {
	var t T
	valueAny, found := ctx.GetParam(key)
	if !found {
		exceptions.Panicf("parameter %q (of type %T) not found in scope %q (and its parents)", key, t, ctx.Scope())
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(t)
	valueT := reflect.New(typeOfT)
	if valueT.Type().Implements(textUnmarshalerType) && v.Kind() == reflect.String {
		if err := valueT.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v.String())); err != nil {
			exceptions.Panicf("can't UnmarshalText %s to %s", v.String(), typeOfT.String())
		}
		return valueT.Elem().Interface().(T)
	}
	if !v.IsValid() || !v.CanConvert(typeOfT) {
		exceptions.Panicf("MustGetParam/GetParamOr[%T](ctx, %q): ctx(scope=%q)[%q]=(%T) %#v, and cannot be converted to %T",
			t, key, ctx.Scope(), key, valueAny, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

// GetParamOr either returns the value for the given param key in the context `ctx`,
// searching successively from the current scope back to the root scope ("/"), or if the
// key is not found or the key is set to nil, it returns the given default value.
//
// It tries to cast the value to the given type. If it fails, it tries to convert the
// value to the given type (so an `int` will be converted to a `float64` transparently).
// If that also fails, an explaining exception is thrown.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	return MustGetParam[T](ctx, key)
}

// String implements fmt.Stringer.
func (ctx *Context) String() string {
	return fmt.Sprintf("context.Context(scope=%q)", ctx.scope)
}
